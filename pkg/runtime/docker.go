package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/types"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime implements Provider using the Docker Engine API
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime creates a Docker runtime client. An empty host uses the
// environment (DOCKER_HOST and friends).
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close closes the client connection
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// CreateContainer pulls the image if needed and creates the container
func (r *DockerRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Hostname,
		Env:      spec.Env,
		Labels:   spec.Labels,
	}

	hostCfg := &container.HostConfig{}
	if spec.WorkspacePath != "" {
		target := spec.WorkspaceMount
		if target == "" {
			target = "/workspace"
		}
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspacePath,
			Target: target,
		}}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", types.External("docker", "create container "+spec.Name, err)
	}
	return resp.ID, nil
}

func (r *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return types.External("docker", "inspect image "+ref, err)
	}

	reader, err := r.cli.ImagePull(ctx, ref, dockertypes.ImagePullOptions{})
	if err != nil {
		return types.External("docker", "pull image "+ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return types.External("docker", "pull image "+ref, err)
	}
	return nil
}

// StartContainer starts a created container
func (r *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return types.External("docker", "start container", r.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// StopContainer stops a container, killing it after timeout
func (r *DockerRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return types.External("docker", "stop container", err)
}

// RemoveContainer force-removes a container and its anonymous volumes
func (r *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return types.External("docker", "remove container", err)
}

// ContainerExists reports whether the runtime still knows the container
func (r *DockerRuntime) ContainerExists(ctx context.Context, id string) (bool, error) {
	_, err := r.cli.ContainerInspect(ctx, id)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, types.External("docker", "inspect container", err)
}

// InspectContainer returns the container's current state
func (r *DockerRuntime) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	resp, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.NewNotFound("container", id)
		}
		return nil, types.External("docker", "inspect container", err)
	}

	info := &ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		info.Running = resp.State.Running
		info.Status = resp.State.Status
		info.ExitCode = resp.State.ExitCode
		if resp.State.Health != nil {
			info.Health = resp.State.Health.Status
		}
	}
	if resp.NetworkSettings != nil {
		session := SessionNetworkName(info.Labels[LabelSession])
		for name, ep := range resp.NetworkSettings.Networks {
			info.Networks = append(info.Networks, name)
			if ep == nil || ep.IPAddress == "" {
				continue
			}
			if info.IPAddress == "" || name == session {
				info.IPAddress = ep.IPAddress
			}
		}
		sort.Strings(info.Networks)
	}
	return info, nil
}

// ListContainers returns ids of all containers (running or not) matching labels
func (r *DockerRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, types.External("docker", "list containers", err)
	}

	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// CreateNetwork creates a bridge network
func (r *DockerRuntime) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	resp, err := r.cli.NetworkCreate(ctx, name, dockertypes.NetworkCreate{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return "", types.External("docker", "create network "+name, err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network; a missing network is not an error
func (r *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	err := r.cli.NetworkRemove(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return types.External("docker", "remove network "+name, err)
}

// NetworkExists reports whether a network with this name or id exists
func (r *DockerRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := r.cli.NetworkInspect(ctx, name, dockertypes.NetworkInspectOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, types.External("docker", "inspect network "+name, err)
}

// ConnectNetwork attaches a container to a network with optional aliases
func (r *DockerRuntime) ConnectNetwork(ctx context.Context, networkName, containerID string, aliases []string) error {
	err := r.cli.NetworkConnect(ctx, networkName, containerID, &network.EndpointSettings{Aliases: aliases})
	return types.External("docker", "connect network "+networkName, err)
}

// DisconnectNetwork detaches a container from a network
func (r *DockerRuntime) DisconnectNetwork(ctx context.Context, networkName, containerID string) error {
	err := r.cli.NetworkDisconnect(ctx, networkName, containerID, true)
	if errdefs.IsNotFound(err) {
		return nil
	}
	return types.External("docker", "disconnect network "+networkName, err)
}

// IsConnected reports whether the container is attached to the network
func (r *DockerRuntime) IsConnected(ctx context.Context, networkName, containerID string) (bool, error) {
	resp, err := r.cli.NetworkInspect(ctx, networkName, dockertypes.NetworkInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, types.External("docker", "inspect network "+networkName, err)
	}
	for id := range resp.Containers {
		if id == containerID || strings.HasPrefix(id, containerID) {
			return true, nil
		}
	}
	return false, nil
}

// Events subscribes to the Docker event stream. The error channel receives
// exactly one value when the stream ends.
func (r *DockerRuntime) Events(ctx context.Context, filter EventFilter) (<-chan Event, <-chan error) {
	args := filters.NewArgs()
	for _, t := range filter.Types {
		args.Add("type", string(t))
	}
	for k, v := range filter.Labels {
		args.Add("label", k+"="+v)
	}
	for _, n := range filter.Networks {
		args.Add("network", n)
	}

	msgs, errs := r.cli.Events(ctx, dockertypes.EventsOptions{Filters: args})

	out := make(chan Event)
	outErr := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					outErr <- io.EOF
					return
				}
				select {
				case out <- fromDockerEvent(msg):
				case <-ctx.Done():
					outErr <- ctx.Err()
					return
				}
			case err := <-errs:
				if err == nil {
					err = io.EOF
				}
				outErr <- types.External("docker", "events", err)
				return
			case <-ctx.Done():
				outErr <- ctx.Err()
				return
			}
		}
	}()
	return out, outErr
}

func fromDockerEvent(msg events.Message) Event {
	action := string(msg.Action)
	// Health events arrive as "health_status: healthy"
	if strings.HasPrefix(action, ActionHealth) {
		status := strings.TrimSpace(strings.TrimPrefix(action, ActionHealth+":"))
		attrs := make(map[string]string, len(msg.Actor.Attributes)+1)
		for k, v := range msg.Actor.Attributes {
			attrs[k] = v
		}
		attrs["health_status"] = status
		return Event{
			Type:       EventType(msg.Type),
			Action:     ActionHealth,
			ActorID:    msg.Actor.ID,
			Attributes: attrs,
			Time:       time.Unix(0, msg.TimeNano),
		}
	}

	return Event{
		Type:       EventType(msg.Type),
		Action:     action,
		ActorID:    msg.Actor.ID,
		Attributes: msg.Actor.Attributes,
		Time:       time.Unix(0, msg.TimeNano),
	}
}

// Logs follows a container's stdout and stderr from since onwards
func (r *DockerRuntime) Logs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}
	if !since.IsZero() {
		opts.Since = strconv.FormatInt(since.Unix(), 10)
	}

	raw, err := r.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return nil, types.External("docker", "container logs", err)
	}

	// Containers run without a TTY, so the stream is multiplexed
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}
