package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	apievents "github.com/containerd/containerd/api/events"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// DefaultNamespace is the containerd namespace for hutch
	DefaultNamespace = "hutch"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	logPollInterval = 250 * time.Millisecond
)

// ContainerdRuntime implements Provider on containerd. containerd has no
// network object, so networks are tracked in memory and containers run in
// the host network namespace.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string

	mu       sync.Mutex
	networks map[string]*bookNetwork
}

type bookNetwork struct {
	id      string
	labels  map[string]string
	members map[string][]string
}

// NewContainerdRuntime creates a new containerd runtime client. Task output
// is written under logDir.
func NewContainerdRuntime(socketPath, logDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		logDir:    logDir,
		networks:  make(map[string]*bookNetwork),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

func (r *ContainerdRuntime) logPath(id string) string {
	return filepath.Join(r.logDir, id+".log")
}

// CreateContainer pulls the image if needed and creates the container
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx = r.ns(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if errdefs.IsNotFound(err) {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	}
	if err != nil {
		return "", types.External("containerd", "pull image "+spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}
	if spec.Hostname != "" {
		opts = append(opts, oci.WithHostname(spec.Hostname))
	}
	if spec.WorkspacePath != "" {
		target := spec.WorkspaceMount
		if target == "" {
			target = "/workspace"
		}
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      spec.WorkspacePath,
			Destination: target,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}))
	}

	id := spec.Name
	if id == "" {
		id = uuid.New().String()
	}

	c, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", types.External("containerd", "create container "+id, err)
	}

	if spec.Network != "" {
		if err := r.ConnectNetwork(ctx, spec.Network, c.ID(), spec.Aliases); err != nil {
			return "", err
		}
	}
	return c.ID(), nil
}

// StartContainer creates a task for the container and starts it
func (r *ContainerdRuntime) StartContainer(ctx context.Context, id string) error {
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return types.External("containerd", "load container "+id, err)
	}

	task, err := c.NewTask(ctx, cio.LogFile(r.logPath(id)))
	if err != nil {
		return types.External("containerd", "create task", err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return types.External("containerd", "start task", err)
	}
	return nil
}

// StopContainer sends SIGTERM and escalates to SIGKILL after timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return types.External("containerd", "load container "+id, err)
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return types.External("containerd", "wait task", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return types.External("containerd", "kill task", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return types.External("containerd", "force kill task", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return types.External("containerd", "delete task", err)
	}
	return nil
}

// RemoveContainer kills any task and deletes the container with its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, id string) error {
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			r.forget(id)
			return nil
		}
		return types.External("containerd", "load container "+id, err)
	}

	if task, err := c.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return types.External("containerd", "delete task", err)
		}
	}

	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return types.External("containerd", "delete container "+id, err)
	}

	r.forget(id)
	if err := os.Remove(r.logPath(id)); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Err(err).Str("container_id", id).Msg("Failed to remove task log")
	}
	return nil
}

// ContainerExists reports whether containerd still knows the container
func (r *ContainerdRuntime) ContainerExists(ctx context.Context, id string) (bool, error) {
	_, err := r.client.LoadContainer(r.ns(ctx), id)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, types.External("containerd", "load container "+id, err)
}

// InspectContainer returns the container's labels and task state
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, id string) (*ContainerInfo, error) {
	ctx = r.ns(ctx)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.NewNotFound("container", id)
		}
		return nil, types.External("containerd", "load container "+id, err)
	}

	cinfo, err := c.Info(ctx)
	if err != nil {
		return nil, types.External("containerd", "container info", err)
	}

	// Tasks share the host network namespace
	info := &ContainerInfo{
		ID:        id,
		Name:      id,
		Status:    "created",
		Labels:    cinfo.Labels,
		IPAddress: "127.0.0.1",
	}

	r.mu.Lock()
	for name, n := range r.networks {
		if _, ok := n.members[id]; ok {
			info.Networks = append(info.Networks, name)
		}
	}
	r.mu.Unlock()

	task, err := c.Task(ctx, nil)
	if err != nil {
		return info, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, types.External("containerd", "task status", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused:
		info.Running = true
		info.Status = "running"
	case containerd.Stopped:
		info.Status = "exited"
		info.ExitCode = int(status.ExitStatus)
	default:
		info.Status = string(status.Status)
	}
	return info, nil
}

// ListContainers returns ids of containers in the namespace matching labels
func (r *ContainerdRuntime) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	ctx = r.ns(ctx)

	var fs []string
	for k, v := range labels {
		fs = append(fs, fmt.Sprintf("labels.%q==%s", k, v))
	}

	// Multiple filters are OR'ed, so a single conjunctive filter is built
	var filter []string
	if len(fs) > 0 {
		joined := fs[0]
		for _, f := range fs[1:] {
			joined += "," + f
		}
		filter = []string{joined}
	}

	containers, err := r.client.Containers(ctx, filter...)
	if err != nil {
		return nil, types.External("containerd", "list containers", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// CreateNetwork records a network. Creating an existing name fails.
func (r *ContainerdRuntime) CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[name]; ok {
		return "", types.External("containerd", "create network "+name, fmt.Errorf("network already exists"))
	}

	n := &bookNetwork{
		id:      uuid.New().String(),
		labels:  labels,
		members: make(map[string][]string),
	}
	r.networks[name] = n
	return n.id, nil
}

// RemoveNetwork drops a network record
func (r *ContainerdRuntime) RemoveNetwork(ctx context.Context, name string) error {
	r.mu.Lock()
	delete(r.networks, name)
	r.mu.Unlock()
	return nil
}

// NetworkExists reports whether a network record exists
func (r *ContainerdRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.networks[name]
	return ok, nil
}

// ConnectNetwork records the container as a member with its aliases
func (r *ContainerdRuntime) ConnectNetwork(ctx context.Context, network, containerID string, aliases []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[network]
	if !ok {
		return types.NewNotFound("network", network)
	}
	n.members[containerID] = aliases
	return nil
}

// DisconnectNetwork removes the container from the network record
func (r *ContainerdRuntime) DisconnectNetwork(ctx context.Context, network, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.networks[network]; ok {
		delete(n.members, containerID)
	}
	return nil
}

// IsConnected reports whether the container is a member of the network
func (r *ContainerdRuntime) IsConnected(ctx context.Context, network, containerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.networks[network]
	if !ok {
		return false, nil
	}
	_, ok = n.members[containerID]
	return ok, nil
}

func (r *ContainerdRuntime) forget(containerID string) {
	r.mu.Lock()
	for _, n := range r.networks {
		delete(n.members, containerID)
	}
	r.mu.Unlock()
}

// Events subscribes to task lifecycle events. Label and network filters are
// applied against container labels and network records.
func (r *ContainerdRuntime) Events(ctx context.Context, filter EventFilter) (<-chan Event, <-chan error) {
	out := make(chan Event)
	outErr := make(chan error, 1)

	wantContainers := len(filter.Types) == 0
	for _, t := range filter.Types {
		if t == EventTypeContainer {
			wantContainers = true
		}
	}

	envs, errs := r.client.Subscribe(ctx,
		fmt.Sprintf(`namespace==%s,topic~="/tasks/"`, r.namespace),
		fmt.Sprintf(`namespace==%s,topic~="/containers/"`, r.namespace),
	)

	go func() {
		defer close(out)
		for {
			select {
			case env, ok := <-envs:
				if !ok {
					outErr <- io.EOF
					return
				}
				if !wantContainers || env.Event == nil {
					continue
				}
				decoded, err := typeurl.UnmarshalAny(env.Event)
				if err != nil {
					log.Logger.Debug().Err(err).Str("topic", env.Topic).Msg("Skipping undecodable containerd event")
					continue
				}
				ev, ok := fromContainerdEvent(decoded, env.Timestamp)
				if !ok || !r.matches(ctx, ev, filter) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					outErr <- ctx.Err()
					return
				}
			case err := <-errs:
				if err == nil {
					err = io.EOF
				}
				outErr <- types.External("containerd", "events", err)
				return
			case <-ctx.Done():
				outErr <- ctx.Err()
				return
			}
		}
	}()
	return out, outErr
}

func fromContainerdEvent(v interface{}, ts time.Time) (Event, bool) {
	ev := Event{Type: EventTypeContainer, Time: ts, Attributes: map[string]string{}}
	switch e := v.(type) {
	case *apievents.TaskStart:
		ev.Action = ActionStart
		ev.ActorID = e.ContainerID
	case *apievents.TaskExit:
		ev.Action = ActionDie
		ev.ActorID = e.ContainerID
		ev.Attributes["exitCode"] = fmt.Sprintf("%d", e.ExitStatus)
	case *apievents.ContainerCreate:
		ev.Action = ActionCreate
		ev.ActorID = e.ID
	case *apievents.ContainerDelete:
		ev.Action = ActionDestroy
		ev.ActorID = e.ID
	default:
		return Event{}, false
	}
	return ev, true
}

func (r *ContainerdRuntime) matches(ctx context.Context, ev Event, filter EventFilter) bool {
	if len(filter.Networks) > 0 {
		r.mu.Lock()
		member := false
		for _, name := range filter.Networks {
			if n, ok := r.networks[name]; ok {
				if _, ok := n.members[ev.ActorID]; ok {
					member = true
				}
			}
		}
		r.mu.Unlock()
		if !member {
			return false
		}
	}

	if len(filter.Labels) == 0 {
		return true
	}
	if ev.Action == ActionDestroy {
		// Labels are gone with the container
		return true
	}

	c, err := r.client.LoadContainer(r.ns(ctx), ev.ActorID)
	if err != nil {
		return false
	}
	labels, err := c.Labels(r.ns(ctx))
	if err != nil {
		return false
	}
	for k, v := range filter.Labels {
		if labels[k] != v {
			return false
		}
		ev.Attributes[k] = v
	}
	return true
}

// Logs follows the task log file. Output before since is not filtered
// because the log file carries no timestamps.
func (r *ContainerdRuntime) Logs(ctx context.Context, id string, since time.Time) (io.ReadCloser, error) {
	f, err := os.Open(r.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewNotFound("container log", id)
		}
		return nil, types.External("containerd", "open log", err)
	}

	pr, pw := io.Pipe()
	go followFile(ctx, f, pw)
	return pr, nil
}

func followFile(ctx context.Context, f *os.File, w *io.PipeWriter) {
	defer f.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF {
			select {
			case <-ctx.Done():
				w.CloseWithError(ctx.Err())
				return
			case <-time.After(logPollInterval):
			}
			if _, statErr := os.Stat(f.Name()); statErr != nil {
				// Log file removed with the container
				w.Close()
				return
			}
			continue
		}
		if err != nil {
			w.CloseWithError(err)
			return
		}
	}
}
