package provisioner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/cleanup"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/health"
	"github.com/cuemby/hutch/pkg/ingress"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkspaceMount = "/workspace"
	defaultHealthTimeout  = 2 * time.Minute
	healthPollInterval    = 500 * time.Millisecond
)

// Provisioning results, used as metric labels
const (
	resultSuccess  = "success"
	resultFailed   = "failed"
	resultCycle    = "cycle"
	resultOrphaned = "orphaned"
)

// Workspaces prepares the host directory mounted into a container
type Workspaces interface {
	Prepare(ctx context.Context, sessionID, containerID string, repo *types.Repository) (string, error)
}

// Cleaner runs the teardown flavors the provisioner needs
type Cleaner interface {
	Orphaned(ctx context.Context, sessionID string) *cleanup.Report
	Error(ctx context.Context, sessionID string, cause error) *cleanup.Report
}

// Options wires the collaborators of a Provisioner
type Options struct {
	Store          storage.Store
	Runtime        runtime.Provider
	Registrar      ingress.Registrar
	Publisher      events.Publisher
	Workspaces     Workspaces // optional; containers get no workspace mount without it
	Cleaner        Cleaner
	WorkspaceMount string
	HealthTimeout  time.Duration
}

// Provisioner builds the containers of a session level by level
type Provisioner struct {
	opts   Options
	logger zerolog.Logger
	sleep  func(context.Context, time.Duration) error
}

// New creates a provisioner
func New(opts Options) *Provisioner {
	if opts.WorkspaceMount == "" {
		opts.WorkspaceMount = defaultWorkspaceMount
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	return &Provisioner{
		opts:   opts,
		logger: log.WithComponent("provisioner"),
		sleep:  sleepCtx,
	}
}

// prepared is everything needed to start one container
type prepared struct {
	def       *types.ContainerDefinition
	record    *types.SessionContainer
	hostname  string
	ports     []int
	env       []string
	workspace string
}

// run is the state of one Initialize call
type run struct {
	session  *types.Session
	project  *types.Project
	network  string
	prepared map[string]*prepared

	mu        sync.Mutex
	runtimeID map[string]string
	targets   []*types.ProxyTarget
}

// Initialize provisions every container of the session's project. On any
// failure after dependency resolution the session is torn down through the
// error cleanup path and the error is returned. If the session was marked
// deleting while provisioning ran, the started containers are torn down as
// orphans and the session record is removed.
func (p *Provisioner) Initialize(ctx context.Context, sessionID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProvisionDuration)

	logger := p.logger.With().Str("session_id", sessionID).Logger()

	sess, err := p.opts.Store.GetSession(sessionID)
	if err != nil {
		return err
	}
	logger = logger.With().Str("project_id", sess.ProjectID).Logger()

	r := &run{
		session:   sess,
		network:   runtime.SessionNetworkName(sessionID),
		prepared:  make(map[string]*prepared),
		runtimeID: make(map[string]string),
	}

	started, err := p.provision(ctx, r)
	if err != nil {
		var cycle *resolver.CircularDependencyError
		if errors.As(err, &cycle) {
			metrics.ProvisionsTotal.WithLabelValues(resultCycle).Inc()
			logger.Error().
				Strs("cycle", cycle.Cycle).
				Msg("Circular container dependency, session not provisioned")
		} else {
			metrics.ProvisionsTotal.WithLabelValues(resultFailed).Inc()
			logger.Error().Err(err).Msg("Session provisioning failed")
		}
		p.fail(ctx, sessionID, err)
		return err
	}

	// The session may have been deleted while containers were starting
	if p.deletedMeanwhile(sessionID) {
		metrics.ProvisionsTotal.WithLabelValues(resultOrphaned).Inc()
		logger.Warn().Int("containers", started).Msg("Session deleted during provisioning, removing orphaned resources")
		p.opts.Cleaner.Orphaned(ctx, sessionID)
		if err := p.opts.Store.DeleteSession(sessionID); err != nil && !types.IsNotFound(err) {
			logger.Warn().Err(err).Msg("Failed to delete orphaned session record")
		}
		p.opts.Publisher.PublishDelta(events.ChannelSessions, sessionID, &events.SessionRemoved{
			SessionID: sessionID,
			ProjectID: sess.ProjectID,
			Reason:    "deleted during provisioning",
		})
		return nil
	}

	metrics.ProvisionsTotal.WithLabelValues(resultSuccess).Inc()
	logger.Info().
		Int("containers", started).
		Dur("duration", timer.Duration()).
		Msg("Session provisioned")
	return nil
}

// provision runs resolution, network creation, preparation, leveled start
// and proxy registration. It returns the number of containers started.
func (p *Provisioner) provision(ctx context.Context, r *run) (int, error) {
	project, err := p.opts.Store.GetProject(r.session.ProjectID)
	if err != nil {
		return 0, err
	}
	r.project = project

	defs, err := p.opts.Store.ListContainerDefinitions(project.ID)
	if err != nil {
		return 0, types.External("store", "list container definitions", err)
	}
	if len(defs) == 0 {
		return 0, nil
	}

	levels, err := resolver.Resolve(resolver.FromDefinitions(defs))
	if err != nil {
		return 0, err
	}

	if err := p.createRecords(r, defs); err != nil {
		return 0, err
	}

	labels := runtime.SessionLabels(r.session.ID, project.ID)
	if _, err := p.opts.Runtime.CreateNetwork(ctx, r.network, labels); err != nil {
		return 0, err
	}

	if err := p.prepare(ctx, r, defs); err != nil {
		return 0, err
	}

	started := 0
	for i, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range level {
			prep, ok := r.prepared[id]
			if !ok {
				return started, &types.InternalError{Reason: fmt.Sprintf("container %s was not prepared", id)}
			}
			g.Go(func() error {
				return p.start(gctx, r, prep)
			})
		}
		if err := g.Wait(); err != nil {
			return started, err
		}
		started += len(level)

		p.logger.Debug().
			Str("session_id", r.session.ID).
			Int("level", i).
			Strs("containers", level).
			Msg("Level started")
	}

	if len(r.targets) > 0 {
		if err := p.register(ctx, r); err != nil {
			return started, err
		}
	}
	return started, nil
}

func (p *Provisioner) createRecords(r *run, defs []*types.ContainerDefinition) error {
	now := time.Now()
	for _, def := range defs {
		rec := &types.SessionContainer{
			ID:        def.ID,
			SessionID: r.session.ID,
			Name:      def.Name,
			Hostname:  Hostname(r.session.ID, def.ID),
			Status:    types.ContainerStatusStarting,
			CreatedAt: now,
		}
		if err := p.opts.Store.PutSessionContainer(rec); err != nil {
			return err
		}
		r.prepared[def.ID] = &prepared{def: def, record: rec, hostname: rec.Hostname}

		snapshot := *rec
		p.opts.Publisher.PublishDelta(events.ChannelContainers, r.session.ID, &snapshot)
	}
	return nil
}

// prepare computes ports, environment and workspace of every container
// concurrently.
func (p *Provisioner) prepare(ctx context.Context, r *run, defs []*types.ContainerDefinition) error {
	siblings := make(map[string]string, len(defs))
	for _, def := range defs {
		siblings[def.Name] = r.prepared[def.ID].hostname
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		prep := r.prepared[def.ID]
		g.Go(func() error {
			prep.ports = def.ExposedPorts()

			if p.opts.Workspaces != nil {
				path, err := p.opts.Workspaces.Prepare(gctx, r.session.ID, def.ID, r.project.Repository)
				if err != nil {
					return fmt.Errorf("prepare workspace for %s: %w", def.Name, err)
				}
				prep.workspace = path
			}

			prep.env = buildEnv(def, r.session, prep, p.opts.WorkspaceMount, siblings)
			return nil
		})
	}
	return g.Wait()
}

// start creates and starts one container, persists its runtime id and
// publishes the status change.
func (p *Provisioner) start(ctx context.Context, r *run, prep *prepared) error {
	def := prep.def

	if err := p.waitForDependencies(ctx, r, def); err != nil {
		return err
	}

	labels := runtime.SessionLabels(r.session.ID, r.session.ProjectID)
	labels[runtime.LabelContainer] = def.ID

	hostname := prep.hostname
	if def.Hostname != "" {
		hostname = def.Hostname
	}

	spec := &runtime.ContainerSpec{
		Name:         prep.hostname,
		Image:        def.Image,
		Hostname:     hostname,
		Env:          prep.env,
		Labels:       labels,
		Network:      r.network,
		Aliases:      Aliases(prep.hostname, def.Hostname, prep.ports),
		ExposedPorts: prep.ports,
	}
	if prep.workspace != "" {
		spec.WorkspacePath = prep.workspace
		spec.WorkspaceMount = p.opts.WorkspaceMount
	}

	id, err := runtime.CreateAndStart(ctx, p.opts.Runtime, spec)
	if err != nil {
		return fmt.Errorf("start container %s: %w", def.Name, err)
	}

	r.mu.Lock()
	r.runtimeID[def.ID] = id
	for _, port := range prep.ports {
		r.targets = append(r.targets, &types.ProxyTarget{
			ContainerID:   def.ID,
			Hostname:      prep.hostname,
			ContainerPort: port,
		})
	}
	r.mu.Unlock()

	rec := prep.record
	rec.RuntimeID = id
	rec.Status = types.ContainerStatusRunning
	rec.StartedAt = time.Now()
	if err := p.opts.Store.PutSessionContainer(rec); err != nil {
		return err
	}

	metrics.ContainersStarted.Inc()
	snapshot := *rec
	p.opts.Publisher.PublishDelta(events.ChannelContainers, r.session.ID, &snapshot)

	p.logger.Debug().
		Str("session_id", r.session.ID).
		Str("container_id", def.ID).
		Str("runtime_id", id).
		Str("hostname", prep.hostname).
		Msg("Container started")
	return nil
}

// waitForDependencies blocks until every service_healthy dependency of def
// reports healthy. A dependency without a runtime health check is probed on
// its first exposed port; one exposing no port counts as healthy.
func (p *Provisioner) waitForDependencies(ctx context.Context, r *run, def *types.ContainerDefinition) error {
	for _, dep := range def.DependsOn {
		if dep.Condition != types.ConditionHealthy {
			continue
		}

		r.mu.Lock()
		id, ok := r.runtimeID[dep.ContainerID]
		r.mu.Unlock()
		prep, known := r.prepared[dep.ContainerID]
		if !ok || !known {
			return &types.InternalError{Reason: fmt.Sprintf("dependency %s of %s has not started", dep.ContainerID, def.ID)}
		}

		if err := p.waitHealthy(ctx, id, prep.def); err != nil {
			return fmt.Errorf("dependency %s of %s: %w", dep.ContainerID, def.Name, err)
		}
	}
	return nil
}

func (p *Provisioner) waitHealthy(ctx context.Context, runtimeID string, dep *types.ContainerDefinition) error {
	deadline := time.Now().Add(p.opts.HealthTimeout)
	var last string
	for {
		info, err := p.opts.Runtime.InspectContainer(ctx, runtimeID)
		if err != nil {
			return err
		}
		switch info.Health {
		case "healthy":
			return nil
		case "unhealthy":
			return fmt.Errorf("container %s is unhealthy", runtimeID)
		case "":
			probe := health.Probe(info.IPAddress, dep)
			if probe == nil || info.IPAddress == "" {
				return nil
			}
			if info.Running {
				result := probe.Check(ctx)
				if result.Healthy {
					return nil
				}
				last = result.Message
			}
		}
		if !info.Running {
			return fmt.Errorf("container %s exited before becoming healthy", runtimeID)
		}
		if time.Now().After(deadline) {
			if last != "" {
				return fmt.Errorf("container %s not healthy after %s: %s", runtimeID, p.opts.HealthTimeout, last)
			}
			return fmt.Errorf("container %s not healthy after %s", runtimeID, p.opts.HealthTimeout)
		}
		if err := p.sleep(ctx, healthPollInterval); err != nil {
			return err
		}
	}
}

func (p *Provisioner) register(ctx context.Context, r *run) error {
	sort.Slice(r.targets, func(i, j int) bool {
		if r.targets[i].ContainerID == r.targets[j].ContainerID {
			return r.targets[i].ContainerPort < r.targets[j].ContainerPort
		}
		return r.targets[i].ContainerID < r.targets[j].ContainerID
	})

	routes, err := p.opts.Registrar.Register(ctx, r.session.ID, r.targets)
	if err != nil {
		return err
	}

	// Only the routes are written; a concurrent delete keeps its status
	sess, err := p.opts.Store.SetSessionRoutes(r.session.ID, routes)
	if err != nil {
		// Deleted meanwhile; the caller sees it on the re-check
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}
	p.opts.Publisher.PublishDelta(events.ChannelSessions, sess.ID, sess)
	return nil
}

func (p *Provisioner) deletedMeanwhile(sessionID string) bool {
	sess, err := p.opts.Store.GetSession(sessionID)
	if err != nil {
		return types.IsNotFound(err)
	}
	return sess.Status == types.SessionStatusDeleting
}

// fail marks every container of the session as error, publishes the
// change and runs the error cleanup path.
func (p *Provisioner) fail(ctx context.Context, sessionID string, cause error) {
	ctx = context.WithoutCancel(ctx)

	containers, err := p.opts.Store.ListSessionContainers(sessionID)
	if err != nil {
		p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to list containers for error marking")
	}
	for _, c := range containers {
		updated, err := p.opts.Store.UpdateSessionContainerStatus(sessionID, c.ID, types.ContainerStatusError, cause.Error())
		if err != nil {
			continue
		}
		p.opts.Publisher.PublishDelta(events.ChannelContainers, sessionID, updated)
	}

	p.opts.Cleaner.Error(ctx, sessionID, cause)
}

// Hostname returns the unique network hostname of a container in a session.
// The blake3 suffix keeps hostnames distinct when id prefixes collide.
func Hostname(sessionID, containerID string) string {
	sum := blake3.Sum256([]byte(sessionID + "/" + containerID))
	return fmt.Sprintf("hutch-%s-%s-%s",
		prefix(sanitize(sessionID), 8),
		prefix(sanitize(containerID), 8),
		hex.EncodeToString(sum[:3]))
}

// Aliases returns the network aliases of a container: one per exposed port
// plus the fixed hostname of the definition, if any.
func Aliases(hostname, fixed string, ports []int) []string {
	aliases := make([]string, 0, len(ports)+1)
	for _, port := range ports {
		aliases = append(aliases, fmt.Sprintf("%s-%d", hostname, port))
	}
	if fixed != "" {
		aliases = append(aliases, fixed)
	}
	return aliases
}

func prefix(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func sanitize(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == '_' || c == '.':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "x"
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
