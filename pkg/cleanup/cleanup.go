// Package cleanup tears down a session's runtime resources. Every step is
// attempted even when earlier steps fail; failures are collected in a
// Report instead of aborting the sequence.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/daemon"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/ingress"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Flavor names the entry point a teardown came through
type Flavor string

const (
	FlavorFull     Flavor = "full"
	FlavorOrphaned Flavor = "orphaned"
	FlavorError    Flavor = "error"
)

// Teardown steps, used as failure labels
const (
	StepStop      = "stop"
	StepRemove    = "remove"
	StepVerify    = "verify"
	StepList      = "list"
	StepDaemon    = "daemon"
	StepProxy     = "proxy"
	StepNetwork   = "network"
	StepWorkspace = "workspace"
	StepRecord    = "record"
)

const defaultParallelism = 8

// Workspaces removes a session's workspace directory
type Workspaces interface {
	Remove(sessionID string) error
}

// StateCache holds ephemeral per-session state
type StateCache interface {
	Forget(key string)
}

// Failure is one resource that could not be torn down
type Failure struct {
	Resource string
	Step     string
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Step, f.Resource, f.Err)
}

// Report summarises one teardown
type Report struct {
	SessionID string
	Flavor    Flavor
	Removed   []string
	Failures  []Failure

	mu sync.Mutex
}

func (r *Report) removed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removed = append(r.Removed, id)
}

func (r *Report) fail(resource, step string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, Failure{Resource: resource, Step: step, Err: err})
}

// OK reports whether every step succeeded
func (r *Report) OK() bool {
	return len(r.Failures) == 0
}

// Err joins the recorded failures, or returns nil
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Options wires the collaborators of a Service
type Options struct {
	Store       storage.Store
	Runtime     runtime.Provider
	Registrar   ingress.Registrar
	Daemon      daemon.Controller
	Publisher   events.Publisher
	Workspaces  Workspaces // optional
	Cache       StateCache // optional
	StopTimeout time.Duration
	Parallelism int
}

// Service runs session teardowns
type Service struct {
	opts   Options
	logger zerolog.Logger
}

// NewService creates a cleanup service
func NewService(opts Options) *Service {
	if opts.Daemon == nil {
		opts.Daemon = daemon.NoopController{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Service{
		opts:   opts,
		logger: log.WithComponent("cleanup"),
	}
}

// Full tears down a live session on user request: it marks the session
// deleting, publishes its removal, runs the teardown core, then deletes the
// record and clears ephemeral state. A missing session is a NotFoundError.
func (s *Service) Full(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := s.opts.Store.UpdateSessionStatus(sessionID, types.SessionStatusDeleting)
	if err != nil {
		return nil, err
	}
	s.publishRemoved(sess.ID, sess.ProjectID, "deleted")

	report := s.teardown(ctx, sessionID, FlavorFull)
	s.deleteRecord(report)

	if s.opts.Cache != nil {
		s.opts.Cache.Forget(sessionID)
	}

	s.finish(report)
	return report, nil
}

// Orphaned tears down the resources of a session that was deleted while it
// was still provisioning. The session record is left to the caller.
func (s *Service) Orphaned(ctx context.Context, sessionID string) *Report {
	report := s.teardown(ctx, sessionID, FlavorOrphaned)
	s.finish(report)
	return report
}

// Error tears down a session whose provisioning failed: it marks the
// session error (a session already deleting keeps that status), publishes
// its removal, runs the teardown core and deletes the record.
func (s *Service) Error(ctx context.Context, sessionID string, cause error) *Report {
	reason := "provisioning failed"
	if cause != nil {
		reason = cause.Error()
	}

	projectID := ""
	sess, err := s.opts.Store.MarkSessionError(sessionID, reason)
	switch {
	case err == nil:
		projectID = sess.ProjectID
	case !types.IsNotFound(err):
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to mark session error")
	}
	s.publishRemoved(sessionID, projectID, reason)

	report := s.teardown(ctx, sessionID, FlavorError)
	s.deleteRecord(report)
	s.finish(report)
	return report
}

func (s *Service) publishRemoved(sessionID, projectID, reason string) {
	s.opts.Publisher.PublishDelta(events.ChannelSessions, sessionID, &events.SessionRemoved{
		SessionID: sessionID,
		ProjectID: projectID,
		Reason:    reason,
	})
}

func (s *Service) deleteRecord(report *Report) {
	if err := s.opts.Store.DeleteSession(report.SessionID); err != nil && !types.IsNotFound(err) {
		report.fail("session "+report.SessionID, StepRecord, err)
	}
}

func (s *Service) finish(report *Report) {
	metrics.CleanupsTotal.WithLabelValues(string(report.Flavor)).Inc()
	for _, f := range report.Failures {
		metrics.CleanupFailuresTotal.WithLabelValues(f.Step).Inc()
	}

	event := s.logger.Info()
	if !report.OK() {
		event = s.logger.Warn().Err(report.Err())
	}
	event.
		Str("session_id", report.SessionID).
		Str("flavor", string(report.Flavor)).
		Int("removed", len(report.Removed)).
		Int("failures", len(report.Failures)).
		Msg("Session teardown finished")
}

// teardown is the core shared by every flavor. It never returns early.
func (s *Service) teardown(ctx context.Context, sessionID string, flavor Flavor) *Report {
	// Teardown must finish even if the caller's context is cancelled
	ctx = context.WithoutCancel(ctx)
	report := &Report{SessionID: sessionID, Flavor: flavor}

	s.removeContainers(ctx, report)

	if err := s.opts.Daemon.ForceStop(ctx, sessionID); err != nil {
		report.fail("daemon "+sessionID, StepDaemon, err)
	}

	if err := s.opts.Registrar.Unregister(ctx, sessionID); err != nil && !errors.Is(err, ingress.ErrClusterNotRegistered) {
		report.fail("cluster "+sessionID, StepProxy, err)
	}

	network := runtime.SessionNetworkName(sessionID)
	if err := s.opts.Runtime.RemoveNetwork(ctx, network); err != nil {
		report.fail("network "+network, StepNetwork, err)
	}

	if s.opts.Workspaces != nil {
		if err := s.opts.Workspaces.Remove(sessionID); err != nil {
			report.fail("workspace "+sessionID, StepWorkspace, err)
		}
	}

	sort.Strings(report.Removed)
	return report
}

// removeContainers stops and removes every runtime container of the
// session, found both through the store and through runtime labels.
func (s *Service) removeContainers(ctx context.Context, report *Report) {
	ids := make(map[string]bool)

	records, err := s.opts.Store.ListSessionContainers(report.SessionID)
	if err != nil {
		report.fail("session containers "+report.SessionID, StepList, err)
	}
	for _, c := range records {
		if c.RuntimeID != "" {
			ids[c.RuntimeID] = true
		}
	}

	labelled, err := s.opts.Runtime.ListContainers(ctx, map[string]string{runtime.LabelSession: report.SessionID})
	if err != nil {
		report.fail("runtime containers "+report.SessionID, StepList, err)
	}
	for _, id := range labelled {
		ids[id] = true
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Parallelism)
	for id := range ids {
		id := id
		g.Go(func() error {
			s.removeContainer(ctx, id, report)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) removeContainer(ctx context.Context, id string, report *Report) {
	if err := s.opts.Runtime.StopContainer(ctx, id, s.opts.StopTimeout); err != nil {
		report.fail("container "+id, StepStop, err)
	}

	// Forced removal also kills a container that refused to stop
	if err := s.opts.Runtime.RemoveContainer(ctx, id); err != nil {
		report.fail("container "+id, StepRemove, err)
		return
	}

	exists, err := s.opts.Runtime.ContainerExists(ctx, id)
	switch {
	case err != nil:
		report.fail("container "+id, StepVerify, err)
	case exists:
		report.fail("container "+id, StepVerify, errors.New("container still exists after removal"))
	default:
		report.removed(id)
	}
}
