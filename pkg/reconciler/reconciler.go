package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/hutch/pkg/cleanup"
	"github.com/cuemby/hutch/pkg/daemon"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrReconcileTimeout is returned with an OutcomeTimeout result
var ErrReconcileTimeout = errors.New("reconciliation timed out")

// Outcome is how a reconciliation cycle ended
type Outcome string

const (
	OutcomeSettled             Outcome = "settled"
	OutcomeCompletedWithErrors Outcome = "completed_with_errors"
	OutcomeTimeout             Outcome = "timeout"
)

// Defaults
const (
	DefaultTimeout     = 10 * time.Minute
	DefaultInterval    = time.Minute
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second

	minIterations = 10
	allParallel   = 4
)

// Provisioner initializes a freshly created session
type Provisioner interface {
	Initialize(ctx context.Context, sessionID string) error
}

// Cleaner fully tears down a session
type Cleaner interface {
	Full(ctx context.Context, sessionID string) (*cleanup.Report, error)
}

// Config holds pool settings
type Config struct {
	TargetSize  int // Pooled sessions kept per project; zero disables pooling
	Timeout     time.Duration
	Interval    time.Duration // Periodic ReconcileAll; zero disables the ticker
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Result describes one reconciliation cycle
type Result struct {
	ProjectID  string
	Outcome    Outcome
	Pooled     int // Pooled count at the last observation
	Created    int
	Drained    int
	Failures   int
	Iterations int
}

// Reconciler keeps the number of pooled sessions of each project at the
// target size
type Reconciler struct {
	store       storage.Store
	provisioner Provisioner
	cleaner     Cleaner
	daemon      daemon.Controller
	publisher   events.Publisher
	config      Config

	inflight  singleflight.Group
	abandoned sync.Map // project id -> chan struct{} closed when a timed out cycle exits
	cycles    atomic.Int64
	sleep    func(context.Context, time.Duration) error

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a new pool reconciler
func NewReconciler(store storage.Store, prov Provisioner, cleaner Cleaner, ctrl daemon.Controller, pub events.Publisher, config Config) *Reconciler {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	if config.BackoffCap < config.BackoffBase {
		config.BackoffCap = DefaultBackoffCap
		if config.BackoffCap < config.BackoffBase {
			config.BackoffCap = config.BackoffBase
		}
	}
	if ctrl == nil {
		ctrl = daemon.NoopController{}
	}
	return &Reconciler{
		store:       store,
		provisioner: prov,
		cleaner:     cleaner,
		daemon:      ctrl,
		publisher:   pub,
		config:      config,
		sleep:       sleepCtx,
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("reconciler"),
	}
}

// TargetSize returns the configured pool size
func (r *Reconciler) TargetSize() int {
	return r.config.TargetSize
}

// Start begins the periodic reconciliation loop
func (r *Reconciler) Start() {
	if r.config.Interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop stops the loop and waits for background reconciliations
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Wait blocks until every background reconciliation has returned
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReconcileAll(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Claim atomically takes one ready pooled session of the project and flips
// it to running. It returns nil when pooling is disabled or the pool is
// empty. A successful claim triggers a background refill.
func (r *Reconciler) Claim(ctx context.Context, projectID string) (*types.Session, error) {
	if r.config.TargetSize == 0 {
		metrics.PoolClaimsTotal.WithLabelValues("disabled").Inc()
		return nil, nil
	}

	sess, err := r.store.ClaimPooledSession(projectID)
	if err != nil {
		return nil, types.External("store", "claim pooled session", err)
	}
	if sess == nil {
		metrics.PoolClaimsTotal.WithLabelValues("miss").Inc()
		return nil, nil
	}

	metrics.PoolClaimsTotal.WithLabelValues("hit").Inc()
	r.publisher.PublishDelta(events.ChannelSessions, sess.ID, sess)
	r.logger.Info().
		Str("project_id", projectID).
		Str("session_id", sess.ID).
		Msg("Claimed pooled session")

	r.Trigger(projectID)
	return sess, nil
}

// Trigger reconciles the project in the background. Failures are logged.
func (r *Reconciler) Trigger(projectID string) {
	if r.config.TargetSize == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.Reconcile(context.Background(), projectID); err != nil {
			r.logger.Warn().Err(err).Str("project_id", projectID).Msg("Background reconciliation failed")
		}
	}()
}

// Reconcile converges the project's pool toward the target size. While a
// cycle for the project is in flight, callers join it and receive its
// result instead of starting another. A cycle that exceeds the configured
// timeout is abandoned and reported as OutcomeTimeout with
// ErrReconcileTimeout; the next cycle for the project waits for the
// abandoned loop to exit before converging.
func (r *Reconciler) Reconcile(ctx context.Context, projectID string) (*Result, error) {
	ch := r.inflight.DoChan(projectID, func() (interface{}, error) {
		return r.cycle(projectID)
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(*Result)
		return result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) cycle(projectID string) (*Result, error) {
	r.cycles.Add(1)
	timer := metrics.NewTimer()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	var (
		result *Result
		err    error
	)
	if r.awaitAbandoned(ctx, projectID) {
		done := make(chan outcome, 1)
		exited := make(chan struct{})
		go func() {
			res, err := r.converge(ctx, projectID)
			done <- outcome{res, err}
			close(exited)
			r.abandoned.CompareAndDelete(projectID, exited)
		}()

		select {
		case o := <-done:
			result, err = o.result, o.err
		case <-ctx.Done():
			// The loop stops at its next context check. Until then the next
			// cycle for this project waits in awaitAbandoned.
			r.abandoned.Store(projectID, exited)
			result = &Result{ProjectID: projectID, Outcome: OutcomeTimeout}
			err = ErrReconcileTimeout
		}
	} else {
		result = &Result{ProjectID: projectID, Outcome: OutcomeTimeout}
		err = ErrReconcileTimeout
	}

	timer.ObserveDuration(metrics.ReconciliationDuration)
	if result != nil {
		metrics.ReconciliationCyclesTotal.WithLabelValues(string(result.Outcome)).Inc()
		metrics.PoolSize.WithLabelValues(projectID).Set(float64(result.Pooled))

		r.logger.Info().
			Str("project_id", projectID).
			Str("outcome", string(result.Outcome)).
			Int("pooled", result.Pooled).
			Int("created", result.Created).
			Int("drained", result.Drained).
			Int("failures", result.Failures).
			Dur("duration", timer.Duration()).
			Msg("Pool reconciliation finished")
	}
	return result, err
}

// converge runs the bounded fill/drain loop. The iteration cap only guards
// against looping forever; it is not a latency bound.
func (r *Reconciler) converge(ctx context.Context, projectID string) (*Result, error) {
	if _, err := r.store.GetProject(projectID); err != nil {
		return nil, err
	}

	target := r.config.TargetSize
	res := &Result{ProjectID: projectID}
	failures := 0

	for i := 0; i < max(minIterations, target*2); i++ {
		if ctx.Err() != nil {
			res.Outcome = OutcomeTimeout
			return res, ErrReconcileTimeout
		}
		res.Iterations++

		count, err := r.store.CountPooledSessions(projectID)
		if err != nil {
			failures++
			res.Failures++
			r.logger.Warn().Err(err).Str("project_id", projectID).Msg("Failed to count pooled sessions")
			if r.sleep(ctx, Backoff(r.config.BackoffBase, r.config.BackoffCap, failures)) != nil {
				res.Outcome = OutcomeTimeout
				return res, ErrReconcileTimeout
			}
			continue
		}
		res.Pooled = count

		switch {
		case count == target:
			res.Outcome = OutcomeSettled
			return res, nil

		case count < target:
			if err := r.createPooled(ctx, projectID); err != nil {
				failures++
				res.Failures++
				delay := Backoff(r.config.BackoffBase, r.config.BackoffCap, failures)
				r.logger.Warn().
					Err(err).
					Str("project_id", projectID).
					Int("consecutive_failures", failures).
					Dur("backoff", delay).
					Msg("Failed to create pooled session")
				if r.sleep(ctx, delay) != nil {
					res.Outcome = OutcomeTimeout
					return res, ErrReconcileTimeout
				}
				continue
			}
			failures = 0
			res.Created++
			res.Pooled = count + 1

		default:
			drained, err := r.drain(ctx, projectID, count-target)
			res.Drained += drained
			res.Pooled = count - drained
			if err != nil {
				res.Failures++
				r.logger.Warn().Err(err).Str("project_id", projectID).Msg("Failed to drain pool")
			}
		}
	}

	res.Outcome = OutcomeCompletedWithErrors
	return res, nil
}

// awaitAbandoned blocks until a previously timed out cycle of the project
// has exited, so two convergence loops never overlap. It reports false
// when ctx ends first.
func (r *Reconciler) awaitAbandoned(ctx context.Context, projectID string) bool {
	v, ok := r.abandoned.Load(projectID)
	if !ok {
		return true
	}
	exited := v.(chan struct{})
	select {
	case <-exited:
		r.abandoned.CompareAndDelete(projectID, exited)
		return true
	case <-ctx.Done():
		r.logger.Warn().Str("project_id", projectID).Msg("Previous reconciliation still running, cycle skipped")
		return false
	}
}

// createPooled creates one pooled session, provisions it and warms up its
// auxiliary daemon. The session becomes claimable only once it is ready.
func (r *Reconciler) createPooled(ctx context.Context, projectID string) error {
	now := time.Now()
	sess := &types.Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Status:    types.SessionStatusPooled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateSession(sess); err != nil {
		return types.External("store", "create session", err)
	}

	// The provisioner tears the session down itself on failure
	if err := r.provisioner.Initialize(ctx, sess.ID); err != nil {
		return err
	}

	r.warmUp(ctx, sess.ID)

	current, err := r.store.MarkSessionReady(sess.ID)
	switch {
	case types.IsNotFound(err):
		return fmt.Errorf("pooled session %s removed during provisioning", sess.ID)
	case types.IsConflict(err):
		// Claimed or deleted meanwhile; it no longer belongs to the pool
		return nil
	case err != nil:
		return err
	}

	r.publisher.PublishDelta(events.ChannelPool, projectID, current)
	return nil
}

// warmUp starts and stops the session daemon once so later starts are warm.
// Failures never fail session creation.
func (r *Reconciler) warmUp(ctx context.Context, sessionID string) {
	if err := r.daemon.Start(ctx, sessionID); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Daemon warm-up start failed")
		return
	}
	if err := r.daemon.Stop(ctx, sessionID); err != nil {
		r.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Daemon warm-up stop failed")
	}
}

// drain deletes the oldest n pooled sessions
func (r *Reconciler) drain(ctx context.Context, projectID string, n int) (int, error) {
	pooled, err := r.store.ListPooledSessions(projectID)
	if err != nil {
		return 0, err
	}
	if n > len(pooled) {
		n = len(pooled)
	}

	drained := 0
	var errs []error
	for _, sess := range pooled[:n] {
		// Take the session out of the pool before tearing it down. A session
		// claimed since the listing stays with its new owner.
		if _, err := r.store.TransitionSession(sess.ID, types.SessionStatusPooled, types.SessionStatusDeleting); err != nil {
			if types.IsConflict(err) || types.IsNotFound(err) {
				r.logger.Debug().Str("session_id", sess.ID).Err(err).Msg("Skipping drain of session that left the pool")
				continue
			}
			errs = append(errs, fmt.Errorf("drain %s: %w", sess.ID, err))
			continue
		}
		if _, err := r.cleaner.Full(ctx, sess.ID); err != nil && !types.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("drain %s: %w", sess.ID, err))
			continue
		}
		drained++
	}
	return drained, errors.Join(errs...)
}

// ReconcileAll reconciles every project independently. A failing project
// does not stop the others.
func (r *Reconciler) ReconcileAll(ctx context.Context) []*Result {
	projects, err := r.store.ListProjects()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list projects")
		return nil
	}

	results := make([]*Result, len(projects))
	var g errgroup.Group
	g.SetLimit(allParallel)
	for i, project := range projects {
		g.Go(func() error {
			res, err := r.Reconcile(ctx, project.ID)
			if err != nil {
				r.logger.Warn().Err(err).Str("project_id", project.ID).Msg("Project reconciliation failed")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Backoff returns min(base * 2^(failures-1), limit)
func Backoff(base, limit time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return min(base, limit)
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return d
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
