// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	corelease "github.com/relaysys/relay/core/lease"
	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/domain/scheduler/state"
	"github.com/relaysys/relay/internal/uuid"
)

const (
	// defaultLeaseDuration bounds the runner's exclusive hold per pass.
	defaultLeaseDuration = 30 * time.Second

	// defaultBatch bounds the timers and job runs dispatched per pass.
	defaultBatch = 100
)

// RunnerState describes the scheduler persistence used by the runner.
type RunnerState interface {
	StampFencing(ctx context.Context, now time.Time, token int64) (bool, error)
	MaterializeDueRuns(ctx context.Context, now time.Time, nextRun state.NextRunFunc) (int, error)
	DispatchDueTimers(ctx context.Context, now time.Time, owner string, lease time.Duration, batch int, fencing int64, enqueue state.EnqueueFunc) (int, error)
	DispatchDueJobRuns(ctx context.Context, now time.Time, owner string, lease time.Duration, batch int, fencing int64, enqueue state.EnqueueFunc) (int, error)
	NextEventTime(ctx context.Context) (time.Time, bool, error)
}

// Lease is a held scheduler lease.
type Lease interface {
	// FencingToken returns the lease's monotonic generation counter.
	FencingToken() int64

	// Check returns an error if the lease has been lost.
	Check() error

	// Release gives the lease up.
	Release(ctx context.Context) error
}

// LeaseTaker acquires the scheduler lease. Acquire returns a nil lease,
// without error, when the lease is held elsewhere.
type LeaseTaker interface {
	Acquire(ctx context.Context, resource string, duration time.Duration, contextJSON string) (Lease, error)
}

// RunnerConfig holds the dependencies of a Runner.
type RunnerConfig struct {
	// StoreID names the store, completing the lease resource name.
	StoreID string

	State  RunnerState
	Leases LeaseTaker

	// Enqueue appends an outbox message inside a dispatch transaction.
	Enqueue state.EnqueueFunc

	// Batch bounds the timers and job runs dispatched per pass. Zero
	// applies the default.
	Batch int

	// LeaseDuration bounds the scheduler lease and the claims made under
	// it. Zero applies the default.
	LeaseDuration time.Duration

	Clock  clock.Clock
	Logger logger.Logger

	// Registerer, when set, receives the runner's metrics collector.
	Registerer prometheus.Registerer
}

// Validate returns an error if the config is not complete.
func (c RunnerConfig) Validate() error {
	if c.StoreID == "" {
		return errors.NotValidf("empty StoreID")
	}
	if c.State == nil {
		return errors.NotValidf("nil State")
	}
	if c.Leases == nil {
		return errors.NotValidf("nil Leases")
	}
	if c.Enqueue == nil {
		return errors.NotValidf("nil Enqueue")
	}
	if c.Batch < 0 {
		return errors.NotValidf("negative Batch")
	}
	if c.LeaseDuration < 0 {
		return errors.NotValidf("negative LeaseDuration")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// RunResult reports one runner pass.
type RunResult struct {
	// TimersDispatched and JobRunsDispatched count the work moved to
	// the outbox this pass.
	TimersDispatched  int
	JobRunsDispatched int

	// NextEvent is the earliest upcoming due time, valid when HasNext
	// is true. The caller sleeps until then, clamped to its poll bound.
	NextEvent time.Time
	HasNext   bool
}

// Runner executes scheduler passes for one store: under the store's
// scheduler lease it stamps the fencing token, materializes due job
// runs and dispatches due timers and runs to the outbox.
type Runner struct {
	cfg      RunnerConfig
	resource string
	metrics  *Collector
}

// NewRunner returns a runner over the input config.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Batch == 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}

	r := &Runner{
		cfg:      cfg,
		resource: "scheduler:run:" + cfg.StoreID,
		metrics:  NewMetricsCollector(cfg.StoreID),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(r.metrics); err != nil {
			return nil, errors.Annotate(err, "registering scheduler metrics")
		}
	}
	return r, nil
}

// RunOnce executes one scheduler pass. A pass skipped because the lease
// is held elsewhere returns an empty result without error. A pass that
// finds its fencing token stale, or loses the lease mid-way, returns
// ErrLost; any dispatch in flight rolled back with its transaction and
// the next holder picks the work up.
func (r *Runner) RunOnce(ctx context.Context) (RunResult, error) {
	lease, err := r.cfg.Leases.Acquire(ctx, r.resource, r.cfg.LeaseDuration, "")
	if err != nil {
		return RunResult{}, errors.Annotatef(err, "acquiring %q", r.resource)
	}
	if lease == nil {
		r.metrics.runsSkipped.Inc()
		return RunResult{}, nil
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			r.cfg.Logger.Warningf(ctx, "releasing %q: %v", r.resource, err)
		}
	}()

	fencing := lease.FencingToken()
	now := r.cfg.Clock.Now()

	stamped, err := r.cfg.State.StampFencing(ctx, now, fencing)
	if err != nil {
		return RunResult{}, errors.Trace(err)
	}
	if !stamped {
		return RunResult{}, errors.Annotatef(corelease.ErrLost, "fencing token %d is stale", fencing)
	}

	if _, err := r.cfg.State.MaterializeDueRuns(ctx, now, nextRun); err != nil {
		return RunResult{}, errors.Annotate(err, "materializing job runs")
	}

	owner := uuid.MustNewUUID().String()

	if err := lease.Check(); err != nil {
		return RunResult{}, errors.Trace(err)
	}
	timers, err := r.cfg.State.DispatchDueTimers(
		ctx, r.cfg.Clock.Now(), owner, r.cfg.LeaseDuration, r.cfg.Batch, fencing, r.cfg.Enqueue)
	if err != nil {
		return RunResult{}, errors.Annotate(err, "dispatching timers")
	}
	r.metrics.timersDispatched.Add(float64(timers))

	if err := lease.Check(); err != nil {
		return RunResult{}, errors.Trace(err)
	}
	runs, err := r.cfg.State.DispatchDueJobRuns(
		ctx, r.cfg.Clock.Now(), owner, r.cfg.LeaseDuration, r.cfg.Batch, fencing, r.cfg.Enqueue)
	if err != nil {
		return RunResult{}, errors.Annotate(err, "dispatching job runs")
	}
	r.metrics.jobRunsDispatched.Add(float64(runs))

	result := RunResult{
		TimersDispatched:  timers,
		JobRunsDispatched: runs,
	}
	result.NextEvent, result.HasNext, err = r.cfg.State.NextEventTime(ctx)
	if err != nil {
		return RunResult{}, errors.Annotate(err, "computing next event time")
	}
	return result, nil
}
