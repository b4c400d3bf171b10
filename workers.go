// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	corelease "github.com/relaysys/relay/core/lease"
	"github.com/relaysys/relay/core/store"
	inboxservice "github.com/relaysys/relay/domain/inbox/service"
	inboxstate "github.com/relaysys/relay/domain/inbox/state"
	leasestate "github.com/relaysys/relay/domain/lease/state"
	outboxservice "github.com/relaysys/relay/domain/outbox/service"
	outboxstate "github.com/relaysys/relay/domain/outbox/state"
	schedulerservice "github.com/relaysys/relay/domain/scheduler/service"
	schedulerstate "github.com/relaysys/relay/domain/scheduler/state"
	"github.com/relaysys/relay/internal/worker/inboxdispatch"
	"github.com/relaysys/relay/internal/worker/outboxdispatch"
	"github.com/relaysys/relay/internal/worker/queuereaper"
	"github.com/relaysys/relay/internal/worker/schedulerrun"
	"github.com/relaysys/relay/internal/worker/schemadeploy"
	"github.com/relaysys/relay/internal/worker/storerefresher"
)

// Worker returns the background processing worker: schema deployment,
// outbox and inbox dispatch, scheduler passes, expired-claim reaping
// and, with a discovery config, store refresh. The workers live and
// die together; run the result until process shutdown, then Kill and
// Wait.
func (r *Relay) Worker() (worker.Worker, error) {
	outboxDispatcher, err := outboxservice.NewDispatcher(outboxservice.DispatcherConfig{
		Stores:      r.provider,
		Strategy:    store.NewRoundRobin(),
		Backend:     r.outboxBackend,
		Handlers:    r.outboxHandlers,
		MaxAttempts: r.cfg.MaxAttempts,
		Backoff:     r.cfg.Backoff,
		ClaimLease:  r.cfg.ClaimLease,
		Audit:       r.cfg.Audit,
		Clock:       r.cfg.Clock,
		Logger:      r.cfg.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	inboxDispatcher, err := inboxservice.NewDispatcher(inboxservice.DispatcherConfig{
		Stores:   r.provider,
		Strategy: store.NewRoundRobin(),
		Backend:  r.inboxBackend,
		Leases: func(s store.Store) inboxservice.LeaseTaker {
			return inboxLeases{r: r, id: s.ID}
		},
		Handlers:    r.inboxHandlers,
		MaxAttempts: r.cfg.MaxAttempts,
		Backoff:     r.cfg.Backoff,
		ClaimLease:  r.cfg.ClaimLease,
		Clock:       r.cfg.Clock,
		Logger:      r.cfg.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	var workers []worker.Worker
	fail := func(err error) (worker.Worker, error) {
		for _, w := range workers {
			w.Kill()
		}
		return nil, errors.Trace(err)
	}

	deployer, err := schemadeploy.NewWorker(schemadeploy.WorkerConfig{
		Stores: r.provider,
		Deploy: r.deployStore,
		Latch:  r.latch,
		Clock:  r.cfg.Clock,
		Logger: r.cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	workers = append(workers, deployer)

	outboxWorker, err := outboxdispatch.NewWorker(outboxdispatch.WorkerConfig{
		Dispatcher: outboxDispatcher,
		Interval:   r.cfg.OutboxInterval,
		Batch:      r.cfg.OutboxBatch,
		Clock:      r.cfg.Clock,
		Logger:     r.cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	workers = append(workers, outboxWorker)

	inboxWorker, err := inboxdispatch.NewWorker(inboxdispatch.WorkerConfig{
		Dispatcher: inboxDispatcher,
		Interval:   r.cfg.InboxInterval,
		Batch:      r.cfg.InboxBatch,
		Clock:      r.cfg.Clock,
		Logger:     r.cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	workers = append(workers, inboxWorker)

	schedulerWorker, err := schedulerrun.NewWorker(schedulerrun.WorkerConfig{
		Runner:   multiRunner{r: r},
		Latch:    r.latch,
		MaxSleep: r.cfg.SchedulerMaxSleep,
		Clock:    r.cfg.Clock,
		Logger:   r.cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	workers = append(workers, schedulerWorker)

	reaper, err := queuereaper.NewWorker(queuereaper.WorkerConfig{
		Sources:  r.reapSources,
		Interval: r.cfg.ReapInterval,
		Clock:    r.cfg.Clock,
		Logger:   r.cfg.Logger,
	})
	if err != nil {
		return fail(err)
	}
	workers = append(workers, reaper)

	if dynamic, ok := r.provider.(*store.DynamicProvider); ok {
		refresher, err := storerefresher.NewWorker(storerefresher.WorkerConfig{
			Refresher: dynamic,
			Interval:  r.cfg.RefreshInterval,
			Clock:     r.cfg.Clock,
			Logger:    r.cfg.Logger,
		})
		if err != nil {
			return fail(err)
		}
		workers = append(workers, refresher)
	}

	w := &supervisor{}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "relay",
		Site: &w.catacomb,
		Work: w.loop,
		Init: workers,
	}); err != nil {
		return fail(err)
	}
	return w, nil
}

// supervisor ties the background workers' lifetimes together: any
// worker's death kills the rest.
type supervisor struct {
	catacomb catacomb.Catacomb
}

// Kill is part of the worker.Worker interface.
func (w *supervisor) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *supervisor) Wait() error {
	return w.catacomb.Wait()
}

func (w *supervisor) loop() error {
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

func (r *Relay) outboxBackend(s store.Store) outboxservice.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.outboxStates[s.ID]; ok {
		return st
	}
	st := outboxstate.NewState(store.FactoryFor(r.provider, s.ID), namesFor(s.Config))
	r.outboxStates[s.ID] = st
	return st
}

func (r *Relay) inboxBackend(s store.Store) inboxservice.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.inboxStates[s.ID]; ok {
		return st
	}
	st := inboxstate.NewState(store.FactoryFor(r.provider, s.ID), namesFor(s.Config))
	r.inboxStates[s.ID] = st
	return st
}

// multiRunner runs a scheduler pass on every store in turn. One
// store's trouble must not starve the others, so per-store errors are
// logged and the pass moves on; only context errors propagate.
type multiRunner struct {
	r *Relay
}

// RunOnce implements the schedulerrun worker's Runner.
func (m multiRunner) RunOnce(ctx context.Context) (schedulerservice.RunResult, error) {
	stores, err := m.r.provider.Stores(ctx)
	if err != nil {
		return schedulerservice.RunResult{}, errors.Trace(err)
	}

	var out schedulerservice.RunResult
	for _, s := range stores {
		runner, err := m.r.schedulerRunner(ctx, s.ID)
		if err != nil {
			return out, errors.Trace(err)
		}

		res, err := runner.RunOnce(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return out, errors.Trace(err)
		}
		if errors.Is(err, corelease.ErrLost) {
			// The pass rolled back; the next tick re-acquires.
			m.r.cfg.Logger.Warningf(ctx, "scheduler pass on store %q lost its lease: %v", s.ID, err)
			continue
		}
		if err != nil {
			m.r.cfg.Logger.Errorf(ctx, "scheduler pass on store %q: %v", s.ID, err)
			continue
		}

		out.TimersDispatched += res.TimersDispatched
		out.JobRunsDispatched += res.JobRunsDispatched
		if res.HasNext && (!out.HasNext || res.NextEvent.Before(out.NextEvent)) {
			out.NextEvent = res.NextEvent
			out.HasNext = true
		}
	}
	return out, nil
}

func (r *Relay) reapSources(ctx context.Context) ([]queuereaper.Source, error) {
	stores, err := r.provider.Stores(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	sources := make([]queuereaper.Source, 0, len(stores))
	for _, s := range stores {
		src, err := r.reaperFor(ctx, s.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (r *Relay) reaperFor(ctx context.Context, storeID string) (*storeReaper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reaper, ok := r.reapers[storeID]; ok {
		return reaper, nil
	}

	outbox, err := r.outboxStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	inbox, err := r.inboxStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	scheduler, err := r.schedulerStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	names, err := r.namesLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	reaper := &storeReaper{
		id:        storeID,
		outbox:    outbox,
		inbox:     inbox,
		scheduler: scheduler,
		leases:    leasestate.NewState(store.FactoryFor(r.provider, storeID), names, r.cfg.Logger),
	}
	r.reapers[storeID] = reaper
	return reaper, nil
}

// storeReaper aggregates one store's expiry sweeps: abandoned queue
// claims return to ready and expired lease rows are deleted.
type storeReaper struct {
	id        string
	outbox    *outboxstate.State
	inbox     *inboxstate.State
	scheduler *schedulerstate.State
	leases    *leasestate.State
}

// StoreID implements queuereaper.Source.
func (s *storeReaper) StoreID() string {
	return s.id
}

// ReapExpired implements queuereaper.Source.
func (s *storeReaper) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, reap := range []func(context.Context, time.Time) (int64, error){
		s.outbox.ReapExpired,
		s.inbox.ReapExpired,
		s.scheduler.ReapExpiredTimers,
		s.scheduler.ReapExpiredJobRuns,
		s.leases.ExpireLeases,
	} {
		n, err := reap(ctx, now)
		if err != nil {
			return total, errors.Trace(err)
		}
		total += n
	}
	return total, nil
}
