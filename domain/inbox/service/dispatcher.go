// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/core/queue"
	"github.com/relaysys/relay/core/store"
	"github.com/relaysys/relay/internal/uuid"
)

const (
	// defaultClaimLease bounds how long a claimed message stays
	// invisible without a terminal transition.
	defaultClaimLease = 30 * time.Second

	// defaultMaxAttempts is the retry budget applied when the config
	// does not set one.
	defaultMaxAttempts = 5

	// processingLeaseResource is the per-store lease under which a
	// dispatcher processes, when lease coordination is configured.
	processingLeaseResource = "inbox-processing"
)

// Backend is the per-store persistence the dispatcher drives.
type Backend interface {
	Claim(ctx context.Context, now time.Time, owner string, lease time.Duration, batch int) ([]string, error)
	Messages(ctx context.Context, ids []string) ([]Message, error)
	Ack(ctx context.Context, now time.Time, owner string, ids []string) (int64, error)
	Abandon(ctx context.Context, now time.Time, owner string, ids []string, lastError string, delay time.Duration) (int64, error)
	Fail(ctx context.Context, now time.Time, owner string, ids []string, reason string) (int64, error)
}

// Lease is a held processing lease.
type Lease interface {
	// Check returns an error if the lease has been lost.
	Check() error

	// Release gives the lease up.
	Release(ctx context.Context) error
}

// LeaseTaker acquires the per-store processing lease. Acquire returns
// a nil lease, without error, when the lease is held elsewhere.
type LeaseTaker interface {
	Acquire(ctx context.Context, resource string, duration time.Duration, contextJSON string) (Lease, error)
}

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Stores   store.Provider
	Strategy store.SelectionStrategy

	// Backend returns the inbox persistence of the input store.
	Backend func(store.Store) Backend

	// Leases, when set, returns the lease taker for the input store;
	// the dispatcher then processes a store only while holding its
	// processing lease. Nil disables lease coordination.
	Leases func(store.Store) LeaseTaker

	Handlers *Registry

	// MaxAttempts is the retry budget per message. Zero applies the
	// default.
	MaxAttempts int

	// Backoff computes the abandon delay per attempt.
	Backoff queue.BackoffPolicy

	// ClaimLease bounds each claim, and the processing lease when lease
	// coordination is on. Zero applies the default.
	ClaimLease time.Duration

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate returns an error if the config is not complete.
func (c DispatcherConfig) Validate() error {
	if c.Stores == nil {
		return errors.NotValidf("nil Stores")
	}
	if c.Strategy == nil {
		return errors.NotValidf("nil Strategy")
	}
	if c.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	if c.Handlers == nil {
		return errors.NotValidf("nil Handlers")
	}
	if c.MaxAttempts < 0 {
		return errors.NotValidf("negative MaxAttempts")
	}
	if c.ClaimLease < 0 {
		return errors.NotValidf("negative ClaimLease")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Dispatcher claims inbox batches and routes them to handlers.
type Dispatcher struct {
	cfg DispatcherConfig
}

// NewDispatcher returns a dispatcher over the input config.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = defaultClaimLease
	}
	return &Dispatcher{cfg: cfg}, nil
}

// RunOnce selects a store, claims up to batch messages and dispatches
// each to its handler, finalizing per the outcome. It returns the
// number of messages handled. When lease coordination is configured and
// the store's processing lease is held elsewhere, the store is skipped
// without error.
func (d *Dispatcher) RunOnce(ctx context.Context, batch int) (int, error) {
	stores, err := d.cfg.Stores.Stores(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	target, ok := d.cfg.Strategy.Select(stores)
	if !ok {
		return 0, nil
	}

	if d.cfg.Leases != nil {
		lease, err := d.cfg.Leases(target).Acquire(ctx, processingLeaseResource, d.cfg.ClaimLease, "")
		if err != nil {
			return 0, errors.Annotatef(err, "acquiring processing lease on %q", target.ID)
		}
		if lease == nil {
			d.cfg.Strategy.Observe(target.ID, 0)
			return 0, nil
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				d.cfg.Logger.Warningf(ctx, "releasing processing lease on %q: %v", target.ID, err)
			}
		}()
	}

	backend := d.cfg.Backend(target)
	owner := uuid.MustNewUUID().String()

	ids, err := backend.Claim(ctx, d.cfg.Clock.Now(), owner, d.cfg.ClaimLease, batch)
	if err != nil {
		return 0, errors.Annotatef(err, "claiming inbox batch on %q", target.ID)
	}
	if len(ids) == 0 {
		d.cfg.Strategy.Observe(target.ID, 0)
		return 0, nil
	}

	msgs, err := backend.Messages(ctx, ids)
	if err != nil {
		return 0, errors.Annotatef(err, "fetching claimed messages on %q", target.ID)
	}

	for _, msg := range msgs {
		if err := d.dispatch(ctx, backend, owner, msg); err != nil {
			return 0, errors.Trace(err)
		}
	}

	d.cfg.Strategy.Observe(target.ID, len(msgs))
	return len(msgs), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, backend Backend, owner string, msg Message) error {
	handler, ok := d.cfg.Handlers.Resolve(msg.Topic)
	if !ok {
		reason := "no handler registered for topic " + msg.Topic
		if _, err := backend.Fail(ctx, d.cfg.Clock.Now(), owner, []string{msg.ID}, reason); err != nil {
			return errors.Trace(err)
		}
		d.cfg.Logger.Warningf(ctx, "inbox message %s dead: %s", msg.ID, reason)
		return nil
	}

	handlerErr := handler.Handle(ctx, msg)
	if handlerErr == nil {
		_, err := backend.Ack(ctx, d.cfg.Clock.Now(), owner, []string{msg.ID})
		return errors.Trace(err)
	}

	if ctx.Err() != nil {
		// Shutting down; the claim lease expires and the reaper returns
		// the row.
		return errors.Trace(ctx.Err())
	}

	now := d.cfg.Clock.Now()
	if queue.IsPermanent(handlerErr) {
		if _, err := backend.Fail(ctx, now, owner, []string{msg.ID}, handlerErr.Error()); err != nil {
			return errors.Trace(err)
		}
		d.cfg.Logger.Warningf(ctx, "inbox message %s dead: %v", msg.ID, handlerErr)
		return nil
	}

	attempt := msg.Attempts + 1
	if attempt >= d.cfg.MaxAttempts {
		if _, err := backend.Fail(ctx, now, owner, []string{msg.ID}, queue.MaxAttemptsExceededReason); err != nil {
			return errors.Trace(err)
		}
		d.cfg.Logger.Warningf(ctx, "inbox message %s dead after %d attempts: %v", msg.ID, attempt, handlerErr)
		return nil
	}

	delay := d.cfg.Backoff.Delay(attempt)
	if _, err := backend.Abandon(ctx, now, owner, []string{msg.ID}, handlerErr.Error(), delay); err != nil {
		return errors.Trace(err)
	}
	d.cfg.Logger.Debugf(ctx, "inbox message %s abandoned for retry in %v: %v", msg.ID, delay, handlerErr)
	return nil
}
