// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service turns the lease state into usable leases: a factory
// that acquires fenced leases on named resources and hands back a
// holder-side Lease that renews itself in the background until it is
// released or lost.
package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	retry "gopkg.in/retry.v1"

	corelease "github.com/relaysys/relay/core/lease"
	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/internal/uuid"
)

const (
	// defaultRenewFraction divides the lease duration to give the
	// renewal interval: a lease is renewed at half its duration so one
	// missed round trip does not forfeit it.
	defaultRenewFraction = 2
)

// State describes the lease persistence used by the factory.
type State interface {
	// Acquire claims the resource for the owner, returning ErrHeld when
	// an unexpired lease exists.
	Acquire(ctx context.Context, now time.Time, resource, owner string, duration time.Duration, contextJSON string) (corelease.Info, error)

	// Renew extends the owner's lease, returning ErrInvalid when the
	// owner no longer holds it.
	Renew(ctx context.Context, now time.Time, resource, owner string, duration time.Duration) error

	// Release deletes the owner's lease if still held.
	Release(ctx context.Context, resource, owner string) error
}

// FactoryConfig holds the dependencies of a LeaseFactory.
type FactoryConfig struct {
	State  State
	Clock  clock.Clock
	Logger logger.Logger

	// StoreID names the store in the factory's metrics. It may be left
	// empty when metrics are not registered.
	StoreID string

	// RenewFraction divides the lease duration to give the renewal
	// interval. Zero applies the default of 2.
	RenewFraction int

	// Registerer, when set, receives the factory's metrics collector.
	Registerer prometheus.Registerer
}

// Validate returns an error if the config is not complete.
func (c FactoryConfig) Validate() error {
	if c.State == nil {
		return errors.NotValidf("nil State")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.RenewFraction < 0 {
		return errors.NotValidf("negative RenewFraction")
	}
	return nil
}

// LeaseFactory acquires leases on named resources within one store.
type LeaseFactory struct {
	cfg     FactoryConfig
	metrics *Collector
}

// NewLeaseFactory returns a factory over the input config.
func NewLeaseFactory(cfg FactoryConfig) (*LeaseFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.RenewFraction == 0 {
		cfg.RenewFraction = defaultRenewFraction
	}

	f := &LeaseFactory{
		cfg:     cfg,
		metrics: NewMetricsCollector(cfg.StoreID),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(f.metrics); err != nil {
			return nil, errors.Annotate(err, "registering lease metrics")
		}
	}
	return f, nil
}

// Acquire attempts to claim the resource for the input duration. A
// successful claim returns a self-renewing Lease; a resource held by
// another owner returns (nil, nil).
func (f *LeaseFactory) Acquire(ctx context.Context, resource string, duration time.Duration, contextJSON string) (*Lease, error) {
	if err := corelease.ValidateString(resource); err != nil {
		return nil, errors.Annotatef(err, "resource name %q", resource)
	}
	if duration <= 0 {
		return nil, errors.NotValidf("non-positive lease duration %v", duration)
	}

	owner := uuid.MustNewUUID().String()
	info, err := f.cfg.State.Acquire(ctx, f.cfg.Clock.Now(), resource, owner, duration, contextJSON)
	if errors.Is(err, corelease.ErrHeld) {
		f.metrics.acquires.WithLabelValues("held").Inc()
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotatef(err, "acquiring lease %q", resource)
	}
	f.metrics.acquires.WithLabelValues("won").Inc()

	lease := &Lease{
		st:       f.cfg.State,
		clock:    f.cfg.Clock,
		logger:   f.cfg.Logger,
		metrics:  f.metrics,
		info:     info,
		duration: duration,
		interval: duration / time.Duration(f.cfg.RenewFraction),
		lost:     make(chan struct{}),
	}
	lease.tomb.Go(lease.loop)
	return lease, nil
}

// AcquireWait retries acquisition under the input strategy until it
// wins, the strategy is exhausted, or the context is done. Exhaustion
// returns ErrHeld.
func (f *LeaseFactory) AcquireWait(
	ctx context.Context, resource string, duration time.Duration, contextJSON string, strategy retry.Strategy,
) (*Lease, error) {
	for a := retry.StartWithCancel(strategy, f.cfg.Clock, ctx.Done()); a.Next(); {
		lease, err := f.Acquire(ctx, resource, duration, contextJSON)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if lease != nil {
			return lease, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return nil, errors.Annotatef(corelease.ErrHeld, "lease %q", resource)
}
