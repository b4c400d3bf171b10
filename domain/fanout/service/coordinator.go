// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"time"

	"github.com/juju/errors"

	"github.com/relaysys/relay/core/logger"
)

// coordinationLeaseDuration bounds one coordination pass. Planning and
// dispatch must fit inside it; a pass cut short leaves cursors
// unadvanced and the next holder replans.
const coordinationLeaseDuration = 90 * time.Second

// Lease is a held coordination lease.
type Lease interface {
	// Check returns an error if the lease has been lost.
	Check() error

	// Release gives the lease up.
	Release(ctx context.Context) error
}

// LeaseTaker acquires the coordination lease. Acquire returns a nil
// lease, without error, when the lease is held elsewhere.
type LeaseTaker interface {
	Acquire(ctx context.Context, resource string, duration time.Duration, contextJSON string) (Lease, error)
}

// CoordinatorConfig holds the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Planner    *Planner
	Dispatcher *Dispatcher
	Leases     LeaseTaker
	Logger     logger.Logger
}

// Validate returns an error if the config is not complete.
func (c CoordinatorConfig) Validate() error {
	if c.Planner == nil {
		return errors.NotValidf("nil Planner")
	}
	if c.Dispatcher == nil {
		return errors.NotValidf("nil Dispatcher")
	}
	if c.Leases == nil {
		return errors.NotValidf("nil Leases")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Coordinator runs fanout passes for one topic: under the topic's
// coordination lease it plans due slices and dispatches them to the
// outbox.
type Coordinator struct {
	cfg CoordinatorConfig
}

// NewCoordinator returns a coordinator over the input config.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// Run executes one coordination pass for the (topic, work key) pair,
// returning the number of slices dispatched. A pass skipped because
// the lease is held elsewhere returns zero without error.
func (co *Coordinator) Run(ctx context.Context, topic, workKey string) (int, error) {
	resource := leaseResource(topic, workKey)
	lease, err := co.cfg.Leases.Acquire(ctx, resource, coordinationLeaseDuration, "")
	if err != nil {
		return 0, errors.Annotatef(err, "acquiring %q", resource)
	}
	if lease == nil {
		return 0, nil
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			co.cfg.Logger.Warningf(ctx, "releasing %q: %v", resource, err)
		}
	}()

	slices, err := co.cfg.Planner.Plan(ctx, topic, workKey)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := lease.Check(); err != nil {
		return 0, errors.Trace(err)
	}

	n, err := co.cfg.Dispatcher.Dispatch(ctx, slices)
	if err != nil {
		return n, errors.Trace(err)
	}
	co.cfg.Logger.Debugf(ctx, "fanout %q dispatched %d slices", resource, n)
	return n, nil
}

// leaseResource names the coordination lease of the (topic, work key)
// pair.
func leaseResource(topic, workKey string) string {
	if workKey == "" {
		return "fanout:" + topic
	}
	return "fanout:" + topic + ":" + workKey
}
