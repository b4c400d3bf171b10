// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package storerefresher keeps a discovery-backed store provider
// current by driving its refresh on an interval.
package storerefresher

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/relaysys/relay/core/logger"
)

// defaultInterval is the refresh interval applied when the config does
// not set one.
const defaultInterval = 5 * time.Minute

// Refresher reconciles the store set against discovery.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// WorkerConfig encapsulates the configuration options for the store
// refresher worker.
type WorkerConfig struct {
	Refresher Refresher

	// Interval is the refresh interval. Zero applies the default.
	Interval time.Duration

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Refresher == nil {
		return errors.NotValidf("missing Refresher")
	}
	if c.Interval < 0 {
		return errors.NotValidf("negative Interval")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Worker refreshes a dynamic store provider on an interval.
type Worker struct {
	tomb tomb.Tomb

	cfg WorkerConfig
}

// NewWorker returns a started refresher worker. The first refresh runs
// immediately, so the provider is populated before dependants poll it.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}

	w := &Worker{cfg: cfg}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	timer := w.cfg.Clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			ctx := w.tomb.Context(context.Background())
			if err := w.cfg.Refresher.Refresh(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return tomb.ErrDying
				}
				w.cfg.Logger.Errorf(ctx, "refreshing stores: %v", err)
			}
			timer.Reset(w.cfg.Interval)
		}
	}
}
