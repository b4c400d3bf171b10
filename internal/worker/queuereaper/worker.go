// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package queuereaper returns abandoned work to circulation: rows whose
// claim lease expired go back to ready, and expired distributed lock
// rows are deleted. The interval must not exceed the shortest claim
// lease in use, or a crashed worker's rows linger beyond their lease.
package queuereaper

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/relaysys/relay/core/logger"
)

// defaultInterval is the reap interval applied when the config does not
// set one. It sits under the default 30 second claim lease.
const defaultInterval = 10 * time.Second

// Source reaps one store's queues and expired locks. Implementations
// aggregate the per-queue reaps of a store.
type Source interface {
	// StoreID names the store for logging.
	StoreID() string

	// ReapExpired returns expired claims to ready and deletes expired
	// locks, reporting the number of rows touched.
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
}

// WorkerConfig encapsulates the configuration options for the reaper
// worker.
type WorkerConfig struct {
	// Sources returns the current reap sources. It is consulted every
	// pass, so stores added by discovery are reaped without restart.
	Sources func(ctx context.Context) ([]Source, error)

	// Interval is the reap interval. Zero applies the default. It must
	// not exceed the shortest claim lease in use.
	Interval time.Duration

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Sources == nil {
		return errors.NotValidf("missing Sources")
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

// Worker periodically reaps expired claims across every store.
type Worker struct {
	tomb tomb.Tomb

	cfg WorkerConfig
}

// NewWorker returns a started reaper worker.
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
	timer := w.cfg.Clock.NewTimer(w.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			ctx := w.tomb.Context(context.Background())
			if err := w.reap(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return tomb.ErrDying
				}
				w.cfg.Logger.Errorf(ctx, "reaping expired claims: %v", err)
			}
			timer.Reset(w.cfg.Interval)
		}
	}
}

func (w *Worker) reap(ctx context.Context) error {
	sources, err := w.cfg.Sources(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	now := w.cfg.Clock.Now()
	for _, src := range sources {
		n, err := src.ReapExpired(ctx, now)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return errors.Trace(err)
			}
			// One store's trouble must not starve the others.
			w.cfg.Logger.Errorf(ctx, "reaping store %q: %v", src.StoreID(), err)
			continue
		}
		if n > 0 {
			w.cfg.Logger.Infof(ctx, "returned %d expired rows on store %q", n, src.StoreID())
		}
	}
	return nil
}
