// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package inboxdispatch polls the inbox dispatcher. The interval floor
// keeps a misconfigured value from turning the poll into a busy loop
// against the store.
package inboxdispatch

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/relaysys/relay/core/logger"
)

const (
	// defaultInterval is the poll interval applied when the config does
	// not set one.
	defaultInterval = 250 * time.Millisecond

	// minInterval is the enforced interval floor.
	minInterval = 100 * time.Millisecond

	// defaultBatch bounds the messages claimed per poll.
	defaultBatch = 50
)

// Dispatcher is the inbox dispatch surface driven by the worker.
type Dispatcher interface {
	RunOnce(ctx context.Context, batch int) (int, error)
}

// WorkerConfig encapsulates the configuration options for the inbox
// dispatch worker.
type WorkerConfig struct {
	Dispatcher Dispatcher

	// Interval is the poll interval. Zero applies the default; values
	// under the floor are raised to it.
	Interval time.Duration

	// Batch bounds the messages claimed per poll. Zero applies the
	// default.
	Batch int

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Dispatcher == nil {
		return errors.NotValidf("missing Dispatcher")
	}
	if c.Interval < 0 {
		return errors.NotValidf("negative Interval")
	}
	if c.Batch < 0 {
		return errors.NotValidf("negative Batch")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Worker drives the inbox dispatcher on a poll loop.
type Worker struct {
	tomb tomb.Tomb

	cfg WorkerConfig
}

// NewWorker returns a started inbox dispatch worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Interval < minInterval {
		cfg.Interval = minInterval
	}
	if cfg.Batch == 0 {
		cfg.Batch = defaultBatch
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

			n, err := w.cfg.Dispatcher.RunOnce(ctx, w.cfg.Batch)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return tomb.ErrDying
			} else if err != nil {
				w.cfg.Logger.Errorf(ctx, "inbox dispatch: %v", err)
			}

			if n >= w.cfg.Batch {
				timer.Reset(minInterval)
			} else {
				timer.Reset(w.cfg.Interval)
			}
		}
	}
}
