// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schedulerrun drives one store's scheduler runner. The worker
// waits for startup readiness, then loops: one runner pass, then sleep
// until the runner's reported next event, bounded so a far-future
// event cannot stall reaction to newly inserted work.
package schedulerrun

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	corelease "github.com/relaysys/relay/core/lease"
	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/core/startup"
	"github.com/relaysys/relay/domain/scheduler/service"
)

// defaultMaxSleep bounds the sleep between passes.
const defaultMaxSleep = 30 * time.Second

// Runner is the scheduler surface driven by the worker.
type Runner interface {
	RunOnce(ctx context.Context) (service.RunResult, error)
}

// WorkerConfig encapsulates the configuration options for the
// scheduler run worker.
type WorkerConfig struct {
	Runner Runner

	// Latch gates the first pass on startup readiness, including schema
	// deployment.
	Latch *startup.Latch

	// MaxSleep bounds the sleep between passes. Zero applies the
	// default.
	MaxSleep time.Duration

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Runner == nil {
		return errors.NotValidf("missing Runner")
	}
	if c.Latch == nil {
		return errors.NotValidf("missing Latch")
	}
	if c.MaxSleep < 0 {
		return errors.NotValidf("negative MaxSleep")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Worker drives a scheduler runner.
type Worker struct {
	tomb tomb.Tomb

	cfg WorkerConfig
}

// NewWorker returns a started scheduler run worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.MaxSleep == 0 {
		cfg.MaxSleep = defaultMaxSleep
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
	ctx := w.tomb.Context(context.Background())
	if err := w.cfg.Latch.Wait(ctx); err != nil {
		return tomb.ErrDying
	}

	timer := w.cfg.Clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			timer.Reset(w.sleep(w.runOnce(ctx)))
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) service.RunResult {
	result, err := w.cfg.Runner.RunOnce(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return service.RunResult{}
	}
	if errors.Is(err, corelease.ErrLost) {
		// The pass rolled back; re-acquire next tick.
		w.cfg.Logger.Warningf(ctx, "scheduler pass lost its lease: %v", err)
		return service.RunResult{}
	}
	if err != nil {
		w.cfg.Logger.Errorf(ctx, "scheduler pass: %v", err)
		return service.RunResult{}
	}
	return result
}

// sleep clamps the time until the next event to [0, MaxSleep].
func (w *Worker) sleep(result service.RunResult) time.Duration {
	if !result.HasNext {
		return w.cfg.MaxSleep
	}
	d := result.NextEvent.Sub(w.cfg.Clock.Now())
	if d < 0 {
		return 0
	}
	if d > w.cfg.MaxSleep {
		return w.cfg.MaxSleep
	}
	return d
}
