// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schemadeploy applies the schema to every store that opts in,
// then marks the startup latch step done so gated workers may start.
// Deployment failure kills the worker; running against a store with
// missing tables would only manufacture noise.
package schemadeploy

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/core/startup"
	"github.com/relaysys/relay/core/store"
)

// LatchStep is the startup step the worker completes.
const LatchStep = "schema-deployment"

// Deploy applies the schema to one store.
type Deploy func(ctx context.Context, s store.Store) error

// WorkerConfig encapsulates the configuration options for the schema
// deployment worker.
type WorkerConfig struct {
	Stores store.Provider
	Deploy Deploy

	// Latch carries the deployment step, added by the builder before
	// workers start.
	Latch *startup.Latch

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate ensures that the config values are valid.
func (c *WorkerConfig) Validate() error {
	if c.Stores == nil {
		return errors.NotValidf("missing Stores")
	}
	if c.Deploy == nil {
		return errors.NotValidf("missing Deploy")
	}
	if c.Latch == nil {
		return errors.NotValidf("missing Latch")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Worker deploys schemas once at startup, then idles until killed.
type Worker struct {
	tomb tomb.Tomb

	cfg WorkerConfig
}

// NewWorker returns a started schema deployment worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
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

	stores, err := w.cfg.Stores.Stores(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	for _, s := range stores {
		if !s.EnableSchemaDeployment {
			continue
		}
		if err := w.cfg.Deploy(ctx, s); err != nil {
			return errors.Annotatef(err, "deploying schema to store %q", s.ID)
		}
		w.cfg.Logger.Infof(ctx, "deployed schema to store %q", s.ID)
	}

	if err := w.cfg.Latch.Done(LatchStep); err != nil {
		return errors.Trace(err)
	}

	<-w.tomb.Dying()
	return tomb.ErrDying
}
