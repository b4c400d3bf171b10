// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package startup holds the process-wide readiness primitives that
// gate background workers: a reference-counted latch of named startup
// steps and a registry guarding one-shot setup. Both are explicit
// values threaded through the builder, never ambient statics.
package startup

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Latch tracks named startup steps. Workers that must not run before
// the process is ready wait on it; the steps they depend on, such as
// schema deployment for a store, are added before the workers start
// and marked done as they complete.
type Latch struct {
	mu    sync.Mutex
	steps map[string]int
	ready chan struct{}
}

// NewLatch returns an empty, ready Latch.
func NewLatch() *Latch {
	l := &Latch{
		steps: make(map[string]int),
		ready: make(chan struct{}),
	}
	close(l.ready)
	return l
}

// Add registers an outstanding occurrence of the named step.
func (l *Latch) Add(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.outstanding() == 0 {
		l.ready = make(chan struct{})
	}
	l.steps[step]++
}

// Done marks one occurrence of the named step complete. Completing a
// step that was never added is an error; a latch that goes negative
// indicates a double Done in calling code.
func (l *Latch) Done(step string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.steps[step] == 0 {
		return errors.Errorf("startup step %q completed more times than added", step)
	}
	l.steps[step]--
	if l.outstanding() == 0 {
		close(l.ready)
	}
	return nil
}

// IsReady reports whether every added step has completed.
func (l *Latch) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding() == 0
}

// Wait blocks until every added step has completed, or the context is
// done.
func (l *Latch) Wait(ctx context.Context) error {
	l.mu.Lock()
	ready := l.ready
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// outstanding must be called with the mutex held.
func (l *Latch) outstanding() int {
	var n int
	for _, c := range l.steps {
		n += c
	}
	return n
}
