// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"sync"
)

// SelectionStrategy picks the store a dispatcher polls next, informed
// by how the previous poll went. Implementations are safe for use from
// a single dispatcher goroutine; the ones here tolerate concurrent use
// anyway.
type SelectionStrategy interface {
	// Select returns the next store to poll, or false when the input
	// set is empty.
	Select(stores []Store) (Store, bool)

	// Observe records how many rows the last poll processed on the
	// selected store.
	Observe(storeID string, processed int)
}

// RoundRobin advances to the next store on every call, so every store
// gets polled regardless of load on the others.
type RoundRobin struct {
	mu     sync.Mutex
	lastID string
}

// NewRoundRobin returns a RoundRobin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select implements SelectionStrategy.
func (r *RoundRobin) Select(stores []Store) (Store, bool) {
	if len(stores) == 0 {
		return Store{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := stores[0]
	for i, s := range stores {
		if s.ID == r.lastID {
			next = stores[(i+1)%len(stores)]
			break
		}
	}
	r.lastID = next.ID
	return next, true
}

// Observe implements SelectionStrategy. Round robin ignores outcomes.
func (r *RoundRobin) Observe(string, int) {}

// DrainFirst stays on the store it last polled for as long as that
// poll processed work, draining a busy store before moving on.
type DrainFirst struct {
	mu            sync.Mutex
	lastID        string
	lastProcessed int
	fallback      RoundRobin
}

// NewDrainFirst returns a DrainFirst strategy.
func NewDrainFirst() *DrainFirst {
	return &DrainFirst{}
}

// Select implements SelectionStrategy.
func (d *DrainFirst) Select(stores []Store) (Store, bool) {
	if len(stores) == 0 {
		return Store{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastProcessed > 0 {
		for _, s := range stores {
			if s.ID == d.lastID {
				return s, true
			}
		}
		// The busy store is gone; fall through to advance.
	}

	d.fallback.mu.Lock()
	d.fallback.lastID = d.lastID
	d.fallback.mu.Unlock()
	next, ok := d.fallback.Select(stores)
	if ok {
		d.lastID = next.ID
		d.lastProcessed = 0
	}
	return next, ok
}

// Observe implements SelectionStrategy.
func (d *DrainFirst) Observe(storeID string, processed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastID = storeID
	d.lastProcessed = processed
}
