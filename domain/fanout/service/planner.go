// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service coordinates periodic fanout: a planner that turns
// policy cadence and per-shard cursors into due work slices, a
// dispatcher that enqueues slices on the outbox, and a coordinator that
// runs a planning pass under a lease. Registration wires a topic's cron
// job and policy; the coordinate handler closes the loop from the
// outbox back into the coordinator.
package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/relaysys/relay/domain/fanout/state"
)

// Candidate is one unit of fanout work proposed by the implementer.
type Candidate struct {
	ShardKey string
	WorkKey  string
}

// CandidateSource enumerates the candidates of a fanout topic. The
// implementation owns sharding; the planner only decides which
// candidates are due.
type CandidateSource interface {
	EnumerateCandidates(ctx context.Context, topic, workKey string) ([]Candidate, error)
}

// Slice is one planned unit of fanout work. WindowStart is the
// previous completion time, zero for a shard never completed.
type Slice struct {
	Topic       string    `json:"topic"`
	ShardKey    string    `json:"shard_key"`
	WorkKey     string    `json:"work_key,omitempty"`
	WindowStart time.Time `json:"window_start"`
}

// PlannerState describes the fanout persistence used by the planner.
type PlannerState interface {
	Policy(ctx context.Context, topic, workKey string) (state.Policy, error)
	Cursors(ctx context.Context, topic, workKey string) (map[string]time.Time, error)
}

// Planner decides which candidates of a topic are due for fanout.
type Planner struct {
	st     PlannerState
	source CandidateSource
	clock  clock.Clock

	// jitter draws the per-shard spreading delay from [0, max].
	jitter func(max time.Duration) time.Duration
}

// NewPlanner returns a planner over the input state and source.
func NewPlanner(st PlannerState, source CandidateSource, clock clock.Clock) *Planner {
	return &Planner{
		st:     st,
		source: source,
		clock:  clock,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max) + 1))
		},
	}
}

// Plan emits a slice for every candidate whose elapsed time since last
// completion has reached the policy cadence plus a random jitter share.
// A candidate never completed is always due.
func (p *Planner) Plan(ctx context.Context, topic, workKey string) ([]Slice, error) {
	policy, err := p.st.Policy(ctx, topic, workKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cursors, err := p.st.Cursors(ctx, topic, workKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	candidates, err := p.source.EnumerateCandidates(ctx, topic, workKey)
	if err != nil {
		return nil, errors.Annotatef(err, "enumerating candidates for %q", topic)
	}

	now := p.clock.Now()
	var slices []Slice
	for _, cand := range candidates {
		last, seen := cursors[cand.ShardKey]
		if seen && now.Sub(last) < policy.Every+p.jitter(policy.Jitter) {
			continue
		}
		slices = append(slices, Slice{
			Topic:       topic,
			ShardKey:    cand.ShardKey,
			WorkKey:     workKey,
			WindowStart: last,
		})
	}
	return slices, nil
}
