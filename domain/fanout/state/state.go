// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists fanout policies and per-shard completion
// cursors. A policy sets the cadence for one (topic, work key) pair;
// cursors record when each shard last completed, driving the planner's
// due decision.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/domain"
	"github.com/relaysys/relay/domain/schema"
)

// Policy is the cadence of one (topic, work key) pair.
type Policy struct {
	Topic   string
	WorkKey string
	Every   time.Duration
	Jitter  time.Duration
}

type policyRow struct {
	Topic         string `db:"topic"`
	WorkKey       string `db:"work_key"`
	EverySeconds  int64  `db:"every_seconds"`
	JitterSeconds int64  `db:"jitter_seconds"`
}

func (r policyRow) toPolicy() Policy {
	return Policy{
		Topic:   r.Topic,
		WorkKey: r.WorkKey,
		Every:   time.Duration(r.EverySeconds) * time.Second,
		Jitter:  time.Duration(r.JitterSeconds) * time.Second,
	}
}

type cursorRow struct {
	Topic           string    `db:"topic"`
	WorkKey         string    `db:"work_key"`
	ShardKey        string    `db:"shard_key"`
	LastCompletedAt time.Time `db:"last_completed_at"`
}

type scopeArg struct {
	Topic   string `db:"topic"`
	WorkKey string `db:"work_key"`
}

// State provides fanout persistence for one store.
type State struct {
	*domain.StateBase
	names schema.Names
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, names schema.Names) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
		names:     names,
	}
}

// UpsertPolicy creates or replaces the cadence for the (topic, work
// key) pair.
func (s *State) UpsertPolicy(ctx context.Context, p Policy) error {
	if p.Topic == "" {
		return errors.NotValidf("empty topic")
	}
	if p.Every <= 0 {
		return errors.NotValidf("non-positive cadence %v", p.Every)
	}
	if p.Jitter < 0 {
		return errors.NotValidf("negative jitter %v", p.Jitter)
	}

	row := policyRow{
		Topic:         p.Topic,
		WorkKey:       p.WorkKey,
		EverySeconds:  int64(p.Every / time.Second),
		JitterSeconds: int64(p.Jitter / time.Second),
	}
	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (topic, work_key, every_seconds, jitter_seconds)
VALUES ($policyRow.*)
ON CONFLICT (topic, work_key) DO UPDATE SET
    every_seconds = excluded.every_seconds,
    jitter_seconds = excluded.jitter_seconds`,
		s.names.FanoutPolicy()), row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert policy statement")
	}

	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Annotatef(err, "upserting fanout policy %q", p.Topic)
}

// Policy returns the cadence for the (topic, work key) pair.
func (s *State) Policy(ctx context.Context, topic, workKey string) (Policy, error) {
	arg := scopeArg{Topic: topic, WorkKey: workKey}
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &policyRow.*
FROM   %s
WHERE  topic = $scopeArg.topic
AND    work_key = $scopeArg.work_key`,
		s.names.FanoutPolicy()), arg, policyRow{})
	if err != nil {
		return Policy{}, errors.Annotate(err, "preparing policy statement")
	}

	db, err := s.DB()
	if err != nil {
		return Policy{}, errors.Trace(err)
	}
	var row policyRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, arg).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("fanout policy %q", topic)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return Policy{}, errors.Trace(err)
	}
	return row.toPolicy(), nil
}

// Cursors returns the last completion time per shard for the (topic,
// work key) pair. Shards never completed are absent.
func (s *State) Cursors(ctx context.Context, topic, workKey string) (map[string]time.Time, error) {
	arg := scopeArg{Topic: topic, WorkKey: workKey}
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &cursorRow.*
FROM   %s
WHERE  topic = $scopeArg.topic
AND    work_key = $scopeArg.work_key`,
		s.names.FanoutCursor()), arg, cursorRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing cursors statement")
	}

	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var rows []cursorRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, arg).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	cursors := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		cursors[row.ShardKey] = row.LastCompletedAt
	}
	return cursors, nil
}

// MarkCompleted advances the shard's cursor to the input time.
func (s *State) MarkCompleted(ctx context.Context, topic, workKey, shardKey string, at time.Time) error {
	if topic == "" {
		return errors.NotValidf("empty topic")
	}
	if shardKey == "" {
		return errors.NotValidf("empty shard key")
	}

	row := cursorRow{
		Topic:           topic,
		WorkKey:         workKey,
		ShardKey:        shardKey,
		LastCompletedAt: at,
	}
	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (topic, work_key, shard_key, last_completed_at)
VALUES ($cursorRow.*)
ON CONFLICT (topic, work_key, shard_key) DO UPDATE SET
    last_completed_at = excluded.last_completed_at`,
		s.names.FanoutCursor()), row)
	if err != nil {
		return errors.Annotate(err, "preparing mark completed statement")
	}

	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Annotatef(err, "marking shard %q completed", shardKey)
}
