// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists outbox messages and their optional join
// bookkeeping. The queue life cycle is the shared work-queue
// discipline; enqueueing can participate in a caller's transaction so
// a message becomes visible exactly when the business write commits.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/domain"
	"github.com/relaysys/relay/domain/schema"
	"github.com/relaysys/relay/domain/workqueue"
)

// State provides outbox persistence for one store.
type State struct {
	*domain.StateBase
	names schema.Names
	queue *workqueue.Queue
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, names schema.Names) *State {
	base := domain.NewStateBase(factory)
	return &State{
		StateBase: base,
		names:     names,
		queue: workqueue.New(workqueue.TableSpec{
			Table:           names.Outbox(),
			DueColumn:       "due_time",
			CreatedColumn:   "created_at",
			RetryColumn:     "retry_count",
			DoneStampColumn: "processed_at",
			DoneByColumn:    "processed_by",
		}, base),
	}
}

// EnqueueInTxn appends a ready message inside the caller's transaction.
// The message is visible to Claim iff that transaction commits.
func (s *State) EnqueueInTxn(ctx context.Context, tx *sqlair.TX, now time.Time, args EnqueueArgs) error {
	if args.ID == "" {
		return errors.NotValidf("empty message ID")
	}
	if args.Topic == "" {
		return errors.NotValidf("empty topic")
	}

	row := enqueueRow{
		ID:        args.ID,
		Topic:     args.Topic,
		Payload:   args.Payload,
		CreatedAt: now,
	}
	if args.MessageID != "" {
		row.MessageID = nullString(args.MessageID)
	}
	if args.CorrelationID != "" {
		row.CorrelationID = nullString(args.CorrelationID)
	}
	if args.DueTime != nil {
		row.DueTime.Time = *args.DueTime
		row.DueTime.Valid = true
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, topic, payload, message_id, correlation_id, due_time, created_at)
VALUES ($enqueueRow.*)`,
		s.names.Outbox()), row)
	if err != nil {
		return errors.Annotate(err, "preparing enqueue statement")
	}

	return errors.Annotate(tx.Query(ctx, stmt, row).Run(), "enqueueing outbox message")
}

// Enqueue appends a ready message in its own transaction.
func (s *State) Enqueue(ctx context.Context, now time.Time, args EnqueueArgs) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return s.EnqueueInTxn(ctx, tx, now, args)
	})
	return errors.Trace(err)
}

// Claim acquires up to batch due messages for the owner.
func (s *State) Claim(ctx context.Context, now time.Time, owner string, lease time.Duration, batch int) ([]string, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var ids []string
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		ids, err = s.queue.Claim(ctx, tx, now, owner, lease, batch)
		return errors.Trace(err)
	})
	return ids, errors.Trace(err)
}

// Messages fetches the full rows for the input ids, in claim order.
func (s *State) Messages(ctx context.Context, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &messageRow.*
FROM   %s
WHERE  id IN ($S[:])
ORDER BY due_time, created_at, id`,
		s.names.Outbox()), messageRow{}, sqlair.S{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing messages statement")
	}

	idArgs := sqlair.S(transform.Slice(ids, func(id string) any { return any(id) }))
	var rows []messageRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, idArgs).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return transform.Slice(rows, messageRow.toMessage), nil
}

// Ack finalizes the owner's claimed messages as done.
func (s *State) Ack(ctx context.Context, now time.Time, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int64
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		n, err = s.queue.Ack(ctx, tx, now, owner, ids)
		return errors.Trace(err)
	})
	return n, errors.Trace(err)
}

// Abandon returns the owner's claimed messages to ready after a delay.
func (s *State) Abandon(ctx context.Context, now time.Time, owner string, ids []string, lastError string, delay time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int64
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		n, err = s.queue.Abandon(ctx, tx, now, owner, ids, lastError, delay)
		return errors.Trace(err)
	})
	return n, errors.Trace(err)
}

// Fail finalizes the owner's claimed messages as terminally failed.
func (s *State) Fail(ctx context.Context, now time.Time, owner string, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int64
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		n, err = s.queue.Fail(ctx, tx, now, owner, ids, reason)
		return errors.Trace(err)
	})
	return n, errors.Trace(err)
}

// ReapExpired returns expired in-progress messages to ready.
func (s *State) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int64
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		n, err = s.queue.ReapExpired(ctx, tx, now)
		return errors.Trace(err)
	})
	return n, errors.Trace(err)
}
