// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists inbox messages. Ingestion is idempotent on the
// (source, message_id) pair; the processing life cycle is the shared
// work-queue discipline, with dead rows revivable by an operator.
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
	"github.com/relaysys/relay/internal/uuid"
)

// State provides inbox persistence for one store.
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
			Table:           names.Inbox(),
			DueColumn:       "due_time",
			CreatedColumn:   "first_seen_at",
			RetryColumn:     "attempts",
			DoneStampColumn: "processed_at",
		}, base),
	}
}

// Enqueue records an ingested message. If the (source, message_id) pair
// has been seen before the stored row is left as it was, bar a refreshed
// last-seen stamp, and the return reports the duplicate.
func (s *State) Enqueue(ctx context.Context, now time.Time, args EnqueueArgs) (alreadySeen bool, err error) {
	if args.Source == "" {
		return false, errors.NotValidf("empty source")
	}
	if args.MessageID == "" {
		return false, errors.NotValidf("empty message ID")
	}
	if args.Topic == "" {
		return false, errors.NotValidf("empty topic")
	}

	row := enqueueRow{
		ID:          uuid.MustNewUUID().String(),
		MessageID:   args.MessageID,
		Source:      args.Source,
		Topic:       args.Topic,
		Payload:     args.Payload,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	if args.Hash != "" {
		row.Hash.String = args.Hash
		row.Hash.Valid = true
	}
	if args.DueTime != nil {
		row.DueTime.Time = *args.DueTime
		row.DueTime.Valid = true
	}

	insertStmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, message_id, source, topic, payload, hash, first_seen_at, last_seen_at, due_time)
VALUES ($enqueueRow.*)
ON CONFLICT (source, message_id) DO NOTHING`,
		s.names.Inbox()), row)
	if err != nil {
		return false, errors.Annotate(err, "preparing enqueue statement")
	}

	seen := seenArg{MessageID: args.MessageID, Source: args.Source, Now: now}
	touchStmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    last_seen_at = $seenArg.now
WHERE  source = $seenArg.source
AND    message_id = $seenArg.message_id`,
		s.names.Inbox()), seen)
	if err != nil {
		return false, errors.Annotate(err, "preparing touch statement")
	}

	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, insertStmt, row).Get(&outcome); err != nil {
			return errors.Annotate(err, "enqueueing inbox message")
		}
		inserted, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if inserted > 0 {
			return nil
		}
		alreadySeen = true
		return errors.Annotate(tx.Query(ctx, touchStmt, seen).Run(), "touching seen message")
	})
	return alreadySeen, errors.Trace(err)
}

// AlreadyProcessed reports whether a message with the given identity has
// reached a terminal done state. A non-empty hash narrows the probe to
// the identical content.
func (s *State) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	if messageID == "" {
		return false, errors.NotValidf("empty message ID")
	}

	hashPredicate := ""
	if hash != "" {
		hashPredicate = "AND hash = $seenArg.hash"
	}

	arg := seenArg{MessageID: messageID, Source: source, Hash: hash}
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT COUNT(*) AS &count.num
FROM   %s
WHERE  source = $seenArg.source
AND    message_id = $seenArg.message_id
AND    status = 2
%s`,
		s.names.Inbox(), hashPredicate), arg, count{})
	if err != nil {
		return false, errors.Annotate(err, "preparing processed probe")
	}

	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}
	var n count
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, arg).Get(&n))
	})
	if err != nil {
		return false, errors.Trace(err)
	}
	return n.Num > 0, nil
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
ORDER BY due_time, first_seen_at, id`,
		s.names.Inbox()), messageRow{}, sqlair.S{})
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

// Abandon returns the owner's claimed messages to seen after a delay,
// incrementing their attempt counters.
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

// Fail moves the owner's claimed messages to dead, recording the reason.
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

// ReapExpired returns expired in-progress messages to seen.
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

// Revive returns dead messages to seen, recording the revival reason and
// making them due at now plus the input delay. Rows not in the dead
// state are skipped. The returned snapshots carry the error each message
// died with.
func (s *State) Revive(ctx context.Context, now time.Time, ids []string, reason string, delay time.Duration) ([]Revived, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if delay < 0 {
		return nil, errors.NotValidf("negative delay %v", delay)
	}

	snapshotStmt, err := s.Prepare(fmt.Sprintf(`
SELECT id AS &revivedRow.id,
       last_error AS &revivedRow.last_error
FROM   %s
WHERE  id IN ($S[:])
AND    status = 3`,
		s.names.Inbox()), revivedRow{}, sqlair.S{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing revive snapshot statement")
	}

	arg := reviveArg{Now: now, Due: now.Add(delay), Reason: reason}
	reviveStmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    status = 0,
       owner_token = NULL,
       locked_until = NULL,
       due_time = $reviveArg.due,
       last_error = $reviveArg.reason,
       last_seen_at = $reviveArg.now
WHERE  id IN ($S[:])
AND    status = 3`,
		s.names.Inbox()), arg, sqlair.S{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing revive statement")
	}

	idArgs := sqlair.S(transform.Slice(ids, func(id string) any { return any(id) }))

	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	var revived []Revived
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var rows []revivedRow
		err := tx.Query(ctx, snapshotStmt, idArgs).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Annotate(err, "reading dead messages")
		}

		if err := tx.Query(ctx, reviveStmt, arg, idArgs).Run(); err != nil {
			return errors.Annotate(err, "reviving messages")
		}

		revived = transform.Slice(rows, func(r revivedRow) Revived {
			return Revived{ID: r.ID, PriorError: r.LastError.String}
		})
		return nil
	})
	return revived, errors.Trace(err)
}
