// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workqueue implements the row discipline shared by the outbox,
// inbox, timer and job run queues: claim a batch under a bounded lease,
// then acknowledge, abandon or fail each row with ownership guards, and
// reap rows whose claimant died.
package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"
)

// Preparer is the subset of the state base used to prepare statements.
type Preparer interface {
	Prepare(query string, typeSamples ...any) (*sqlair.Statement, error)
}

// Queue applies the work-queue discipline to one table. All methods run
// inside a caller-supplied transaction, so that a queue transition can
// share a transaction with related writes, such as a timer
// acknowledgement enqueueing its outbox message.
type Queue struct {
	spec TableSpec
	prep Preparer
}

// New returns a Queue over the input table spec, preparing its
// statements through the input preparer.
func New(spec TableSpec, prep Preparer) *Queue {
	return &Queue{spec: spec, prep: prep}
}

type claimArg struct {
	Owner   string    `db:"owner_token"`
	Now     time.Time `db:"now"`
	Until   time.Time `db:"until"`
	Batch   int       `db:"batch"`
	Fencing int64     `db:"fencing"`
}

type claimedID struct {
	ID string `db:"id"`
}

type finalizeArg struct {
	Owner  string    `db:"owner_token"`
	Now    time.Time `db:"now"`
	Reason string    `db:"reason"`
}

type abandonArg struct {
	Owner     string    `db:"owner_token"`
	Now       time.Time `db:"now"`
	Due       time.Time `db:"due"`
	LastError string    `db:"last_error"`
}

type reapArg struct {
	Now time.Time `db:"now"`
}

// Claim flips up to batch ready, due rows to in-progress under the
// given owner token and lease, returning their ids. Rows claimed here
// are invisible to other claimants until the lease expires.
func (q *Queue) Claim(ctx context.Context, tx *sqlair.TX, now time.Time, owner string, lease time.Duration, batch int) ([]string, error) {
	if batch <= 0 {
		return nil, nil
	}
	if lease <= 0 {
		return nil, errors.NotValidf("non-positive claim lease %v", lease)
	}

	arg := claimArg{
		Owner: owner,
		Now:   now,
		Until: now.Add(lease),
		Batch: batch,
	}
	return q.claim(ctx, tx, arg, "")
}

// ClaimFenced behaves like Claim, with the added precondition that the
// input fencing token is no older than the guard table's current one.
// A stale token claims nothing, without error; the holder discovers the
// staleness through its lease.
func (q *Queue) ClaimFenced(ctx context.Context, tx *sqlair.TX, now time.Time, owner string, lease time.Duration, batch int, fencing int64, guardTable string) ([]string, error) {
	if batch <= 0 {
		return nil, nil
	}
	if lease <= 0 {
		return nil, errors.NotValidf("non-positive claim lease %v", lease)
	}
	if guardTable == "" {
		return nil, errors.NotValidf("empty guard table")
	}

	arg := claimArg{
		Owner:   owner,
		Now:     now,
		Until:   now.Add(lease),
		Batch:   batch,
		Fencing: fencing,
	}
	guard := fmt.Sprintf(
		"\n    AND    $claimArg.fencing >= (SELECT current_fencing_token FROM %s WHERE id = 1)",
		guardTable)
	return q.claim(ctx, tx, arg, guard)
}

func (q *Queue) claim(ctx context.Context, tx *sqlair.TX, arg claimArg, guard string) ([]string, error) {
	claimStamp := ""
	if q.spec.ClaimStampColumn != "" {
		claimStamp = fmt.Sprintf(",\n       %s = $claimArg.now", q.spec.ClaimStampColumn)
	}

	updateStmt, err := q.prep.Prepare(fmt.Sprintf(`
UPDATE %[1]s
SET    status = 1,
       owner_token = $claimArg.owner_token,
       locked_until = $claimArg.until%[4]s
WHERE  id IN (
    SELECT id
    FROM   %[1]s
    WHERE  status = 0
    AND    %[2]s
    AND    (locked_until IS NULL OR locked_until <= $claimArg.now)%[5]s
    ORDER BY %[3]s
    LIMIT  $claimArg.batch
)
AND    status = 0
AND    (locked_until IS NULL OR locked_until <= $claimArg.now)`,
		q.spec.Table, q.spec.duePredicate("$claimArg.now"), q.spec.orderBy(), claimStamp, guard), arg)
	if err != nil {
		return nil, errors.Annotate(err, "preparing claim statement")
	}

	selectStmt, err := q.prep.Prepare(fmt.Sprintf(`
SELECT id AS &claimedID.id
FROM   %[1]s
WHERE  status = 1
AND    owner_token = $claimArg.owner_token
AND    locked_until = $claimArg.until
ORDER BY %[2]s`,
		q.spec.Table, q.spec.orderBy()), arg, claimedID{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing claimed ids statement")
	}

	if err := tx.Query(ctx, updateStmt, arg).Run(); err != nil {
		return nil, errors.Annotate(err, "claiming batch")
	}

	var claimed []claimedID
	err = tx.Query(ctx, selectStmt, arg).GetAll(&claimed)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Annotate(err, "reading claimed ids")
	}

	return transform.Slice(claimed, func(c claimedID) string { return c.ID }), nil
}

// Ack transitions the input rows to done, provided they are still in
// progress under the input owner token. Rows owned by others are
// silently skipped. It returns the number of rows acknowledged.
func (q *Queue) Ack(ctx context.Context, tx *sqlair.TX, now time.Time, owner string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	doneStamp := ""
	if q.spec.DoneStampColumn != "" {
		doneStamp = fmt.Sprintf(",\n       %s = $finalizeArg.now", q.spec.DoneStampColumn)
	}
	doneBy := ""
	if q.spec.DoneByColumn != "" {
		doneBy = fmt.Sprintf(",\n       %s = $finalizeArg.owner_token", q.spec.DoneByColumn)
	}

	arg := finalizeArg{Owner: owner, Now: now}
	stmt, err := q.prep.Prepare(fmt.Sprintf(`
UPDATE %[1]s
SET    status = 2,
       owner_token = NULL,
       locked_until = NULL%[2]s%[3]s
WHERE  id IN ($S[:])
AND    status = 1
AND    owner_token = $finalizeArg.owner_token`,
		q.spec.Table, doneStamp, doneBy), arg, sqlair.S{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing ack statement")
	}

	return q.runCounted(ctx, tx, stmt, arg, ids)
}

// Abandon returns the input rows to ready, provided they are still in
// progress under the input owner token. The retry counter increments,
// and the row is next claimable at now plus the input delay. An empty
// lastError preserves the previous one.
func (q *Queue) Abandon(ctx context.Context, tx *sqlair.TX, now time.Time, owner string, ids []string, lastError string, delay time.Duration) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if delay < 0 {
		return 0, errors.NotValidf("negative delay %v", delay)
	}

	retry := ""
	if q.spec.RetryColumn != "" {
		retry = fmt.Sprintf(",\n       %[1]s = %[1]s + 1", q.spec.RetryColumn)
	}
	due := ""
	if q.spec.DueColumn != "" {
		due = fmt.Sprintf(",\n       %s = $abandonArg.due", q.spec.DueColumn)
	}

	arg := abandonArg{
		Owner:     owner,
		Now:       now,
		Due:       now.Add(delay),
		LastError: lastError,
	}
	stmt, err := q.prep.Prepare(fmt.Sprintf(`
UPDATE %[1]s
SET    status = 0,
       owner_token = NULL,
       locked_until = NULL,
       last_error = CASE WHEN $abandonArg.last_error = '' THEN last_error ELSE $abandonArg.last_error END%[2]s%[3]s
WHERE  id IN ($S[:])
AND    status = 1
AND    owner_token = $abandonArg.owner_token`,
		q.spec.Table, retry, due), arg, sqlair.S{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing abandon statement")
	}

	return q.runCounted(ctx, tx, stmt, arg, ids)
}

// Fail transitions the input rows to their terminal failed status,
// provided they are still in progress under the input owner token,
// recording the reason.
func (q *Queue) Fail(ctx context.Context, tx *sqlair.TX, now time.Time, owner string, ids []string, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	doneStamp := ""
	if q.spec.DoneStampColumn != "" {
		doneStamp = fmt.Sprintf(",\n       %s = $finalizeArg.now", q.spec.DoneStampColumn)
	}

	arg := finalizeArg{Owner: owner, Now: now, Reason: reason}
	stmt, err := q.prep.Prepare(fmt.Sprintf(`
UPDATE %[1]s
SET    status = 3,
       owner_token = NULL,
       locked_until = NULL,
       last_error = $finalizeArg.reason%[2]s
WHERE  id IN ($S[:])
AND    status = 1
AND    owner_token = $finalizeArg.owner_token`,
		q.spec.Table, doneStamp), arg, sqlair.S{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing fail statement")
	}

	return q.runCounted(ctx, tx, stmt, arg, ids)
}

// ReapExpired returns to ready every in-progress row whose lease has
// expired, clearing its claim so another worker can pick it up. It
// returns the number of rows reaped.
func (q *Queue) ReapExpired(ctx context.Context, tx *sqlair.TX, now time.Time) (int64, error) {
	arg := reapArg{Now: now}
	stmt, err := q.prep.Prepare(fmt.Sprintf(`
UPDATE %[1]s
SET    status = 0,
       owner_token = NULL,
       locked_until = NULL
WHERE  status = 1
AND    locked_until <= $reapArg.now`,
		q.spec.Table), arg)
	if err != nil {
		return 0, errors.Annotate(err, "preparing reap statement")
	}

	var outcome sqlair.Outcome
	if err := tx.Query(ctx, stmt, arg).Get(&outcome); err != nil {
		return 0, errors.Annotate(err, "reaping expired claims")
	}
	affected, err := outcome.Result().RowsAffected()
	return affected, errors.Trace(err)
}

func (q *Queue) runCounted(ctx context.Context, tx *sqlair.TX, stmt *sqlair.Statement, arg any, ids []string) (int64, error) {
	idArgs := sqlair.S(transform.Slice(ids, func(id string) any { return any(id) }))

	var outcome sqlair.Outcome
	if err := tx.Query(ctx, stmt, arg, idArgs).Get(&outcome); err != nil {
		return 0, errors.Trace(err)
	}
	affected, err := outcome.Result().RowsAffected()
	return affected, errors.Trace(err)
}
