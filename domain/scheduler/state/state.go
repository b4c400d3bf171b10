// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists timers, jobs, job runs and the scheduler's
// fencing record. Timers and job runs are work queues whose claims
// carry the fencing precondition, so an instance holding a stale token
// dispatches nothing.
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

// EnqueueFunc appends an outbox message inside the dispatch
// transaction, so the message becomes visible iff the timer or job run
// acknowledgement commits.
type EnqueueFunc func(ctx context.Context, tx *sqlair.TX, topic, payload, correlationID string) error

// NextRunFunc computes the first occurrence of a cron schedule strictly
// after the input time.
type NextRunFunc func(schedule string, after time.Time) (time.Time, error)

// State provides scheduler persistence for one store.
type State struct {
	*domain.StateBase
	names  schema.Names
	timers *workqueue.Queue
	runs   *workqueue.Queue
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, names schema.Names) *State {
	base := domain.NewStateBase(factory)
	return &State{
		StateBase: base,
		names:     names,
		timers: workqueue.New(workqueue.TableSpec{
			Table:           names.Timer(),
			DueColumn:       "due_time",
			CreatedColumn:   "created_at",
			RetryColumn:     "retry_count",
			DoneStampColumn: "processed_at",
		}, base),
		runs: workqueue.New(workqueue.TableSpec{
			Table:            names.JobRun(),
			DueColumn:        "scheduled_time",
			CreatedColumn:    "created_at",
			RetryColumn:      "retry_count",
			ClaimStampColumn: "start_time",
			DoneStampColumn:  "end_time",
		}, base),
	}
}

// InsertTimer records a one-shot timer due at the input time. The
// timer's own ID doubles as the correlation ID of the outbox message it
// eventually produces.
func (s *State) InsertTimer(ctx context.Context, now time.Time, id, topic, payload string, due time.Time) error {
	if id == "" {
		return errors.NotValidf("empty timer ID")
	}
	if topic == "" {
		return errors.NotValidf("empty topic")
	}

	row := timerRow{
		ID:        id,
		Topic:     topic,
		Payload:   payload,
		DueTime:   due,
		CreatedAt: now,
	}
	row.CorrelationID.String = id
	row.CorrelationID.Valid = true

	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, topic, payload, correlation_id, due_time, retry_count, created_at)
VALUES ($timerRow.*)`,
		s.names.Timer()), row)
	if err != nil {
		return errors.Annotate(err, "preparing insert timer statement")
	}

	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Annotate(err, "inserting timer")
}

// CancelTimer deletes the timer provided it has not yet been claimed or
// dispatched.
func (s *State) CancelTimer(ctx context.Context, id string) error {
	arg := idArg{ID: id}
	stmt, err := s.Prepare(fmt.Sprintf(`
DELETE FROM %s
WHERE  id = $idArg.id
AND    status = 0`,
		s.names.Timer()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing cancel timer statement")
	}

	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, arg).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("cancellable timer %q", id)
		}
		return nil
	})
	return errors.Trace(err)
}

// UpsertJob creates or updates the job definition named in the args.
// The job's identity and creation stamp survive an update; the schedule
// fields and next due time are replaced.
func (s *State) UpsertJob(ctx context.Context, now time.Time, args UpsertJobArgs) error {
	if args.Name == "" {
		return errors.NotValidf("empty job name")
	}
	if args.Topic == "" {
		return errors.NotValidf("empty topic")
	}
	if args.CronSchedule == "" {
		return errors.NotValidf("empty cron schedule")
	}

	row := upsertJobRow{
		ID:           uuid.MustNewUUID().String(),
		Name:         args.Name,
		Topic:        args.Topic,
		CronSchedule: args.CronSchedule,
		NextDueTime:  args.NextDueTime,
		CreatedAt:    now,
	}
	if args.Payload != "" {
		row.Payload.String = args.Payload
		row.Payload.Valid = true
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, name, topic, payload, cron_schedule, next_due_time, created_at)
VALUES ($upsertJobRow.*)
ON CONFLICT (name) DO UPDATE SET
    topic = excluded.topic,
    payload = excluded.payload,
    cron_schedule = excluded.cron_schedule,
    next_due_time = excluded.next_due_time,
    is_enabled = TRUE,
    updated_at = excluded.created_at`,
		s.names.Job()), row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert job statement")
	}

	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Annotatef(err, "upserting job %q", args.Name)
}

// Job returns the job definition with the input name.
func (s *State) Job(ctx context.Context, name string) (Job, error) {
	arg := nameArg{Name: name}
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &jobRow.*
FROM   %s
WHERE  name = $nameArg.name`,
		s.names.Job()), arg, jobRow{})
	if err != nil {
		return Job{}, errors.Annotate(err, "preparing job statement")
	}

	db, err := s.DB()
	if err != nil {
		return Job{}, errors.Trace(err)
	}
	var row jobRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, arg).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("job %q", name)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return Job{}, errors.Trace(err)
	}
	return row.toJob(), nil
}

// DeleteJob removes the job definition and its runs.
func (s *State) DeleteJob(ctx context.Context, name string) error {
	arg := nameArg{Name: name}

	deleteRunsStmt, err := s.Prepare(fmt.Sprintf(`
DELETE FROM %s
WHERE  job_id IN (SELECT id FROM %s WHERE name = $nameArg.name)`,
		s.names.JobRun(), s.names.Job()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing delete job runs statement")
	}

	deleteJobStmt, err := s.Prepare(fmt.Sprintf(`
DELETE FROM %s
WHERE  name = $nameArg.name`,
		s.names.Job()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing delete job statement")
	}

	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		if err := tx.Query(ctx, deleteRunsStmt, arg).Run(); err != nil {
			return errors.Trace(err)
		}
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, deleteJobStmt, arg).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("job %q", name)
		}
		return nil
	})
	return errors.Trace(err)
}

// InsertJobRun materializes one run of the job at the scheduled time.
// The (job, scheduled time) pair is unique, so re-materializing the
// same tick is a no-op; the return reports whether a row was created.
func (s *State) InsertJobRun(ctx context.Context, now time.Time, jobID string, scheduled time.Time) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}
	var inserted bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		inserted, err = s.insertJobRun(ctx, tx, now, jobID, scheduled)
		return errors.Trace(err)
	})
	return inserted, errors.Trace(err)
}

func (s *State) insertJobRun(ctx context.Context, tx *sqlair.TX, now time.Time, jobID string, scheduled time.Time) (bool, error) {
	row := insertRunRow{
		ID:            uuid.MustNewUUID().String(),
		JobID:         jobID,
		ScheduledTime: scheduled,
		CreatedAt:     now,
	}
	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, job_id, scheduled_time, created_at)
VALUES ($insertRunRow.*)
ON CONFLICT (job_id, scheduled_time) DO NOTHING`,
		s.names.JobRun()), row)
	if err != nil {
		return false, errors.Annotate(err, "preparing insert job run statement")
	}

	var outcome sqlair.Outcome
	if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
		return false, errors.Annotate(err, "inserting job run")
	}
	affected, err := outcome.Result().RowsAffected()
	if err != nil {
		return false, errors.Trace(err)
	}
	return affected > 0, nil
}

// StampFencing records the input token as current, provided it is no
// older than the stored one, and stamps the run time. It reports
// whether the stamp took; a false return means the caller's token is
// stale and it must stop.
func (s *State) StampFencing(ctx context.Context, now time.Time, token int64) (bool, error) {
	arg := fencingArg{Token: token, Now: now}
	stmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    current_fencing_token = $fencingArg.token,
       last_run_at = $fencingArg.now
WHERE  id = 1
AND    $fencingArg.token >= current_fencing_token`,
		s.names.SchedulerState()), arg)
	if err != nil {
		return false, errors.Annotate(err, "preparing stamp fencing statement")
	}

	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}
	var stamped bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, arg).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		stamped = affected > 0
		return nil
	})
	return stamped, errors.Trace(err)
}

// MaterializeDueRuns creates one run per due enabled job at its next
// due tick, advancing each job's next due time to the first occurrence
// after now. The advance is monotonic; a concurrent instance that has
// already moved a job further ahead is left alone. It returns the
// number of runs created.
func (s *State) MaterializeDueRuns(ctx context.Context, now time.Time, nextRun NextRunFunc) (int, error) {
	arg := nowArg{Now: now}
	dueStmt, err := s.Prepare(fmt.Sprintf(`
SELECT &jobRow.*
FROM   %s
WHERE  is_enabled
AND    next_due_time IS NOT NULL
AND    next_due_time <= $nowArg.now
ORDER BY next_due_time, name`,
		s.names.Job()), arg, jobRow{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing due jobs statement")
	}

	advanceStmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    next_due_time = $advanceArg.next,
       updated_at = $advanceArg.now
WHERE  id = $advanceArg.id
AND    (next_due_time IS NULL OR next_due_time < $advanceArg.next)`,
		s.names.Job()), advanceArg{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing advance job statement")
	}

	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var created int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		created = 0

		var due []jobRow
		err := tx.Query(ctx, dueStmt, arg).GetAll(&due)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Annotate(err, "reading due jobs")
		}

		for _, job := range due {
			inserted, err := s.insertJobRun(ctx, tx, now, job.ID, job.NextDueTime.Time)
			if err != nil {
				return errors.Trace(err)
			}
			if inserted {
				created++
			}

			next, err := nextRun(job.CronSchedule, now)
			if err != nil {
				return errors.Annotatef(err, "computing next run of job %q", job.Name)
			}
			adv := advanceArg{ID: job.ID, Next: next, Now: now}
			if err := tx.Query(ctx, advanceStmt, adv).Run(); err != nil {
				return errors.Annotatef(err, "advancing job %q", job.Name)
			}
		}
		return nil
	})
	return created, errors.Trace(err)
}

// DispatchDueTimers claims up to batch due timers under the fencing
// precondition, enqueues each timer's outbox message through the input
// func and acknowledges the timer, all in one transaction. It returns
// the number of timers dispatched.
func (s *State) DispatchDueTimers(ctx context.Context, now time.Time, owner string, lease time.Duration, batch int, fencing int64, enqueue EnqueueFunc) (int, error) {
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &timerRow.*
FROM   %s
WHERE  id IN ($S[:])
ORDER BY due_time, created_at, id`,
		s.names.Timer()), timerRow{}, sqlair.S{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing timers statement")
	}

	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var dispatched int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		dispatched = 0

		ids, err := s.timers.ClaimFenced(ctx, tx, now, owner, lease, batch, fencing, s.names.SchedulerState())
		if err != nil {
			return errors.Trace(err)
		}
		if len(ids) == 0 {
			return nil
		}

		idArgs := sqlair.S(transform.Slice(ids, func(id string) any { return any(id) }))
		var rows []timerRow
		if err := tx.Query(ctx, stmt, idArgs).GetAll(&rows); err != nil {
			return errors.Annotate(err, "reading claimed timers")
		}

		for _, row := range rows {
			t := row.toTimer()
			if err := enqueue(ctx, tx, t.Topic, t.Payload, t.ID); err != nil {
				return errors.Annotatef(err, "enqueueing message for timer %q", t.ID)
			}
		}

		if _, err := s.timers.Ack(ctx, tx, now, owner, ids); err != nil {
			return errors.Trace(err)
		}
		dispatched = len(ids)
		return nil
	})
	return dispatched, errors.Trace(err)
}

// DispatchDueJobRuns claims up to batch due job runs under the fencing
// precondition, enqueues each run's outbox message through the input
// func and acknowledges the run, all in one transaction. It returns the
// number of runs dispatched.
func (s *State) DispatchDueJobRuns(ctx context.Context, now time.Time, owner string, lease time.Duration, batch int, fencing int64, enqueue EnqueueFunc) (int, error) {
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT r.id AS &jobRunRow.id,
       r.job_id AS &jobRunRow.job_id,
       j.name AS &jobRunRow.name,
       j.topic AS &jobRunRow.topic,
       j.payload AS &jobRunRow.payload,
       r.scheduled_time AS &jobRunRow.scheduled_time,
       r.retry_count AS &jobRunRow.retry_count
FROM   %s AS r
JOIN   %s AS j ON j.id = r.job_id
WHERE  r.id IN ($S[:])
ORDER BY r.scheduled_time, r.created_at, r.id`,
		s.names.JobRun(), s.names.Job()), jobRunRow{}, sqlair.S{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing job runs statement")
	}

	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var dispatched int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		dispatched = 0

		ids, err := s.runs.ClaimFenced(ctx, tx, now, owner, lease, batch, fencing, s.names.SchedulerState())
		if err != nil {
			return errors.Trace(err)
		}
		if len(ids) == 0 {
			return nil
		}

		idArgs := sqlair.S(transform.Slice(ids, func(id string) any { return any(id) }))
		var rows []jobRunRow
		if err := tx.Query(ctx, stmt, idArgs).GetAll(&rows); err != nil {
			return errors.Annotate(err, "reading claimed job runs")
		}

		for _, row := range rows {
			r := row.toJobRun()
			if err := enqueue(ctx, tx, r.Topic, r.Payload, r.ID); err != nil {
				return errors.Annotatef(err, "enqueueing message for job run %q", r.ID)
			}
		}

		if _, err := s.runs.Ack(ctx, tx, now, owner, ids); err != nil {
			return errors.Trace(err)
		}
		dispatched = len(ids)
		return nil
	})
	return dispatched, errors.Trace(err)
}

// ReapExpiredTimers returns expired in-progress timers to ready.
func (s *State) ReapExpiredTimers(ctx context.Context, now time.Time) (int64, error) {
	return s.reap(ctx, now, s.timers)
}

// ReapExpiredJobRuns returns expired in-progress job runs to ready.
func (s *State) ReapExpiredJobRuns(ctx context.Context, now time.Time) (int64, error) {
	return s.reap(ctx, now, s.runs)
}

func (s *State) reap(ctx context.Context, now time.Time, q *workqueue.Queue) (int64, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int64
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		n, err = q.ReapExpired(ctx, tx, now)
		return errors.Trace(err)
	})
	return n, errors.Trace(err)
}

// NextEventTime returns the earliest upcoming event across ready
// timers, ready job runs and enabled jobs. The second return is false
// when nothing is pending.
func (s *State) NextEventTime(ctx context.Context) (time.Time, bool, error) {
	queries := []string{
		fmt.Sprintf("SELECT MIN(due_time) AS &eventTime.at FROM %s WHERE status = 0", s.names.Timer()),
		fmt.Sprintf("SELECT MIN(scheduled_time) AS &eventTime.at FROM %s WHERE status = 0", s.names.JobRun()),
		fmt.Sprintf("SELECT MIN(next_due_time) AS &eventTime.at FROM %s WHERE is_enabled", s.names.Job()),
	}

	stmts := make([]*sqlair.Statement, len(queries))
	for i, q := range queries {
		stmt, err := s.Prepare(q, eventTime{})
		if err != nil {
			return time.Time{}, false, errors.Annotate(err, "preparing next event statement")
		}
		stmts[i] = stmt
	}

	db, err := s.DB()
	if err != nil {
		return time.Time{}, false, errors.Trace(err)
	}

	var next time.Time
	var found bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		next, found = time.Time{}, false
		for _, stmt := range stmts {
			var at eventTime
			err := tx.Query(ctx, stmt).Get(&at)
			if errors.Is(err, sqlair.ErrNoRows) {
				continue
			} else if err != nil {
				return errors.Trace(err)
			}
			if !at.At.Valid {
				continue
			}
			if !found || at.At.Time.Before(next) {
				next, found = at.At.Time, true
			}
		}
		return nil
	})
	return next, found, errors.Trace(err)
}
