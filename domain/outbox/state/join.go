// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
)

// CreateJoin records a join expecting the input number of steps.
func (s *State) CreateJoin(ctx context.Context, now time.Time, id string, expectedSteps int) error {
	if expectedSteps <= 0 {
		return errors.NotValidf("non-positive expected steps %d", expectedSteps)
	}
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	arg := joinInsertArg{ID: id, ExpectedSteps: expectedSteps, CreatedAt: now}
	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, expected_steps, created_at)
VALUES ($joinInsertArg.*)`,
		s.names.OutboxJoin()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing create join statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, arg).Run())
	})
	return errors.Trace(err)
}

// AddJoinMember enrols the outbox message as one step of the join.
// Enrolling the same pair again is a no-op.
func (s *State) AddJoinMember(ctx context.Context, joinID, outboxID string) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	arg := memberArg{JoinID: joinID, OutboxID: outboxID}
	stmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %s (join_id, outbox_id)
VALUES ($memberArg.*)
ON CONFLICT (join_id, outbox_id) DO NOTHING`,
		s.names.OutboxJoinMember()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing add member statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, arg).Run())
	})
	return errors.Trace(err)
}

// NoteCompleted counts the outbox message's completion against every
// join it belongs to. The per-member finalized flag is the sole guard:
// a member already counted, in either direction, is skipped, so
// repeated acknowledgements advance each counter exactly once.
func (s *State) NoteCompleted(ctx context.Context, now time.Time, outboxID string) error {
	return errors.Trace(s.note(ctx, now, outboxID, true))
}

// NoteFailed counts the outbox message's failure against every join it
// belongs to, with the same exactly-once guard as NoteCompleted.
func (s *State) NoteFailed(ctx context.Context, now time.Time, outboxID string) error {
	return errors.Trace(s.note(ctx, now, outboxID, false))
}

func (s *State) note(ctx context.Context, now time.Time, outboxID string, completed bool) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	arg := noteArg{OutboxID: outboxID, Now: now}

	pendingStmt, err := s.Prepare(fmt.Sprintf(`
SELECT join_id AS &joinIDRow.join_id
FROM   %s
WHERE  outbox_id = $noteArg.outbox_id
AND    completed = FALSE
AND    failed = FALSE`,
		s.names.OutboxJoinMember()), arg, joinIDRow{})
	if err != nil {
		return errors.Annotate(err, "preparing pending members statement")
	}

	flag := "failed"
	counter := "failed_steps"
	if completed {
		flag = "completed"
		counter = "completed_steps"
	}

	flipStmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    %s = TRUE,
       finalized_at = $noteArg.now
WHERE  join_id = $noteArg.join_id
AND    outbox_id = $noteArg.outbox_id
AND    completed = FALSE
AND    failed = FALSE`,
		s.names.OutboxJoinMember(), flag), arg)
	if err != nil {
		return errors.Annotate(err, "preparing flip member statement")
	}

	countStmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %[1]s
SET    %[2]s = %[2]s + 1,
       updated_at = $noteArg.now
WHERE  id = $noteArg.join_id`,
		s.names.OutboxJoin(), counter), arg)
	if err != nil {
		return errors.Annotate(err, "preparing count step statement")
	}

	deriveStmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    status = CASE
           WHEN failed_steps > 0 THEN 2
           WHEN completed_steps >= expected_steps THEN 1
           ELSE 0
       END
WHERE  id = $noteArg.join_id`,
		s.names.OutboxJoin()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing derive status statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var pending []joinIDRow
		err := tx.Query(ctx, pendingStmt, arg).GetAll(&pending)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		for _, row := range pending {
			a := arg
			a.JoinID = row.JoinID

			var outcome sqlair.Outcome
			if err := tx.Query(ctx, flipStmt, a).Get(&outcome); err != nil {
				return errors.Trace(err)
			}
			affected, err := outcome.Result().RowsAffected()
			if err != nil {
				return errors.Trace(err)
			}
			if affected == 0 {
				continue
			}

			if err := tx.Query(ctx, countStmt, a).Run(); err != nil {
				return errors.Trace(err)
			}
			if err := tx.Query(ctx, deriveStmt, a).Run(); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
	return errors.Trace(err)
}

// Join returns the aggregate view of the input join.
func (s *State) Join(ctx context.Context, id string) (Join, error) {
	db, err := s.DB()
	if err != nil {
		return Join{}, errors.Trace(err)
	}

	arg := joinInsertArg{ID: id}
	stmt, err := s.Prepare(fmt.Sprintf(`
SELECT &joinRow.*
FROM   %s
WHERE  id = $joinInsertArg.id`,
		s.names.OutboxJoin()), arg, joinRow{})
	if err != nil {
		return Join{}, errors.Annotate(err, "preparing join statement")
	}

	var row joinRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, arg).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("join %q", id)
		}
		return errors.Trace(err)
	})
	if err != nil {
		return Join{}, errors.Trace(err)
	}

	return Join{
		ID:             row.ID,
		ExpectedSteps:  row.ExpectedSteps,
		CompletedSteps: row.CompletedSteps,
		FailedSteps:    row.FailedSteps,
		Status:         JoinStatus(row.Status),
	}, nil
}
