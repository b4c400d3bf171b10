// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workqueue_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/relaysys/relay/domain"
	"github.com/relaysys/relay/domain/workqueue"
	databasetesting "github.com/relaysys/relay/internal/database/testing"
	"github.com/relaysys/relay/internal/uuid"
)

type queueSuite struct {
	databasetesting.StoreSuite

	queue *workqueue.Queue
	now   time.Time
}

var _ = gc.Suite(&queueSuite{})

func (s *queueSuite) SetUpTest(c *gc.C) {
	s.StoreSuite.SetUpTest(c)

	base := domain.NewStateBase(s.TxnRunnerFactory())
	s.queue = workqueue.New(workqueue.TableSpec{
		Table:           "outbox",
		DueColumn:       "due_time",
		CreatedColumn:   "created_at",
		RetryColumn:     "retry_count",
		DoneStampColumn: "processed_at",
		DoneByColumn:    "processed_by",
	}, base)
	s.now = time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
}

func (s *queueSuite) seed(c *gc.C, id string, status int, due, created time.Time) {
	_, err := s.DB().Exec(`
INSERT INTO outbox (id, topic, payload, status, due_time, created_at)
VALUES (?, 'topic', '{}', ?, ?, ?)`,
		id, status, due, created)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *queueSuite) claim(c *gc.C, owner string, lease time.Duration, batch int) []string {
	var ids []string
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		ids, err = s.queue.Claim(ctx, tx, s.now, owner, lease, batch)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	return ids
}

func (s *queueSuite) row(c *gc.C, id string) (status int, owner sql.NullString, retry int, lastError sql.NullString) {
	err := s.DB().QueryRow(
		"SELECT status, owner_token, retry_count, last_error FROM outbox WHERE id = ?", id,
	).Scan(&status, &owner, &retry, &lastError)
	c.Assert(err, jc.ErrorIsNil)
	return status, owner, retry, lastError
}

func (s *queueSuite) TestClaimReturnsOnlyDueReadyRows(c *gc.C) {
	past := s.now.Add(-time.Minute)
	future := s.now.Add(time.Minute)

	s.seed(c, "due-ready", 0, past, past)
	s.seed(c, "future-ready", 0, future, past)
	s.seed(c, "done", 2, past, past)

	ids := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(ids, gc.DeepEquals, []string{"due-ready"})
}

func (s *queueSuite) TestClaimNullDueIsImmediatelyClaimable(c *gc.C) {
	created := s.now.Add(-time.Minute)
	_, err := s.DB().Exec(`
INSERT INTO outbox (id, topic, payload, status, created_at)
VALUES ('no-due', 'topic', '{}', 0, ?)`, created)
	c.Assert(err, jc.ErrorIsNil)

	ids := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(ids, gc.DeepEquals, []string{"no-due"})
}

func (s *queueSuite) TestClaimOrdersByDueThenCreated(c *gc.C) {
	s.seed(c, "b", 0, s.now.Add(-time.Minute), s.now.Add(-2*time.Minute))
	s.seed(c, "a", 0, s.now.Add(-time.Minute), s.now.Add(-3*time.Minute))
	s.seed(c, "first", 0, s.now.Add(-2*time.Minute), s.now.Add(-time.Minute))

	ids := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(ids, gc.DeepEquals, []string{"first", "a", "b"})
}

func (s *queueSuite) TestClaimRespectsBatchSize(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past.Add(time.Second))
	s.seed(c, "m2", 0, past, past.Add(2*time.Second))
	s.seed(c, "m3", 0, past, past.Add(3*time.Second))

	ids := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 2)
	c.Assert(ids, gc.DeepEquals, []string{"m1", "m2"})
}

func (s *queueSuite) TestClaimBatchZeroClaimsNothing(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	ids := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 0)
	c.Assert(ids, gc.HasLen, 0)

	status, _, _, _ := s.row(c, "m1")
	c.Check(status, gc.Equals, 0)
}

func (s *queueSuite) TestClaimedRowsInvisibleToSecondClaim(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	first := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(first, gc.DeepEquals, []string{"m1"})

	second := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(second, gc.HasLen, 0)
}

func (s *queueSuite) TestClaimVisibleAgainAfterLeaseExpiry(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	first := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(first, gc.DeepEquals, []string{"m1"})

	// Both reap and claim treat an expired lock as up for grabs; an
	// expired in-progress row is not reclaimed until it is reaped.
	s.now = s.now.Add(31 * time.Second)
	var reaped int64
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		reaped, err = s.queue.ReapExpired(ctx, tx, s.now)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(reaped, gc.Equals, int64(1))

	second := s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(second, gc.DeepEquals, []string{"m1"})
}

func (s *queueSuite) TestConcurrentClaimsAreDisjoint(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	type result struct {
		ids []string
		err error
	}

	results := make(chan result)
	for i := 0; i < 2; i++ {
		go func() {
			var ids []string
			err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
				var err error
				ids, err = s.queue.Claim(ctx, tx, s.now, uuid.MustNewUUID().String(), 30*time.Second, 10)
				return err
			})
			results <- result{ids: ids, err: err}
		}()
	}

	a := <-results
	b := <-results
	c.Assert(a.err, jc.ErrorIsNil)
	c.Assert(b.err, jc.ErrorIsNil)
	c.Check(len(a.ids)+len(b.ids), gc.Equals, 1)
}

func (s *queueSuite) TestAckStampsAndClears(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	owner := uuid.MustNewUUID().String()
	ids := s.claim(c, owner, 30*time.Second, 10)
	c.Assert(ids, gc.DeepEquals, []string{"m1"})

	var acked int64
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		acked, err = s.queue.Ack(ctx, tx, s.now, owner, ids)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(acked, gc.Equals, int64(1))

	var status int
	var ownerToken, processedBy sql.NullString
	var processedAt sql.NullTime
	err = s.DB().QueryRow(
		"SELECT status, owner_token, processed_by, processed_at FROM outbox WHERE id = 'm1'",
	).Scan(&status, &ownerToken, &processedBy, &processedAt)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, 2)
	c.Check(ownerToken.Valid, jc.IsFalse)
	c.Check(processedBy.String, gc.Equals, owner)
	c.Check(processedAt.Valid, jc.IsTrue)
}

func (s *queueSuite) TestAckWithStaleOwnerIsNoOp(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	owner := uuid.MustNewUUID().String()
	ids := s.claim(c, owner, 30*time.Second, 10)
	c.Assert(ids, gc.HasLen, 1)

	var acked int64
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		acked, err = s.queue.Ack(ctx, tx, s.now, uuid.MustNewUUID().String(), ids)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(acked, gc.Equals, int64(0))

	status, _, _, _ := s.row(c, "m1")
	c.Check(status, gc.Equals, 1)
}

func (s *queueSuite) TestAckEmptyIDsIsNoOp(c *gc.C) {
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		n, err := s.queue.Ack(ctx, tx, s.now, "owner", nil)
		c.Check(n, gc.Equals, int64(0))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *queueSuite) TestAbandonIncrementsRetryAndDelays(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	owner := uuid.MustNewUUID().String()
	ids := s.claim(c, owner, 30*time.Second, 10)
	c.Assert(ids, gc.HasLen, 1)

	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		n, err := s.queue.Abandon(ctx, tx, s.now, owner, ids, "boom", time.Minute)
		c.Check(n, gc.Equals, int64(1))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)

	status, ownerToken, retry, lastError := s.row(c, "m1")
	c.Check(status, gc.Equals, 0)
	c.Check(ownerToken.Valid, jc.IsFalse)
	c.Check(retry, gc.Equals, 1)
	c.Check(lastError.String, gc.Equals, "boom")

	// Not claimable until the delay has passed.
	c.Check(s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10), gc.HasLen, 0)
	s.now = s.now.Add(61 * time.Second)
	c.Check(s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10), gc.DeepEquals, []string{"m1"})
}

func (s *queueSuite) TestAbandonPreservesLastErrorWhenEmpty(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)
	_, err := s.DB().Exec("UPDATE outbox SET last_error = 'original' WHERE id = 'm1'")
	c.Assert(err, jc.ErrorIsNil)

	owner := uuid.MustNewUUID().String()
	ids := s.claim(c, owner, 30*time.Second, 10)
	c.Assert(ids, gc.HasLen, 1)

	err = s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		_, err := s.queue.Abandon(ctx, tx, s.now, owner, ids, "", 0)
		return err
	})
	c.Assert(err, jc.ErrorIsNil)

	_, _, _, lastError := s.row(c, "m1")
	c.Check(lastError.String, gc.Equals, "original")
}

func (s *queueSuite) TestAbandonNegativeDelayNotValid(c *gc.C) {
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		_, err := s.queue.Abandon(ctx, tx, s.now, "owner", []string{"m1"}, "", -time.Second)
		return err
	})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *queueSuite) TestFailIsTerminal(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	owner := uuid.MustNewUUID().String()
	ids := s.claim(c, owner, 30*time.Second, 10)
	c.Assert(ids, gc.HasLen, 1)

	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		n, err := s.queue.Fail(ctx, tx, s.now, owner, ids, "no handler registered for topic")
		c.Check(n, gc.Equals, int64(1))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)

	status, ownerToken, _, lastError := s.row(c, "m1")
	c.Check(status, gc.Equals, 3)
	c.Check(ownerToken.Valid, jc.IsFalse)
	c.Check(lastError.String, gc.Equals, "no handler registered for topic")

	// Terminal rows never come back.
	c.Check(s.claim(c, uuid.MustNewUUID().String(), 30*time.Second, 10), gc.HasLen, 0)
}

func (s *queueSuite) TestReapLeavesLiveClaimsAlone(c *gc.C) {
	past := s.now.Add(-time.Minute)
	s.seed(c, "m1", 0, past, past)

	owner := uuid.MustNewUUID().String()
	ids := s.claim(c, owner, 30*time.Second, 10)
	c.Assert(ids, gc.HasLen, 1)

	var reaped int64
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		reaped, err = s.queue.ReapExpired(ctx, tx, s.now.Add(29*time.Second))
		return err
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(reaped, gc.Equals, int64(0))

	status, _, _, _ := s.row(c, "m1")
	c.Check(status, gc.Equals, 1)
}
