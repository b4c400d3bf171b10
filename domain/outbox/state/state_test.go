// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/relaysys/relay/domain/outbox/state"
	"github.com/relaysys/relay/domain/schema"
	databasetesting "github.com/relaysys/relay/internal/database/testing"
	"github.com/relaysys/relay/internal/uuid"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type stateSuite struct {
	databasetesting.StoreSuite

	state *state.State
	now   time.Time
}

var _ = gc.Suite(&stateSuite{})

func (s *stateSuite) SetUpTest(c *gc.C) {
	s.StoreSuite.SetUpTest(c)

	s.state = state.NewState(s.TxnRunnerFactory(), schema.Names{})
	s.now = time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
}

func (s *stateSuite) TestEnqueueAndClaim(c *gc.C) {
	err := s.state.Enqueue(context.Background(), s.now, state.EnqueueArgs{
		ID:            "m1",
		Topic:         "orders.created",
		Payload:       `{"order":1}`,
		CorrelationID: "op-1",
	})
	c.Assert(err, jc.ErrorIsNil)

	ids, err := s.state.Claim(context.Background(), s.now, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ids, gc.DeepEquals, []string{"m1"})

	msgs, err := s.state.Messages(context.Background(), ids)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(msgs, gc.HasLen, 1)
	c.Check(msgs[0].Topic, gc.Equals, "orders.created")
	c.Check(msgs[0].Payload, gc.Equals, `{"order":1}`)
	c.Check(msgs[0].CorrelationID, gc.Equals, "op-1")
}

func (s *stateSuite) TestEnqueueWithDueTimeNotClaimableEarly(c *gc.C) {
	due := s.now.Add(time.Hour)
	err := s.state.Enqueue(context.Background(), s.now, state.EnqueueArgs{
		ID:      "m1",
		Topic:   "t",
		Payload: "{}",
		DueTime: &due,
	})
	c.Assert(err, jc.ErrorIsNil)

	ids, err := s.state.Claim(context.Background(), s.now, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ids, gc.HasLen, 0)

	ids, err = s.state.Claim(context.Background(), due, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ids, gc.DeepEquals, []string{"m1"})
}

func (s *stateSuite) TestEnqueueInTxnVisibleOnlyAfterCommit(c *gc.C) {
	// A rolled back transaction leaves no message behind.
	boom := errors.New("boom")
	err := s.TxnRunner().Txn(context.Background(), func(ctx context.Context, tx *sqlair.TX) error {
		if err := s.state.EnqueueInTxn(ctx, tx, s.now, state.EnqueueArgs{
			ID: "m1", Topic: "t", Payload: "{}",
		}); err != nil {
			return err
		}
		return boom
	})
	c.Assert(err, jc.ErrorIs, boom)

	ids, err := s.state.Claim(context.Background(), s.now, uuid.MustNewUUID().String(), 30*time.Second, 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ids, gc.HasLen, 0)
}

func (s *stateSuite) TestEnqueueEmptyTopicNotValid(c *gc.C) {
	err := s.state.Enqueue(context.Background(), s.now, state.EnqueueArgs{ID: "m1"})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *stateSuite) TestCreateJoinAndMembers(c *gc.C) {
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j1", 2), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m2"), jc.ErrorIsNil)

	// Enrolment is idempotent.
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)

	j, err := s.state.Join(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(j.ExpectedSteps, gc.Equals, 2)
	c.Check(j.CompletedSteps, gc.Equals, 0)
	c.Check(j.Status, gc.Equals, state.JoinPending)
}

func (s *stateSuite) TestCreateJoinNonPositiveStepsNotValid(c *gc.C) {
	err := s.state.CreateJoin(context.Background(), s.now, "j1", 0)
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *stateSuite) TestNoteCompletedCountsExactlyOnce(c *gc.C) {
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j1", 2), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m2"), jc.ErrorIsNil)

	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m1"), jc.ErrorIsNil)
	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m1"), jc.ErrorIsNil)

	j, err := s.state.Join(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(j.CompletedSteps, gc.Equals, 1)
	c.Check(j.Status, gc.Equals, state.JoinPending)
}

func (s *stateSuite) TestJoinCompletesWhenAllMembersComplete(c *gc.C) {
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j1", 2), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m2"), jc.ErrorIsNil)

	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m1"), jc.ErrorIsNil)
	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m2"), jc.ErrorIsNil)

	j, err := s.state.Join(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(j.CompletedSteps, gc.Equals, 2)
	c.Check(j.Status, gc.Equals, state.JoinCompleted)
}

func (s *stateSuite) TestJoinFailsOnAnyMemberFailure(c *gc.C) {
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j1", 2), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m2"), jc.ErrorIsNil)

	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m1"), jc.ErrorIsNil)
	c.Assert(s.state.NoteFailed(context.Background(), s.now, "m2"), jc.ErrorIsNil)

	j, err := s.state.Join(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(j.CompletedSteps, gc.Equals, 1)
	c.Check(j.FailedSteps, gc.Equals, 1)
	c.Check(j.Status, gc.Equals, state.JoinFailed)
}

func (s *stateSuite) TestFinalizedMemberNeverFlips(c *gc.C) {
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j1", 1), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)

	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m1"), jc.ErrorIsNil)
	c.Assert(s.state.NoteFailed(context.Background(), s.now, "m1"), jc.ErrorIsNil)

	j, err := s.state.Join(context.Background(), "j1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(j.CompletedSteps, gc.Equals, 1)
	c.Check(j.FailedSteps, gc.Equals, 0)
	c.Check(j.Status, gc.Equals, state.JoinCompleted)
}

func (s *stateSuite) TestNoteForMessageInTwoJoins(c *gc.C) {
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j1", 1), jc.ErrorIsNil)
	c.Assert(s.state.CreateJoin(context.Background(), s.now, "j2", 1), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j1", "m1"), jc.ErrorIsNil)
	c.Assert(s.state.AddJoinMember(context.Background(), "j2", "m1"), jc.ErrorIsNil)

	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "m1"), jc.ErrorIsNil)

	for _, id := range []string{"j1", "j2"} {
		j, err := s.state.Join(context.Background(), id)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(j.Status, gc.Equals, state.JoinCompleted)
	}
}

func (s *stateSuite) TestNoteWithoutMembershipIsNoOp(c *gc.C) {
	c.Assert(s.state.NoteCompleted(context.Background(), s.now, "unknown"), jc.ErrorIsNil)
}

func (s *stateSuite) TestJoinNotFound(c *gc.C) {
	_, err := s.state.Join(context.Background(), "nope")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *stateSuite) TestAckClearsClaim(c *gc.C) {
	err := s.state.Enqueue(context.Background(), s.now, state.EnqueueArgs{ID: "m1", Topic: "t", Payload: "{}"})
	c.Assert(err, jc.ErrorIsNil)

	owner := uuid.MustNewUUID().String()
	ids, err := s.state.Claim(context.Background(), s.now, owner, 30*time.Second, 10)
	c.Assert(err, jc.ErrorIsNil)

	n, err := s.state.Ack(context.Background(), s.now, owner, ids)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, int64(1))

	var status int
	var ownerToken sql.NullString
	err = s.DB().QueryRow("SELECT status, owner_token FROM outbox WHERE id = 'm1'").Scan(&status, &ownerToken)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(status, gc.Equals, 2)
	c.Check(ownerToken.Valid, jc.IsFalse)
}
