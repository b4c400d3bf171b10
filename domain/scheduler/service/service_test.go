// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	corelease "github.com/relaysys/relay/core/lease"
	outboxstate "github.com/relaysys/relay/domain/outbox/state"
	"github.com/relaysys/relay/domain/scheduler/service"
	"github.com/relaysys/relay/domain/scheduler/state"
	"github.com/relaysys/relay/domain/schema"
	databasetesting "github.com/relaysys/relay/internal/database/testing"
	loggertesting "github.com/relaysys/relay/internal/logger/testing"
	"github.com/relaysys/relay/internal/uuid"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type stubLease struct {
	fencing  int64
	released bool
}

func (l *stubLease) FencingToken() int64 { return l.fencing }

func (l *stubLease) Check() error { return nil }

func (l *stubLease) Release(context.Context) error {
	l.released = true
	return nil
}

// stubLeaseTaker grants or withholds the scheduler lease.
type stubLeaseTaker struct {
	held    bool
	fencing int64
	lease   *stubLease
}

func (t *stubLeaseTaker) Acquire(context.Context, string, time.Duration, string) (service.Lease, error) {
	if t.held {
		return nil, nil
	}
	t.lease = &stubLease{fencing: t.fencing}
	return t.lease, nil
}

type serviceSuite struct {
	databasetesting.StoreSuite

	state  *state.State
	outbox *outboxstate.State
	clock  *testclock.Clock
	now    time.Time
	client *service.Client
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.StoreSuite.SetUpTest(c)

	s.state = state.NewState(s.TxnRunnerFactory(), schema.Names{})
	s.outbox = outboxstate.NewState(s.TxnRunnerFactory(), schema.Names{})
	s.now = time.Date(2025, 8, 1, 10, 0, 30, 0, time.UTC)
	s.clock = testclock.NewClock(s.now)
	s.client = service.NewClient(s.state, s.clock)
}

func (s *serviceSuite) newRunner(c *gc.C, taker service.LeaseTaker) *service.Runner {
	r, err := service.NewRunner(service.RunnerConfig{
		StoreID: "main",
		State:   s.state,
		Leases:  taker,
		Enqueue: func(ctx context.Context, tx *sqlair.TX, topic, payload, correlationID string) error {
			return s.outbox.EnqueueInTxn(ctx, tx, s.clock.Now(), outboxstate.EnqueueArgs{
				ID:            uuid.MustNewUUID().String(),
				Topic:         topic,
				Payload:       payload,
				CorrelationID: correlationID,
			})
		},
		Clock:  s.clock,
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	return r
}

func (s *serviceSuite) TestScheduleAndCancelTimer(c *gc.C) {
	id, err := s.client.ScheduleTimer(context.Background(), "orders.remind", "{}", s.now.Add(time.Hour))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(id, gc.Not(gc.Equals), "")

	c.Assert(s.client.CancelTimer(context.Background(), id), jc.ErrorIsNil)
	c.Assert(s.client.CancelTimer(context.Background(), id), jc.Satisfies, errors.IsNotFound)
}

func (s *serviceSuite) TestCreateOrUpdateJobComputesNextDue(c *gc.C) {
	err := s.client.CreateOrUpdateJob(context.Background(), "nightly", "reports.run", "0 2 * * *", "")
	c.Assert(err, jc.ErrorIsNil)

	job, err := s.state.Job(context.Background(), "nightly")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(job.NextDueTime.Equal(time.Date(2025, 8, 2, 2, 0, 0, 0, time.UTC)), jc.IsTrue)
}

func (s *serviceSuite) TestCreateJobSecondGranularity(c *gc.C) {
	// A six-field expression carries a leading seconds field.
	err := s.client.CreateOrUpdateJob(context.Background(), "fast", "ticks", "*/15 * * * * *", "")
	c.Assert(err, jc.ErrorIsNil)

	job, err := s.state.Job(context.Background(), "fast")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(job.NextDueTime.Equal(s.now.Add(15*time.Second)), jc.IsTrue)
}

func (s *serviceSuite) TestCreateJobBadScheduleNotValid(c *gc.C) {
	err := s.client.CreateOrUpdateJob(context.Background(), "broken", "x", "* * *", "")
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *serviceSuite) TestTriggerJob(c *gc.C) {
	err := s.client.CreateOrUpdateJob(context.Background(), "nightly", "reports.run", "0 2 * * *", "")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.client.TriggerJob(context.Background(), "nightly"), jc.ErrorIsNil)

	var n int
	c.Assert(s.DB().QueryRow("SELECT COUNT(*) FROM job_run").Scan(&n), jc.ErrorIsNil)
	c.Check(n, gc.Equals, 1)

	c.Assert(s.client.TriggerJob(context.Background(), "absent"), jc.Satisfies, errors.IsNotFound)
}

func (s *serviceSuite) TestRunOnceDispatchesDueWork(c *gc.C) {
	_, err := s.client.ScheduleTimer(context.Background(), "orders.remind", "{}", s.now)
	c.Assert(err, jc.ErrorIsNil)
	err = s.client.CreateOrUpdateJob(context.Background(), "fast", "ticks", "* * * * * *", "")
	c.Assert(err, jc.ErrorIsNil)

	// Let the job's next tick fall due.
	s.clock.Advance(2 * time.Second)

	taker := &stubLeaseTaker{fencing: 1}
	result, err := s.newRunner(c, taker).RunOnce(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.TimersDispatched, gc.Equals, 1)
	c.Check(result.JobRunsDispatched, gc.Equals, 1)
	c.Check(result.HasNext, jc.IsTrue)
	c.Check(taker.lease.released, jc.IsTrue)

	var n int
	c.Assert(s.DB().QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n), jc.ErrorIsNil)
	c.Check(n, gc.Equals, 2)
}

func (s *serviceSuite) TestRunOnceLeaseHeldSkips(c *gc.C) {
	_, err := s.client.ScheduleTimer(context.Background(), "orders.remind", "{}", s.now)
	c.Assert(err, jc.ErrorIsNil)

	result, err := s.newRunner(c, &stubLeaseTaker{held: true}).RunOnce(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.TimersDispatched, gc.Equals, 0)

	var n int
	c.Assert(s.DB().QueryRow("SELECT COUNT(*) FROM outbox").Scan(&n), jc.ErrorIsNil)
	c.Check(n, gc.Equals, 0)
}

func (s *serviceSuite) TestRunOnceStaleFencingLost(c *gc.C) {
	stamped, err := s.state.StampFencing(context.Background(), s.now, 7)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stamped, jc.IsTrue)

	taker := &stubLeaseTaker{fencing: 5}
	_, err = s.newRunner(c, taker).RunOnce(context.Background())
	c.Assert(err, jc.ErrorIs, corelease.ErrLost)
	c.Check(taker.lease.released, jc.IsTrue)
}
