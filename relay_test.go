// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	relay "github.com/relaysys/relay"
	"github.com/relaysys/relay/core/store"
	inboxservice "github.com/relaysys/relay/domain/inbox/service"
	outboxservice "github.com/relaysys/relay/domain/outbox/service"
	internaldatabase "github.com/relaysys/relay/internal/database"
	loggertesting "github.com/relaysys/relay/internal/logger/testing"
	"github.com/relaysys/relay/internal/uuid"
)

type relaySuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&relaySuite{})

// newRelay returns a relay over a single in-memory store, tuned for
// fast test turnaround.
func (s *relaySuite) newRelay(c *gc.C, assignments map[string]string) *relay.Relay {
	r, err := relay.New(relay.Config{
		Stores: []store.Config{{
			ID:                     "main",
			DSN:                    internaldatabase.InMemoryDSN(uuid.MustNewUUID().String()),
			EnableSchemaDeployment: true,
		}},
		RoutingAssignments: assignments,
		OutboxInterval:     50 * time.Millisecond,
		SchedulerMaxSleep:  100 * time.Millisecond,
		ReapInterval:       time.Second,
		Logger:             loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		c.Assert(r.Close(), jc.ErrorIsNil)
	})
	return r
}

// startWorker runs the background worker and blocks until schema
// deployment has completed.
func (s *relaySuite) startWorker(c *gc.C, r *relay.Relay) worker.Worker {
	w, err := r.Worker()
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, w)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Assert(r.Latch().Wait(ctx), jc.ErrorIsNil)
	return w
}

func (s *relaySuite) TestNewValidatesConfig(c *gc.C) {
	_, err := relay.New(relay.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	_, err = relay.New(relay.Config{
		Stores:    []store.Config{{ID: "main", DSN: "file:x"}},
		Discovery: staticDiscovery(nil),
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *relaySuite) TestOutboxDispatchEndToEnd(c *gc.C) {
	r := s.newRelay(c, nil)

	h := &recordingHandler{topic: "greet", done: make(chan string, 1)}
	c.Assert(r.RegisterOutboxHandler(h), jc.ErrorIsNil)
	s.startWorker(c, r)

	ctx := context.Background()
	outbox, err := r.Outbox(ctx, "main")
	c.Assert(err, jc.ErrorIsNil)

	_, err = outbox.Enqueue(ctx, outboxservice.EnqueueArgs{
		Topic:   "greet",
		Payload: "hello",
	})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case payload := <-h.done:
		c.Check(payload, gc.Equals, "hello")
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for dispatch")
	}
}

func (s *relaySuite) TestInboxEnqueueDeduplicates(c *gc.C) {
	r := s.newRelay(c, nil)
	s.startWorker(c, r)

	ctx := context.Background()
	inbox, err := r.Inbox(ctx, "main")
	c.Assert(err, jc.ErrorIsNil)

	args := inboxservice.EnqueueArgs{
		Topic:     "orders",
		Source:    "billing",
		MessageID: "msg-1",
		Payload:   "first",
	}
	seen, err := inbox.Enqueue(ctx, args)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(seen, jc.IsFalse)

	args.Payload = "second"
	seen, err = inbox.Enqueue(ctx, args)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(seen, jc.IsTrue)
}

func (s *relaySuite) TestRouterResolvesAssignments(c *gc.C) {
	r := s.newRelay(c, map[string]string{"tenant-1": "main"})

	ctx := context.Background()
	st, err := r.Router().Route(ctx, "TENANT-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(st.ID, gc.Equals, "main")

	_, err = r.Router().Route(ctx, "tenant-2")
	c.Assert(err, jc.ErrorIs, store.ErrStoreNotFound)
}

func (s *relaySuite) TestLeaseExclusion(c *gc.C) {
	r := s.newRelay(c, nil)
	s.startWorker(c, r)

	ctx := context.Background()
	factory, err := r.Leases(ctx, "main")
	c.Assert(err, jc.ErrorIsNil)

	held, err := factory.Acquire(ctx, "demo", 30*time.Second, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(held, gc.NotNil)

	blocked, err := factory.Acquire(ctx, "demo", 30*time.Second, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(blocked, gc.IsNil)

	c.Assert(held.Release(ctx), jc.ErrorIsNil)

	won, err := factory.Acquire(ctx, "demo", 30*time.Second, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(won, gc.NotNil)
	c.Assert(won.Release(ctx), jc.ErrorIsNil)
}

func (s *relaySuite) TestSchedulerTimerEndToEnd(c *gc.C) {
	r := s.newRelay(c, nil)

	h := &recordingHandler{topic: "remind", done: make(chan string, 1)}
	c.Assert(r.RegisterOutboxHandler(h), jc.ErrorIsNil)
	s.startWorker(c, r)

	ctx := context.Background()
	scheduler, err := r.Scheduler(ctx, "main")
	c.Assert(err, jc.ErrorIsNil)

	_, err = scheduler.ScheduleTimer(ctx, "remind", "wake up", time.Now())
	c.Assert(err, jc.ErrorIsNil)

	select {
	case payload := <-h.done:
		c.Check(payload, gc.Equals, "wake up")
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for timer dispatch")
	}
}

type recordingHandler struct {
	topic string
	done  chan string
}

func (h *recordingHandler) Topic() string {
	return h.topic
}

func (h *recordingHandler) Handle(_ context.Context, msg outboxservice.Message) error {
	select {
	case h.done <- msg.Payload:
	default:
	}
	return nil
}

// staticDiscovery reports a fixed config set.
type staticDiscovery []store.Config

func (d staticDiscovery) DiscoverDatabases(context.Context) ([]store.Config, error) {
	return d, nil
}
