// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package startup

import (
	"context"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type latchSuite struct{}

var _ = gc.Suite(&latchSuite{})

func (s *latchSuite) TestNewLatchIsReady(c *gc.C) {
	l := NewLatch()
	c.Check(l.IsReady(), jc.IsTrue)
	c.Check(l.Wait(context.Background()), jc.ErrorIsNil)
}

func (s *latchSuite) TestAddMakesNotReady(c *gc.C) {
	l := NewLatch()
	l.Add("schema:main")
	c.Check(l.IsReady(), jc.IsFalse)
}

func (s *latchSuite) TestDoneRestoresReady(c *gc.C) {
	l := NewLatch()
	l.Add("schema:main")
	l.Add("schema:tenant-1")

	c.Assert(l.Done("schema:main"), jc.ErrorIsNil)
	c.Check(l.IsReady(), jc.IsFalse)
	c.Assert(l.Done("schema:tenant-1"), jc.ErrorIsNil)
	c.Check(l.IsReady(), jc.IsTrue)
}

func (s *latchSuite) TestReferenceCounting(c *gc.C) {
	l := NewLatch()
	l.Add("step")
	l.Add("step")

	c.Assert(l.Done("step"), jc.ErrorIsNil)
	c.Check(l.IsReady(), jc.IsFalse)
	c.Assert(l.Done("step"), jc.ErrorIsNil)
	c.Check(l.IsReady(), jc.IsTrue)
}

func (s *latchSuite) TestDoneWithoutAddErrors(c *gc.C) {
	l := NewLatch()
	c.Assert(l.Done("never-added"), gc.ErrorMatches, `startup step "never-added" completed .*`)
}

func (s *latchSuite) TestWaitUnblocksOnReady(c *gc.C) {
	l := NewLatch()
	l.Add("step")

	done := make(chan error)
	go func() {
		done <- l.Wait(context.Background())
	}()

	select {
	case <-done:
		c.Fatal("wait returned before the step completed")
	case <-time.After(10 * time.Millisecond):
	}

	c.Assert(l.Done("step"), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(time.Second):
		c.Fatal("wait did not return after the step completed")
	}
}

func (s *latchSuite) TestWaitHonoursContext(c *gc.C) {
	l := NewLatch()
	l.Add("step")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Assert(l.Wait(ctx), gc.ErrorMatches, "context canceled")
}

type onceSuite struct{}

var _ = gc.Suite(&onceSuite{})

func (s *onceSuite) TestFirstBeginWins(c *gc.C) {
	r := NewOnceExecutionRegistry()
	c.Check(r.Begin("fanout-etl"), jc.IsTrue)
	c.Check(r.Begin("fanout-etl"), jc.IsFalse)
}

func (s *onceSuite) TestKeysAreNormalized(c *gc.C) {
	r := NewOnceExecutionRegistry()
	c.Check(r.Begin("Fanout-ETL"), jc.IsTrue)
	c.Check(r.Begin("  fanout-etl  "), jc.IsFalse)
}

func (s *onceSuite) TestDistinctKeysAreIndependent(c *gc.C) {
	r := NewOnceExecutionRegistry()
	c.Check(r.Begin("a"), jc.IsTrue)
	c.Check(r.Begin("b"), jc.IsTrue)
}
