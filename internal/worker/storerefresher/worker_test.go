// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package storerefresher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	loggertesting "github.com/relaysys/relay/internal/logger/testing"
	"github.com/relaysys/relay/internal/worker/storerefresher"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type workerSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&workerSuite{})

type fakeRefresher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (s *workerSuite) newWorker(c *gc.C, clk *testclock.Clock, refresher *fakeRefresher) *storerefresher.Worker {
	w, err := storerefresher.NewWorker(storerefresher.WorkerConfig{
		Refresher: refresher,
		Interval:  time.Minute,
		Clock:     clk,
		Logger:    loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, w)
	})
	return w
}

func (s *workerSuite) waitCalls(c *gc.C, refresher *fakeRefresher, want int) {
	timeout := time.After(jujutesting.LongWait)
	for refresher.callCount() < want {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d refreshes, got %d", want, refresher.callCount())
		case <-time.After(jujutesting.ShortWait):
		}
	}
}

func (s *workerSuite) TestRefreshesImmediatelyThenOnInterval(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC))
	refresher := &fakeRefresher{}
	s.newWorker(c, clk, refresher)

	s.waitCalls(c, refresher, 1)

	c.Assert(clk.WaitAdvance(time.Minute, jujutesting.LongWait, 1), jc.ErrorIsNil)
	s.waitCalls(c, refresher, 2)
}

func (s *workerSuite) TestRefreshErrorKeepsRunning(c *gc.C) {
	clk := testclock.NewClock(time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC))
	refresher := &fakeRefresher{err: errors.New("discovery unavailable")}
	w := s.newWorker(c, clk, refresher)

	s.waitCalls(c, refresher, 1)
	workertest.CheckAlive(c, w)

	c.Assert(clk.WaitAdvance(time.Minute, jujutesting.LongWait, 1), jc.ErrorIsNil)
	s.waitCalls(c, refresher, 2)
}

func (s *workerSuite) TestValidateConfig(c *gc.C) {
	_, err := storerefresher.NewWorker(storerefresher.WorkerConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}
