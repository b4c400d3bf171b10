// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package queue

import (
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type backoffSuite struct{}

var _ = gc.Suite(&backoffSuite{})

func (s *backoffSuite) TestDelayDoublesPerAttempt(c *gc.C) {
	p := BackoffPolicy{Jitter: time.Nanosecond}

	tests := []struct {
		attempt int
		low     time.Duration
		high    time.Duration
	}{
		{attempt: 0, low: 250 * time.Millisecond, high: 251 * time.Millisecond},
		{attempt: 1, low: 500 * time.Millisecond, high: 501 * time.Millisecond},
		{attempt: 2, low: time.Second, high: 1001 * time.Millisecond},
		{attempt: 4, low: 4 * time.Second, high: 4001 * time.Millisecond},
	}
	for i, test := range tests {
		c.Logf("test %d: attempt %d", i, test.attempt)
		d := p.Delay(test.attempt)
		c.Check(d >= test.low, jc.IsTrue)
		c.Check(d <= test.high, jc.IsTrue)
	}
}

func (s *backoffSuite) TestDelayCapped(c *gc.C) {
	p := BackoffPolicy{Jitter: time.Nanosecond}

	// Past the shift cap the delay stays at the maximum.
	for _, attempt := range []int{10, 11, 100, 1 << 30} {
		d := p.Delay(attempt)
		c.Check(d >= time.Minute, jc.IsTrue)
		c.Check(d <= time.Minute+time.Millisecond, jc.IsTrue)
	}
}

func (s *backoffSuite) TestDelayNegativeAttempt(c *gc.C) {
	p := BackoffPolicy{Jitter: time.Nanosecond}
	d := p.Delay(-3)
	c.Check(d >= 250*time.Millisecond, jc.IsTrue)
	c.Check(d <= 251*time.Millisecond, jc.IsTrue)
}

type errorsSuite struct{}

var _ = gc.Suite(&errorsSuite{})

func (s *errorsSuite) TestPermanentWrapsAndUnwraps(c *gc.C) {
	underlying := errors.New("boom")
	err := Permanent(underlying)
	c.Assert(err, gc.NotNil)
	c.Check(IsPermanent(err), jc.IsTrue)
	c.Check(errors.Is(err, underlying), jc.IsTrue)
	c.Check(err.Error(), gc.Equals, "boom")
}

func (s *errorsSuite) TestPermanentNil(c *gc.C) {
	c.Check(Permanent(nil), gc.IsNil)
}

func (s *errorsSuite) TestIsPermanentOnPlainError(c *gc.C) {
	c.Check(IsPermanent(errors.New("boom")), jc.IsFalse)
	c.Check(IsPermanent(nil), jc.IsFalse)
}

func (s *errorsSuite) TestIsPermanentThroughAnnotation(c *gc.C) {
	err := errors.Annotate(Permanent(errors.New("boom")), "handling")
	c.Check(IsPermanent(err), jc.IsTrue)
}
