// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package queue

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffInitial = 250 * time.Millisecond
	defaultBackoffMax     = time.Minute
	defaultBackoffShift   = 10
	defaultBackoffJitter  = 250 * time.Millisecond
)

// BackoffPolicy computes the delay applied to a message before it
// becomes claimable again after an abandoned attempt. The zero value
// doubles a 250ms initial delay per attempt, capped at one minute, with
// up to 250ms of jitter.
type BackoffPolicy struct {
	// Initial is the delay after the first attempt.
	Initial time.Duration

	// Max caps the computed delay, before jitter.
	Max time.Duration

	// MaxShift caps the doubling exponent so large attempt counts
	// cannot overflow.
	MaxShift uint

	// Jitter is the upper bound of the random addition to each delay.
	Jitter time.Duration
}

// Delay returns the delay to apply before the input attempt, counted
// from 1, is retried.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	max := p.Max
	if max <= 0 {
		max = defaultBackoffMax
	}
	shift := p.MaxShift
	if shift == 0 {
		shift = defaultBackoffShift
	}
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = defaultBackoffJitter
	}

	if attempt < 0 {
		attempt = 0
	}
	exp := uint(attempt)
	if exp > shift {
		exp = shift
	}

	delay := initial << exp
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(jitter)))
}
