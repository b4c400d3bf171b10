// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package clock supplies a monotonic reading for measuring elapsed
// time. Wall-clock values come from github.com/juju/clock; this
// reading is anchored at process start and is unaffected by wall-clock
// steps, so durations computed from it never go negative.
package clock

import (
	"time"
)

var start = time.Now()

// Monotonic reads the process-anchored monotonic clock.
type Monotonic struct{}

// Elapsed returns the time since process start.
func (Monotonic) Elapsed() time.Duration {
	return time.Since(start)
}

// Seconds returns the monotonic reading in seconds. Subtracting two
// readings gives an elapsed duration.
func (Monotonic) Seconds() float64 {
	return time.Since(start).Seconds()
}
