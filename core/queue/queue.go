// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package queue holds the vocabulary shared by every message queue in
// the system: outbox and inbox messages, timers and job runs all move
// through the same claim/acknowledge life cycle.
package queue

// Status is the life cycle state of a queued row.
type Status int

const (
	// StatusReady indicates the row is available to be claimed.
	StatusReady Status = iota

	// StatusInProgress indicates the row is claimed by a worker and
	// invisible to other claimants until its lock expires.
	StatusInProgress

	// StatusDone indicates the row completed processing.
	StatusDone

	// StatusFailed indicates the row is terminally failed and will not
	// be retried.
	StatusFailed
)

// Inbox rows use the same codes under ingestion-flavoured names.
const (
	// StatusSeen indicates an ingested message awaiting processing.
	StatusSeen = StatusReady

	// StatusProcessing indicates an ingested message being handled.
	StatusProcessing = StatusInProgress

	// StatusDead indicates an ingested message parked after exhausting
	// its attempts; Revive returns it to StatusSeen.
	StatusDead = StatusFailed
)

// String implements Stringer.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusInProgress:
		return "in-progress"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
