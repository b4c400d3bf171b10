// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"regexp"

	"github.com/juju/errors"
)

// Canonical table names. Names resolves these to the physical names of
// a particular store.
const (
	TableOutbox           = "outbox"
	TableOutboxJoin       = "outbox_join"
	TableOutboxJoinMember = "outbox_join_member"
	TableInbox            = "inbox"
	TableTimer            = "timer"
	TableJob              = "job"
	TableJobRun           = "job_run"
	TableSchedulerState   = "scheduler_state"
	TableDistributedLock  = "distributed_lock"
	TableFanoutPolicy     = "fanout_policy"
	TableFanoutCursor     = "fanout_cursor"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Names resolves canonical table names to the physical names used by a
// store. The backend has no schema objects, so a per-store namespace is
// rendered as a table name prefix. Individual tables can be renamed via
// Overrides.
type Names struct {
	// Prefix is prepended, with a separating underscore, to every table
	// name that has no override. Empty means no prefix.
	Prefix string

	// Overrides maps canonical table names to replacements.
	Overrides map[string]string
}

// Validate returns an error if the resulting physical names would not be
// legal identifiers.
func (n Names) Validate() error {
	if n.Prefix != "" && !identifier.MatchString(n.Prefix) {
		return errors.NotValidf("table prefix %q", n.Prefix)
	}
	for canonical, name := range n.Overrides {
		if !identifier.MatchString(name) {
			return errors.NotValidf("table name %q for %q", name, canonical)
		}
	}
	return nil
}

func (n Names) table(canonical string) string {
	if name, ok := n.Overrides[canonical]; ok {
		return name
	}
	if n.Prefix == "" {
		return canonical
	}
	return n.Prefix + "_" + canonical
}

// Outbox returns the physical name of the outbox table.
func (n Names) Outbox() string { return n.table(TableOutbox) }

// OutboxJoin returns the physical name of the outbox join table.
func (n Names) OutboxJoin() string { return n.table(TableOutboxJoin) }

// OutboxJoinMember returns the physical name of the outbox join member table.
func (n Names) OutboxJoinMember() string { return n.table(TableOutboxJoinMember) }

// Inbox returns the physical name of the inbox table.
func (n Names) Inbox() string { return n.table(TableInbox) }

// Timer returns the physical name of the timer table.
func (n Names) Timer() string { return n.table(TableTimer) }

// Job returns the physical name of the job table.
func (n Names) Job() string { return n.table(TableJob) }

// JobRun returns the physical name of the job run table.
func (n Names) JobRun() string { return n.table(TableJobRun) }

// SchedulerState returns the physical name of the scheduler state table.
func (n Names) SchedulerState() string { return n.table(TableSchedulerState) }

// DistributedLock returns the physical name of the lease table.
func (n Names) DistributedLock() string { return n.table(TableDistributedLock) }

// FanoutPolicy returns the physical name of the fanout policy table.
func (n Names) FanoutPolicy() string { return n.table(TableFanoutPolicy) }

// FanoutCursor returns the physical name of the fanout cursor table.
func (n Names) FanoutCursor() string { return n.table(TableFanoutCursor) }
