// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workqueue

import (
	"fmt"
	"strings"
)

// TableSpec describes how a table participates in the work-queue
// discipline. Every queue table carries the id, status, owner_token,
// locked_until and last_error columns; the remainder vary by queue and
// are declared here.
type TableSpec struct {
	// Table is the physical table name.
	Table string

	// DueColumn holds the earliest claimable time. Empty means rows are
	// claimable as soon as they are ready. Rows with a NULL due value
	// are claimable immediately.
	DueColumn string

	// CreatedColumn is the stable tiebreak applied after the due time,
	// so a row abandoned early cannot starve later rows.
	CreatedColumn string

	// RetryColumn is incremented by Abandon. Empty means the queue does
	// not count retries.
	RetryColumn string

	// ClaimStampColumn, if set, is stamped with the claim time when a
	// row is claimed.
	ClaimStampColumn string

	// DoneStampColumn, if set, is stamped when a row reaches a terminal
	// status.
	DoneStampColumn string

	// DoneByColumn, if set, records the acknowledging owner token when
	// a row is done.
	DoneByColumn string
}

// orderBy returns the claim ordering clause.
func (s TableSpec) orderBy() string {
	var cols []string
	if s.DueColumn != "" {
		cols = append(cols, s.DueColumn)
	}
	if s.CreatedColumn != "" {
		cols = append(cols, s.CreatedColumn)
	}
	cols = append(cols, "id")
	return strings.Join(cols, ", ")
}

// duePredicate returns the claim visibility predicate for the due
// column, or an always-true predicate when the queue has none.
func (s TableSpec) duePredicate(arg string) string {
	if s.DueColumn == "" {
		return "1 = 1"
	}
	return fmt.Sprintf("(%[1]s IS NULL OR %[1]s <= %[2]s)", s.DueColumn, arg)
}
