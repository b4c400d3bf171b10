// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"
)

// Message is one outbox row as read for dispatch.
type Message struct {
	ID            string
	Topic         string
	Payload       string
	MessageID     string
	CorrelationID string
	RetryCount    int
	CreatedAt     time.Time
	LastError     string
}

// EnqueueArgs carries the caller-supplied fields of a new message.
type EnqueueArgs struct {
	// ID is the message's identity. The service generates one when the
	// caller does not care.
	ID string

	// Topic routes the message to its handler.
	Topic string

	// Payload is opaque to the core.
	Payload string

	// MessageID is the caller's idempotency key, if any.
	MessageID string

	// CorrelationID ties the message to a business operation.
	CorrelationID string

	// DueTime defers dispatch until the given time. Nil means
	// immediately dispatchable.
	DueTime *time.Time
}

// Join is the aggregate view of one join row.
type Join struct {
	ID             string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         JoinStatus
}

// JoinStatus is the derived state of a join.
type JoinStatus int

const (
	// JoinPending indicates members are still outstanding.
	JoinPending JoinStatus = iota

	// JoinCompleted indicates every member completed and none failed.
	JoinCompleted

	// JoinFailed indicates at least one member failed.
	JoinFailed
)

type messageRow struct {
	ID            string         `db:"id"`
	Topic         string         `db:"topic"`
	Payload       string         `db:"payload"`
	MessageID     sql.NullString `db:"message_id"`
	CorrelationID sql.NullString `db:"correlation_id"`
	RetryCount    int            `db:"retry_count"`
	CreatedAt     time.Time      `db:"created_at"`
	LastError     sql.NullString `db:"last_error"`
}

func (r messageRow) toMessage() Message {
	return Message{
		ID:            r.ID,
		Topic:         r.Topic,
		Payload:       r.Payload,
		MessageID:     r.MessageID.String,
		CorrelationID: r.CorrelationID.String,
		RetryCount:    r.RetryCount,
		CreatedAt:     r.CreatedAt,
		LastError:     r.LastError.String,
	}
}

type enqueueRow struct {
	ID            string         `db:"id"`
	Topic         string         `db:"topic"`
	Payload       string         `db:"payload"`
	MessageID     sql.NullString `db:"message_id"`
	CorrelationID sql.NullString `db:"correlation_id"`
	DueTime       sql.NullTime   `db:"due_time"`
	CreatedAt     time.Time      `db:"created_at"`
}

type joinRow struct {
	ID             string `db:"id"`
	ExpectedSteps  int    `db:"expected_steps"`
	CompletedSteps int    `db:"completed_steps"`
	FailedSteps    int    `db:"failed_steps"`
	Status         int    `db:"status"`
}

type joinInsertArg struct {
	ID            string    `db:"id"`
	ExpectedSteps int       `db:"expected_steps"`
	CreatedAt     time.Time `db:"created_at"`
}

type memberArg struct {
	JoinID   string `db:"join_id"`
	OutboxID string `db:"outbox_id"`
}

type noteArg struct {
	JoinID   string    `db:"join_id"`
	OutboxID string    `db:"outbox_id"`
	Now      time.Time `db:"now"`
}

type joinIDRow struct {
	JoinID string `db:"join_id"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
