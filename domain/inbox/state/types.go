// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"
)

// Message is one inbox row as read for handler dispatch.
type Message struct {
	ID          string
	MessageID   string
	Source      string
	Topic       string
	Payload     string
	Hash        string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Attempts    int
	LastError   string
}

// EnqueueArgs carries the fields of an ingested message. The pair
// (Source, MessageID) is the idempotency key.
type EnqueueArgs struct {
	Topic     string
	Source    string
	MessageID string
	Payload   string

	// Hash is an optional content digest, recorded for duplicate
	// detection by probes.
	Hash string

	// DueTime defers processing until the given time.
	DueTime *time.Time
}

// Revived is the snapshot taken of a message as it was revived.
type Revived struct {
	ID         string
	PriorError string
}

type messageRow struct {
	ID          string         `db:"id"`
	MessageID   string         `db:"message_id"`
	Source      string         `db:"source"`
	Topic       string         `db:"topic"`
	Payload     string         `db:"payload"`
	Hash        sql.NullString `db:"hash"`
	FirstSeenAt time.Time      `db:"first_seen_at"`
	LastSeenAt  time.Time      `db:"last_seen_at"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
}

func (r messageRow) toMessage() Message {
	return Message{
		ID:          r.ID,
		MessageID:   r.MessageID,
		Source:      r.Source,
		Topic:       r.Topic,
		Payload:     r.Payload,
		Hash:        r.Hash.String,
		FirstSeenAt: r.FirstSeenAt,
		LastSeenAt:  r.LastSeenAt,
		Attempts:    r.Attempts,
		LastError:   r.LastError.String,
	}
}

type enqueueRow struct {
	ID          string         `db:"id"`
	MessageID   string         `db:"message_id"`
	Source      string         `db:"source"`
	Topic       string         `db:"topic"`
	Payload     string         `db:"payload"`
	Hash        sql.NullString `db:"hash"`
	FirstSeenAt time.Time      `db:"first_seen_at"`
	LastSeenAt  time.Time      `db:"last_seen_at"`
	DueTime     sql.NullTime   `db:"due_time"`
}

type seenArg struct {
	MessageID string    `db:"message_id"`
	Source    string    `db:"source"`
	Hash      string    `db:"hash"`
	Now       time.Time `db:"now"`
}

type reviveArg struct {
	Now    time.Time `db:"now"`
	Due    time.Time `db:"due"`
	Reason string    `db:"reason"`
}

type revivedRow struct {
	ID        string         `db:"id"`
	LastError sql.NullString `db:"last_error"`
}

type count struct {
	Num int `db:"num"`
}
