// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package audit defines the contract for emitting audit events around
// message processing and operation tracking, together with the
// standard event names and tag keys. The core emits events; storage
// and delivery of them belong to the embedding application.
package audit

import (
	"context"
	"time"
)

// Standard event names.
const (
	EventOutboxMessageProcessed = "outbox.message.processed"
	EventInboxMessageRevived    = "inbox.message.revived"
	EventOperationStarted       = "operation.started"
	EventOperationCompleted     = "operation.completed"
	EventOperationFailed        = "operation.failed"
)

// Standard tag keys.
const (
	TagTenant          = "tenant"
	TagPartition       = "partition"
	TagProvider        = "provider"
	TagMessageKey      = "messageKey"
	TagOperationID     = "operationId"
	TagOutboxMessageID = "outboxMessageId"
	TagInboxMessageID  = "inboxMessageId"
)

// Event is one audit record.
type Event struct {
	// Name is one of the standard event names.
	Name string

	// OccurredAt is when the event happened.
	OccurredAt time.Time

	// Tags carry the event's dimensions, keyed by the standard tag
	// keys.
	Tags map[string]string

	// Detail carries free-form context, such as the prior error
	// captured before a revive.
	Detail string
}

// Writer accepts audit events. Implementations must tolerate
// concurrent calls; emission failures are the implementation's to
// handle, as the core treats audit as fire-and-forget.
type Writer interface {
	Write(ctx context.Context, event Event)
}

// NopWriter discards every event. It is the default when the embedder
// supplies no writer.
type NopWriter struct{}

// Write implements Writer.
func (NopWriter) Write(context.Context, Event) {}
