// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes the inbox to consumers and workers:
// idempotent ingestion, the processed probe, operator revival of dead
// messages, and the dispatcher that claims batches and routes them to
// registered handlers.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/relaysys/relay/core/audit"
	"github.com/relaysys/relay/domain/inbox/state"
)

// Message is one inbox message presented to handlers.
type Message = state.Message

// EnqueueArgs carries the fields of an ingested message.
type EnqueueArgs = state.EnqueueArgs

// defaultReviveReason is recorded when a revival names no reason.
const defaultReviveReason = "revived"

// State describes the inbox persistence used by the service.
type State interface {
	Enqueue(ctx context.Context, now time.Time, args state.EnqueueArgs) (bool, error)
	AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error)
	Revive(ctx context.Context, now time.Time, ids []string, reason string, delay time.Duration) ([]state.Revived, error)
}

// InboxService is the consumer-facing API of one store's inbox.
type InboxService struct {
	st      State
	clock   clock.Clock
	audit   audit.Writer
	storeID string
}

// NewInboxService returns a service over the input state. The store ID
// tags audit events; a nil audit writer discards them.
func NewInboxService(st State, clk clock.Clock, auditor audit.Writer, storeID string) *InboxService {
	if auditor == nil {
		auditor = audit.NopWriter{}
	}
	return &InboxService{st: st, clock: clk, audit: auditor, storeID: storeID}
}

// Enqueue records an ingested message. It returns true when the message
// had been seen before, in which case the stored row is unchanged.
func (s *InboxService) Enqueue(ctx context.Context, args EnqueueArgs) (bool, error) {
	seen, err := s.st.Enqueue(ctx, s.clock.Now(), args)
	return seen, errors.Trace(err)
}

// AlreadyProcessed reports whether a message with the given identity has
// already been processed to completion. A non-empty hash narrows the
// probe to the identical content.
func (s *InboxService) AlreadyProcessed(ctx context.Context, messageID, source, hash string) (bool, error) {
	ok, err := s.st.AlreadyProcessed(ctx, messageID, source, hash)
	return ok, errors.Trace(err)
}

// Revive returns dead messages to the queue after the input delay,
// recording the reason. Messages not in the dead state are skipped. It
// returns the number of messages revived.
func (s *InboxService) Revive(ctx context.Context, ids []string, reason string, delay time.Duration) (int, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultReviveReason
	}

	now := s.clock.Now()
	revived, err := s.st.Revive(ctx, now, ids, reason, delay)
	if err != nil {
		return 0, errors.Trace(err)
	}

	for _, r := range revived {
		s.audit.Write(ctx, audit.Event{
			Name:       audit.EventInboxMessageRevived,
			OccurredAt: now,
			Tags: map[string]string{
				audit.TagTenant:         s.storeID,
				audit.TagInboxMessageID: r.ID,
			},
			Detail: r.PriorError,
		})
	}
	return len(revived), nil
}
