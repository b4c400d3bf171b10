// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes the outbox to producers and workers:
// transactional enqueue, the join sidecar that aggregates completion
// across a set of messages, and the dispatcher that claims batches and
// routes them to registered handlers.
package service

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/relaysys/relay/domain/outbox/state"
	"github.com/relaysys/relay/internal/uuid"
)

// Message is one outbox message presented to handlers.
type Message = state.Message

// EnqueueArgs carries the caller-supplied fields of a new message.
type EnqueueArgs = state.EnqueueArgs

// Join is the aggregate view of one join.
type Join = state.Join

// State describes the outbox persistence used by the service.
type State interface {
	Enqueue(ctx context.Context, now time.Time, args state.EnqueueArgs) error
	EnqueueInTxn(ctx context.Context, tx *sqlair.TX, now time.Time, args state.EnqueueArgs) error
	CreateJoin(ctx context.Context, now time.Time, id string, expectedSteps int) error
	AddJoinMember(ctx context.Context, joinID, outboxID string) error
	NoteCompleted(ctx context.Context, now time.Time, outboxID string) error
	NoteFailed(ctx context.Context, now time.Time, outboxID string) error
	Join(ctx context.Context, id string) (state.Join, error)
}

// OutboxService is the producer-facing API of one store's outbox.
type OutboxService struct {
	st    State
	clock clock.Clock
}

// NewOutboxService returns a service over the input state.
func NewOutboxService(st State, clock clock.Clock) *OutboxService {
	return &OutboxService{st: st, clock: clock}
}

// Enqueue appends a message, generating an ID when the caller supplies
// none, and returns the message's ID.
func (s *OutboxService) Enqueue(ctx context.Context, args EnqueueArgs) (string, error) {
	if args.ID == "" {
		args.ID = uuid.MustNewUUID().String()
	}
	if err := s.st.Enqueue(ctx, s.clock.Now(), args); err != nil {
		return "", errors.Trace(err)
	}
	return args.ID, nil
}

// EnqueueInTxn appends a message inside the caller's transaction, so
// it is visible for dispatch iff that transaction commits.
func (s *OutboxService) EnqueueInTxn(ctx context.Context, tx *sqlair.TX, args EnqueueArgs) (string, error) {
	if args.ID == "" {
		args.ID = uuid.MustNewUUID().String()
	}
	if err := s.st.EnqueueInTxn(ctx, tx, s.clock.Now(), args); err != nil {
		return "", errors.Trace(err)
	}
	return args.ID, nil
}

// CreateJoin starts a join over the input number of steps and returns
// its ID.
func (s *OutboxService) CreateJoin(ctx context.Context, expectedSteps int) (string, error) {
	id := uuid.MustNewUUID().String()
	if err := s.st.CreateJoin(ctx, s.clock.Now(), id, expectedSteps); err != nil {
		return "", errors.Trace(err)
	}
	return id, nil
}

// AddJoinMember enrols a message as one step of the join.
func (s *OutboxService) AddJoinMember(ctx context.Context, joinID, messageID string) error {
	return errors.Trace(s.st.AddJoinMember(ctx, joinID, messageID))
}

// NoteCompleted counts a message's completion against its joins,
// exactly once per member.
func (s *OutboxService) NoteCompleted(ctx context.Context, messageID string) error {
	return errors.Trace(s.st.NoteCompleted(ctx, s.clock.Now(), messageID))
}

// NoteFailed counts a message's failure against its joins, exactly
// once per member.
func (s *OutboxService) NoteFailed(ctx context.Context, messageID string) error {
	return errors.Trace(s.st.NoteFailed(ctx, s.clock.Now(), messageID))
}

// Join returns the aggregate view of the input join.
func (s *OutboxService) Join(ctx context.Context, id string) (Join, error) {
	j, err := s.st.Join(ctx, id)
	return j, errors.Trace(err)
}
