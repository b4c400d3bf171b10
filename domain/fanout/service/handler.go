// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"github.com/relaysys/relay/core/queue"
	outboxservice "github.com/relaysys/relay/domain/outbox/service"
)

// coordinatePayload is the body of a coordination trigger message.
type coordinatePayload struct {
	Topic   string `json:"topic"`
	WorkKey string `json:"work_key,omitempty"`
}

// CoordinateHandler is the outbox handler for coordination triggers.
// It resolves the coordinator registered for the trigger's (topic,
// work key) pair and runs a pass.
type CoordinateHandler struct {
	mu           sync.RWMutex
	coordinators map[string]*Coordinator
}

// NewCoordinateHandler returns an empty handler.
func NewCoordinateHandler() *CoordinateHandler {
	return &CoordinateHandler{coordinators: make(map[string]*Coordinator)}
}

// Topic implements outbox service.Handler.
func (h *CoordinateHandler) Topic() string {
	return CoordinateTopic
}

// RegisterCoordinator associates the coordinator with the (topic, work
// key) pair. Registering a pair twice is an error.
func (h *CoordinateHandler) RegisterCoordinator(topic, workKey string, co *Coordinator) error {
	if topic == "" {
		return errors.NotValidf("empty topic")
	}

	key := leaseResource(topic, workKey)
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.coordinators[key]; ok {
		return errors.AlreadyExistsf("coordinator for %q", key)
	}
	h.coordinators[key] = co
	return nil
}

// Handle implements outbox service.Handler. A malformed trigger or one
// naming an unregistered pair is a permanent failure; retrying cannot
// fix either.
func (h *CoordinateHandler) Handle(ctx context.Context, msg outboxservice.Message) error {
	var payload coordinatePayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return queue.Permanent(errors.Annotate(err, "decoding coordination trigger"))
	}

	key := leaseResource(payload.Topic, payload.WorkKey)
	h.mu.RLock()
	co, ok := h.coordinators[key]
	h.mu.RUnlock()
	if !ok {
		return queue.Permanent(errors.NotFoundf("coordinator for %q", key))
	}

	_, err := co.Run(ctx, payload.Topic, payload.WorkKey)
	return errors.Trace(err)
}
