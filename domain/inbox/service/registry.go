// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

// Handler processes inbox messages for one topic.
type Handler interface {
	// Topic returns the topic the handler serves.
	Topic() string

	// Handle processes one message. Returning an error marked with
	// queue.Permanent kills the message immediately; any other error
	// abandons it for retry.
	Handle(ctx context.Context, msg Message) error
}

// Registry associates topics with handlers. Registration happens at
// startup, before dispatch begins; resolution is by exact topic.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds the handler under its topic. Registering a topic twice
// is an error.
func (r *Registry) Register(h Handler) error {
	topic := h.Topic()
	if topic == "" {
		return errors.NotValidf("handler with empty topic")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[topic]; ok {
		return errors.AlreadyExistsf("handler for topic %q", topic)
	}
	r.handlers[topic] = h
	return nil
}

// Resolve returns the handler for the topic, if one is registered.
func (r *Registry) Resolve(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}
