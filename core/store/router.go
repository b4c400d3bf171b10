// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"strings"

	"github.com/juju/errors"
)

// Router resolves routing keys to stores. A key resolves through the
// explicit assignment table first, then by store identifier; keys are
// matched case-insensitively so hex-rendered identifiers route the
// same regardless of caller formatting.
type Router struct {
	provider    Provider
	assignments map[string]string
}

// NewRouter returns a router over the input provider. The assignments
// map routing keys to store identifiers and may be nil.
func NewRouter(provider Provider, assignments map[string]string) (*Router, error) {
	if provider == nil {
		return nil, errors.NotValidf("nil provider")
	}
	normalized := make(map[string]string, len(assignments))
	for key, id := range assignments {
		normalized[normalizeRoutingKey(key)] = id
	}
	return &Router{provider: provider, assignments: normalized}, nil
}

// Route returns the store for the input routing key.
func (r *Router) Route(ctx context.Context, key string) (Store, error) {
	normalized := normalizeRoutingKey(key)
	if id, ok := r.assignments[normalized]; ok {
		s, err := r.provider.Get(ctx, id)
		return s, errors.Trace(err)
	}

	s, err := r.provider.Get(ctx, normalized)
	if errors.Is(err, ErrStoreNotFound) {
		return Store{}, errors.Annotatef(ErrStoreNotFound, "no store for key %q", key)
	}
	return s, errors.Trace(err)
}

func normalizeRoutingKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
