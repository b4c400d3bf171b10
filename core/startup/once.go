// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package startup

import (
	"strings"
	"sync"
)

// OnceExecutionRegistry guards idempotent one-shot setup, such as
// registering a fanout topic's cron job, against repeat execution
// within the process. Keys are normalized so callers cannot defeat the
// guard with case or whitespace variations.
type OnceExecutionRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnceExecutionRegistry returns an empty registry.
func NewOnceExecutionRegistry() *OnceExecutionRegistry {
	return &OnceExecutionRegistry{seen: make(map[string]struct{})}
}

// Begin records the key and reports whether this is its first
// occurrence. The first caller for a key receives true and performs
// the setup; everyone after receives false.
func (r *OnceExecutionRegistry) Begin(key string) bool {
	key = normalizeKey(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	return true
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
