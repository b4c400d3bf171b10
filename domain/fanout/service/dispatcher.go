// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	outboxservice "github.com/relaysys/relay/domain/outbox/service"
)

// Enqueuer appends messages to the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, args outboxservice.EnqueueArgs) (string, error)
}

// Dispatcher turns planned slices into outbox messages, one per slice,
// on the topic "fanout:{topic}:{workKey}".
type Dispatcher struct {
	outbox Enqueuer
}

// NewDispatcher returns a dispatcher over the input enqueuer.
func NewDispatcher(outbox Enqueuer) *Dispatcher {
	return &Dispatcher{outbox: outbox}
}

// Dispatch enqueues the input slices and returns the number enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, slices []Slice) (int, error) {
	for i, slice := range slices {
		payload, err := json.Marshal(slice)
		if err != nil {
			return i, errors.Annotatef(err, "serializing slice for shard %q", slice.ShardKey)
		}
		_, err = d.outbox.Enqueue(ctx, outboxservice.EnqueueArgs{
			Topic:   fmt.Sprintf("fanout:%s:%s", slice.Topic, slice.WorkKey),
			Payload: string(payload),
		})
		if err != nil {
			return i, errors.Annotatef(err, "enqueueing slice for shard %q", slice.ShardKey)
		}
	}
	return len(slices), nil
}
