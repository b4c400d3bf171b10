// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes the scheduler: a client for defining timers
// and cron jobs, and the runner that dispatches due work under a fenced
// lease.
package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/relaysys/relay/domain/scheduler/state"
	"github.com/relaysys/relay/internal/uuid"
)

// ClientState describes the scheduler persistence used by the client.
type ClientState interface {
	InsertTimer(ctx context.Context, now time.Time, id, topic, payload string, due time.Time) error
	CancelTimer(ctx context.Context, id string) error
	UpsertJob(ctx context.Context, now time.Time, args state.UpsertJobArgs) error
	Job(ctx context.Context, name string) (state.Job, error)
	DeleteJob(ctx context.Context, name string) error
	InsertJobRun(ctx context.Context, now time.Time, jobID string, scheduled time.Time) (bool, error)
}

// Client is the caller-facing API of one store's scheduler.
type Client struct {
	st    ClientState
	clock clock.Clock
}

// NewClient returns a client over the input state.
func NewClient(st ClientState, clock clock.Clock) *Client {
	return &Client{st: st, clock: clock}
}

// ScheduleTimer records a one-shot timer that produces an outbox
// message on the topic at the due time. It returns the timer's ID,
// which becomes the message's correlation ID.
func (c *Client) ScheduleTimer(ctx context.Context, topic, payload string, due time.Time) (string, error) {
	id := uuid.MustNewUUID().String()
	if err := c.st.InsertTimer(ctx, c.clock.Now(), id, topic, payload, due); err != nil {
		return "", errors.Trace(err)
	}
	return id, nil
}

// CancelTimer deletes a pending timer. A timer already claimed or
// dispatched is not cancellable and returns NotFound.
func (c *Client) CancelTimer(ctx context.Context, id string) error {
	return errors.Trace(c.st.CancelTimer(ctx, id))
}

// CreateOrUpdateJob defines a recurring job, idempotently on name. The
// schedule is validated here and the job's next due time recomputed
// from now.
func (c *Client) CreateOrUpdateJob(ctx context.Context, name, topic, cronSchedule, payload string) error {
	now := c.clock.Now()
	next, err := nextRun(cronSchedule, now)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.st.UpsertJob(ctx, now, state.UpsertJobArgs{
		Name:         name,
		Topic:        topic,
		Payload:      payload,
		CronSchedule: cronSchedule,
		NextDueTime:  next,
	}))
}

// DeleteJob removes the job definition and its runs.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	return errors.Trace(c.st.DeleteJob(ctx, name))
}

// TriggerJob materializes an immediate run of the job, outside its
// schedule. Triggering twice within the same clock reading is a no-op.
func (c *Client) TriggerJob(ctx context.Context, name string) error {
	job, err := c.st.Job(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	now := c.clock.Now()
	_, err = c.st.InsertJobRun(ctx, now, job.ID, now)
	return errors.Trace(err)
}
