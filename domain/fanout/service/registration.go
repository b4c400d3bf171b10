// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/relaysys/relay/core/startup"
	"github.com/relaysys/relay/domain/fanout/state"
)

// CoordinateTopic is the outbox topic of coordination triggers. Each
// registered fanout topic gets a cron job publishing to it.
const CoordinateTopic = "fanout.coordinate"

// TopicOptions configures the fanout of one (topic, work key) pair.
type TopicOptions struct {
	Topic   string
	WorkKey string

	// Cron schedules the coordination trigger.
	Cron string

	// Every is the per-shard cadence; Jitter spreads shards of the same
	// cadence apart.
	Every  time.Duration
	Jitter time.Duration
}

// Validate returns an error if the options are not complete.
func (o TopicOptions) Validate() error {
	if o.Topic == "" {
		return errors.NotValidf("empty Topic")
	}
	if o.Cron == "" {
		return errors.NotValidf("empty Cron")
	}
	if o.Every <= 0 {
		return errors.NotValidf("non-positive Every %v", o.Every)
	}
	if o.Jitter < 0 {
		return errors.NotValidf("negative Jitter %v", o.Jitter)
	}
	return nil
}

// Jobs is the scheduler client surface used by registration.
type Jobs interface {
	CreateOrUpdateJob(ctx context.Context, name, topic, cronSchedule, payload string) error
}

// PolicyWriter persists fanout policies.
type PolicyWriter interface {
	UpsertPolicy(ctx context.Context, p state.Policy) error
}

// Registration installs the cron job and policy row backing a fanout
// topic. Installation is guarded process-wide, so components sharing a
// topic can all register it without duplicate setup.
type Registration struct {
	jobs     Jobs
	policies PolicyWriter
	once     *startup.OnceExecutionRegistry
}

// NewRegistration returns a registration over the input dependencies.
func NewRegistration(jobs Jobs, policies PolicyWriter, once *startup.OnceExecutionRegistry) *Registration {
	return &Registration{jobs: jobs, policies: policies, once: once}
}

// Register upserts the policy and the coordination cron job for the
// options' (topic, work key) pair. Repeat registrations within the
// process are no-ops.
func (r *Registration) Register(ctx context.Context, opts TopicOptions) error {
	if err := opts.Validate(); err != nil {
		return errors.Trace(err)
	}

	jobName := coordinationJobName(opts.Topic, opts.WorkKey)
	if !r.once.Begin(jobName) {
		return nil
	}

	if err := r.policies.UpsertPolicy(ctx, state.Policy{
		Topic:   opts.Topic,
		WorkKey: opts.WorkKey,
		Every:   opts.Every,
		Jitter:  opts.Jitter,
	}); err != nil {
		return errors.Trace(err)
	}

	payload, err := json.Marshal(coordinatePayload{
		Topic:   opts.Topic,
		WorkKey: opts.WorkKey,
	})
	if err != nil {
		return errors.Trace(err)
	}
	err = r.jobs.CreateOrUpdateJob(ctx, jobName, CoordinateTopic, opts.Cron, string(payload))
	return errors.Annotatef(err, "registering fanout topic %q", opts.Topic)
}

// coordinationJobName names the cron job triggering coordination for
// the (topic, work key) pair.
func coordinationJobName(topic, workKey string) string {
	if workKey == "" {
		return "fanout-" + topic
	}
	return "fanout-" + topic + "-" + workKey
}
