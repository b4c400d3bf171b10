// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"
)

// Timer is one one-shot timer row.
type Timer struct {
	ID            string
	Topic         string
	Payload       string
	CorrelationID string
	DueTime       time.Time
	RetryCount    int
}

// Job is one recurring cron job.
type Job struct {
	ID           string
	Name         string
	Topic        string
	Payload      string
	CronSchedule string
	IsEnabled    bool
	NextDueTime  time.Time
}

// JobRun is one materialized occurrence of a job, carrying the topic
// and payload of the job it runs.
type JobRun struct {
	ID            string
	JobID         string
	JobName       string
	Topic         string
	Payload       string
	ScheduledTime time.Time
	RetryCount    int
}

// UpsertJobArgs carries the caller-supplied fields of a job definition.
type UpsertJobArgs struct {
	Name         string
	Topic        string
	Payload      string
	CronSchedule string
	NextDueTime  time.Time
}

type timerRow struct {
	ID            string         `db:"id"`
	Topic         string         `db:"topic"`
	Payload       string         `db:"payload"`
	CorrelationID sql.NullString `db:"correlation_id"`
	DueTime       time.Time      `db:"due_time"`
	RetryCount    int            `db:"retry_count"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r timerRow) toTimer() Timer {
	return Timer{
		ID:            r.ID,
		Topic:         r.Topic,
		Payload:       r.Payload,
		CorrelationID: r.CorrelationID.String,
		DueTime:       r.DueTime,
		RetryCount:    r.RetryCount,
	}
}

type jobRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Topic        string         `db:"topic"`
	Payload      sql.NullString `db:"payload"`
	CronSchedule string         `db:"cron_schedule"`
	IsEnabled    bool           `db:"is_enabled"`
	NextDueTime  sql.NullTime   `db:"next_due_time"`
}

func (r jobRow) toJob() Job {
	return Job{
		ID:           r.ID,
		Name:         r.Name,
		Topic:        r.Topic,
		Payload:      r.Payload.String,
		CronSchedule: r.CronSchedule,
		IsEnabled:    r.IsEnabled,
		NextDueTime:  r.NextDueTime.Time,
	}
}

type upsertJobRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Topic        string         `db:"topic"`
	Payload      sql.NullString `db:"payload"`
	CronSchedule string         `db:"cron_schedule"`
	NextDueTime  time.Time      `db:"next_due_time"`
	CreatedAt    time.Time      `db:"created_at"`
}

type jobRunRow struct {
	ID            string         `db:"id"`
	JobID         string         `db:"job_id"`
	JobName       string         `db:"name"`
	Topic         string         `db:"topic"`
	Payload       sql.NullString `db:"payload"`
	ScheduledTime time.Time      `db:"scheduled_time"`
	RetryCount    int            `db:"retry_count"`
}

func (r jobRunRow) toJobRun() JobRun {
	return JobRun{
		ID:            r.ID,
		JobID:         r.JobID,
		JobName:       r.JobName,
		Topic:         r.Topic,
		Payload:       r.Payload.String,
		ScheduledTime: r.ScheduledTime,
		RetryCount:    r.RetryCount,
	}
}

type insertRunRow struct {
	ID            string    `db:"id"`
	JobID         string    `db:"job_id"`
	ScheduledTime time.Time `db:"scheduled_time"`
	CreatedAt     time.Time `db:"created_at"`
}

type advanceArg struct {
	ID   string    `db:"id"`
	Next time.Time `db:"next"`
	Now  time.Time `db:"now"`
}

type fencingArg struct {
	Token int64     `db:"token"`
	Now   time.Time `db:"now"`
}

type nameArg struct {
	Name string `db:"name"`
}

type idArg struct {
	ID string `db:"id"`
}

type nowArg struct {
	Now time.Time `db:"now"`
}

type eventTime struct {
	At sql.NullTime `db:"at"`
}
