// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema holds the DDL for every table a store carries. Deltas
// are applied in order by the schema deployment worker when a store is
// added with schema deployment enabled.
package schema

import (
	"fmt"

	"github.com/relaysys/relay/core/database"
)

// StoreDDL returns the deltas that create the full table set for a
// store, rendered with the store's physical table names.
func StoreDDL(names Names) []database.Delta {
	schemas := []func(Names) database.Delta{
		outboxSchema,
		outboxJoinSchema,
		inboxSchema,
		timerSchema,
		jobSchema,
		jobRunSchema,
		schedulerStateSchema,
		distributedLockSchema,
		fanoutSchema,
	}

	var deltas []database.Delta
	for _, fn := range schemas {
		deltas = append(deltas, fn(names))
	}

	return deltas
}

func outboxSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    topic           TEXT NOT NULL,
    payload         TEXT NOT NULL,
    message_id      TEXT,
    correlation_id  TEXT,
    status          INT NOT NULL DEFAULT 0,
    retry_count     INT NOT NULL DEFAULT 0,
    owner_token     TEXT,
    locked_until    TIMESTAMP,
    due_time        TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    processed_at    TIMESTAMP,
    processed_by    TEXT,
    last_error      TEXT
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_claim
ON %[1]s (status, due_time, created_at);
`, n.Outbox()))
}

func outboxJoinSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    expected_steps  INT NOT NULL,
    completed_steps INT NOT NULL DEFAULT 0,
    failed_steps    INT NOT NULL DEFAULT 0,
    status          INT NOT NULL DEFAULT 0,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS %[2]s (
    join_id         TEXT NOT NULL,
    outbox_id       TEXT NOT NULL,
    completed       BOOLEAN NOT NULL DEFAULT FALSE,
    failed          BOOLEAN NOT NULL DEFAULT FALSE,
    finalized_at    TIMESTAMP,
    CONSTRAINT      pk_%[2]s
        PRIMARY KEY (join_id, outbox_id),
    CONSTRAINT      fk_%[2]s_join
        FOREIGN KEY (join_id)
        REFERENCES  %[1]s (id)
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_outbox
ON %[2]s (outbox_id);
`, n.OutboxJoin(), n.OutboxJoinMember()))
}

func inboxSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    message_id      TEXT NOT NULL,
    source          TEXT NOT NULL,
    topic           TEXT NOT NULL,
    payload         TEXT NOT NULL,
    hash            TEXT,
    first_seen_at   TIMESTAMP NOT NULL,
    last_seen_at    TIMESTAMP NOT NULL,
    attempts        INT NOT NULL DEFAULT 0,
    status          INT NOT NULL DEFAULT 0,
    owner_token     TEXT,
    locked_until    TIMESTAMP,
    due_time        TIMESTAMP,
    processed_at    TIMESTAMP,
    last_error      TEXT
);

-- The idempotency key. Re-ingesting a message is a no-op.
CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_idempotency
ON %[1]s (source, message_id);

CREATE INDEX IF NOT EXISTS idx_%[1]s_claim
ON %[1]s (status, due_time, first_seen_at);
`, n.Inbox()))
}

func timerSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    topic           TEXT NOT NULL,
    payload         TEXT NOT NULL,
    correlation_id  TEXT,
    due_time        TIMESTAMP NOT NULL,
    status          INT NOT NULL DEFAULT 0,
    retry_count     INT NOT NULL DEFAULT 0,
    owner_token     TEXT,
    locked_until    TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    processed_at    TIMESTAMP,
    last_error      TEXT
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_claim
ON %[1]s (status, due_time, created_at);
`, n.Timer()))
}

func jobSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    topic           TEXT NOT NULL,
    payload         TEXT,
    cron_schedule   TEXT NOT NULL,
    is_enabled      BOOLEAN NOT NULL DEFAULT TRUE,
    next_due_time   TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_name
ON %[1]s (name);
`, n.Job()))
}

func jobRunSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id              TEXT PRIMARY KEY,
    job_id          TEXT NOT NULL,
    scheduled_time  TIMESTAMP NOT NULL,
    status          INT NOT NULL DEFAULT 0,
    retry_count     INT NOT NULL DEFAULT 0,
    owner_token     TEXT,
    locked_until    TIMESTAMP,
    start_time      TIMESTAMP,
    end_time        TIMESTAMP,
    created_at      TIMESTAMP NOT NULL,
    last_error      TEXT,
    CONSTRAINT      fk_%[1]s_job
        FOREIGN KEY (job_id)
        REFERENCES  %[2]s (id)
);

-- One run per job per tick.
CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_tick
ON %[1]s (job_id, scheduled_time);

CREATE INDEX IF NOT EXISTS idx_%[1]s_claim
ON %[1]s (status, scheduled_time, created_at);
`, n.JobRun(), n.Job()))
}

func schedulerStateSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id                    INT PRIMARY KEY,
    current_fencing_token INT NOT NULL DEFAULT 0,
    last_run_at           TIMESTAMP
);

INSERT INTO %[1]s (id, current_fencing_token)
VALUES (1, 0)
ON CONFLICT DO NOTHING;
`, n.SchedulerState()))
}

func distributedLockSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    resource_name   TEXT PRIMARY KEY,
    owner_token     TEXT NOT NULL,
    fencing_token   INT NOT NULL,
    acquired_at     TIMESTAMP NOT NULL,
    expires_at      TIMESTAMP NOT NULL,
    context         TEXT
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_expires
ON %[1]s (expires_at);
`, n.DistributedLock()))
}

func fanoutSchema(n Names) database.Delta {
	return database.MakeDelta(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    topic           TEXT NOT NULL,
    work_key        TEXT NOT NULL DEFAULT '',
    every_seconds   INT NOT NULL,
    jitter_seconds  INT NOT NULL DEFAULT 0,
    CONSTRAINT      pk_%[1]s
        PRIMARY KEY (topic, work_key)
);

CREATE TABLE IF NOT EXISTS %[2]s (
    topic             TEXT NOT NULL,
    work_key          TEXT NOT NULL DEFAULT '',
    shard_key         TEXT NOT NULL,
    last_completed_at TIMESTAMP NOT NULL,
    CONSTRAINT        pk_%[2]s
        PRIMARY KEY (topic, work_key, shard_key)
);
`, n.FanoutPolicy(), n.FanoutCursor()))
}
