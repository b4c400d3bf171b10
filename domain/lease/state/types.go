// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"
)

// lock is the database representation of one lease row.
type lock struct {
	ResourceName string         `db:"resource_name"`
	OwnerToken   string         `db:"owner_token"`
	FencingToken int64          `db:"fencing_token"`
	AcquiredAt   time.Time      `db:"acquired_at"`
	ExpiresAt    time.Time      `db:"expires_at"`
	Context      sql.NullString `db:"context"`
}

// acquireArg carries the bind parameters for an acquire attempt.
type acquireArg struct {
	ResourceName string    `db:"resource_name"`
	OwnerToken   string    `db:"owner_token"`
	Now          time.Time `db:"now"`
	ExpiresAt    time.Time `db:"expires_at"`
	Context      string    `db:"context"`
}

// renewArg carries the bind parameters for a renewal.
type renewArg struct {
	ResourceName string    `db:"resource_name"`
	OwnerToken   string    `db:"owner_token"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// releaseArg carries the bind parameters for a release.
type releaseArg struct {
	ResourceName string `db:"resource_name"`
	OwnerToken   string `db:"owner_token"`
}

// expireArg carries the bind parameters for an expiry scan.
type expireArg struct {
	Now time.Time `db:"now"`
}

// count supports COUNT aggregate reads.
type count struct {
	Num int `db:"num"`
}
