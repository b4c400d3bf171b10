// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package database provides the sqlite-backed plumbing shared by all
// stores: opening databases, wrapping them in retrying transaction
// runners and classifying driver errors.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/internal/database/txn"
)

// Open returns a database handle for the input data source name,
// configured the way the transaction runner expects: foreign keys
// enforced and writers queuing rather than failing fast.
func Open(dsn string) (*sql.DB, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing data source name %q", dsn)
	}

	q := u.Query()
	if q.Get("_foreign_keys") == "" {
		q.Set("_foreign_keys", "on")
	}
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", "5000")
	}
	u.RawQuery = q.Encode()

	db, err := sql.Open("sqlite3", u.String())
	if err != nil {
		return nil, errors.Annotatef(err, "opening database %q", dsn)
	}

	// A single connection sidesteps sqlite's multi-writer contention;
	// concurrency is provided above by the transaction runner.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// InMemoryDSN returns a data source name for a uniquely named shared
// in-memory database. Every connection with the same name addresses the
// same database for as long as one connection remains open.
func InMemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

// NewTxnRunner returns a TxnRunner for the input database handle.
func NewTxnRunner(db *sql.DB) coredatabase.TxnRunner {
	return &txnRunner{
		db:     sqlair.NewDB(db),
		runner: txn.NewRetryingTxnRunner(),
	}
}

type txnRunner struct {
	db     *sqlair.DB
	runner *txn.RetryingTxnRunner
}

// Txn executes the input function against the database, using
// the sqlair package. The sqlair package provides a mapping library for
// SQL queries and statements.
// Retry semantics are applied automatically based on transient failures.
// This is the function that almost all downstream database consumers
// should use.
func (r *txnRunner) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	return errors.Trace(r.runner.Txn(ctx, r.db, fn))
}

// StdTxn executes the input function against the database, within
// a transaction that depends on the input context.
// Retry semantics are applied automatically based on transient failures.
func (r *txnRunner) StdTxn(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	return errors.Trace(r.runner.StdTxn(ctx, r.db.PlainDB(), fn))
}

// Close closes the underlying database handle.
func (r *txnRunner) Close() error {
	return errors.Trace(r.db.PlainDB().Close())
}
