// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"context"
	"database/sql"

	"github.com/canonical/sqlair"
)

// TxnRunner defines an interface for running transactions against the
// database of a single store.
type TxnRunner interface {
	// Txn executes the input function against the database, using
	// the sqlair package. The sqlair package provides a mapping library for
	// SQL queries and statements.
	// Retry semantics are applied automatically based on transient failures.
	// This is the function that almost all downstream database consumers
	// should use.
	Txn(context.Context, func(context.Context, *sqlair.TX) error) error

	// StdTxn executes the input function against the database, within
	// a transaction that depends on the input context.
	// Retry semantics are applied automatically based on transient failures.
	StdTxn(context.Context, func(context.Context, *sql.Tx) error) error
}

// TxnRunnerFactory defines a function that returns a TxnRunner or an error.
// State types are constructed over a factory rather than a runner so that
// a store can be replaced underneath them, such as when discovery recreates
// a store with changed connection details.
type TxnRunnerFactory = func() (TxnRunner, error)

// TxnRunnerFactoryForRunner returns a TxnRunnerFactory
// for the input TxnRunner.
func TxnRunnerFactoryForRunner(runner TxnRunner) TxnRunnerFactory {
	return func() (TxnRunner, error) {
		if runner == nil {
			return nil, ErrNoTxnRunner
		}
		return runner, nil
	}
}
