// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"

	"github.com/relaysys/relay/internal/database/txn"
)

// IsErrRetryable returns true if the given error might be
// transient and the interaction can be safely retried.
func IsErrRetryable(err error) bool {
	return txn.IsErrRetryable(err)
}

// IsErrConstraintUnique returns true if the input error was
// returned by the database due to violation of a unique constraint.
func IsErrConstraintUnique(err error) bool {
	if err == nil {
		return false
	}

	var dbErr sqlite3.Error
	if errors.As(err, &dbErr) {
		switch dbErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return true
		}
	}
	return false
}

// IsErrConstraintPrimaryKey returns true if the input error was
// returned by the database due to violation of a primary key constraint.
func IsErrConstraintPrimaryKey(err error) bool {
	if err == nil {
		return false
	}

	var dbErr sqlite3.Error
	if errors.As(err, &dbErr) {
		return dbErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// IsErrConstraintForeignKey returns true if the input error was
// returned by the database due to violation of a foreign key constraint.
func IsErrConstraintForeignKey(err error) bool {
	if err == nil {
		return false
	}

	var dbErr sqlite3.Error
	if errors.As(err, &dbErr) {
		return dbErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// IsErrConstraintCheck returns true if the input error was
// returned by the database due to violation of a check constraint.
func IsErrConstraintCheck(err error) bool {
	if err == nil {
		return false
	}

	var dbErr sqlite3.Error
	if errors.As(err, &dbErr) {
		return dbErr.ExtendedCode == sqlite3.ErrConstraintCheck
	}
	return false
}
