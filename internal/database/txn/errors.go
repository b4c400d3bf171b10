// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn

import (
	"database/sql"
	"strings"

	"github.com/juju/errors"
	"github.com/mattn/go-sqlite3"
)

// IsErrRetryable returns true if the given error might be
// transient and the interaction can be safely retried.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}

	var dbErr sqlite3.Error
	if errors.As(err, &dbErr) {
		switch dbErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}

	var errNo sqlite3.ErrNo
	if errors.As(err, &errNo) {
		switch errNo {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return true
		}
	}

	if errors.Is(err, sql.ErrConnDone) {
		return true
	}

	// Unwrap errors from the driver that are not typed.
	msg := err.Error()
	for _, text := range []string{
		"database is locked",
		"cannot start a transaction within a transaction",
		"bad connection",
		"checkpoint in progress",
	} {
		if strings.Contains(msg, text) {
			return true
		}
	}

	return false
}
