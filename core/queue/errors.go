// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package queue

import (
	"github.com/juju/errors"
)

const (
	// ErrClaimMismatch indicates that an acknowledgement, abandonment or
	// failure was attempted by a worker that no longer owns the row.
	ErrClaimMismatch = errors.ConstError("message not owned by claimant")

	// MaxAttemptsExceededReason is recorded against a row failed because
	// its retry budget ran out.
	MaxAttemptsExceededReason = "Maximum retry attempts exceeded"
)

// permanentError marks an error as one that retrying cannot fix.
type permanentError struct {
	error
}

// Permanent wraps the input error so that dispatchers fail the message
// immediately instead of retrying. A nil input returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsPermanent reports whether the error, anywhere in its chain, was
// marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Unwrap returns the wrapped error.
func (e *permanentError) Unwrap() error {
	return e.error
}
