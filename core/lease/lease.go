// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease holds the substrate-independent vocabulary for fenced,
// time-bounded exclusive holds on named resources.
package lease

import (
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	// ErrHeld indicates that a lease could not be acquired because an
	// unexpired lease exists for the resource.
	ErrHeld = errors.ConstError("lease already held")

	// ErrLost indicates that a lease holder attempted work after its
	// lease was lost. The holder must stop and re-acquire.
	ErrLost = errors.ConstError("lease lost")

	// ErrInvalid indicates that a lease operation failed because latest
	// state makes it a logical impossibility: a renewal or release by a
	// holder that no longer owns the row. It is a short-range signal to
	// calling code only.
	ErrInvalid = errors.ConstError("invalid lease operation")
)

// Info holds a snapshot of one lease row.
type Info struct {
	// ResourceName names the leased resource.
	ResourceName string

	// OwnerToken identifies the current holder.
	OwnerToken string

	// FencingToken is the strictly monotonic generation counter for the
	// resource. Writers use it as a precondition so a stale holder can
	// no longer mutate state.
	FencingToken int64

	// AcquiredAt is when the current holder acquired the lease.
	AcquiredAt time.Time

	// ExpiresAt is the latest time at which the lease might still be
	// valid without renewal.
	ExpiresAt time.Time

	// Context carries optional holder-supplied JSON, recorded for
	// operators inspecting lock state.
	Context string
}

// ValidateString returns an error if the string is empty or contains
// whitespace or characters that would make a resource name ambiguous in
// logs and metrics. Implementations are expected to always reject
// invalid strings, and never to produce them.
func ValidateString(s string) error {
	if s == "" {
		return errors.New("string is empty")
	}
	if strings.ContainsAny(s, "$# \t\r\n") {
		return errors.New("string contains forbidden characters")
	}
	return nil
}
