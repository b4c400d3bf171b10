// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package uuid

import (
	"github.com/google/uuid"
	"github.com/juju/errors"
)

// UUID represents a universal identifier with 16 octets.
type UUID = uuid.UUID

// NewUUID returns a new random UUID.
func NewUUID() (UUID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return UUID{}, errors.Trace(err)
	}
	return u, nil
}

// MustNewUUID returns a new UUID or panics. For use in tests and
// initialization paths that cannot fail.
func MustNewUUID() UUID {
	return uuid.Must(uuid.NewRandom())
}

// IsValidUUIDString returns true if the input is a valid UUID string.
func IsValidUUIDString(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
