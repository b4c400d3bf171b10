// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package database

import (
	"github.com/juju/errors"
)

const (
	// ErrNoTxnRunner indicates that a transaction runner was requested
	// before the owning store made one available.
	ErrNoTxnRunner = errors.ConstError("no transaction runner available")
)
