// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store models the set of databases a process works against:
// the store handle, the providers that maintain the set statically or
// via discovery, the router that maps routing keys to stores, and the
// strategies dispatchers use to pick the next store to poll.
package store

import (
	"encoding/hex"
	"io"

	"github.com/juju/errors"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/internal/uuid"
)

const (
	// ControlPlaneID is the reserved identifier of the control-plane
	// store, when one is configured.
	ControlPlaneID = "control-plane"
)

// Config describes one store: where its database lives and how its
// tables are named.
type Config struct {
	// ID identifies the store. Routing keys resolve to it.
	ID string

	// DSN is the data source name of the store's database.
	DSN string

	// TablePrefix namespaces the store's tables, standing in for a
	// schema name on engines without schema objects.
	TablePrefix string

	// TableOverrides renames individual tables from their canonical
	// names.
	TableOverrides map[string]string

	// EnableSchemaDeployment indicates the process may create the
	// store's tables at startup.
	EnableSchemaDeployment bool
}

// Validate returns an error if the config is not complete.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.NotValidf("empty store ID")
	}
	if c.DSN == "" {
		return errors.NotValidf("store %q with empty DSN", c.ID)
	}
	return nil
}

// changed reports whether the other config requires the store to be
// rebuilt.
func (c Config) changed(other Config) bool {
	if c.DSN != other.DSN || c.TablePrefix != other.TablePrefix {
		return true
	}
	if len(c.TableOverrides) != len(other.TableOverrides) {
		return true
	}
	for k, v := range c.TableOverrides {
		if other.TableOverrides[k] != v {
			return true
		}
	}
	return false
}

// Store is a live handle on one configured database.
type Store struct {
	// Config is the configuration the store was opened with.
	Config

	// Runner runs transactions against the store's database.
	Runner coredatabase.TxnRunner
}

// Opener opens the database for a store config, returning its
// transaction runner.
type Opener func(Config) (coredatabase.TxnRunner, error)

// close releases the store's database handle where the runner supports
// it.
func (s Store) close() error {
	if closer, ok := s.Runner.(io.Closer); ok {
		return errors.Trace(closer.Close())
	}
	return nil
}

// KeyForID renders a 128-bit identifier as a routing key: its
// lowercase hex form without separators.
func KeyForID(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}
