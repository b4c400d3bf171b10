// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides a gocheck suite that gives each test a fresh
// in-memory store with the full schema applied.
package testing

import (
	"context"
	"database/sql"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/domain/schema"
	"github.com/relaysys/relay/internal/database"
	"github.com/relaysys/relay/internal/uuid"
)

// StoreSuite is a suite for tests that exercise state against a real
// database. A new in-memory database with the default table names is
// created for each test.
type StoreSuite struct {
	testing.IsolationSuite

	db     *sql.DB
	runner coredatabase.TxnRunner
}

// SetUpTest opens the database and applies the schema.
func (s *StoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := database.Open(database.InMemoryDSN(uuid.MustNewUUID().String()))
	c.Assert(err, jc.ErrorIsNil)
	s.db = db
	s.AddCleanup(func(c *gc.C) {
		c.Assert(db.Close(), jc.ErrorIsNil)
	})

	s.runner = database.NewTxnRunner(db)
	err = schema.Apply(context.Background(), s.runner, schema.Names{})
	c.Assert(err, jc.ErrorIsNil)
}

// DB returns the raw database handle, for seeding and assertions that
// go behind the state's back.
func (s *StoreSuite) DB() *sql.DB {
	return s.db
}

// TxnRunner returns the suite's transaction runner.
func (s *StoreSuite) TxnRunner() coredatabase.TxnRunner {
	return s.runner
}

// TxnRunnerFactory returns a factory returning the suite's runner.
func (s *StoreSuite) TxnRunnerFactory() coredatabase.TxnRunnerFactory {
	return coredatabase.TxnRunnerFactoryForRunner(s.runner)
}
