// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	internaldatabase "github.com/relaysys/relay/internal/database"
	"github.com/relaysys/relay/internal/database/txn"
	loggertesting "github.com/relaysys/relay/internal/logger/testing"
	"github.com/relaysys/relay/internal/uuid"
)

func TestPackage(t *testing.T) {
	gc.TestingT(t)
}

type transactionRunnerSuite struct {
	jujutesting.IsolationSuite

	db     *sql.DB
	runner *txn.RetryingTxnRunner
}

var _ = gc.Suite(&transactionRunnerSuite{})

func (s *transactionRunnerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)

	db, err := internaldatabase.Open(internaldatabase.InMemoryDSN(uuid.MustNewUUID().String()))
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		c.Assert(db.Close(), jc.ErrorIsNil)
	})
	s.db = db

	s.runner = txn.NewRetryingTxnRunner(txn.WithLogger(loggertesting.WrapCheckLog(c)))

	_, err = db.Exec("CREATE TABLE t (v TEXT)")
	c.Assert(err, jc.ErrorIsNil)
}

func (s *transactionRunnerSuite) count(c *gc.C) int {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n)
	c.Assert(err, jc.ErrorIsNil)
	return n
}

func (s *transactionRunnerSuite) TestStdTxnCommits(c *gc.C) {
	err := s.runner.StdTxn(context.Background(), s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('committed')")
		return errors.Trace(err)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.count(c), gc.Equals, 1)
}

func (s *transactionRunnerSuite) TestStdTxnRollsBackOnError(c *gc.C) {
	err := s.runner.StdTxn(context.Background(), s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES ('doomed')"); err != nil {
			return errors.Trace(err)
		}
		return errors.New("boom")
	})
	c.Assert(err, gc.ErrorMatches, "boom")
	c.Check(s.count(c), gc.Equals, 0)
}

func (s *transactionRunnerSuite) TestTxnCommits(c *gc.C) {
	db := sqlair.NewDB(s.db)
	stmt := sqlair.MustPrepare("INSERT INTO t (v) VALUES ('committed')")

	err := s.runner.Txn(context.Background(), db, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt).Run())
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.count(c), gc.Equals, 1)
}

func (s *transactionRunnerSuite) TestRetryRetriesTransientErrors(c *gc.C) {
	var calls int
	err := s.runner.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(calls, gc.Equals, 3)
}

func (s *transactionRunnerSuite) TestRetryBailsOnPermanentError(c *gc.C) {
	var calls int
	err := s.runner.Retry(context.Background(), func() error {
		calls++
		return errors.New("boom")
	})
	c.Assert(err, gc.ErrorMatches, "boom")
	c.Check(calls, gc.Equals, 1)
}

func (s *transactionRunnerSuite) TestRetryBailsOnNoRows(c *gc.C) {
	var calls int
	err := s.runner.Retry(context.Background(), func() error {
		calls++
		return sql.ErrNoRows
	})
	c.Assert(err, jc.ErrorIs, sql.ErrNoRows)
	c.Check(calls, gc.Equals, 1)
}
