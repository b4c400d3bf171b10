// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package txn_test

import (
	"database/sql"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	"github.com/mattn/go-sqlite3"
	gc "gopkg.in/check.v1"

	"github.com/relaysys/relay/internal/database/txn"
)

type isErrRetryableSuite struct {
	jujutesting.IsolationSuite
}

var _ = gc.Suite(&isErrRetryableSuite{})

func (s *isErrRetryableSuite) TestIsErrRetryable(c *gc.C) {
	for _, t := range []struct {
		desc      string
		err       error
		retryable bool
	}{{
		desc:      "nil",
		err:       nil,
		retryable: false,
	}, {
		desc:      "sqlite busy",
		err:       sqlite3.Error{Code: sqlite3.ErrBusy},
		retryable: true,
	}, {
		desc:      "sqlite locked",
		err:       sqlite3.Error{Code: sqlite3.ErrLocked},
		retryable: true,
	}, {
		desc:      "annotated sqlite busy",
		err:       errors.Annotate(sqlite3.Error{Code: sqlite3.ErrBusy}, "claiming"),
		retryable: true,
	}, {
		desc:      "untyped locked message",
		err:       errors.New("database is locked"),
		retryable: true,
	}, {
		desc:      "connection done",
		err:       sql.ErrConnDone,
		retryable: true,
	}, {
		desc:      "plain error",
		err:       errors.New("boom"),
		retryable: false,
	}, {
		desc:      "missing row",
		err:       sql.ErrNoRows,
		retryable: false,
	}} {
		c.Logf("test %s", t.desc)
		c.Check(txn.IsErrRetryable(t.err), gc.Equals, t.retryable, gc.Commentf(t.desc))
	}
}
