// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"context"
	"database/sql"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/relaysys/relay/internal/database"
	"github.com/relaysys/relay/internal/uuid"
)

type namesSuite struct{}

var _ = gc.Suite(&namesSuite{})

func (s *namesSuite) TestDefaults(c *gc.C) {
	n := Names{}
	c.Check(n.Validate(), jc.ErrorIsNil)
	c.Check(n.Outbox(), gc.Equals, "outbox")
	c.Check(n.OutboxJoinMember(), gc.Equals, "outbox_join_member")
	c.Check(n.DistributedLock(), gc.Equals, "distributed_lock")
}

func (s *namesSuite) TestPrefix(c *gc.C) {
	n := Names{Prefix: "infra"}
	c.Check(n.Validate(), jc.ErrorIsNil)
	c.Check(n.Inbox(), gc.Equals, "infra_inbox")
	c.Check(n.SchedulerState(), gc.Equals, "infra_scheduler_state")
}

func (s *namesSuite) TestOverrides(c *gc.C) {
	n := Names{
		Prefix:    "infra",
		Overrides: map[string]string{TableTimer: "timers"},
	}
	c.Check(n.Validate(), jc.ErrorIsNil)
	c.Check(n.Timer(), gc.Equals, "timers")
	c.Check(n.Job(), gc.Equals, "infra_job")
}

func (s *namesSuite) TestValidateRejectsBadIdentifiers(c *gc.C) {
	c.Check(Names{Prefix: "in fra"}.Validate(), gc.ErrorMatches, `table prefix "in fra" not valid`)
	c.Check(Names{Prefix: "1abc"}.Validate(), gc.ErrorMatches, `table prefix "1abc" not valid`)

	n := Names{Overrides: map[string]string{TableOutbox: "outbox; DROP TABLE x"}}
	c.Check(n.Validate(), gc.ErrorMatches, `table name .* not valid`)
}

type applySuite struct{}

var _ = gc.Suite(&applySuite{})

func (s *applySuite) openDB(c *gc.C) *sql.DB {
	db, err := database.Open(database.InMemoryDSN(uuid.MustNewUUID().String()))
	c.Assert(err, jc.ErrorIsNil)
	return db
}

func (s *applySuite) TestApplyCreatesTables(c *gc.C) {
	db := s.openDB(c)
	defer db.Close()

	runner := database.NewTxnRunner(db)
	err := Apply(context.Background(), runner, Names{Prefix: "infra"})
	c.Assert(err, jc.ErrorIsNil)

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'infra_%' ORDER BY name")
	c.Assert(err, jc.ErrorIsNil)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		c.Assert(rows.Scan(&name), jc.ErrorIsNil)
		names = append(names, name)
	}
	c.Assert(rows.Err(), jc.ErrorIsNil)

	c.Check(names, jc.SameContents, []string{
		"infra_outbox",
		"infra_outbox_join",
		"infra_outbox_join_member",
		"infra_inbox",
		"infra_timer",
		"infra_job",
		"infra_job_run",
		"infra_scheduler_state",
		"infra_distributed_lock",
		"infra_fanout_policy",
		"infra_fanout_cursor",
	})
}

func (s *applySuite) TestApplyIsIdempotent(c *gc.C) {
	db := s.openDB(c)
	defer db.Close()

	runner := database.NewTxnRunner(db)
	err := Apply(context.Background(), runner, Names{})
	c.Assert(err, jc.ErrorIsNil)
	err = Apply(context.Background(), runner, Names{})
	c.Assert(err, jc.ErrorIsNil)

	// The scheduler state seed row must not duplicate.
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM scheduler_state").Scan(&count)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(count, gc.Equals, 1)
}

func (s *applySuite) TestApplyRejectsInvalidNames(c *gc.C) {
	db := s.openDB(c)
	defer db.Close()

	runner := database.NewTxnRunner(db)
	err := Apply(context.Background(), runner, Names{Prefix: "bad prefix"})
	c.Assert(err, gc.ErrorMatches, `table prefix "bad prefix" not valid`)
}
