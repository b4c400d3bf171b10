// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package schema

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	coredatabase "github.com/relaysys/relay/core/database"
)

// Apply runs the store DDL against the input runner. Every statement is
// guarded with IF NOT EXISTS, so applying to an already deployed store
// is a no-op.
func Apply(ctx context.Context, runner coredatabase.TxnRunner, names Names) error {
	if err := names.Validate(); err != nil {
		return errors.Trace(err)
	}

	deltas := StoreDDL(names)
	err := runner.StdTxn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, delta := range deltas {
			if _, err := tx.ExecContext(ctx, delta.Stmt(), delta.Args()...); err != nil {
				return errors.Annotate(err, "applying schema delta")
			}
		}
		return nil
	})
	return errors.Trace(err)
}
