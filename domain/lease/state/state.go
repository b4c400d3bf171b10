// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	coredatabase "github.com/relaysys/relay/core/database"
	corelease "github.com/relaysys/relay/core/lease"
	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/domain"
	"github.com/relaysys/relay/domain/schema"
	"github.com/relaysys/relay/internal/database"
)

// State describes retrieval and persistence methods for leases.
type State struct {
	*domain.StateBase
	names  schema.Names
	logger logger.Logger
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory, names schema.Names, logger logger.Logger) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
		names:     names,
		logger:    logger,
	}
}

// Acquire claims the lease for the input resource on behalf of the
// input owner, for the input duration from now. It succeeds only when
// no lease exists or the existing lease has expired, and always yields
// a fencing token strictly greater than any previously issued for the
// resource. A live lease causes ErrHeld.
func (s *State) Acquire(
	ctx context.Context, now time.Time, resource, owner string, duration time.Duration, contextJSON string,
) (corelease.Info, error) {
	db, err := s.DB()
	if err != nil {
		return corelease.Info{}, errors.Trace(err)
	}

	arg := acquireArg{
		ResourceName: resource,
		OwnerToken:   owner,
		Now:          now,
		ExpiresAt:    now.Add(duration),
		Context:      contextJSON,
	}

	// The insert seeds the fencing token at 1; a takeover of an expired
	// lease continues the existing sequence.
	acquireStmt, err := s.Prepare(fmt.Sprintf(`
INSERT INTO %[1]s (resource_name, owner_token, fencing_token, acquired_at, expires_at, context)
VALUES ($acquireArg.resource_name, $acquireArg.owner_token, 1, $acquireArg.now, $acquireArg.expires_at, $acquireArg.context)
ON CONFLICT (resource_name) DO UPDATE SET
    owner_token = excluded.owner_token,
    fencing_token = %[1]s.fencing_token + 1,
    acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at,
    context = excluded.context
WHERE %[1]s.expires_at <= excluded.acquired_at`,
		s.names.DistributedLock()), arg)
	if err != nil {
		return corelease.Info{}, errors.Annotate(err, "preparing acquire statement")
	}

	selectStmt, err := s.Prepare(fmt.Sprintf(`
SELECT &lock.*
FROM   %s
WHERE  resource_name = $acquireArg.resource_name`,
		s.names.DistributedLock()), arg, lock{})
	if err != nil {
		return corelease.Info{}, errors.Annotate(err, "preparing select lease statement")
	}

	var result corelease.Info
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, acquireStmt, arg).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return corelease.ErrHeld
		}

		var row lock
		if err := tx.Query(ctx, selectStmt, arg).Get(&row); err != nil {
			return errors.Trace(err)
		}
		result = row.toInfo()
		return nil
	})
	return result, errors.Trace(err)
}

// Renew extends the lease for the input resource to expire at the input
// duration from now, provided the input owner still holds it. A renewal
// by a holder that lost the lease causes ErrInvalid.
func (s *State) Renew(ctx context.Context, now time.Time, resource, owner string, duration time.Duration) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	arg := renewArg{
		ResourceName: resource,
		OwnerToken:   owner,
		ExpiresAt:    now.Add(duration),
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
UPDATE %s
SET    expires_at = $renewArg.expires_at
WHERE  resource_name = $renewArg.resource_name
AND    owner_token = $renewArg.owner_token`,
		s.names.DistributedLock()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing renew statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		err := tx.Query(ctx, stmt, arg).Get(&outcome)

		// If no rows were affected, the lease either expired and was
		// taken over, or was released; either way the claim is gone.
		if err == nil {
			var affected int64
			affected, err = outcome.Result().RowsAffected()
			if affected == 0 && err == nil {
				err = corelease.ErrInvalid
			}
		}
		return errors.Trace(err)
	})
	return errors.Trace(err)
}

// Release deletes the lease for the input resource, provided the input
// owner still holds it. Releasing a lease that is gone or held by
// another owner is a no-op.
func (s *State) Release(ctx context.Context, resource, owner string) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	arg := releaseArg{
		ResourceName: resource,
		OwnerToken:   owner,
	}

	stmt, err := s.Prepare(fmt.Sprintf(`
DELETE FROM %s
WHERE  resource_name = $releaseArg.resource_name
AND    owner_token = $releaseArg.owner_token`,
		s.names.DistributedLock()), arg)
	if err != nil {
		return errors.Annotate(err, "preparing release statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, arg).Run())
	})
	return errors.Trace(err)
}

// ExpireLeases deletes all leases that have expired as of the input
// time. This method is intended to be called periodically by a worker.
// It returns the number of leases removed.
func (s *State) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	arg := expireArg{Now: now}

	// This is split into two queries to avoid a write transaction
	// preventing other writers when there is nothing to expire.
	countStmt, err := s.Prepare(fmt.Sprintf(`
SELECT COUNT(*) AS &count.num
FROM   %s
WHERE  expires_at <= $expireArg.now`,
		s.names.DistributedLock()), arg, count{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing expired count statement")
	}

	deleteStmt, err := s.Prepare(fmt.Sprintf(`
DELETE FROM %s
WHERE  expires_at <= $expireArg.now`,
		s.names.DistributedLock()), arg)
	if err != nil {
		return 0, errors.Annotate(err, "preparing expire statement")
	}

	var expired int64
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var c count
		err := tx.Query(ctx, countStmt, arg).Get(&c)
		if database.IsErrRetryable(err) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		// Nothing to do here, so return early.
		if c.Num == 0 {
			return nil
		}

		var outcome sqlair.Outcome
		err = tx.Query(ctx, deleteStmt, arg).Get(&outcome)
		if err != nil {
			// The reaper runs on every process against the same store.
			// Contention here resolves itself on the next pass, so log
			// and indicate success for retryable failures.
			if database.IsErrRetryable(err) {
				s.logger.Debugf(ctx, "ignoring error during lease expiry: %s", err.Error())
				return nil
			}
			return errors.Trace(err)
		}

		expired, err = outcome.Result().RowsAffected()
		return errors.Trace(err)
	})
	return expired, errors.Trace(err)
}

// Leases returns a snapshot of lease state, optionally filtered to the
// input resource names.
func (s *State) Leases(ctx context.Context, resources ...string) (map[string]corelease.Info, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	q := fmt.Sprintf(`
SELECT &lock.*
FROM   %s`, s.names.DistributedLock())

	var stmt *sqlair.Statement
	var args []any
	if len(resources) > 0 {
		stmt, err = s.Prepare(q+`
WHERE  resource_name IN ($S[:])`, sqlair.S{}, lock{})
		if err != nil {
			return nil, errors.Annotate(err, "preparing select leases statement")
		}
		args = []any{sqlair.S(transform.Slice(resources, func(r string) any { return any(r) }))}
	} else {
		stmt, err = s.Prepare(q, lock{})
		if err != nil {
			return nil, errors.Annotate(err, "preparing select leases statement")
		}
	}

	var result map[string]corelease.Info
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var rows []lock
		err := tx.Query(ctx, stmt, args...).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		result = make(map[string]corelease.Info, len(rows))
		for _, row := range rows {
			result[row.ResourceName] = row.toInfo()
		}
		return nil
	})
	return result, errors.Trace(err)
}

func (l lock) toInfo() corelease.Info {
	return corelease.Info{
		ResourceName: l.ResourceName,
		OwnerToken:   l.OwnerToken,
		FencingToken: l.FencingToken,
		AcquiredAt:   l.AcquiredAt,
		ExpiresAt:    l.ExpiresAt,
		Context:      l.Context.String,
	}
}
