// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package txn provides a transaction runner with retry semantics for
// transient database failures. All transactions for a given database go
// through a single runner, which serializes writers the way the sqlite
// backend expects.
package txn

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"golang.org/x/sync/semaphore"

	"github.com/relaysys/relay/core/logger"
	internallogger "github.com/relaysys/relay/internal/logger"
)

const (
	// DefaultTimeout is the timeout applied to each transaction function.
	// No individual transaction should take longer than this.
	DefaultTimeout = time.Second * 30
)

// RetryStrategy defines a function for retrying a transaction.
type RetryStrategy func(context.Context, func() error) error

// Option defines a function for setting options on a RetryingTxnRunner.
type Option func(*option)

// WithLogger sets the logger used for retry and rollback reporting.
func WithLogger(logger logger.Logger) Option {
	return func(o *option) {
		o.logger = logger
	}
}

// WithTimeout sets the per-transaction timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *option) {
		o.timeout = timeout
	}
}

// WithRetryStrategy sets the strategy for retrying transient failures.
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(o *option) {
		o.retryStrategy = strategy
	}
}

type option struct {
	timeout       time.Duration
	logger        logger.Logger
	retryStrategy RetryStrategy
}

func newOptions() *option {
	log := internallogger.GetLogger("relay.database")
	return &option{
		timeout:       DefaultTimeout,
		logger:        log,
		retryStrategy: DefaultRetryStrategy(clock.WallClock, log),
	}
}

// RetryingTxnRunner defines a generic runner for applying transactions
// to a given database. It expects that no individual transaction function
// should take longer than the default timeout.
// Transient errors will initiate retries; the function must therefore be
// idempotent.
type RetryingTxnRunner struct {
	timeout       time.Duration
	logger        logger.Logger
	retryStrategy RetryStrategy
	semaphore     *semaphore.Weighted
}

// NewRetryingTxnRunner returns a new RetryingTxnRunner.
func NewRetryingTxnRunner(opts ...Option) *RetryingTxnRunner {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &RetryingTxnRunner{
		timeout:       o.timeout,
		logger:        o.logger,
		retryStrategy: o.retryStrategy,
		// The sqlite backend supports a single writer. Channelling all
		// transactions through one slot keeps lock contention out of the
		// busy-retry path.
		semaphore: semaphore.NewWeighted(1),
	}
}

// Txn executes the input function against the given database using the
// sqlair package, retrying transient failures.
func (t *RetryingTxnRunner) Txn(ctx context.Context, db *sqlair.DB, fn func(context.Context, *sqlair.TX) error) error {
	return t.retry(ctx, func() error {
		return t.run(ctx, func(ctx context.Context) error {
			tx, err := db.Begin(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}

			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					t.logger.Warningf(ctx, "failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}

			return errors.Trace(tx.Commit())
		})
	})
}

// StdTxn executes the input function against the given database, within
// a transaction that depends on the input context, retrying transient
// failures.
func (t *RetryingTxnRunner) StdTxn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	return t.retry(ctx, func() error {
		return t.run(ctx, func(ctx context.Context) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return errors.Trace(err)
			}

			if err := fn(ctx, tx); err != nil {
				if rErr := tx.Rollback(); rErr != nil {
					t.logger.Warningf(ctx, "failed to rollback transaction: %v", rErr)
				}
				return errors.Trace(err)
			}

			return errors.Trace(tx.Commit())
		})
	})
}

// Retry executes the input function, retrying any transient failures
// according to the runner's strategy. The function must be idempotent.
func (t *RetryingTxnRunner) Retry(ctx context.Context, fn func() error) error {
	return t.retry(ctx, fn)
}

func (t *RetryingTxnRunner) run(ctx context.Context, fn func(context.Context) error) error {
	if err := t.semaphore.Acquire(ctx, 1); err != nil {
		return errors.Trace(err)
	}
	defer t.semaphore.Release(1)

	// The context may have been cancelled while we waited for the slot.
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return fn(ctx)
}

func (t *RetryingTxnRunner) retry(ctx context.Context, fn func() error) error {
	return t.retryStrategy(ctx, fn)
}

// DefaultRetryStrategy returns a function that retries transient database
// failures with exponential backoff, bailing out as soon as the error is
// one that retrying cannot fix.
func DefaultRetryStrategy(clock clock.Clock, log logger.Logger) RetryStrategy {
	return func(ctx context.Context, fn func() error) error {
		return retry.Call(retry.CallArgs{
			Func: fn,
			IsFatalError: func(err error) bool {
				// No point in retrying a missing row.
				if errors.Is(err, sql.ErrNoRows) || errors.Is(err, sqlair.ErrNoRows) {
					return true
				}
				return !IsErrRetryable(err)
			},
			NotifyFunc: func(lastError error, attempt int) {
				if attempt%10 == 0 {
					log.Debugf(ctx, "retrying database operation: attempt %d, error: %v", attempt, lastError)
				}
			},
			Attempts:    250,
			Delay:       time.Millisecond,
			MaxDelay:    time.Millisecond * 100,
			BackoffFunc: retry.ExpBackoff(time.Millisecond, time.Millisecond*100, 1.6, true),
			Clock:       clock,
			Stop:        ctx.Done(),
		})
	}
}
