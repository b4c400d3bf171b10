// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package service

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	corelease "github.com/relaysys/relay/core/lease"
	"github.com/relaysys/relay/core/logger"
)

// Lease is a held lease. A background renewer extends it at a fraction
// of its duration for as long as the holder keeps it; the first failed
// renewal marks the lease lost and closes the Done channel, at which
// point the holder must stop the work the lease was fencing.
type Lease struct {
	tomb tomb.Tomb

	st      State
	clock   clock.Clock
	logger  logger.Logger
	metrics *Collector

	info     corelease.Info
	duration time.Duration
	interval time.Duration

	lost     chan struct{}
	lostOnce sync.Once

	mu       sync.Mutex
	released bool
}

// Info returns a snapshot of the lease row as acquired.
func (l *Lease) Info() corelease.Info {
	return l.info
}

// OwnerToken returns the holder's owner token.
func (l *Lease) OwnerToken() string {
	return l.info.OwnerToken
}

// FencingToken returns the lease generation. Writers guard their
// statements with it so a stale holder cannot mutate state.
func (l *Lease) FencingToken() int64 {
	return l.info.FencingToken
}

// Done returns a channel closed when the lease is lost. Holders select
// on it at every suspension point of the work the lease fences.
func (l *Lease) Done() <-chan struct{} {
	return l.lost
}

// Check returns ErrLost if the lease has been lost, and nil otherwise.
// Call it before any write that the lease is meant to fence.
func (l *Lease) Check() error {
	select {
	case <-l.lost:
		return corelease.ErrLost
	default:
		return nil
	}
}

// Release stops the renewer and deletes the lease row if this holder
// still owns it. It is idempotent, and a no-op after loss beyond
// stopping the renewer.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	l.tomb.Kill(nil)
	_ = l.tomb.Wait()

	if l.Check() != nil {
		return nil
	}

	// Best effort; an undeleted row expires on its own and the reaper
	// collects it.
	if err := l.st.Release(ctx, l.info.ResourceName, l.info.OwnerToken); err != nil {
		l.logger.Warningf(ctx, "releasing lease %q: %v", l.info.ResourceName, err)
	}
	return nil
}

func (l *Lease) loop() error {
	timer := l.clock.NewTimer(l.interval)
	defer timer.Stop()

	for {
		select {
		case <-l.tomb.Dying():
			return tomb.ErrDying

		case <-timer.Chan():
			ctx := l.tomb.Context(context.Background())
			err := l.st.Renew(ctx, l.clock.Now(), l.info.ResourceName, l.info.OwnerToken, l.duration)
			if err != nil {
				l.markLost()
				l.metrics.losses.Inc()
				if errors.Is(err, corelease.ErrInvalid) {
					l.logger.Infof(ctx, "lease %q lost to another holder", l.info.ResourceName)
					return nil
				}
				l.logger.Warningf(ctx, "lease %q renewal failed: %v", l.info.ResourceName, err)
				return nil
			}
			l.metrics.renewals.Inc()
			timer.Reset(l.interval)
		}
	}
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() {
		close(l.lost)
	})
}
