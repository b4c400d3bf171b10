// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/core/logger"
)

const (
	// ErrStoreNotFound indicates that no store exists for the requested
	// identifier or routing key.
	ErrStoreNotFound = errors.ConstError("store not found")
)

// Provider returns the set of active stores. Implementations must
// return defensive snapshots; callers may hold a returned slice across
// a refresh.
type Provider interface {
	// Stores returns a snapshot of the active stores.
	Stores(ctx context.Context) ([]Store, error)

	// Get returns the store with the input identifier.
	Get(ctx context.Context, id string) (Store, error)
}

// Discovery is the external contract supplying store configurations.
// The dynamic provider polls it and reconciles the live set against
// what it reports.
type Discovery interface {
	// DiscoverDatabases returns the store configurations that should be
	// live.
	DiscoverDatabases(ctx context.Context) ([]Config, error)
}

// DeployHook is invoked for every newly opened store, before it
// becomes visible, so schema deployment can be triggered.
type DeployHook func(ctx context.Context, s Store) error

// StaticProvider serves a fixed set of stores opened from configs.
type StaticProvider struct {
	mu     sync.RWMutex
	stores []Store
}

// NewStaticProvider opens each input config and returns a provider
// over the resulting stores.
func NewStaticProvider(configs []Config, open Opener) (*StaticProvider, error) {
	seen := set.NewStrings()
	stores := make([]Store, 0, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if seen.Contains(cfg.ID) {
			return nil, errors.NotValidf("duplicate store ID %q", cfg.ID)
		}
		seen.Add(cfg.ID)

		runner, err := open(cfg)
		if err != nil {
			return nil, errors.Annotatef(err, "opening store %q", cfg.ID)
		}
		stores = append(stores, Store{Config: cfg, Runner: runner})
	}
	return &StaticProvider{stores: stores}, nil
}

// Stores implements Provider.
func (p *StaticProvider) Stores(ctx context.Context) ([]Store, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Store(nil), p.stores...), nil
}

// Get implements Provider.
func (p *StaticProvider) Get(ctx context.Context, id string) (Store, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.stores {
		if s.ID == id {
			return s, nil
		}
	}
	return Store{}, errors.Annotatef(ErrStoreNotFound, "store %q", id)
}

// Close closes every store.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var last error
	for _, s := range p.stores {
		if err := s.close(); err != nil {
			last = err
		}
	}
	p.stores = nil
	return errors.Trace(last)
}

// DynamicProviderConfig configures a discovery-backed provider.
type DynamicProviderConfig struct {
	// Discovery supplies the store configurations.
	Discovery Discovery

	// Opener opens the database for a discovered config.
	Opener Opener

	// OnDeploy, if set, runs for every newly opened store before it
	// becomes visible.
	OnDeploy DeployHook

	// Logger is used for reconciliation logging.
	Logger logger.Logger
}

// Validate returns an error if the config is not complete.
func (c DynamicProviderConfig) Validate() error {
	if c.Discovery == nil {
		return errors.NotValidf("nil Discovery")
	}
	if c.Opener == nil {
		return errors.NotValidf("nil Opener")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// DynamicProvider maintains the store set from a discovery source.
// Refresh reconciles: unseen identifiers open new stores, missing
// identifiers close theirs, and changed connection or naming details
// recreate the store. Refreshes are collapsed through a single-flight
// gate; readers take a shared lock and receive snapshots.
type DynamicProvider struct {
	cfg DynamicProviderConfig

	group singleflight.Group

	mu     sync.RWMutex
	stores map[string]Store
	order  []string
}

// NewDynamicProvider returns a provider over the input config. The
// store set is empty until the first Refresh.
func NewDynamicProvider(cfg DynamicProviderConfig) (*DynamicProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &DynamicProvider{
		cfg:    cfg,
		stores: make(map[string]Store),
	}, nil
}

// Stores implements Provider.
func (p *DynamicProvider) Stores(ctx context.Context) ([]Store, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stores := make([]Store, 0, len(p.order))
	for _, id := range p.order {
		stores = append(stores, p.stores[id])
	}
	return stores, nil
}

// Get implements Provider.
func (p *DynamicProvider) Get(ctx context.Context, id string) (Store, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.stores[id]; ok {
		return s, nil
	}
	return Store{}, errors.Annotatef(ErrStoreNotFound, "store %q", id)
}

// Refresh reconciles the live store set against discovery. Concurrent
// callers share one reconciliation pass.
func (p *DynamicProvider) Refresh(ctx context.Context) error {
	_, err, _ := p.group.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	return errors.Trace(err)
}

func (p *DynamicProvider) refresh(ctx context.Context) error {
	discovered, err := p.cfg.Discovery.DiscoverDatabases(ctx)
	if err != nil {
		return errors.Annotate(err, "discovering databases")
	}

	byID := make(map[string]Config, len(discovered))
	order := make([]string, 0, len(discovered))
	for _, cfg := range discovered {
		if err := cfg.Validate(); err != nil {
			return errors.Trace(err)
		}
		if _, ok := byID[cfg.ID]; ok {
			return errors.NotValidf("duplicate discovered store ID %q", cfg.ID)
		}
		byID[cfg.ID] = cfg
		order = append(order, cfg.ID)
	}

	p.mu.RLock()
	current := set.NewStrings()
	for id := range p.stores {
		current.Add(id)
	}
	wanted := set.NewStrings(order...)

	var stale []Store
	for _, id := range current.Intersection(wanted).Values() {
		if p.stores[id].Config.changed(byID[id]) {
			stale = append(stale, p.stores[id])
		}
	}
	p.mu.RUnlock()

	// Open replacements and additions outside the lock; opening may be
	// slow and readers should not wait on it. On failure every store
	// opened so far this pass must be closed again, or its connection
	// leaks once per retried refresh.
	opened := make(map[string]Store)
	closeOpened := func() {
		for id, s := range opened {
			if err := s.close(); err != nil {
				p.cfg.Logger.Warningf(ctx, "closing store %q after failed refresh: %v", id, err)
			}
		}
	}
	for _, id := range wanted.Difference(current).Values() {
		s, err := p.open(ctx, byID[id])
		if err != nil {
			closeOpened()
			return errors.Trace(err)
		}
		opened[id] = s
		p.cfg.Logger.Infof(ctx, "discovered store %q", id)
	}
	for _, old := range stale {
		s, err := p.open(ctx, byID[old.ID])
		if err != nil {
			closeOpened()
			return errors.Trace(err)
		}
		opened[old.ID] = s
		p.cfg.Logger.Infof(ctx, "recreating store %q after configuration change", old.ID)
	}

	p.mu.Lock()
	var closing []Store
	for _, id := range current.Difference(wanted).Values() {
		closing = append(closing, p.stores[id])
		delete(p.stores, id)
		p.cfg.Logger.Infof(ctx, "removing store %q no longer reported by discovery", id)
	}
	for _, old := range stale {
		closing = append(closing, old)
	}
	for id, s := range opened {
		p.stores[id] = s
	}
	p.order = order
	p.mu.Unlock()

	for _, s := range closing {
		if err := s.close(); err != nil {
			p.cfg.Logger.Warningf(ctx, "closing store %q: %v", s.ID, err)
		}
	}
	return nil
}

func (p *DynamicProvider) open(ctx context.Context, cfg Config) (Store, error) {
	runner, err := p.cfg.Opener(cfg)
	if err != nil {
		return Store{}, errors.Annotatef(err, "opening store %q", cfg.ID)
	}
	s := Store{Config: cfg, Runner: runner}
	if p.cfg.OnDeploy != nil {
		if err := p.cfg.OnDeploy(ctx, s); err != nil {
			_ = s.close()
			return Store{}, errors.Annotatef(err, "deploying store %q", cfg.ID)
		}
	}
	return s, nil
}

// Close closes every store.
func (p *DynamicProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var last error
	for _, s := range p.stores {
		if err := s.close(); err != nil {
			last = err
		}
	}
	p.stores = make(map[string]Store)
	p.order = nil
	return errors.Trace(last)
}

// FactoryFor returns a TxnRunnerFactory bound to the identified store
// of the input provider. State layers built over it keep working when
// discovery recreates the store.
func FactoryFor(p Provider, id string) coredatabase.TxnRunnerFactory {
	return func() (coredatabase.TxnRunner, error) {
		s, err := p.Get(context.Background(), id)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return s.Runner, nil
	}
}
