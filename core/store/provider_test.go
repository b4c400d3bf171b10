// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store_test

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/core/store"
	loggertesting "github.com/relaysys/relay/internal/logger/testing"
)

type fakeRunner struct {
	coredatabase.TxnRunner

	mu     sync.Mutex
	closed bool
}

func (r *fakeRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRunner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeDiscovery struct {
	mu      sync.Mutex
	configs []store.Config
}

func (d *fakeDiscovery) set(configs ...store.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs = configs
}

func (d *fakeDiscovery) DiscoverDatabases(context.Context) ([]store.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]store.Config(nil), d.configs...), nil
}

type providerSuite struct {
	testing.IsolationSuite

	opened  map[string]*fakeRunner
	openErr error
	failID  string
}

var _ = gc.Suite(&providerSuite{})

func (s *providerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.opened = make(map[string]*fakeRunner)
	s.openErr = nil
	s.failID = ""
}

func (s *providerSuite) opener() store.Opener {
	return func(cfg store.Config) (coredatabase.TxnRunner, error) {
		if s.openErr != nil {
			return nil, s.openErr
		}
		if s.failID != "" && cfg.ID == s.failID {
			return nil, errors.New("refused")
		}
		r := &fakeRunner{}
		s.opened[cfg.ID] = r
		return r, nil
	}
}

func (s *providerSuite) newDynamic(c *gc.C, discovery store.Discovery) *store.DynamicProvider {
	p, err := store.NewDynamicProvider(store.DynamicProviderConfig{
		Discovery: discovery,
		Opener:    s.opener(),
		Logger:    loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	return p
}

func (s *providerSuite) TestStaticProviderServesConfiguredStores(c *gc.C) {
	p, err := store.NewStaticProvider([]store.Config{
		{ID: "main", DSN: "file:main"},
		{ID: "tenant-1", DSN: "file:t1", TablePrefix: "infra"},
	}, s.opener())
	c.Assert(err, jc.ErrorIsNil)

	stores, err := p.Stores(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stores, gc.HasLen, 2)

	got, err := p.Get(context.Background(), "tenant-1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.TablePrefix, gc.Equals, "infra")
}

func (s *providerSuite) TestStaticProviderRejectsDuplicateIDs(c *gc.C) {
	_, err := store.NewStaticProvider([]store.Config{
		{ID: "main", DSN: "file:a"},
		{ID: "main", DSN: "file:b"},
	}, s.opener())
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *providerSuite) TestStaticProviderGetMissing(c *gc.C) {
	p, err := store.NewStaticProvider(nil, s.opener())
	c.Assert(err, jc.ErrorIsNil)

	_, err = p.Get(context.Background(), "nope")
	c.Assert(err, jc.ErrorIs, store.ErrStoreNotFound)
}

func (s *providerSuite) TestDynamicRefreshOpensNewStores(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"})

	p := s.newDynamic(c, discovery)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)

	stores, err := p.Stores(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stores, gc.HasLen, 1)
	c.Check(stores[0].ID, gc.Equals, "a")
}

func (s *providerSuite) TestDynamicRefreshClosesRemovedStores(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"}, store.Config{ID: "b", DSN: "file:b"})

	p := s.newDynamic(c, discovery)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)

	discovery.set(store.Config{ID: "b", DSN: "file:b"})
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)

	stores, err := p.Stores(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stores, gc.HasLen, 1)
	c.Check(stores[0].ID, gc.Equals, "b")
	c.Check(s.opened["a"].isClosed(), jc.IsTrue)

	_, err = p.Get(context.Background(), "a")
	c.Assert(err, jc.ErrorIs, store.ErrStoreNotFound)
}

func (s *providerSuite) TestDynamicRefreshRecreatesChangedStores(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"})

	p := s.newDynamic(c, discovery)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)
	first := s.opened["a"]

	discovery.set(store.Config{ID: "a", DSN: "file:a-moved"})
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)

	c.Check(first.isClosed(), jc.IsTrue)
	got, err := p.Get(context.Background(), "a")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.DSN, gc.Equals, "file:a-moved")
}

func (s *providerSuite) TestDynamicRefreshUnchangedStoreSurvives(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"})

	p := s.newDynamic(c, discovery)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)
	first := s.opened["a"]

	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)
	c.Check(first.isClosed(), jc.IsFalse)
}

func (s *providerSuite) TestDynamicDeployHookRunsForNewStores(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"})

	var deployed []string
	p, err := store.NewDynamicProvider(store.DynamicProviderConfig{
		Discovery: discovery,
		Opener:    s.opener(),
		OnDeploy: func(ctx context.Context, st store.Store) error {
			deployed = append(deployed, st.ID)
			return nil
		},
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)
	c.Check(deployed, gc.DeepEquals, []string{"a"})
}

func (s *providerSuite) TestDynamicRefreshFailedOpenClosesSiblings(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"}, store.Config{ID: "b", DSN: "file:b"})
	s.failID = "b"

	p := s.newDynamic(c, discovery)
	err := p.Refresh(context.Background())
	c.Assert(err, gc.ErrorMatches, `opening store "b": refused`)

	stores, err := p.Stores(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(stores, gc.HasLen, 0)

	// Nothing was installed, so anything opened this pass must have
	// been closed again.
	for id, r := range s.opened {
		c.Check(r.isClosed(), jc.IsTrue, gc.Commentf("store %q", id))
	}
}

func (s *providerSuite) TestDynamicRefreshFailedRecreateKeepsOldStore(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"})

	p := s.newDynamic(c, discovery)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)
	old := s.opened["a"]

	discovery.set(store.Config{ID: "a", DSN: "file:a-moved"}, store.Config{ID: "b", DSN: "file:b"})
	s.failID = "a"
	err := p.Refresh(context.Background())
	c.Assert(err, gc.ErrorMatches, `opening store "a": refused`)

	// The existing store survives untouched; the sibling opened in the
	// same failed pass is closed rather than leaked.
	c.Check(old.isClosed(), jc.IsFalse)
	got, err := p.Get(context.Background(), "a")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.DSN, gc.Equals, "file:a")

	c.Check(s.opened["b"].isClosed(), jc.IsTrue)
	_, err = p.Get(context.Background(), "b")
	c.Assert(err, jc.ErrorIs, store.ErrStoreNotFound)
}

func (s *providerSuite) TestStoresReturnsSnapshot(c *gc.C) {
	discovery := &fakeDiscovery{}
	discovery.set(store.Config{ID: "a", DSN: "file:a"})

	p := s.newDynamic(c, discovery)
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)

	snapshot, err := p.Stores(context.Background())
	c.Assert(err, jc.ErrorIsNil)

	discovery.set()
	c.Assert(p.Refresh(context.Background()), jc.ErrorIsNil)

	// The earlier snapshot is untouched by the refresh.
	c.Assert(snapshot, gc.HasLen, 1)
	c.Check(snapshot[0].ID, gc.Equals, "a")
}
