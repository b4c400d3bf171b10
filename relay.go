// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package relay assembles the messaging core into a single embeddable
// unit: reliable at-least-once processing over relational stores,
// built from a transactional outbox, an idempotent inbox, a fenced
// scheduler, distributed leases and fanout coordination. The embedder
// configures the stores, registers handlers, and runs the returned
// background worker alongside its own process.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaysys/relay/core/audit"
	coredatabase "github.com/relaysys/relay/core/database"
	"github.com/relaysys/relay/core/logger"
	"github.com/relaysys/relay/core/queue"
	"github.com/relaysys/relay/core/startup"
	"github.com/relaysys/relay/core/store"
	fanoutservice "github.com/relaysys/relay/domain/fanout/service"
	fanoutstate "github.com/relaysys/relay/domain/fanout/state"
	inboxservice "github.com/relaysys/relay/domain/inbox/service"
	inboxstate "github.com/relaysys/relay/domain/inbox/state"
	leaseservice "github.com/relaysys/relay/domain/lease/service"
	leasestate "github.com/relaysys/relay/domain/lease/state"
	outboxservice "github.com/relaysys/relay/domain/outbox/service"
	outboxstate "github.com/relaysys/relay/domain/outbox/state"
	"github.com/relaysys/relay/domain/schema"
	schedulerservice "github.com/relaysys/relay/domain/scheduler/service"
	schedulerstate "github.com/relaysys/relay/domain/scheduler/state"
	internaldatabase "github.com/relaysys/relay/internal/database"
	internallogger "github.com/relaysys/relay/internal/logger"
	"github.com/relaysys/relay/internal/uuid"
	"github.com/relaysys/relay/internal/worker/schemadeploy"
)

// Config describes an embedding of the messaging core.
type Config struct {
	// Stores configures a fixed store set. Exactly one of Stores and
	// Discovery must be set.
	Stores []store.Config

	// Discovery supplies the store set dynamically; the store
	// refresher worker reconciles against it.
	Discovery store.Discovery

	// RoutingAssignments maps routing keys to store identifiers, ahead
	// of the identity fallback.
	RoutingAssignments map[string]string

	// Opener opens a store's database. Nil applies the sqlite opener.
	Opener store.Opener

	// OutboxInterval and InboxInterval are the dispatch poll intervals.
	// Zero applies the worker defaults.
	OutboxInterval time.Duration
	InboxInterval  time.Duration

	// ReapInterval is the expired-claim sweep interval. It must not
	// exceed the claim lease. Zero applies the worker default.
	ReapInterval time.Duration

	// RefreshInterval is the discovery refresh interval, used only with
	// Discovery. Zero applies the worker default.
	RefreshInterval time.Duration

	// SchedulerMaxSleep bounds the scheduler's sleep between passes.
	// Zero applies the worker default.
	SchedulerMaxSleep time.Duration

	// OutboxBatch and InboxBatch bound the messages claimed per poll.
	// SchedulerBatch bounds the timers and job runs dispatched per
	// pass. Zero applies the respective defaults.
	OutboxBatch    int
	InboxBatch     int
	SchedulerBatch int

	// MaxAttempts is the retry budget per message. Zero applies the
	// dispatcher default.
	MaxAttempts int

	// Backoff computes the redelivery delay per attempt.
	Backoff queue.BackoffPolicy

	// ClaimLease bounds claims and the coordination leases taken by the
	// dispatchers and the scheduler. Zero applies the defaults.
	ClaimLease time.Duration

	// Audit receives processing events. Nil discards them.
	Audit audit.Writer

	// Registerer, when set, receives the metrics collectors.
	Registerer prometheus.Registerer

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate returns an error if the config is not complete.
func (c Config) Validate() error {
	if len(c.Stores) == 0 && c.Discovery == nil {
		return errors.NotValidf("neither Stores nor Discovery set")
	}
	if len(c.Stores) > 0 && c.Discovery != nil {
		return errors.NotValidf("both Stores and Discovery set")
	}
	for _, d := range []time.Duration{
		c.OutboxInterval, c.InboxInterval, c.ReapInterval,
		c.RefreshInterval, c.SchedulerMaxSleep, c.ClaimLease,
	} {
		if d < 0 {
			return errors.NotValidf("negative interval")
		}
	}
	if c.OutboxBatch < 0 || c.InboxBatch < 0 || c.SchedulerBatch < 0 {
		return errors.NotValidf("negative batch size")
	}
	if c.MaxAttempts < 0 {
		return errors.NotValidf("negative MaxAttempts")
	}
	return nil
}

// Relay is one assembled messaging core. Accessors hand out per-store
// services; Worker returns the background processing worker.
type Relay struct {
	cfg      Config
	provider store.Provider
	router   *store.Router
	latch    *startup.Latch
	once     *startup.OnceExecutionRegistry

	outboxHandlers *outboxservice.Registry
	inboxHandlers  *inboxservice.Registry
	fanout         *fanoutservice.CoordinateHandler

	mu               sync.Mutex
	outboxStates     map[string]*outboxstate.State
	outboxServices   map[string]*outboxservice.OutboxService
	inboxStates      map[string]*inboxstate.State
	inboxServices    map[string]*inboxservice.InboxService
	schedulerStates  map[string]*schedulerstate.State
	schedulerClients map[string]*schedulerservice.Client
	schedulerRunners map[string]*schedulerservice.Runner
	leaseFactories   map[string]*leaseservice.LeaseFactory
	fanoutStates     map[string]*fanoutstate.State
	reapers          map[string]*storeReaper
}

// New returns a Relay over the input config. The stores are opened
// eagerly for a static config; a discovery config starts empty until
// the first refresh.
func New(cfg Config) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = internallogger.GetLogger("relay")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopWriter{}
	}
	if cfg.Opener == nil {
		cfg.Opener = sqliteOpener
	}

	r := &Relay{
		cfg:   cfg,
		latch: startup.NewLatch(),
		once:  startup.NewOnceExecutionRegistry(),

		outboxHandlers: outboxservice.NewRegistry(),
		inboxHandlers:  inboxservice.NewRegistry(),
		fanout:         fanoutservice.NewCoordinateHandler(),

		outboxStates:     make(map[string]*outboxstate.State),
		outboxServices:   make(map[string]*outboxservice.OutboxService),
		inboxStates:      make(map[string]*inboxstate.State),
		inboxServices:    make(map[string]*inboxservice.InboxService),
		schedulerStates:  make(map[string]*schedulerstate.State),
		schedulerClients: make(map[string]*schedulerservice.Client),
		schedulerRunners: make(map[string]*schedulerservice.Runner),
		leaseFactories:   make(map[string]*leaseservice.LeaseFactory),
		fanoutStates:     make(map[string]*fanoutstate.State),
		reapers:          make(map[string]*storeReaper),
	}
	r.latch.Add(schemadeploy.LatchStep)

	if cfg.Discovery != nil {
		p, err := store.NewDynamicProvider(store.DynamicProviderConfig{
			Discovery: cfg.Discovery,
			Opener:    cfg.Opener,
			OnDeploy: func(ctx context.Context, s store.Store) error {
				if !s.EnableSchemaDeployment {
					return nil
				}
				return errors.Trace(r.deployStore(ctx, s))
			},
			Logger: cfg.Logger,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.provider = p
	} else {
		p, err := store.NewStaticProvider(cfg.Stores, cfg.Opener)
		if err != nil {
			return nil, errors.Trace(err)
		}
		r.provider = p
	}

	router, err := store.NewRouter(r.provider, cfg.RoutingAssignments)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.router = router

	if err := r.outboxHandlers.Register(r.fanout); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Stores returns the store provider.
func (r *Relay) Stores() store.Provider {
	return r.provider
}

// Router resolves routing keys to stores.
func (r *Relay) Router() *store.Router {
	return r.router
}

// Latch is the startup latch gating lease-dependent workers. Embedders
// with their own startup steps add them before running the worker.
func (r *Relay) Latch() *startup.Latch {
	return r.latch
}

// RegisterOutboxHandler registers a handler for its outbox topic.
func (r *Relay) RegisterOutboxHandler(h outboxservice.Handler) error {
	return errors.Trace(r.outboxHandlers.Register(h))
}

// RegisterInboxHandler registers a handler for its inbox topic.
func (r *Relay) RegisterInboxHandler(h inboxservice.Handler) error {
	return errors.Trace(r.inboxHandlers.Register(h))
}

// Outbox returns the identified store's outbox service.
func (r *Relay) Outbox(ctx context.Context, storeID string) (*outboxservice.OutboxService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.outboxServices[storeID]; ok {
		return svc, nil
	}
	st, err := r.outboxStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	svc := outboxservice.NewOutboxService(st, r.cfg.Clock)
	r.outboxServices[storeID] = svc
	return svc, nil
}

// Inbox returns the identified store's inbox service.
func (r *Relay) Inbox(ctx context.Context, storeID string) (*inboxservice.InboxService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.inboxServices[storeID]; ok {
		return svc, nil
	}
	st, err := r.inboxStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	svc := inboxservice.NewInboxService(st, r.cfg.Clock, r.cfg.Audit, storeID)
	r.inboxServices[storeID] = svc
	return svc, nil
}

// Scheduler returns the identified store's scheduler client.
func (r *Relay) Scheduler(ctx context.Context, storeID string) (*schedulerservice.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cl, ok := r.schedulerClients[storeID]; ok {
		return cl, nil
	}
	st, err := r.schedulerStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cl := schedulerservice.NewClient(st, r.cfg.Clock)
	r.schedulerClients[storeID] = cl
	return cl, nil
}

// Leases returns the identified store's lease factory.
func (r *Relay) Leases(ctx context.Context, storeID string) (*leaseservice.LeaseFactory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.leaseFactoryLocked(ctx, storeID)
	return f, errors.Trace(err)
}

// RegisterFanout installs the fanout of one (topic, work key) pair on
// a store: its policy, the cron job that triggers coordination, and
// the coordinator that plans and dispatches slices when triggered.
func (r *Relay) RegisterFanout(
	ctx context.Context, storeID string, opts fanoutservice.TopicOptions, source fanoutservice.CandidateSource,
) error {
	if err := opts.Validate(); err != nil {
		return errors.Trace(err)
	}

	outbox, err := r.Outbox(ctx, storeID)
	if err != nil {
		return errors.Trace(err)
	}
	scheduler, err := r.Scheduler(ctx, storeID)
	if err != nil {
		return errors.Trace(err)
	}
	fstate, err := r.fanoutState(ctx, storeID)
	if err != nil {
		return errors.Trace(err)
	}

	reg := fanoutservice.NewRegistration(scheduler, fstate, r.once)
	if err := reg.Register(ctx, opts); err != nil {
		return errors.Trace(err)
	}

	co, err := fanoutservice.NewCoordinator(fanoutservice.CoordinatorConfig{
		Planner:    fanoutservice.NewPlanner(fstate, source, r.cfg.Clock),
		Dispatcher: fanoutservice.NewDispatcher(outbox),
		Leases:     fanoutLeases{r: r, id: storeID},
		Logger:     r.cfg.Logger,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.fanout.RegisterCoordinator(opts.Topic, opts.WorkKey, co))
}

// Close closes every store. The background worker must be stopped
// first.
func (r *Relay) Close() error {
	if closer, ok := r.provider.(interface{ Close() error }); ok {
		return errors.Trace(closer.Close())
	}
	return nil
}

func (r *Relay) deployStore(ctx context.Context, s store.Store) error {
	return errors.Trace(schema.Apply(ctx, s.Runner, namesFor(s.Config)))
}

func (r *Relay) fanoutState(ctx context.Context, storeID string) (*fanoutstate.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.fanoutStates[storeID]; ok {
		return st, nil
	}
	names, err := r.namesLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := fanoutstate.NewState(store.FactoryFor(r.provider, storeID), names)
	r.fanoutStates[storeID] = st
	return st, nil
}

// schedulerRunner returns the identified store's scheduler runner,
// building it on first use.
func (r *Relay) schedulerRunner(ctx context.Context, storeID string) (*schedulerservice.Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if runner, ok := r.schedulerRunners[storeID]; ok {
		return runner, nil
	}
	st, err := r.schedulerStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	outbox, err := r.outboxStateLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}

	runner, err := schedulerservice.NewRunner(schedulerservice.RunnerConfig{
		StoreID:       storeID,
		State:         st,
		Leases:        schedulerLeases{r: r, id: storeID},
		Enqueue:       r.outboxEnqueueFunc(outbox),
		Batch:         r.cfg.SchedulerBatch,
		LeaseDuration: r.cfg.ClaimLease,
		Clock:         r.cfg.Clock,
		Logger:        r.cfg.Logger,
		Registerer:    r.cfg.Registerer,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.schedulerRunners[storeID] = runner
	return runner, nil
}

// outboxEnqueueFunc binds the scheduler's dispatch enqueue to the
// store's outbox, inside the dispatch transaction.
func (r *Relay) outboxEnqueueFunc(st *outboxstate.State) schedulerstate.EnqueueFunc {
	return func(ctx context.Context, tx *sqlair.TX, topic, payload, correlationID string) error {
		return errors.Trace(st.EnqueueInTxn(ctx, tx, r.cfg.Clock.Now(), outboxstate.EnqueueArgs{
			ID:            uuid.MustNewUUID().String(),
			Topic:         topic,
			Payload:       payload,
			CorrelationID: correlationID,
		}))
	}
}

func (r *Relay) outboxStateLocked(ctx context.Context, storeID string) (*outboxstate.State, error) {
	if st, ok := r.outboxStates[storeID]; ok {
		return st, nil
	}
	names, err := r.namesLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := outboxstate.NewState(store.FactoryFor(r.provider, storeID), names)
	r.outboxStates[storeID] = st
	return st, nil
}

func (r *Relay) inboxStateLocked(ctx context.Context, storeID string) (*inboxstate.State, error) {
	if st, ok := r.inboxStates[storeID]; ok {
		return st, nil
	}
	names, err := r.namesLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := inboxstate.NewState(store.FactoryFor(r.provider, storeID), names)
	r.inboxStates[storeID] = st
	return st, nil
}

func (r *Relay) schedulerStateLocked(ctx context.Context, storeID string) (*schedulerstate.State, error) {
	if st, ok := r.schedulerStates[storeID]; ok {
		return st, nil
	}
	names, err := r.namesLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := schedulerstate.NewState(store.FactoryFor(r.provider, storeID), names)
	r.schedulerStates[storeID] = st
	return st, nil
}

func (r *Relay) leaseFactoryLocked(ctx context.Context, storeID string) (*leaseservice.LeaseFactory, error) {
	if f, ok := r.leaseFactories[storeID]; ok {
		return f, nil
	}
	names, err := r.namesLocked(ctx, storeID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := leasestate.NewState(store.FactoryFor(r.provider, storeID), names, r.cfg.Logger)
	f, err := leaseservice.NewLeaseFactory(leaseservice.FactoryConfig{
		State:      st,
		Clock:      r.cfg.Clock,
		Logger:     r.cfg.Logger,
		StoreID:    storeID,
		Registerer: r.cfg.Registerer,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.leaseFactories[storeID] = f
	return f, nil
}

func (r *Relay) namesLocked(ctx context.Context, storeID string) (schema.Names, error) {
	s, err := r.provider.Get(ctx, storeID)
	if err != nil {
		return schema.Names{}, errors.Trace(err)
	}
	return namesFor(s.Config), nil
}

func namesFor(cfg store.Config) schema.Names {
	return schema.Names{Prefix: cfg.TablePrefix, Overrides: cfg.TableOverrides}
}

func sqliteOpener(cfg store.Config) (coredatabase.TxnRunner, error) {
	db, err := internaldatabase.Open(cfg.DSN)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return internaldatabase.NewTxnRunner(db), nil
}

// The lease adapters below bind the per-domain lease contracts to a
// store's lease factory, resolving the factory lazily so stores added
// by discovery acquire leases without rebuilding dispatchers.

type inboxLeases struct {
	r  *Relay
	id string
}

func (t inboxLeases) Acquire(
	ctx context.Context, resource string, duration time.Duration, contextJSON string,
) (inboxservice.Lease, error) {
	l, err := t.r.Leases(ctx, t.id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lease, err := l.Acquire(ctx, resource, duration, contextJSON)
	if err != nil || lease == nil {
		return nil, errors.Trace(err)
	}
	return lease, nil
}

type schedulerLeases struct {
	r  *Relay
	id string
}

func (t schedulerLeases) Acquire(
	ctx context.Context, resource string, duration time.Duration, contextJSON string,
) (schedulerservice.Lease, error) {
	l, err := t.r.Leases(ctx, t.id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lease, err := l.Acquire(ctx, resource, duration, contextJSON)
	if err != nil || lease == nil {
		return nil, errors.Trace(err)
	}
	return lease, nil
}

type fanoutLeases struct {
	r  *Relay
	id string
}

func (t fanoutLeases) Acquire(
	ctx context.Context, resource string, duration time.Duration, contextJSON string,
) (fanoutservice.Lease, error) {
	l, err := t.r.Leases(ctx, t.id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	lease, err := l.Acquire(ctx, resource, duration, contextJSON)
	if err != nil || lease == nil {
		return nil, errors.Trace(err)
	}
	return lease, nil
}
