package application

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/arena"
	"github.com/ece-arena/arena-sync/internal/config"
	"github.com/ece-arena/arena-sync/internal/health"
	"github.com/ece-arena/arena-sync/internal/latency"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/mutation"
	"github.com/ece-arena/arena-sync/internal/snapshot"
	"github.com/ece-arena/arena-sync/internal/store"
	"github.com/ece-arena/arena-sync/internal/subscription"
	"github.com/ece-arena/arena-sync/internal/transport"
	"github.com/ece-arena/arena-sync/internal/workers"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	log    *zap.Logger

	database  *snapshot.PostgresSource
	cache     *snapshot.RedisCache
	snapshots snapshot.Loader

	workerPool *workers.WorkerPool
	store      *store.Store
	transport  *transport.Manager
	subs       *subscription.Registry
	latency    *latency.Recorder
	probe      *latency.Probe
	mutations  *mutation.Coordinator
	client     *arena.Client
	health     *health.HealthChecker
	scheduler  *cron.Cron
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config, log *zap.Logger) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
		log:    logger.OrNop(log),
	}
}

// BuildSnapshots opens the optional snapshot database and cache.
func (b *NodeBuilder) BuildSnapshots() error {
	var fallback snapshot.Source
	if b.config.Database.Enabled {
		db, err := snapshot.NewPostgresSource(b.ctx, b.config.Database, b.log)
		if err != nil {
			b.cancel()
			return fmt.Errorf("failed to open snapshot database: %w", err)
		}
		b.database = db
		fallback = db
	}

	switch {
	case b.config.Cache.Enabled:
		b.cache = snapshot.NewRedisCache(b.config.Cache, fallback, b.log)
		pingCtx, cancel := context.WithTimeout(b.ctx, 2*time.Second)
		defer cancel()
		if err := b.cache.Ping(pingCtx); err != nil {
			// the cache is best effort; views still fill from the live connection
			b.log.Warn("Snapshot cache unreachable", zap.String("address", b.config.Cache.Address), zap.Error(err))
		}
		b.snapshots = b.cache
	case fallback != nil:
		b.snapshots = snapshot.ReadOnly{Source: fallback}
	default:
		b.snapshots = snapshot.Nop{}
	}
	return nil
}

// BuildWorkers creates the background job pool.
func (b *NodeBuilder) BuildWorkers() {
	b.workerPool = workers.NewWorkerPool(b.config.Store.Workers, b.config.Store.QueueSize, b.log)
}

// BuildSync wires the connection, the subscription registry and the store.
func (b *NodeBuilder) BuildSync() {
	sc := b.config.Sync
	b.store = store.New(b.log.Named("store"))
	b.transport = transport.New(transport.Options{
		Endpoint:       sc.Endpoint,
		DialTimeout:    sc.DialTimeout,
		BaseDelay:      sc.BaseReconnectDelay,
		MaxDelay:       sc.MaxReconnectDelay,
		MaxAttempts:    sc.MaxReconnectAttempts,
		CallTimeout:    sc.CallTimeout,
		CallsPerSecond: sc.MaxCallsPerSecond,
		CallBurst:      sc.CallBurst,
		Logger:         b.log.Named("transport"),
	})
	b.subs = subscription.NewRegistry(b.transport, b.log.Named("subscriptions"))
	b.transport.OnDisconnect(b.subs.OnDisconnect)
	b.transport.OnReconnect(b.subs.OnReconnect)

	r := &router{subs: b.subs, store: b.store, log: b.log.Named("router")}
	b.transport.SetHandler(r.handle)

	b.latency = latency.NewRecorder()
	b.probe = latency.NewProbe(b.transport, b.latency, sc.ProbeInterval, sc.ProbeTimeout, b.log.Named("probe"))
	b.mutations = mutation.NewCoordinator(b.store, b.latency, b.log.Named("mutations"))
}

// BuildArena creates the typed client over the sync components.
func (b *NodeBuilder) BuildArena() {
	b.client = arena.NewClient(arena.Deps{
		Caller:        b.transport,
		Subscriptions: b.subs,
		Connection:    b.transport,
		Store:         b.store,
		Mutations:     b.mutations,
		Latency:       b.latency,
		Snapshots:     b.snapshots,
		Jobs:          b.workerPool,
		Logger:        b.log,
	})
}

// BuildScheduler schedules the store sweep, which only drops documents no
// live subscription covers. An empty schedule or a zero max age disables it.
func (b *NodeBuilder) BuildScheduler() error {
	sc := b.config.Store
	if sc.SweepSchedule == "" || sc.MaxEntryAge <= 0 {
		return nil
	}
	b.scheduler = cron.New()
	_, err := b.scheduler.AddFunc(sc.SweepSchedule, func() {
		b.store.Sweep(sc.MaxEntryAge, b.client.Covers)
	})
	if err != nil {
		b.cancel()
		return fmt.Errorf("invalid sweep schedule %q: %w", sc.SweepSchedule, err)
	}
	return nil
}

// BuildHealth creates the health checker over every component it can ping.
func (b *NodeBuilder) BuildHealth() {
	services := map[string]health.Pinger{}
	if b.cache != nil {
		services["cache"] = b.cache
	}
	if b.database != nil {
		services["database"] = b.database
	}
	b.health = health.NewHealthChecker(b.transport, b.subs, services, b.log, config.Version)
}

// Build assembles the Node.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.transport == nil || b.client == nil {
		b.cancel()
		return nil, fmt.Errorf("node is missing its sync components")
	}
	return &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		config:     b.config,
		log:        b.log,
		database:   b.database,
		cache:      b.cache,
		WorkerPool: b.workerPool,
		store:      b.store,
		transport:  b.transport,
		subs:       b.subs,
		latency:    b.latency,
		probe:      b.probe,
		client:     b.client,
		health:     b.health,
		scheduler:  b.scheduler,
	}, nil
}
