package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/arena"
	"github.com/ece-arena/arena-sync/internal/config"
	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/health"
	"github.com/ece-arena/arena-sync/internal/latency"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/snapshot"
	"github.com/ece-arena/arena-sync/internal/store"
	"github.com/ece-arena/arena-sync/internal/subscription"
	"github.com/ece-arena/arena-sync/internal/transport"
	"github.com/ece-arena/arena-sync/internal/web"
	"github.com/ece-arena/arena-sync/internal/workers"
)

// Node owns the live connection and every component layered over it.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	log    *zap.Logger

	database *snapshot.PostgresSource
	cache    *snapshot.RedisCache

	WorkerPool *workers.WorkerPool
	store      *store.Store
	transport  *transport.Manager
	subs       *subscription.Registry
	latency    *latency.Recorder
	probe      *latency.Probe
	client     *arena.Client
	health     *health.HealthChecker
	scheduler  *cron.Cron
	opsServer  *http.Server
}

// New creates a new Node by running every builder step.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg, log)

	if err := builder.BuildSnapshots(); err != nil {
		return nil, err
	}
	builder.BuildWorkers()
	builder.BuildSync()
	builder.BuildArena()
	if err := builder.BuildScheduler(); err != nil {
		return nil, err
	}
	builder.BuildHealth()

	return builder.Build()
}

// Start connects to the server and starts the background services. A failed
// first connection attempt is logged; the transport keeps retrying.
func (n *Node) Start(ctx context.Context) error {
	n.log.Info("Starting arena sync node", zap.String("endpoint", n.config.Sync.Endpoint))

	if err := n.transport.Connect(n.ctx); err != nil {
		apperrors.Log(n.log, "Initial connection failed, retrying in background", err)
	}
	n.probe.Start(n.ctx)

	if n.scheduler != nil {
		n.scheduler.Start()
		n.log.Info("Store sweep scheduled",
			zap.String("schedule", n.config.Store.SweepSchedule),
			zap.Duration("max_age", n.config.Store.MaxEntryAge))
	}

	if n.config.Metrics.Enabled {
		if err := n.startOpsServer(); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-n.ctx.Done():
	}
	return nil
}

func (n *Node) opsRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", n.health.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", n.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/log/level", logger.LevelHandler()).Methods(http.MethodGet, http.MethodPut)
	router.Use(web.AccessLog(n.log.Named("ops")), web.SecurityMiddleware(web.APISecurityHeaders()))
	return router
}

func (n *Node) startOpsServer() error {
	n.opsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler:           n.opsRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		n.log.Info("Ops server listening", zap.String("addr", n.opsServer.Addr))
		if err := n.opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("Ops server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the node and releases every resource it holds.
func (n *Node) Shutdown() {
	n.log.Info("Shutting down arena sync node...")

	if n.opsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.opsServer.Shutdown(ctx); err != nil {
			n.log.Warn("Ops server shutdown", zap.Error(err))
		}
		cancel()
	}

	if n.scheduler != nil {
		<-n.scheduler.Stop().Done()
	}

	n.probe.Stop()
	n.transport.Disconnect()

	// pending snapshot writes finish before their backends close
	n.WorkerPool.Stop()

	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			n.log.Warn("Closing snapshot cache", zap.Error(err))
		}
	}
	if n.database != nil {
		n.database.Close()
	}

	n.cancel()
	n.log.Info("Arena sync node shutdown complete")
	_ = logger.Shutdown()
}
