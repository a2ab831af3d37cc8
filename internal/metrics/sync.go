package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local counters for health reporting, since prometheus values can't be read back.
var (
	callsSent      int64
	callsFailed    int64
	pushesReceived int64
	mutationsRevd  int64

	pushWindow = NewSlidingWindow(60*time.Second, 10000)
)

var (
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_sync_connection_state",
		Help: "1 for the current transport state, 0 for the others",
	}, []string{"state"})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_sync_reconnect_attempts_total",
		Help: "Connection attempts made by the reconnect schedule",
	})

	Calls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sync_calls_total",
		Help: "Remote procedure calls by method and outcome",
	}, []string{"method", "outcome"}) // ok, rejected, timeout, not_connected, cancelled, error

	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_sync_call_duration_seconds",
		Help:    "Round trip time of remote procedure calls",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"method"})

	Latency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_sync_latency_seconds",
		Help: "Most recent latency sample per channel kind",
	}, []string{"kind"}) // server, battle, auction, other

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_sync_active_subscriptions",
		Help: "Subscriptions currently registered",
	})

	PushesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sync_pushes_received_total",
		Help: "Server pushes received by message kind",
	}, []string{"kind"})

	Documents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_sync_documents",
		Help: "Documents held per local collection",
	}, []string{"collection"})

	ReactiveReruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_sync_reactive_reruns_total",
		Help: "Reactive computation re-runs",
	})

	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sync_mutations_total",
		Help: "Optimistic mutations by outcome",
	}, []string{"outcome"}) // confirmed, reverted, in_progress

	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sync_cache_operations_total",
		Help: "Snapshot cache operations by result",
	}, []string{"operation", "result"})

	DroppedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_sync_dropped_jobs_total",
		Help: "Background jobs dropped because the queue was full",
	})

	OpsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_sync_ops_requests_total",
		Help: "Requests served by the ops endpoints",
	}, []string{"route", "code"})
)

var connectionStates = []string{"disconnected", "connecting", "connected", "failed"}

// SetConnectionState marks state as the active connection state.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}

// ObserveCall records one finished call.
func ObserveCall(method, outcome string, d time.Duration) {
	Calls.WithLabelValues(method, outcome).Inc()
	atomic.AddInt64(&callsSent, 1)
	if outcome != "ok" {
		atomic.AddInt64(&callsFailed, 1)
		return
	}
	CallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncrementPushes records one inbound push frame.
func IncrementPushes(kind string) {
	PushesReceived.WithLabelValues(kind).Inc()
	atomic.AddInt64(&pushesReceived, 1)
	pushWindow.Add()
}

// IncrementMutation records a mutation outcome.
func IncrementMutation(outcome string) {
	Mutations.WithLabelValues(outcome).Inc()
	if outcome == "reverted" {
		atomic.AddInt64(&mutationsRevd, 1)
	}
}

// ObserveOpsRequest counts one ops endpoint request.
func ObserveOpsRequest(route string, status int) {
	OpsRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// Snapshot is a point-in-time view of the local counters.
type Snapshot struct {
	CallsSent         int64   `json:"calls_sent"`
	CallsFailed       int64   `json:"calls_failed"`
	PushesReceived    int64   `json:"pushes_received"`
	PushesPerSecond   float64 `json:"pushes_per_second"`
	MutationsReverted int64   `json:"mutations_reverted"`
}

// Read returns the current counter values.
func Read() Snapshot {
	return Snapshot{
		CallsSent:         atomic.LoadInt64(&callsSent),
		CallsFailed:       atomic.LoadInt64(&callsFailed),
		PushesReceived:    atomic.LoadInt64(&pushesReceived),
		PushesPerSecond:   pushWindow.Rate(),
		MutationsReverted: atomic.LoadInt64(&mutationsRevd),
	}
}

// RegisterMetrics pre-registers label values so dashboards see zeroes.
func RegisterMetrics() {
	SetConnectionState("disconnected")
	for _, outcome := range []string{"confirmed", "reverted", "in_progress"} {
		Mutations.WithLabelValues(outcome)
	}
	for _, kind := range []string{"added", "changed", "removed", "ready", "nosub"} {
		PushesReceived.WithLabelValues(kind)
	}
	for _, kind := range []string{"server", "battle", "auction", "other"} {
		Latency.WithLabelValues(kind)
	}
}
