package application

import (
	"encoding/json"
	"net/http"

	"github.com/ece-arena/arena-sync/internal/arena"
	"github.com/ece-arena/arena-sync/internal/config"
	"github.com/ece-arena/arena-sync/internal/metrics"
	"github.com/ece-arena/arena-sync/internal/store"
	"github.com/ece-arena/arena-sync/internal/transport"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Client returns the typed arena client.
func (n *Node) Client() *arena.Client {
	return n.client
}

// Store returns the local document store.
func (n *Node) Store() *store.Store {
	return n.store
}

// Transport returns the connection manager.
func (n *Node) Transport() *transport.Manager {
	return n.transport
}

type statusResponse struct {
	arena.RealtimeState
	Session       string           `json:"session,omitempty"`
	Subscriptions int              `json:"subscriptions"`
	Ready         int              `json:"ready"`
	Collections   map[string]int   `json:"collections"`
	LatencyMillis map[string]int64 `json:"latency_ms"`
	Counters      metrics.Snapshot `json:"counters"`
}

func (n *Node) status() statusResponse {
	resp := statusResponse{
		RealtimeState: n.client.Status(),
		Session:       n.transport.Stats().Session,
		Subscriptions: n.subs.Len(),
		Ready:         n.subs.ReadyCount(),
		Collections:   make(map[string]int),
		LatencyMillis: make(map[string]int64),
		Counters:      metrics.Read(),
	}
	for _, name := range n.store.Names() {
		resp.Collections[name] = n.store.Collection(name).Count(nil)
	}
	for ch, d := range n.latency.Snapshot() {
		resp.LatencyMillis[ch] = d.Milliseconds()
	}
	return resp
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(n.status())
}
