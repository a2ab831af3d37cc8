package latency

import (
	"strings"
	"sync"
	"time"

	"github.com/ece-arena/arena-sync/internal/metrics"
)

// ServerChannel is the channel the probe records under.
const ServerChannel = "server"

// Recorder keeps the most recent round-trip sample per channel.
type Recorder struct {
	mu      sync.RWMutex
	samples map[string]time.Duration
}

func NewRecorder() *Recorder {
	return &Recorder{samples: make(map[string]time.Duration)}
}

// Record overwrites the sample for channel. The exported gauge is keyed by
// the channel kind only, so per-battle channels share one series.
func (r *Recorder) Record(channel string, d time.Duration) {
	r.mu.Lock()
	r.samples[channel] = d
	r.mu.Unlock()
	metrics.Latency.WithLabelValues(Kind(channel)).Set(d.Seconds())
}

// Kind maps a channel such as "battle-42" to its bounded kind.
func Kind(channel string) string {
	kind, _, _ := strings.Cut(channel, "-")
	switch kind {
	case ServerChannel, "battle", "auction":
		return kind
	}
	return "other"
}

// Forget drops the sample for a channel that is no longer in use.
func (r *Recorder) Forget(channel string) {
	r.mu.Lock()
	delete(r.samples, channel)
	r.mu.Unlock()
}

// Get returns the last sample for channel, or zero if none was recorded.
func (r *Recorder) Get(channel string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.samples[channel]
}

// Snapshot copies every sample.
func (r *Recorder) Snapshot() map[string]time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Duration, len(r.samples))
	for k, v := range r.samples {
		out[k] = v
	}
	return out
}
