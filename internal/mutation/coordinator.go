package mutation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
	"github.com/ece-arena/arena-sync/internal/store"
)

// Recorder receives round-trip samples of confirmed mutations.
type Recorder interface {
	Record(channel string, d time.Duration)
}

// Mutation is one optimistic change: Apply runs locally as a single batch,
// then Remote asks the server to make it authoritative.
type Mutation struct {
	// Key serialises mutations on the same entity, e.g. "battle-b1".
	Key string
	// Channel, when set, receives the Remote round-trip time on success.
	Channel string
	Apply   func(tx *store.Tx) error
	Remote  func(ctx context.Context) (json.RawMessage, error)
}

// Coordinator applies mutations optimistically and reverts them when the
// server rejects them.
type Coordinator struct {
	store   *store.Store
	latency Recorder
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewCoordinator(s *store.Store, latency Recorder, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   s,
		latency: latency,
		log:     logger.OrNop(log),
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
}

// Pending reports whether a mutation with key is in flight.
func (c *Coordinator) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Mutate applies m.Apply, calls m.Remote and returns its result. If Remote
// fails the local change is reverted before Mutate returns. A second mutation
// on a key that is still pending fails with MutationInProgress and changes
// nothing.
func (c *Coordinator) Mutate(ctx context.Context, m Mutation) (json.RawMessage, error) {
	if !c.reserve(m.Key) {
		metrics.IncrementMutation("in_progress")
		return nil, apperrors.MutationInProgress(m.Key)
	}
	defer c.release(m.Key)

	log := c.log.With(zap.String("key", m.Key))

	var undo store.Undo
	if m.Apply != nil {
		var err error
		if undo, err = c.store.Batch(m.Apply); err != nil {
			log.Warn("Optimistic update failed locally", zap.Error(err))
			return nil, err
		}
	}

	start := c.now()
	result, err := m.Remote(ctx)
	if err != nil {
		c.store.Revert(undo)
		metrics.IncrementMutation("reverted")
		apperrors.Log(log, "Mutation reverted", err)
		return nil, err
	}

	if m.Channel != "" && c.latency != nil {
		c.latency.Record(m.Channel, c.now().Sub(start))
	}
	metrics.IncrementMutation("confirmed")
	log.Debug("Mutation confirmed")
	return result, nil
}

func (c *Coordinator) reserve(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.pending[key]; busy {
		return false
	}
	c.pending[key] = struct{}{}
	return true
}

func (c *Coordinator) release(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}
