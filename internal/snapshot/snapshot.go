package snapshot

import (
	"context"
	"encoding/json"
	"time"
)

// Source reads a battle snapshot from somewhere authoritative.
type Source interface {
	LoadBattle(ctx context.Context, battleID string) (json.RawMessage, bool, error)
}

// Loader primes battle views and records their updates.
type Loader interface {
	Source
	SaveBattle(ctx context.Context, battleID string, state json.RawMessage) error
	// Invalidate forgets a battle that will not change any more.
	Invalidate(ctx context.Context, battleID string) error
}

// Nop is used when caching is disabled. It never has anything.
type Nop struct{}

func (Nop) LoadBattle(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (Nop) SaveBattle(context.Context, string, json.RawMessage) error { return nil }

func (Nop) Invalidate(context.Context, string) error { return nil }

// envelope is the cached value under the state key.
type envelope struct {
	State       json.RawMessage `json:"state"`
	LastUpdated int64           `json:"lastUpdated"`
}

// historyEntry is one element of the capped replay list.
type historyEntry struct {
	State     json.RawMessage `json:"state"`
	Timestamp int64           `json:"timestamp"`
}

// HistoryEntry is a decoded replay element, newest first.
type HistoryEntry struct {
	State json.RawMessage
	At    time.Time
}

func (e envelope) fresh(now time.Time, freshness time.Duration) bool {
	if freshness <= 0 {
		return true
	}
	return now.Sub(time.UnixMilli(e.LastUpdated)) < freshness
}

// ReadOnly adapts a Source that cannot store updates, such as the database
// when Redis is disabled.
type ReadOnly struct {
	Source
}

func (ReadOnly) SaveBattle(context.Context, string, json.RawMessage) error { return nil }

func (ReadOnly) Invalidate(context.Context, string) error { return nil }
