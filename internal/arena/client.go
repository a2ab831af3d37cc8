package arena

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/latency"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/mutation"
	"github.com/ece-arena/arena-sync/internal/snapshot"
	"github.com/ece-arena/arena-sync/internal/store"
	"github.com/ece-arena/arena-sync/internal/subscription"
	"github.com/ece-arena/arena-sync/internal/transport"
)

// Caller issues remote calls.
type Caller interface {
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Subscriber registers publications.
type Subscriber interface {
	Subscribe(name string, params ...any) (*subscription.Handle, error)
	Lookup(name string, params ...any) (*subscription.Handle, bool)
}

// Connection reports the transport state.
type Connection interface {
	Stats() transport.Stats
}

// Jobs runs background work such as cache writes.
type Jobs interface {
	AddJob(job func()) bool
}

// Deps are the collaborators of a Client. Snapshots and Jobs are optional.
type Deps struct {
	Caller        Caller
	Subscriptions Subscriber
	Connection    Connection
	Store         *store.Store
	Mutations     *mutation.Coordinator
	Latency       *latency.Recorder
	Snapshots     snapshot.Loader
	Jobs          Jobs
	Logger        *zap.Logger
}

// Client is the typed surface the UI layer talks to. It composes the
// subscription registry, the store and the mutation coordinator and holds no
// game rules of its own.
type Client struct {
	deps  Deps
	log   *zap.Logger
	now   func() time.Time
	newID func() string

	mu   sync.Mutex
	held map[*subscription.Handle]*hold
}

type hold struct {
	refs   int
	pinned bool
}

func NewClient(deps Deps) *Client {
	if deps.Snapshots == nil {
		deps.Snapshots = snapshot.Nop{}
	}
	return &Client{
		deps:  deps,
		log:   logger.OrNop(deps.Logger).With(zap.String("component", "arena")),
		now:   time.Now,
		newID: uuid.NewString,
		held:  make(map[*subscription.Handle]*hold),
	}
}

// ensure subscribes and keeps the subscription for the client's lifetime.
func (c *Client) ensure(name string, params ...any) error {
	h, err := c.deps.Subscriptions.Subscribe(name, params...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.holdLocked(h).pinned = true
	c.mu.Unlock()
	return nil
}

// acquire subscribes on behalf of a watcher. The returned release stops the
// subscription once no watcher and no operation holds it.
func (c *Client) acquire(name string, params ...any) (release func(), err error) {
	h, err := c.deps.Subscriptions.Subscribe(name, params...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.holdLocked(h).refs++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			hd := c.held[h]
			hd.refs--
			stop := hd.refs == 0 && !hd.pinned
			if stop {
				delete(c.held, h)
			}
			c.mu.Unlock()
			if stop {
				h.Stop()
			}
		})
	}, nil
}

func (c *Client) holdLocked(h *subscription.Handle) *hold {
	hd, ok := c.held[h]
	if !ok {
		hd = &hold{}
		c.held[h] = hd
	}
	return hd
}

func (c *Client) millis() int64 { return c.now().UnixMilli() }

// RealtimeState summarises the connection for display.
type RealtimeState struct {
	Connected    bool
	Reconnecting bool
	Latency      time.Duration
	Error        string
}

// Status reports the connection state and the last server round-trip.
func (c *Client) Status() RealtimeState {
	stats := c.deps.Connection.Stats()
	st := RealtimeState{
		Connected:    stats.State == transport.StateConnected,
		Reconnecting: stats.State == transport.StateConnecting || stats.Reconnecting,
	}
	if c.deps.Latency != nil {
		st.Latency = c.deps.Latency.Get(latency.ServerChannel)
	}
	if stats.State == transport.StateFailed {
		st.Error = "Connection failed"
	}
	return st
}

// Latency returns the last sample recorded under channel, e.g. "battle-b1".
func (c *Client) Latency(channel string) time.Duration {
	if c.deps.Latency == nil {
		return 0
	}
	return c.deps.Latency.Get(channel)
}

// Pending reports whether a mutation with the given key is awaiting the server.
func (c *Client) Pending(key string) bool {
	return c.deps.Mutations.Pending(key)
}

// Covers reports whether a live subscription still publishes doc. The server
// only pushes changes, so a covered document must never be dropped locally.
// Documents of unknown collections are always covered.
func (c *Client) Covers(collection string, doc store.Document) bool {
	var ok bool
	switch collection {
	case BattlesCollection:
		_, ok = c.deps.Subscriptions.Lookup(BattlePublication, doc.ID)
	case AuctionsCollection:
		_, ok = c.deps.Subscriptions.Lookup(AuctionsPublication)
	case BetsCollection:
		_, ok = c.deps.Subscriptions.Lookup(BetsPublication)
	case ChatCollection:
		_, ok = c.deps.Subscriptions.Lookup(ChatPublication, doc.Get("battleId").String())
	default:
		ok = true
	}
	return ok
}
