package subscription

import (
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
	"github.com/ece-arena/arena-sync/internal/protocol"
)

// Sender is the slice of the transport the registry needs.
type Sender interface {
	Send(msg protocol.Message) error
}

// Registry tracks live subscriptions by name and parameters.
type Registry struct {
	sender Sender
	log    *zap.Logger

	// mu also serialises sub/unsub frames so the server sees them in
	// registration order.
	mu      sync.Mutex
	entries []*Handle
	byKey   map[string]*Handle
	byID    map[string]*Handle
}

func NewRegistry(sender Sender, log *zap.Logger) *Registry {
	return &Registry{
		sender: sender,
		log:    logger.OrNop(log),
		byKey:  make(map[string]*Handle),
		byID:   make(map[string]*Handle),
	}
}

// Subscribe returns the live subscription for (name, params), creating and
// issuing it if none exists. A subscription that cannot be sent because the
// connection is down is kept and issued on the next connect.
func (r *Registry) Subscribe(name string, params ...any) (*Handle, error) {
	raw, err := protocol.Params(params...)
	if err != nil {
		return nil, err
	}
	key, err := identity(name, raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byKey[key]; ok {
		return h, nil
	}

	h := &Handle{
		reg:     r,
		id:      uuid.NewString(),
		name:    name,
		params:  raw,
		key:     key,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	r.entries = append(r.entries, h)
	r.byKey[key] = h
	r.byID[h.id] = h
	metrics.ActiveSubscriptions.Set(float64(len(r.entries)))

	r.issueLocked(h)
	return h, nil
}

// Unsubscribe stops every subscription with the given name. Unknown names are
// ignored.
func (r *Registry) Unsubscribe(name string) {
	r.mu.Lock()
	var stopped []*Handle
	for _, h := range r.entries {
		if h.name == name {
			stopped = append(stopped, h)
		}
	}
	for _, h := range stopped {
		r.removeLocked(h)
		r.sendLocked(protocol.Unsub{ID: h.id}, h)
	}
	r.mu.Unlock()

	for _, h := range stopped {
		h.finish(nil)
	}
}

// Lookup returns the live subscription for (name, params), if any.
func (r *Registry) Lookup(name string, params ...any) (*Handle, bool) {
	raw, err := protocol.Params(params...)
	if err != nil {
		return nil, false
	}
	key, err := identity(name, raw)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byKey[key]
	return h, ok
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ReadyCount returns how many registered subscriptions are ready.
func (r *Registry) ReadyCount() int {
	r.mu.Lock()
	entries := append([]*Handle(nil), r.entries...)
	r.mu.Unlock()

	n := 0
	for _, h := range entries {
		if h.Ready() {
			n++
		}
	}
	return n
}

// HandleReady marks the listed subscriptions ready.
func (r *Registry) HandleReady(ids []string) {
	for _, id := range ids {
		r.mu.Lock()
		h, ok := r.byID[id]
		r.mu.Unlock()
		if !ok {
			r.log.Debug("Ready for unknown subscription", zap.String("sub_id", id))
			continue
		}
		h.markReady()
	}
}

// HandleNoSub drops a subscription the server refused or ended.
func (r *Registry) HandleNoSub(id string, rerr *protocol.RemoteError) {
	r.mu.Lock()
	h, ok := r.byID[id]
	if ok {
		r.removeLocked(h)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	var err error
	if rerr != nil {
		err = apperrors.RemoteRejected("subscribe "+h.name, rerr.Code(), rerr.Text())
		apperrors.Log(r.log, "Subscription refused", err, zap.String("sub_id", id), zap.String("name", h.name))
	}
	h.finish(err)
}

// OnDisconnect marks every subscription not ready.
func (r *Registry) OnDisconnect() {
	r.mu.Lock()
	entries := append([]*Handle(nil), r.entries...)
	r.mu.Unlock()

	for _, h := range entries {
		h.markNotReady()
	}
}

// OnReconnect re-issues every registered subscription once, in registration
// order, with its original id and parameters.
func (r *Registry) OnReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.entries {
		h.markNotReady()
		r.issueLocked(h)
	}
	r.log.Debug("Subscriptions re-issued", zap.Int("count", len(r.entries)))
}

func (r *Registry) issueLocked(h *Handle) {
	r.sendLocked(protocol.Sub{ID: h.id, Name: h.name, Params: h.params}, h)
}

func (r *Registry) sendLocked(msg protocol.Message, h *Handle) {
	err := r.sender.Send(msg)
	if err == nil {
		return
	}
	if stderrors.Is(err, apperrors.ErrNotConnected) {
		r.log.Debug("Deferred until connected",
			zap.String("msg", msg.Kind()),
			zap.String("name", h.name))
		return
	}
	apperrors.Log(r.log, "Failed to send subscription frame", err,
		zap.String("msg", msg.Kind()),
		zap.String("name", h.name))
}

func (r *Registry) removeLocked(h *Handle) {
	if _, ok := r.byID[h.id]; !ok {
		return
	}
	delete(r.byID, h.id)
	delete(r.byKey, h.key)
	for i, e := range r.entries {
		if e == h {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(r.entries)))
}

func (r *Registry) stop(h *Handle) {
	r.mu.Lock()
	_, live := r.byID[h.id]
	if live {
		r.removeLocked(h)
		r.sendLocked(protocol.Unsub{ID: h.id}, h)
	}
	r.mu.Unlock()
	if live {
		h.finish(nil)
	}
}

// identity is the canonical key of (name, params).
func identity(name string, params []json.RawMessage) (string, error) {
	canon := make([]any, len(params))
	for i, p := range params {
		if err := json.Unmarshal(p, &canon[i]); err != nil {
			return "", apperrors.ProtocolError("subscription params", err)
		}
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return "", apperrors.ProtocolError("subscription params", err)
	}
	return name + "\x00" + string(b), nil
}
