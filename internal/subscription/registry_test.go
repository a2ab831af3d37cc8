package subscription

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/protocol"
)

type recordingSender struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.Message
}

func (s *recordingSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return apperrors.NotConnected("send")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *recordingSender) take() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

func TestSubscribeIsIdempotent(t *testing.T) {
	s := &recordingSender{connected: true}
	r := NewRegistry(s, nil)

	a, err := r.Subscribe("battle", "b-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Subscribe("battle", "b-1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("equivalent subscriptions returned different handles")
	}
	c, _ := r.Subscribe("battle", "b-2")
	if c == a {
		t.Fatal("different params shared a handle")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if sent := s.take(); len(sent) != 2 {
		t.Fatalf("sent %d sub frames, want 2", len(sent))
	}
}

func TestSubscribeKeyIgnoresObjectKeyOrder(t *testing.T) {
	r := NewRegistry(&recordingSender{connected: true}, nil)
	a, _ := r.Subscribe("chat", json.RawMessage(`{"battleId":"b-1","limit":50}`))
	b, _ := r.Subscribe("chat", json.RawMessage(`{"limit":50,"battleId":"b-1"}`))
	if a != b {
		t.Fatal("param key order changed subscription identity")
	}
}

func TestSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	s := &recordingSender{}
	r := NewRegistry(s, nil)

	h, err := r.Subscribe("marketplace.auctions")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if h.Ready() {
		t.Fatal("new subscription should not be ready")
	}

	s.setConnected(true)
	r.OnReconnect()
	sent := s.take()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames on connect, want 1", len(sent))
	}
	sub, ok := sent[0].(protocol.Sub)
	if !ok || sub.ID != h.ID() || sub.Name != "marketplace.auctions" {
		t.Fatalf("unexpected frame %#v", sent[0])
	}
}

func TestReadyAndWaitReady(t *testing.T) {
	r := NewRegistry(&recordingSender{connected: true}, nil)
	h, _ := r.Subscribe("battle", "b-1")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- h.WaitReady(ctx)
	}()

	r.HandleReady([]string{"unknown", h.ID()})
	if err := <-done; err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if !h.Ready() || r.ReadyCount() != 1 {
		t.Fatal("subscription not marked ready")
	}
}

func TestReconnectReissuesEachSubscriptionOnceInOrder(t *testing.T) {
	s := &recordingSender{connected: true}
	r := NewRegistry(s, nil)

	names := []string{"battle", "marketplace.auctions", "marketplace.bets", "chat"}
	ids := make([]string, 0, len(names))
	for _, n := range names {
		h, _ := r.Subscribe(n, "x")
		ids = append(ids, h.ID())
	}
	// duplicate request must not produce an extra re-subscribe
	_, _ = r.Subscribe("battle", "x")
	r.HandleReady(ids)
	s.take()

	s.setConnected(false)
	r.OnDisconnect()
	if r.ReadyCount() != 0 {
		t.Fatalf("ReadyCount after disconnect = %d", r.ReadyCount())
	}

	s.setConnected(true)
	r.OnReconnect()
	sent := s.take()
	if len(sent) != len(names) {
		t.Fatalf("re-issued %d subscriptions, want %d", len(sent), len(names))
	}
	for i, m := range sent {
		sub := m.(protocol.Sub)
		if sub.ID != ids[i] || sub.Name != names[i] {
			t.Errorf("frame %d = %s/%s, want %s/%s", i, sub.Name, sub.ID, names[i], ids[i])
		}
	}
}

func TestUnsubscribeByName(t *testing.T) {
	s := &recordingSender{connected: true}
	r := NewRegistry(s, nil)

	a, _ := r.Subscribe("battle", "b-1")
	b, _ := r.Subscribe("battle", "b-2")
	_, _ = r.Subscribe("chat", "b-1")
	s.take()

	r.Unsubscribe("battle")
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if !a.Stopped() || !b.Stopped() {
		t.Fatal("handles not stopped")
	}
	sent := s.take()
	if len(sent) != 2 {
		t.Fatalf("sent %d unsub frames, want 2", len(sent))
	}
	for _, m := range sent {
		if m.Kind() != protocol.KindUnsub {
			t.Errorf("unexpected frame %s", m.Kind())
		}
	}

	// unknown name is a no-op
	r.Unsubscribe("battle")
	if len(s.take()) != 0 {
		t.Fatal("no-op unsubscribe sent frames")
	}

	// a fresh subscribe after stop creates a new entry
	c, _ := r.Subscribe("battle", "b-1")
	if c == a {
		t.Fatal("stopped handle was reused")
	}
}

func TestStopTwiceSendsOneUnsub(t *testing.T) {
	s := &recordingSender{connected: true}
	r := NewRegistry(s, nil)
	h, _ := r.Subscribe("battle", "b-1")
	s.take()

	h.Stop()
	h.Stop()
	if n := len(s.take()); n != 1 {
		t.Fatalf("sent %d frames, want 1", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.WaitReady(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("WaitReady after stop = %v", err)
	}
}

func TestNoSubEndsSubscriptionWithError(t *testing.T) {
	r := NewRegistry(&recordingSender{connected: true}, nil)
	h, _ := r.Subscribe("battle", "b-404")

	r.HandleNoSub(h.ID(), &protocol.RemoteError{Err: json.RawMessage(`404`), Reason: "Battle not found"})

	if r.Len() != 0 {
		t.Fatal("refused subscription still registered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.WaitReady(ctx)
	if !stderrors.Is(err, apperrors.ErrRemoteRejected) {
		t.Fatalf("WaitReady = %v, want remote rejection", err)
	}
}
