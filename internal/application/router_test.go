package application

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/config"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/protocol"
	"github.com/ece-arena/arena-sync/internal/store"
	"github.com/ece-arena/arena-sync/internal/subscription"
)

type nopSender struct{}

func (nopSender) Send(protocol.Message) error { return nil }

func newRouter() *router {
	return &router{
		subs:  subscription.NewRegistry(nopSender{}, nil),
		store: store.New(nil),
		log:   zap.NewNop(),
	}
}

func TestRouterReadyAndNoSub(t *testing.T) {
	r := newRouter()
	battle, err := r.subs.Subscribe("battle", "b1")
	if err != nil {
		t.Fatal(err)
	}
	chat, err := r.subs.Subscribe("chat", "b1")
	if err != nil {
		t.Fatal(err)
	}

	r.handle(&protocol.Ready{Subs: []string{battle.ID()}})
	if !battle.Ready() {
		t.Error("battle subscription should be ready")
	}
	if chat.Ready() {
		t.Error("chat subscription should not be ready yet")
	}

	r.handle(&protocol.NoSub{ID: chat.ID(), Error: &protocol.RemoteError{Reason: "not-allowed"}})
	if chat.Err() == nil {
		t.Error("expected nosub to fail the chat subscription")
	}
	if r.subs.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.subs.Len())
	}
}

func TestRouterAppliesDocumentPushes(t *testing.T) {
	r := newRouter()
	battles := r.store.Collection("battles")

	r.handle(&protocol.Added{Collection: "battles", ID: "b1", Fields: json.RawMessage(`{"phase":"waiting","timeLeft":60}`)})
	doc, ok := battles.FindOne(nil, "b1")
	if !ok {
		t.Fatal("added document missing")
	}
	if got := doc.Get("phase").String(); got != "waiting" {
		t.Errorf("phase = %q", got)
	}

	r.handle(&protocol.Changed{Collection: "battles", ID: "b1", Fields: json.RawMessage(`{"phase":"battle"}`), Cleared: []string{"timeLeft"}})
	doc, _ = battles.FindOne(nil, "b1")
	if got := doc.Get("phase").String(); got != "battle" {
		t.Errorf("phase after change = %q", got)
	}
	if doc.Get("timeLeft").Exists() {
		t.Error("timeLeft should be cleared")
	}

	r.handle(&protocol.Removed{Collection: "battles", ID: "b1"})
	if _, ok := battles.FindOne(nil, "b1"); ok {
		t.Error("document should be removed")
	}
}

func TestRouterRejectsNonObjectFields(t *testing.T) {
	r := newRouter()
	r.handle(&protocol.Added{Collection: "chat", ID: "m1", Fields: json.RawMessage(`[1,2]`)})
	if n := r.store.Collection("chat").Count(nil); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestRouterNotifiesWatchers(t *testing.T) {
	r := newRouter()
	var phases []string
	stop := r.store.Reactive(func(c *store.Computation) {
		if doc, ok := r.store.Collection("battles").FindOne(c, "b1"); ok {
			phases = append(phases, doc.Get("phase").String())
		}
	})
	defer stop()

	r.handle(&protocol.Added{Collection: "battles", ID: "b1", Fields: json.RawMessage(`{"phase":"waiting"}`)})
	r.handle(&protocol.Changed{Collection: "battles", ID: "b1", Fields: json.RawMessage(`{"phase":"deck-selection"}`)})

	if len(phases) != 2 || phases[0] != "waiting" || phases[1] != "deck-selection" {
		t.Errorf("phases = %v", phases)
	}
}

func TestNodeBuildAndStatus(t *testing.T) {
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	node, err := New(t.Context(), cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer node.Shutdown()

	if node.scheduler != nil {
		t.Error("the store sweep must be off unless configured")
	}
	if node.Client() == nil || node.Store() == nil || node.Transport() == nil {
		t.Fatal("node is missing components")
	}

	rec := httptest.NewRecorder()
	node.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var body struct {
		Connected     bool `json:"Connected"`
		Subscriptions int  `json:"subscriptions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Connected || body.Subscriptions != 0 {
		t.Errorf("unexpected status %+v", body)
	}

	if err := logger.Init(logger.WithLevel("warn")); err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	node.opsRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/log/level", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"level":"warn"`) {
		t.Errorf("GET /log/level = %d %s", rec.Code, rec.Body.String())
	}
}

func TestBuildSchedulerRejectsBadSchedule(t *testing.T) {
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Store.SweepSchedule = "whenever"
	cfg.Store.MaxEntryAge = time.Hour
	b := NewNodeBuilder(t.Context(), cfg, nil)
	b.BuildSync()
	if err := b.BuildScheduler(); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}
