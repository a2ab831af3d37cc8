package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/protocol"
)

// fakeServer speaks just enough of the protocol for transport tests.
type fakeServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	connects int
	conns    []*serverConn
	methods  map[string]func([]json.RawMessage) (any, *protocol.RemoteError)
	silent   map[string]bool
	pongs    int
}

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) send(t *testing.T, m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{
		methods: make(map[string]func([]json.RawMessage) (any, *protocol.RemoteError)),
		silent:  make(map[string]bool),
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws}
		defer ws.Close()

		_, first, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if m, err := protocol.Decode(first); err != nil || m.Kind() != protocol.KindConnect {
			return
		}
		sc.send(t, protocol.Connected{Session: "s1"})

		fs.mu.Lock()
		fs.connects++
		fs.conns = append(fs.conns, sc)
		fs.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			switch v := msg.(type) {
			case *protocol.Method:
				fs.mu.Lock()
				fn, silent := fs.methods[v.Method], fs.silent[v.Method]
				fs.mu.Unlock()
				if silent {
					continue
				}
				if fn == nil {
					sc.send(t, protocol.Result{ID: v.ID, Error: &protocol.RemoteError{Err: json.RawMessage(`404`), Reason: "Method not found"}})
					continue
				}
				result, rerr := fn(v.Params)
				if rerr != nil {
					sc.send(t, protocol.Result{ID: v.ID, Error: rerr})
					continue
				}
				raw, _ := json.Marshal(result)
				sc.send(t, protocol.Result{ID: v.ID, Result: raw})
			case *protocol.Pong:
				fs.mu.Lock()
				fs.pongs++
				fs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(method string, fn func([]json.RawMessage) (any, *protocol.RemoteError)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.methods[method] = fn
}

func (fs *fakeServer) lastConn() *serverConn {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) == 0 {
		return nil
	}
	return fs.conns[len(fs.conns)-1]
}

func (fs *fakeServer) connectCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.connects
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions(endpoint string) Options {
	return Options{
		Endpoint:    endpoint,
		DialTimeout: time.Second,
		BaseDelay:   time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		MaxAttempts: 5,
		CallTimeout: time.Second,
	}
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	prev := time.Duration(0)
	for _, tt := range tests {
		got := Backoff(base, max, tt.attempt)
		if got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
		if got < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", tt.attempt, got, prev)
		}
		prev = got
	}
}

func TestCallRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("echo", func(p []json.RawMessage) (any, *protocol.RemoteError) {
		var s string
		_ = json.Unmarshal(p[0], &s)
		return map[string]string{"echo": s}, nil
	})

	m := New(testOptions(fs.url()))
	defer m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.Stats().Session != "s1" {
		t.Errorf("session = %q", m.Stats().Session)
	}

	raw, err := m.Call(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(raw) != `{"echo":"hello"}` {
		t.Errorf("reply = %s", raw)
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("double", func(p []json.RawMessage) (any, *protocol.RemoteError) {
		var n int
		_ = json.Unmarshal(p[0], &n)
		return n * 2, nil
	})

	m := New(testOptions(fs.url()))
	defer m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			raw, err := m.Call(context.Background(), "double", n)
			if err != nil {
				t.Errorf("Call(%d): %v", n, err)
				return
			}
			var got int
			_ = json.Unmarshal(raw, &got)
			if got != n*2 {
				t.Errorf("Call(%d) = %d", n, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestCallFailsFastWhenDisconnected(t *testing.T) {
	m := New(testOptions("ws://127.0.0.1:1/none"))

	start := time.Now()
	_, err := m.Call(context.Background(), "battles.join", "b1")
	if !stderrors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("err = %v, want NotConnected", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Call blocked while disconnected")
	}
	if err := m.Send(protocol.Ping{}); !stderrors.Is(err, apperrors.ErrNotConnected) {
		t.Errorf("Send err = %v, want NotConnected", err)
	}
}

func TestCallRemoteRejected(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("marketplace.placeBid", func([]json.RawMessage) (any, *protocol.RemoteError) {
		return nil, &protocol.RemoteError{Err: json.RawMessage(`"bid-too-low"`), Reason: "Current bid is 150"}
	})

	m := New(testOptions(fs.url()))
	defer m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := m.Call(context.Background(), "marketplace.placeBid", "a1", 100)
	if !stderrors.Is(err, apperrors.ErrRemoteRejected) {
		t.Fatalf("err = %v, want RemoteRejected", err)
	}
	if !strings.Contains(err.Error(), "bid-too-low") {
		t.Errorf("err = %v, want server code in details", err)
	}
}

func TestCallTimeoutFreesSlot(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.silent["slow"] = true
	fs.mu.Unlock()

	opts := testOptions(fs.url())
	opts.CallTimeout = 50 * time.Millisecond
	m := New(opts)
	defer m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := m.Call(context.Background(), "slow")
	if !stderrors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if n := m.Stats().PendingCalls; n != 0 {
		t.Errorf("pending calls = %d, want 0", n)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	m := New(testOptions(fs.url()))
	defer m.Disconnect()

	var reconnects int
	m.OnReconnect(func() { reconnects++ })

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if got := fs.connectCount(); got != 1 {
		t.Errorf("server saw %d connections, want 1", got)
	}
	if reconnects != 1 {
		t.Errorf("OnReconnect fired %d times, want 1", reconnects)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	fs := newFakeServer(t)
	m := New(testOptions(fs.url()))
	defer m.Disconnect()

	var mu sync.Mutex
	var events []string
	m.OnDisconnect(func() { mu.Lock(); events = append(events, "down"); mu.Unlock() })
	m.OnReconnect(func() { mu.Lock(); events = append(events, "up"); mu.Unlock() })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = fs.lastConn().ws.Close()

	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"up", "down", "up"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("hook order = %v, want %v", events, want)
	}
	if m.Stats().Attempts != 0 {
		t.Errorf("attempts = %d after reconnect, want 0", m.Stats().Attempts)
	}
}

func TestPendingCallsFailOnDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.silent["slow"] = true
	fs.mu.Unlock()

	opts := testOptions(fs.url())
	opts.CallTimeout = 5 * time.Second
	m := New(opts)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), "slow")
		done <- err
	}()
	waitFor(t, "call in flight", func() bool { return m.Stats().PendingCalls == 1 })
	m.Disconnect()

	select {
	case err := <-done:
		if !stderrors.Is(err, apperrors.ErrNotConnected) {
			t.Errorf("err = %v, want NotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Disconnect")
	}
}

type failingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *failingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	return nil, syscall.ECONNREFUSED
}

func (d *failingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestReconnectExhaustion(t *testing.T) {
	dialer := &failingDialer{}
	opts := testOptions("ws://unreachable")
	opts.Dialer = dialer
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 4 * time.Millisecond
	opts.MaxAttempts = 3
	m := New(opts)

	var mu sync.Mutex
	var delays []time.Duration
	m.schedule = func(d time.Duration, f func()) *time.Timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return time.AfterFunc(d, f)
	}

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	waitFor(t, "failed state", func() bool { return m.State() == StateFailed })

	// one initial dial plus MaxAttempts retries, then nothing more
	time.Sleep(30 * time.Millisecond)
	if got := dialer.count(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
	if err := m.Stats().LastError; !stderrors.Is(err, apperrors.ErrReconnectExhausted) {
		t.Errorf("last error = %v, want ReconnectExhausted", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 3 {
		t.Fatalf("scheduled %d retries, want 3", len(delays))
	}
	for i, d := range delays {
		if d > opts.MaxDelay {
			t.Errorf("delay[%d] = %v exceeds max", i, d)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delay[%d] = %v decreased from %v", i, d, delays[i-1])
		}
	}

	// an explicit Connect gets a fresh budget; park its retry so the count is stable
	m.mu.Lock()
	m.schedule = func(_ time.Duration, f func()) *time.Timer { return time.AfterFunc(time.Hour, f) }
	m.mu.Unlock()
	_ = m.Connect(context.Background())
	if got := dialer.count(); got != 5 {
		t.Errorf("dials after explicit connect = %d, want 5", got)
	}
	m.Disconnect()
}

func TestDisconnectCancelsRetry(t *testing.T) {
	dialer := &failingDialer{}
	opts := testOptions("ws://unreachable")
	opts.Dialer = dialer
	opts.BaseDelay = 20 * time.Millisecond
	opts.MaxDelay = 20 * time.Millisecond
	m := New(opts)

	_ = m.Connect(context.Background())
	if !m.Stats().Reconnecting {
		t.Error("expected a retry to be scheduled")
	}
	m.Disconnect()
	time.Sleep(60 * time.Millisecond)

	if got := dialer.count(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %v", m.State())
	}
}

// gatedDialer holds each dial until its gate opens, then dials for real
// regardless of the attempt's context.
type gatedDialer struct {
	mu    sync.Mutex
	gates []chan struct{}
	dials int
}

func (d *gatedDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	gate := d.gates[d.dials]
	d.dials++
	d.mu.Unlock()
	<-gate
	return (&WebSocketDialer{}).Dial(context.Background(), endpoint)
}

func (d *gatedDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func receive(t *testing.T, what string, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestStaleDialDoesNotOverrideNewerConnect(t *testing.T) {
	fs := newFakeServer(t)
	fs.handle("echo", func([]json.RawMessage) (any, *protocol.RemoteError) { return "ok", nil })
	dialer := &gatedDialer{gates: []chan struct{}{make(chan struct{}), make(chan struct{})}}
	opts := testOptions(fs.url())
	opts.Dialer = dialer
	opts.DialTimeout = 5 * time.Second
	m := New(opts)
	defer m.Disconnect()

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	waitFor(t, "first dial", func() bool { return dialer.count() == 1 })
	m.Disconnect()

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background()) }()
	waitFor(t, "second dial", func() bool { return dialer.count() == 2 })

	close(dialer.gates[0])
	if err := receive(t, "first connect", first); !stderrors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("superseded connect = %v, want NotConnected", err)
	}
	if s := m.State(); s != StateConnecting {
		t.Fatalf("state after superseded dial = %v, want connecting", s)
	}
	if m.Stats().Attempts != 0 {
		t.Error("superseded dial scheduled a retry")
	}

	close(dialer.gates[1])
	if err := receive(t, "second connect", second); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if s := m.State(); s != StateConnected {
		t.Fatalf("state = %v, want connected", s)
	}
	if _, err := m.Call(context.Background(), "echo"); err != nil {
		t.Errorf("call on the newer connection: %v", err)
	}
}

// scriptConn replays frames and then reports EOF.
type scriptConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *scriptConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (c *scriptConn) WriteMessage([]byte) error { return nil }
func (c *scriptConn) Close() error              { return nil }

type refusingDialer struct {
	failingDialer
}

func (d *refusingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	frame, err := protocol.Encode(protocol.Failed{Version: "1"})
	if err != nil {
		return nil, err
	}
	return &scriptConn{frames: [][]byte{frame}}, nil
}

func TestRefusedVersionIsNotRetried(t *testing.T) {
	dialer := &refusingDialer{}
	opts := testOptions("ws://refusing")
	opts.Dialer = dialer
	m := New(opts)

	var scheduled int
	m.schedule = func(d time.Duration, f func()) *time.Timer {
		scheduled++
		return time.AfterFunc(d, f)
	}

	err := m.Connect(context.Background())
	if apperrors.CodeOf(err) != apperrors.CodeProtocol {
		t.Fatalf("err = %v, want protocol error", err)
	}
	if s := m.State(); s != StateFailed {
		t.Errorf("state = %v, want failed", s)
	}
	time.Sleep(20 * time.Millisecond)
	if got := dialer.count(); got != 1 || scheduled != 0 {
		t.Errorf("dials = %d, retries = %d, want 1 and 0", got, scheduled)
	}
	if err := m.Stats().LastError; apperrors.CodeOf(err) != apperrors.CodeProtocol {
		t.Errorf("last error = %v", err)
	}
}

func TestCallCancelledIsClassified(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.silent["slow"] = true
	fs.mu.Unlock()

	opts := testOptions(fs.url())
	opts.CallTimeout = 5 * time.Second
	m := New(opts)
	defer m.Disconnect()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := m.Call(ctx, "slow")
	appErr, ok := apperrors.As(err)
	if !ok {
		t.Fatalf("err = %v (%T), want an application error", err, err)
	}
	if appErr.Type != apperrors.ErrorTypeNetwork || !stderrors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want network error wrapping context.Canceled", err)
	}
	if n := m.Stats().PendingCalls; n != 0 {
		t.Errorf("pending calls = %d, want 0", n)
	}
}

func TestServerPingIsAnsweredAndPushesAreOrdered(t *testing.T) {
	fs := newFakeServer(t)
	m := New(testOptions(fs.url()))
	defer m.Disconnect()

	var mu sync.Mutex
	var ids []string
	m.SetHandler(func(msg protocol.Message) {
		if a, ok := msg.(*protocol.Added); ok {
			mu.Lock()
			ids = append(ids, a.ID)
			mu.Unlock()
		}
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	sc := fs.lastConn()
	sc.send(t, protocol.Ping{ID: "p1"})
	for _, id := range []string{"a", "b", "c", "d"} {
		sc.send(t, protocol.Added{Collection: "chat", ID: id, Fields: json.RawMessage(`{}`)})
	}

	waitFor(t, "pong", func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.pongs == 1
	})
	waitFor(t, "pushes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(ids, "") != "abcd" {
		t.Errorf("push order = %v", ids)
	}
}
