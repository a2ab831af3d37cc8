package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
	"github.com/ece-arena/arena-sync/internal/protocol"
)

// Handler receives every inbound frame that is not a call reply or a ping.
// It runs on the connection's read goroutine, so frames arrive in order.
type Handler func(protocol.Message)

// Options configures a Manager.
type Options struct {
	Endpoint       string
	Dialer         Dialer
	DialTimeout    time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	CallTimeout    time.Duration
	CallsPerSecond float64
	CallBurst      int
	Logger         *zap.Logger
}

// Stats is a point-in-time view of the connection for health reporting.
type Stats struct {
	State        State
	Attempts     int
	Session      string
	Reconnecting bool
	LastError    error
	PendingCalls int
}

// Manager owns the single duplex connection to the real-time server.
type Manager struct {
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64
	session    string
	attempts   int
	lastErr    error
	manual     bool
	retry      *time.Timer
	retrySeq   uint64
	attemptSeq uint64
	dialCancel context.CancelFunc

	// schedule is replaced in tests to observe reconnect delays.
	schedule func(time.Duration, func()) *time.Timer

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Result

	hooksMu      sync.RWMutex
	onDisconnect []func()
	onReconnect  []func()
	handler      Handler
}

// New creates a disconnected Manager.
func New(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &WebSocketDialer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	m := &Manager{
		opts:     opts,
		log:      logger.OrNop(opts.Logger),
		pending:  make(map[string]chan *protocol.Result),
		schedule: time.AfterFunc,
	}
	if opts.CallsPerSecond > 0 {
		burst := opts.CallBurst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.CallsPerSecond), burst)
	}
	metrics.SetConnectionState(StateDisconnected.String())
	return m
}

// OnDisconnect registers fn to run whenever an established connection is lost
// or closed.
func (m *Manager) OnDisconnect(fn func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// OnReconnect registers fn to run on every transition into connected,
// the first one included.
func (m *Manager) OnReconnect(fn func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// SetHandler sets the receiver for server pushes.
func (m *Manager) SetHandler(h Handler) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.handler = h
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether calls can currently be issued.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Stats returns a snapshot of the connection.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		State:        m.state,
		Attempts:     m.attempts,
		Session:      m.session,
		Reconnecting: m.reconnectingLocked(),
		LastError:    m.lastErr,
	}
	m.mu.Unlock()

	m.pendingMu.Lock()
	s.PendingCalls = len(m.pending)
	m.pendingMu.Unlock()
	return s
}

func (m *Manager) reconnectingLocked() bool {
	return m.retry != nil || (m.state == StateConnecting && m.attempts > 0)
}

/* ------------------------------------------------------------------ *
|  Connection lifecycle                                               |
* -------------------------------------------------------------------*/

// Connect dials the endpoint and performs the handshake. It is a no-op while
// connecting or connected. The first attempt is synchronous; if it fails the
// error is returned and retries continue in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateFailed {
		m.attempts = 0
	}
	m.manual = false
	m.cancelRetryLocked()
	dctx, cancel, seq := m.beginAttemptLocked(ctx)
	m.mu.Unlock()

	return m.attempt(dctx, cancel, seq)
}

// Disconnect closes the connection and stops automatic reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.attemptSeq++
	m.cancelRetryLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	conn := m.conn
	wasConnected := m.state == StateConnected
	m.conn = nil
	m.gen++
	m.attempts = 0
	m.session = ""
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.failPending()
	if wasConnected {
		m.fire(m.disconnectHooks())
	}
	m.log.Info("Disconnected")
}

// beginAttemptLocked starts a dial and returns its sequence number. Only the
// attempt holding the latest number may publish its outcome.
func (m *Manager) beginAttemptLocked(parent context.Context) (context.Context, context.CancelFunc, uint64) {
	ctx, cancel := context.WithTimeout(parent, m.opts.DialTimeout)
	m.attemptSeq++
	m.dialCancel = cancel
	m.setStateLocked(StateConnecting)
	return ctx, cancel, m.attemptSeq
}

func (m *Manager) attempt(ctx context.Context, cancel context.CancelFunc, seq uint64) error {
	defer cancel()

	conn, session, err := m.dial(ctx)

	m.mu.Lock()
	if seq != m.attemptSeq || m.state != StateConnecting || m.manual {
		// superseded by Disconnect or a newer Connect
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return apperrors.NotConnected("connect")
	}
	m.dialCancel = nil
	if err != nil {
		connErr := dialError(err)
		m.lastErr = connErr
		m.setStateLocked(StateDisconnected)
		if final := m.scheduleRetryLocked(connErr); final != nil {
			m.mu.Unlock()
			apperrors.Log(m.log, "Giving up on reconnecting", final)
			return final
		}
		m.mu.Unlock()
		apperrors.Log(m.log, "Connection attempt failed", connErr)
		return connErr
	}

	m.gen++
	gen := m.gen
	m.conn = conn
	m.session = session
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.log.Info("Connected", zap.String("endpoint", m.opts.Endpoint), zap.String("session", session))
	go m.readLoop(conn, gen)
	m.fire(m.reconnectHooks())
	return nil
}

// dialError keeps errors the handshake already classified, such as a refused
// protocol version, and treats everything else as a socket failure.
func dialError(err error) error {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}
	return apperrors.ConnectionError("dial", err)
}

func (m *Manager) dial(ctx context.Context) (Conn, string, error) {
	conn, err := m.opts.Dialer.Dial(ctx, m.opts.Endpoint)
	if err != nil {
		return nil, "", err
	}
	session, err := handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return conn, session, nil
}

func handshake(ctx context.Context, conn Conn) (string, error) {
	frame, err := protocol.Encode(protocol.Connect{Version: protocol.Version, Support: []string{protocol.Version}})
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return "", err
	}

	type reply struct {
		session string
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				done <- reply{err: err}
				return
			}
			msg, err := protocol.Decode(data)
			if err == protocol.ErrUntagged {
				continue
			}
			if err != nil {
				done <- reply{err: err}
				return
			}
			switch v := msg.(type) {
			case *protocol.Connected:
				done <- reply{session: v.Session}
				return
			case *protocol.Failed:
				done <- reply{err: apperrors.ProtocolError("server refused protocol version "+v.Version, nil)}
				return
			}
		}
	}()

	select {
	case r := <-done:
		return r.session, r.err
	case <-ctx.Done():
		_ = conn.Close()
		return "", ctx.Err()
	}
}

// scheduleRetryLocked arms the next reconnect. When cause cannot be retried
// or the attempt budget is spent it moves to failed and returns the final
// error: cause itself, or ReconnectExhausted wrapping it.
func (m *Manager) scheduleRetryLocked(cause error) error {
	if !apperrors.ShouldRetry(cause, m.attempts, m.opts.MaxAttempts) {
		if apperrors.IsRecoverable(cause) {
			cause = apperrors.ReconnectExhausted(m.attempts, cause)
		}
		m.lastErr = cause
		m.setStateLocked(StateFailed)
		return cause
	}
	m.attempts++
	delay := Backoff(m.opts.BaseDelay, m.opts.MaxDelay, m.attempts)
	m.retrySeq++
	seq := m.retrySeq
	m.retry = m.schedule(delay, func() { m.retryFired(seq) })
	m.log.Info("Reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Int("max_attempts", m.opts.MaxAttempts),
		zap.Duration("delay", delay))
	return nil
}

func (m *Manager) retryFired(seq uint64) {
	m.mu.Lock()
	if seq != m.retrySeq || m.state != StateDisconnected || m.manual {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	ctx, cancel, attempt := m.beginAttemptLocked(context.Background())
	m.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	_ = m.attempt(ctx, cancel, attempt)
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retrySeq++
}

func (m *Manager) connectionLost(gen uint64, conn Conn, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.session = ""
	m.lastErr = apperrors.ConnectionError("read", cause)
	m.setStateLocked(StateDisconnected)
	lostErr := m.lastErr
	m.mu.Unlock()

	_ = conn.Close()
	apperrors.Log(m.log, "Connection lost", lostErr)
	m.failPending()
	m.fire(m.disconnectHooks())

	m.mu.Lock()
	if m.state == StateDisconnected && !m.manual && m.retry == nil {
		if final := m.scheduleRetryLocked(lostErr); final != nil {
			apperrors.Log(m.log, "Giving up on reconnecting", final)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.log.Debug("Connection state changed",
		zap.String("from", m.state.String()),
		zap.String("to", s.String()))
	m.state = s
	metrics.SetConnectionState(s.String())
}

func (m *Manager) disconnectHooks() []func() {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return append([]func(){}, m.onDisconnect...)
}

func (m *Manager) reconnectHooks() []func() {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	return append([]func(){}, m.onReconnect...)
}

func (m *Manager) fire(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

/* ------------------------------------------------------------------ *
|  Read loop                                                          |
* -------------------------------------------------------------------*/

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, conn, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			if err != protocol.ErrUntagged {
				apperrors.Log(m.log, "Dropping malformed frame", err)
			}
			continue
		}

		switch v := msg.(type) {
		case *protocol.Result:
			m.resolve(v)
		case *protocol.Ping:
			if err := m.Send(protocol.Pong{ID: v.ID}); err != nil {
				m.log.Debug("Failed to answer ping", zap.Error(err))
			}
		case *protocol.Pong, *protocol.Connected:
		default:
			metrics.IncrementPushes(msg.Kind())
			m.hooksMu.RLock()
			h := m.handler
			m.hooksMu.RUnlock()
			if h != nil {
				h(msg)
			}
		}
	}
}

func (m *Manager) resolve(res *protocol.Result) {
	m.pendingMu.Lock()
	ch, ok := m.pending[res.ID]
	if ok {
		delete(m.pending, res.ID)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.log.Debug("Reply for unknown or expired call", zap.String("id", res.ID))
		return
	}
	ch <- res
}

// failPending wakes every waiting call with a nil reply, which Call reports
// as NotConnected.
func (m *Manager) failPending() {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan *protocol.Result)
	m.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
}

/* ------------------------------------------------------------------ *
|  Calls                                                              |
* -------------------------------------------------------------------*/

// Send writes msg without waiting for any reply.
func (m *Manager) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return apperrors.NotConnected("send " + msg.Kind())
	}
	if err := conn.WriteMessage(frame); err != nil {
		return apperrors.ConnectionError("write", err)
	}
	return nil
}

// Call invokes method on the server and waits for its correlated reply.
// It fails immediately with NotConnected unless the connection is up.
func (m *Manager) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if !m.Connected() {
		metrics.ObserveCall(method, "not_connected", 0)
		return nil, apperrors.NotConnected("call " + method)
	}

	timeout := m.opts.CallTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			metrics.ObserveCall(method, "rate_limited", 0)
			return nil, apperrors.RateLimited(method, err)
		}
	}

	params, err := protocol.Params(args...)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan *protocol.Result, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()
	defer m.dropPending(id)

	start := time.Now()
	if err := m.Send(protocol.Method{ID: id, Method: method, Params: params}); err != nil {
		metrics.ObserveCall(method, "error", 0)
		return nil, err
	}

	select {
	case res := <-ch:
		elapsed := time.Since(start)
		if res == nil {
			metrics.ObserveCall(method, "not_connected", elapsed)
			return nil, apperrors.NotConnected("call " + method)
		}
		if res.Error != nil {
			metrics.ObserveCall(method, "rejected", elapsed)
			return nil, apperrors.RemoteRejected(method, res.Error.Code(), res.Error.Text())
		}
		metrics.ObserveCall(method, "ok", elapsed)
		return res.Result, nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			metrics.ObserveCall(method, "timeout", time.Since(start))
			return nil, apperrors.Timeout(method, time.Since(start))
		}
		metrics.ObserveCall(method, "cancelled", time.Since(start))
		return nil, apperrors.ConnectionError("call "+method, ctx.Err())
	}
}

func (m *Manager) dropPending(id string) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}
