package latency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/logger"
)

// PingMethod is the remote procedure used to measure round trips.
const PingMethod = "ping"

// Pinger is the slice of the transport the probe needs.
type Pinger interface {
	Connected() bool
	Call(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Probe measures server round-trip time on a fixed interval.
type Probe struct {
	conn     Pinger
	rec      *Recorder
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProbe(conn Pinger, rec *Recorder, interval, timeout time.Duration, log *zap.Logger) *Probe {
	return &Probe{
		conn:     conn,
		rec:      rec,
		interval: interval,
		timeout:  timeout,
		log:      logger.OrNop(log),
	}
}

// Start launches the probe loop. Calling Start on a running probe does nothing.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop ends the loop and waits for it to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Probe) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick takes one measurement. Failures are logged and otherwise ignored.
func (p *Probe) Tick(ctx context.Context) {
	if !p.conn.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	if _, err := p.conn.Call(ctx, PingMethod); err != nil {
		p.log.Debug("Latency probe failed", zap.Error(err))
		return
	}
	p.rec.Record(ServerChannel, time.Since(start))
}
