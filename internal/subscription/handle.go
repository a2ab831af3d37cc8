package subscription

import (
	"context"
	"encoding/json"
	"sync"
)

// Handle is a caller's reference to a registered subscription. Equivalent
// Subscribe calls share one Handle.
type Handle struct {
	reg    *Registry
	id     string
	name   string
	key    string
	params []json.RawMessage

	mu      sync.Mutex
	ready   bool
	readyCh chan struct{}
	stopped bool
	err     error
	doneCh  chan struct{}
}

func (h *Handle) ID() string   { return h.id }
func (h *Handle) Name() string { return h.name }

// Params returns the encoded positional parameters.
func (h *Handle) Params() []json.RawMessage {
	return append([]json.RawMessage(nil), h.params...)
}

// Ready reports whether the server has flushed the initial data set.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Stopped reports whether the subscription was stopped locally or by the server.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Err returns the server's refusal, if the subscription ended with one.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// WaitReady blocks until the subscription is ready, stopped, or ctx is done.
func (h *Handle) WaitReady(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.ready {
			h.mu.Unlock()
			return nil
		}
		if h.stopped {
			err := h.err
			h.mu.Unlock()
			if err == nil {
				err = context.Canceled
			}
			return err
		}
		readyCh, doneCh := h.readyCh, h.doneCh
		h.mu.Unlock()

		select {
		case <-readyCh:
		case <-doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop unsubscribes. Stopping twice is harmless.
func (h *Handle) Stop() {
	h.reg.stop(h)
}

func (h *Handle) markReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready || h.stopped {
		return
	}
	h.ready = true
	close(h.readyCh)
}

func (h *Handle) markNotReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return
	}
	h.ready = false
	h.readyCh = make(chan struct{})
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.ready = false
	h.err = err
	close(h.doneCh)
}
