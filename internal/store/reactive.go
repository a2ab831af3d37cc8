package store

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/metrics"
)

// Computation is a reactive function registered with Store.Reactive. Its
// reads are recorded while it runs; a committed batch that touches any of
// them runs it again.
type Computation struct {
	id    uint64
	store *Store
	fn    func(*Computation)

	mu      sync.Mutex
	docs    map[docKey]struct{}
	cols    map[string]struct{}
	running bool
	dirty   bool
	stopped bool
	runs    int
}

// FirstRun reports whether this is the initial synchronous run.
func (c *Computation) FirstRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs == 1
}

// Stop unregisters the computation. A run in progress finishes.
func (c *Computation) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.store.compMu.Lock()
	delete(c.store.comps, c.id)
	c.store.compMu.Unlock()
}

func (c *Computation) dependDocument(collection, id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.docs[docKey{collection, id}] = struct{}{}
	c.mu.Unlock()
}

func (c *Computation) dependCollection(collection string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cols[collection] = struct{}{}
	c.mu.Unlock()
}

func (c *Computation) dependsOnLocked(touched []docKey) bool {
	for _, k := range touched {
		if _, ok := c.cols[k.collection]; ok {
			return true
		}
		if _, ok := c.docs[k]; ok {
			return true
		}
	}
	return false
}

// invalidate marks c for a re-run. It returns true when the caller should run
// it now, false when c is stopped or already running elsewhere (which then
// runs it again itself).
func (c *Computation) invalidate(touched []docKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || !c.dependsOnLocked(touched) {
		return false
	}
	if c.running {
		c.dirty = true
		return false
	}
	return true
}

// run executes fn until no write invalidated it meanwhile.
func (c *Computation) run() {
	for {
		c.mu.Lock()
		if c.stopped || c.running {
			c.mu.Unlock()
			return
		}
		c.running = true
		c.dirty = false
		c.docs = make(map[docKey]struct{})
		c.cols = make(map[string]struct{})
		c.runs++
		rerun := c.runs > 1
		c.mu.Unlock()

		if rerun {
			metrics.ReactiveReruns.Inc()
		}
		c.invoke()

		c.mu.Lock()
		c.running = false
		again := c.dirty && !c.stopped
		c.mu.Unlock()
		if !again {
			return
		}
	}
}

func (c *Computation) invoke() {
	defer func() {
		if r := recover(); r != nil {
			apperrors.Log(c.store.log, "Reactive computation panicked",
				apperrors.InternalError("reactive computation panicked", fmt.Errorf("panic: %v", r)),
				zap.Uint64("computation", c.id))
		}
	}()
	c.fn(c)
}

// Reactive runs fn once now and again after every committed batch that
// touches something fn read. The returned function stops it.
func (s *Store) Reactive(fn func(*Computation)) (stop func()) {
	s.compMu.Lock()
	s.nextID++
	c := &Computation{
		id:    s.nextID,
		store: s,
		fn:    fn,
		docs:  make(map[docKey]struct{}),
		cols:  make(map[string]struct{}),
	}
	s.comps[c.id] = c
	s.compMu.Unlock()

	c.run()
	return c.Stop
}

// notify re-runs, in registration order, each computation the batch touched.
func (s *Store) notify(touched []docKey) {
	if len(touched) == 0 {
		return
	}
	s.compMu.Lock()
	comps := make([]*Computation, 0, len(s.comps))
	for _, c := range s.comps {
		comps = append(comps, c)
	}
	s.compMu.Unlock()
	slices.SortFunc(comps, func(a, b *Computation) int { return cmp.Compare(a.id, b.id) })

	for _, c := range comps {
		if c.invalidate(touched) {
			c.run()
		}
	}
}
