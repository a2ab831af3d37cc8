package store

import (
	"bytes"
	"cmp"
	"iter"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/metrics"
)

type entry struct {
	raw     []byte
	updated time.Time
}

type docKey struct {
	collection string
	id         string
}

// Store is the local mirror of server collections. Readers pass a
// *Computation to register dependencies; nil reads are untracked.
type Store struct {
	log *zap.Logger
	now func() time.Time

	mu          sync.RWMutex
	collections map[string]map[string]*entry
	handles     map[string]*Collection

	compMu sync.Mutex
	comps  map[uint64]*Computation
	nextID uint64
}

func New(log *zap.Logger) *Store {
	return &Store{
		log:         logger.OrNop(log),
		now:         time.Now,
		collections: make(map[string]map[string]*entry),
		handles:     make(map[string]*Collection),
		comps:       make(map[uint64]*Computation),
	}
}

// Collection returns the named collection, creating it on first use.
func (s *Store) Collection(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.handles[name]; ok {
		return c
	}
	c := &Collection{store: s, name: name}
	s.handles[name] = c
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]*entry)
	}
	return c
}

// Names lists the collections known to the store.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for n := range s.collections {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Batch runs fn as one atomic write. If fn returns an error every write it
// made is rolled back and nobody is notified. On success the returned Undo
// restores the pre-images of every document fn changed.
//
// fn runs under the store lock: read through tx, not through the store.
func (s *Store) Batch(fn func(tx *Tx) error) (Undo, error) {
	s.mu.Lock()
	tx := newTx(s)
	if err := fn(tx); err != nil {
		tx.rollback()
		s.mu.Unlock()
		return Undo{}, err
	}
	touched := tx.touchedKeys()
	s.refreshGaugesLocked(touched)
	s.mu.Unlock()

	s.notify(touched)
	return tx.undo, nil
}

// Revert restores the pre-images captured by a batch, as a single batch.
func (s *Store) Revert(u Undo) {
	if len(u.images) == 0 {
		return
	}
	_, _ = s.Batch(func(tx *Tx) error {
		for i := len(u.images) - 1; i >= 0; i-- {
			img := u.images[i]
			if img.existed {
				tx.putRaw(img.collection, img.id, img.raw)
			} else {
				tx.delete(img.collection, img.id)
			}
		}
		return nil
	})
}

// Retain reports whether a document must survive a sweep however old it is,
// typically because a live subscription still covers it.
type Retain func(collection string, doc Document) bool

// Sweep removes documents that have not been written for maxAge and that keep
// does not retain, and returns how many were dropped. A non-positive maxAge
// disables it. A nil keep retains nothing.
func (s *Store) Sweep(maxAge time.Duration, keep Retain) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	_, _ = s.Batch(func(tx *Tx) error {
		for name, docs := range s.collections {
			for id, e := range docs {
				if !e.updated.Before(cutoff) {
					continue
				}
				if keep != nil && keep(name, Document{ID: id, Raw: e.raw}) {
					continue
				}
				tx.delete(name, id)
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		s.log.Info("Swept stale documents", zap.Int("removed", removed), zap.Duration("max_age", maxAge))
	}
	return removed
}

func (s *Store) read(name, id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.collections[name][id]
	if !ok {
		return Document{}, false
	}
	return Document{ID: id, Raw: e.raw}, true
}

// scan returns the documents of a collection matching pred, ordered by id.
func (s *Store) scan(name string, pred Predicate) []Document {
	s.mu.RLock()
	docs := make([]Document, 0, len(s.collections[name]))
	for id, e := range s.collections[name] {
		d := Document{ID: id, Raw: e.raw}
		if pred == nil || pred(d) {
			docs = append(docs, d)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(docs, func(a, b Document) int { return cmp.Compare(a.ID, b.ID) })
	return docs
}

func (s *Store) find(c *Computation, name string, pred Predicate) iter.Seq[Document] {
	return func(yield func(Document) bool) {
		c.dependCollection(name)
		for _, d := range s.scan(name, pred) {
			if !yield(d) {
				return
			}
		}
	}
}

func (s *Store) count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[name])
}

func (s *Store) refreshGaugesLocked(touched []docKey) {
	seen := make(map[string]struct{})
	for _, k := range touched {
		if _, ok := seen[k.collection]; ok {
			continue
		}
		seen[k.collection] = struct{}{}
		metrics.Documents.WithLabelValues(k.collection).Set(float64(len(s.collections[k.collection])))
	}
}

func sameBytes(a, b []byte) bool { return bytes.Equal(a, b) }
