package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Update when the document does not exist.
var ErrNotFound = errors.New("document not found")

type preImage struct {
	collection string
	id         string
	existed    bool
	raw        []byte
	entry      *entry
}

// Undo holds the pre-images of the documents a batch changed.
type Undo struct {
	images []preImage
}

// Empty reports whether the batch changed nothing.
func (u Undo) Empty() bool { return len(u.images) == 0 }

// Tx is the write handle passed to Store.Batch.
type Tx struct {
	s    *Store
	undo Undo
	seen map[docKey]struct{}
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:    s,
		seen: make(map[docKey]struct{}),
	}
}

// Get reads a document including this batch's own writes.
func (tx *Tx) Get(collection, id string) (Document, bool) {
	e, ok := tx.s.collections[collection][id]
	if !ok {
		return Document{}, false
	}
	return Document{ID: id, Raw: e.raw}, true
}

// Upsert replaces the whole document.
func (tx *Tx) Upsert(collection, id string, v any) error {
	m, err := toObject(v)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	raw, err := canonical(id, m)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, id, err)
	}
	tx.putRaw(collection, id, raw)
	return nil
}

// Merge sets the top-level fields given and deletes the cleared ones. A
// missing document is created.
func (tx *Tx) Merge(collection, id string, fields json.RawMessage, cleared []string) error {
	m := map[string]any{}
	if cur, ok := tx.Get(collection, id); ok {
		var err error
		if m, err = decodeObject(cur.Raw); err != nil {
			return fmt.Errorf("merge %s/%s: %w", collection, id, err)
		}
	}
	patch, err := toObject(fields)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	for k, v := range patch {
		m[k] = v
	}
	for _, k := range cleared {
		delete(m, k)
	}
	raw, err := canonical(id, m)
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", collection, id, err)
	}
	tx.putRaw(collection, id, raw)
	return nil
}

// Update decodes the current document into a fresh value of T, lets fn
// modify it, and writes it back. A missing document is reported as an error.
func Update[T any](tx *Tx, collection, id string, fn func(*T) error) error {
	cur, ok := tx.Get(collection, id)
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	var v T
	if err := cur.Decode(&v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	if err := fn(&v); err != nil {
		return err
	}
	return tx.Upsert(collection, id, v)
}

// Remove deletes the document if present.
func (tx *Tx) Remove(collection, id string) {
	tx.delete(collection, id)
}

func (tx *Tx) capture(k docKey) {
	if _, ok := tx.seen[k]; ok {
		return
	}
	tx.seen[k] = struct{}{}
	img := preImage{collection: k.collection, id: k.id}
	if e, ok := tx.s.collections[k.collection][k.id]; ok {
		img.existed = true
		img.raw = e.raw
		img.entry = e
	}
	tx.undo.images = append(tx.undo.images, img)
}

func (tx *Tx) putRaw(collection, id string, raw []byte) {
	docs := tx.s.collections[collection]
	if docs == nil {
		docs = make(map[string]*entry)
		tx.s.collections[collection] = docs
	}
	now := tx.s.now()
	if e, ok := docs[id]; ok && sameBytes(e.raw, raw) {
		return
	}
	k := docKey{collection, id}
	tx.capture(k)
	docs[id] = &entry{raw: raw, updated: now}
}

func (tx *Tx) delete(collection, id string) {
	docs := tx.s.collections[collection]
	if _, ok := docs[id]; !ok {
		return
	}
	k := docKey{collection, id}
	tx.capture(k)
	delete(docs, id)
}

// rollback restores every captured pre-image in place.
func (tx *Tx) rollback() {
	for i := len(tx.undo.images) - 1; i >= 0; i-- {
		img := tx.undo.images[i]
		docs := tx.s.collections[img.collection]
		if img.existed {
			docs[img.id] = img.entry
		} else {
			delete(docs, img.id)
		}
	}
}

// touchedKeys returns the documents whose bytes differ from before the batch.
func (tx *Tx) touchedKeys() []docKey {
	out := make([]docKey, 0, len(tx.undo.images))
	for _, img := range tx.undo.images {
		k := docKey{img.collection, img.id}
		cur, exists := tx.s.collections[img.collection][img.id]
		if exists == img.existed && (!exists || sameBytes(cur.raw, img.raw)) {
			continue
		}
		out = append(out, k)
	}
	return out
}
