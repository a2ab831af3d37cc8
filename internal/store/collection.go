package store

import (
	"encoding/json"
	"iter"
	"slices"

	"go.uber.org/zap"
)

// Collection is a named set of documents keyed by id.
type Collection struct {
	store *Store
	name  string
}

func (c *Collection) Name() string { return c.name }

// FindOne returns the document with the given id and, when comp is non-nil,
// makes comp depend on that document.
func (c *Collection) FindOne(comp *Computation, id string) (Document, bool) {
	comp.dependDocument(c.name, id)
	return c.store.read(c.name, id)
}

// Get decodes the document with the given id into v. It reports false when
// the document does not exist or cannot be decoded.
func (c *Collection) Get(comp *Computation, id string, v any) bool {
	d, ok := c.FindOne(comp, id)
	if !ok {
		return false
	}
	return d.Decode(v) == nil
}

// Find yields the documents matching pred in id order. The sequence reads the
// collection afresh every time it is ranged over, and makes comp depend on the
// whole collection.
func (c *Collection) Find(comp *Computation, pred Predicate) iter.Seq[Document] {
	return c.store.find(comp, c.name, pred)
}

// Fetch collects Find into a slice.
func (c *Collection) Fetch(comp *Computation, pred Predicate) []Document {
	return slices.Collect(c.Find(comp, pred))
}

// Count returns the number of documents and makes comp depend on the collection.
func (c *Collection) Count(comp *Computation) int {
	comp.dependCollection(c.name)
	return c.store.count(c.name)
}

func (c *Collection) Upsert(id string, v any) error {
	_, err := c.store.Batch(func(tx *Tx) error { return tx.Upsert(c.name, id, v) })
	return err
}

func (c *Collection) Merge(id string, fields json.RawMessage, cleared []string) error {
	_, err := c.store.Batch(func(tx *Tx) error { return tx.Merge(c.name, id, fields, cleared) })
	return err
}

func (c *Collection) Remove(id string) {
	_, _ = c.store.Batch(func(tx *Tx) error {
		tx.Remove(c.name, id)
		return nil
	})
}

// Evict drops a document from the local mirror only. The server is not told
// and a later push will bring it back.
func (c *Collection) Evict(id string) bool {
	_, present := c.store.read(c.name, id)
	if present {
		c.Remove(id)
		c.store.log.Debug("Evicted document", zap.String("collection", c.name), zap.String("id", id))
	}
	return present
}
