package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// IDField is the key under which a document carries its own id.
const IDField = "_id"

// Document is an immutable view of one stored document in canonical JSON.
type Document struct {
	ID  string
	Raw json.RawMessage
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Raw, v)
}

// Get looks up a gjson path, e.g. "players.#.id" or "status".
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d.Raw, path)
}

// Predicate selects documents in Find and Fetch. A nil predicate matches all.
type Predicate func(Document) bool

// Field matches documents whose path equals value.
func Field(path string, value any) Predicate {
	want := fmt.Sprint(value)
	return func(d Document) bool {
		r := d.Get(path)
		return r.Exists() && r.String() == want
	}
}

func toObject(v any) (map[string]any, error) {
	var b []byte
	switch t := v.(type) {
	case json.RawMessage:
		b = t
	case []byte:
		b = t
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	m, err := decodeObject(b)
	if err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return m, nil
}

// decodeObject keeps numbers as json.Number so integers beyond 2^53 and
// exact decimals survive the round trip through canonical.
func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after object")
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// canonical encodes m with sorted keys and the id stamped in.
func canonical(id string, m map[string]any) ([]byte, error) {
	m[IDField] = id
	return json.Marshal(m)
}
