package cryptoutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalEntry is the signature input for a CRDT entry (spec.md §4.8):
// "the canonical form {model, id, data, timestamp, author_device_id}".
type CanonicalEntry struct {
	Model          string
	ID             string
	Data           map[string]any
	TimestampMs    int64
	AuthorDeviceID string
}

// Encode produces a reproducible byte encoding of the entry: keys in a
// fixed order at the top level, and recursively key-sorted JSON for the
// nested data map, so two devices that build the same logical entry
// always sign (and verify) the same bytes.
func (e CanonicalEntry) Encode() ([]byte, error) {
	dataBytes, err := canonicalJSON(e.Data)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: canonicalize entry data: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "model=%s\x00id=%s\x00timestamp=%d\x00author=%s\x00data=",
		e.Model, e.ID, e.TimestampMs, e.AuthorDeviceID)
	buf.Write(dataBytes)
	return buf.Bytes(), nil
}

// canonicalJSON re-marshals an arbitrary JSON-ish value with map keys
// sorted at every level, so the same logical document always produces
// the same bytes regardless of how it was constructed.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, orderedPair{Key: k, Value: nv})
		}
		return orderedObject(out), nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return val, nil
	}
}

type orderedPair struct {
	Key   string
	Value any
}

type orderedObject []orderedPair

// MarshalJSON writes the pairs in the order they were sorted, bypassing
// Go's default map-key reordering (encoding/json already sorts map[string]
// keys alphabetically, but nested custom types would not be — this keeps
// the guarantee explicit rather than relying on stdlib behavior).
func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
