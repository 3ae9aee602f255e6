package indexes

import (
	"bytes"
	"encoding/json"
	"time"
)

// Records persist as JSON. Before any field is resolved for indexing, the
// record is passed through the codec so that a value written from a live
// struct and the same value reloaded from disk resolve to identical
// shapes — otherwise the stale-entry delete computed on the reloaded old
// value would miss the entry written from the live new value. Query values
// take the same canonicalization so both sides of a lookup agree.

func encodeRecord(v any) ([]byte, error) {
	return json.Marshal(v)
}

// decodeRecord unmarshals into the canonical shape: maps, slices, float64,
// string, bool, nil — and time.Time for strings in RFC 3339 form, which is
// how time fields come back from JSON.
func decodeRecord(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return canonicalize(v), nil
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = canonicalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = canonicalize(e)
		}
		return t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case string:
		if ts, ok := parseTime(t); ok {
			return ts
		}
		return t
	default:
		return v
	}
}

// parseTime recognizes RFC 3339 strings. Cheap shape gate first so plain
// strings skip the full parse.
func parseTime(s string) (time.Time, bool) {
	if len(s) < 20 || s[4] != '-' || s[7] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
