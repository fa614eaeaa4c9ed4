// Package article defines the raw article record returned by the search API.
package article

import (
	"encoding/json"
)

// Field names the pipeline reads from a raw record.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldURL         = "url"
	FieldPublishedAt = "publishedAt"
)

// Record is one element of the API's articles array. Every field is kept as
// raw JSON so passthrough fields (source, author, content, ...) survive the
// round trip into the snapshot untouched.
type Record map[string]json.RawMessage

// NewRecord builds a Record from plain Go values. It is mostly useful in tests
// and for fixtures; values that fail to marshal are stored as JSON null.
func NewRecord(fields map[string]any) Record {
	r := make(Record, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			raw = json.RawMessage("null")
		}
		r[k] = raw
	}
	return r
}

// String returns the named field when it holds a JSON string.
func (r Record) String(field string) (string, bool) {
	raw, ok := r[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Title returns the record title when present as a string.
func (r Record) Title() (string, bool) { return r.String(FieldTitle) }

// URL returns the record URL when present as a string.
func (r Record) URL() (string, bool) { return r.String(FieldURL) }
