package article

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPreservesPassthroughFields(t *testing.T) {
	t.Parallel()

	body := `{"source":{"id":null,"name":"Wire"},"author":"A. Writer","title":"Hello","url":"http://x","publishedAt":"2024-03-15T10:00:00Z"}`
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(body), &rec))

	title, ok := rec.Title()
	require.True(t, ok)
	assert.Equal(t, "Hello", title)
	assert.JSONEq(t, `{"id":null,"name":"Wire"}`, string(rec["source"]))

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(out))
}

func TestRecordStringRejectsNonStrings(t *testing.T) {
	t.Parallel()

	rec := NewRecord(map[string]any{"title": 42, "url": nil})
	_, ok := rec.Title()
	assert.False(t, ok)
	_, ok = rec.URL()
	assert.False(t, ok)
	_, ok = rec.String("missing")
	assert.False(t, ok)
}
