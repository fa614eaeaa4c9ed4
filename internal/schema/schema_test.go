package schema_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/schema"
)

// processed builds a one-row frame matching the schema.
func processed(t *testing.T) *frame.Frame {
	t.Helper()
	f := frame.New(1)
	for _, field := range schema.Expected {
		var v any
		switch field.Kind {
		case frame.KindString:
			v = "x"
		case frame.KindTimestamp:
			v = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
		case frame.KindInt64:
			v = int64(1)
		}
		require.NoError(t, f.Set(frame.Column{Name: field.Name, Kind: field.Kind, Values: []any{v}}))
	}
	return f
}

func TestCheckPasses(t *testing.T) {
	t.Parallel()

	f := processed(t)
	require.NoError(t, f.Set(frame.Column{Name: "source", Kind: frame.KindObject, Values: []any{map[string]any{}}}))
	assert.NoError(t, schema.Check(f, schema.Expected), "extra columns are allowed")
}

func TestCheckNullDatePartsPass(t *testing.T) {
	t.Parallel()

	f := processed(t)
	for _, name := range []string{"publishedAt", "published_year", "published_month", "published_day", "published_weekday"} {
		col, _ := f.Column(name)
		require.NoError(t, f.Set(frame.Column{Name: name, Kind: col.Kind, Values: []any{nil}}))
	}
	assert.NoError(t, schema.Check(f, schema.Expected))
}

func TestCheckMissingColumnNamed(t *testing.T) {
	t.Parallel()

	f := processed(t).Drop("published_year")
	err := schema.Check(f, schema.Expected)
	require.Error(t, err)
	assert.True(t, errors.Is(err, schema.ErrSchemaMismatch))
	assert.Contains(t, err.Error(), "published_year")

	var schemaErr *schema.Error
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"published_year"}, schemaErr.Missing)
}

func TestCheckNamesEveryMissingColumn(t *testing.T) {
	t.Parallel()

	f := processed(t).Drop("url").Drop("title_word_count")
	var schemaErr *schema.Error
	require.True(t, errors.As(schema.Check(f, schema.Expected), &schemaErr))
	assert.Equal(t, []string{"url", "title_word_count"}, schemaErr.Missing)
}

func TestCheckKindMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		column frame.Column
		ok     bool
	}{
		{
			name:   "float where int expected",
			column: frame.Column{Name: "published_year", Kind: frame.KindFloat64, Values: []any{2024.0}},
		},
		{
			name:   "string timestamp",
			column: frame.Column{Name: "publishedAt", Kind: frame.KindString, Values: []any{"2024-03-15"}},
		},
		{
			name:   "object text with non-string value",
			column: frame.Column{Name: "title", Kind: frame.KindObject, Values: []any{int64(5)}},
		},
		{
			name:   "object text holding only strings",
			column: frame.Column{Name: "title", Kind: frame.KindObject, Values: []any{"fine"}},
			ok:     true,
		},
		{
			name:   "int column as object",
			column: frame.Column{Name: "published_day", Kind: frame.KindObject, Values: []any{int64(1)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := processed(t)
			require.NoError(t, f.Set(tt.column))
			err := schema.Check(f, schema.Expected)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var schemaErr *schema.Error
			require.True(t, errors.As(err, &schemaErr))
			require.Len(t, schemaErr.Mismatches, 1)
			assert.Equal(t, tt.column.Name, schemaErr.Mismatches[0].Column)
			assert.Contains(t, err.Error(), tt.column.Name)
		})
	}
}

func TestCheckEmpty(t *testing.T) {
	t.Parallel()

	for _, f := range []*frame.Frame{nil, frame.New(0)} {
		err := schema.Check(f, schema.Expected)
		require.ErrorIs(t, err, schema.ErrSchemaMismatch)
		assert.Contains(t, err.Error(), "empty")
	}
}

func TestGateIsTerminal(t *testing.T) {
	t.Parallel()

	g := schema.NewGate(nil)
	assert.Equal(t, schema.Unvalidated, g.State())

	err := g.Validate(processed(t).Drop("url"))
	require.Error(t, err)
	assert.Equal(t, schema.Failed, g.State())

	// A valid frame cannot flip a failed gate.
	assert.Equal(t, err, g.Validate(processed(t)))
	assert.Equal(t, schema.Failed, g.State())

	ok := schema.NewGate(nil)
	require.NoError(t, ok.Validate(processed(t)))
	assert.Equal(t, schema.Passed, ok.State())
	assert.NoError(t, ok.Validate(nil))
	assert.Equal(t, "passed", ok.State().String())
}

func TestColumnsOrder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		"title", "description", "url", "publishedAt",
		"published_year", "published_month", "published_day", "published_weekday",
		"title_word_count", "description_word_count",
	}, schema.Columns())
}
