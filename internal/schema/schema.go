// Package schema gates processed frames against the fixed output schema.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/article"
	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
	"github.com/JakeFAU/news-feature-pipeline/internal/transform"
)

// ErrSchemaMismatch is wrapped by every validation failure.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Field is one expected column.
type Field struct {
	Name string
	Kind frame.Kind
}

// Expected is the processed table schema, in output order.
var Expected = []Field{
	{Name: article.FieldTitle, Kind: frame.KindString},
	{Name: article.FieldDescription, Kind: frame.KindString},
	{Name: article.FieldURL, Kind: frame.KindString},
	{Name: article.FieldPublishedAt, Kind: frame.KindTimestamp},
	{Name: transform.ColPublishedYear, Kind: frame.KindInt64},
	{Name: transform.ColPublishedMonth, Kind: frame.KindInt64},
	{Name: transform.ColPublishedDay, Kind: frame.KindInt64},
	{Name: transform.ColPublishedWeekday, Kind: frame.KindInt64},
	{Name: transform.ColTitleWordCount, Kind: frame.KindInt64},
	{Name: transform.ColDescriptionWordCount, Kind: frame.KindInt64},
}

// Columns returns the expected column names in order.
func Columns() []string {
	names := make([]string, len(Expected))
	for i, f := range Expected {
		names[i] = f.Name
	}
	return names
}

// Mismatch describes a column whose kind differs from the schema.
type Mismatch struct {
	Column   string
	Expected frame.Kind
	Actual   frame.Kind
	// Detail is set when an object column holds a non-text value.
	Detail string
}

// Error reports every way a frame diverges from the schema.
type Error struct {
	Empty      bool
	Missing    []string
	Mismatches []Mismatch
}

func (e *Error) Error() string {
	if e.Empty {
		return "schema mismatch: frame is empty"
	}
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns: "+strings.Join(e.Missing, ", "))
	}
	for _, m := range e.Mismatches {
		s := fmt.Sprintf("column %s: expected %s, got %s", m.Column, m.Expected, m.Actual)
		if m.Detail != "" {
			s += " (" + m.Detail + ")"
		}
		parts = append(parts, s)
	}
	return "schema mismatch: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrSchemaMismatch.
func (e *Error) Unwrap() error {
	return ErrSchemaMismatch
}

// Check validates f against fields without any state. Extra columns are allowed.
func Check(f *frame.Frame, fields []Field) error {
	if f.Empty() {
		return &Error{Empty: true}
	}
	schemaErr := &Error{}
	for _, field := range fields {
		col, ok := f.Column(field.Name)
		if !ok {
			schemaErr.Missing = append(schemaErr.Missing, field.Name)
			continue
		}
		if m, bad := compare(field, col); bad {
			schemaErr.Mismatches = append(schemaErr.Mismatches, m)
		}
	}
	if len(schemaErr.Missing) == 0 && len(schemaErr.Mismatches) == 0 {
		return nil
	}
	return schemaErr
}

// compare accepts an exact kind match. Text fields also accept an object
// column whose non-null values are all strings.
func compare(field Field, col *frame.Column) (Mismatch, bool) {
	if col.Kind == field.Kind {
		return Mismatch{}, false
	}
	m := Mismatch{Column: field.Name, Expected: field.Kind, Actual: col.Kind}
	if field.Kind != frame.KindString || col.Kind != frame.KindObject {
		return m, true
	}
	for row, v := range col.Values {
		if v == nil {
			continue
		}
		if _, ok := v.(string); !ok {
			m.Detail = fmt.Sprintf("row %d holds %T", row, v)
			return m, true
		}
	}
	return Mismatch{}, false
}

// State is the lifecycle of a Gate.
type State int

// Gate states. Passed and Failed are terminal.
const (
	Unvalidated State = iota
	Passed
	Failed
)

func (s State) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	default:
		return "unvalidated"
	}
}

// Gate validates one frame once. Later calls return the recorded outcome.
type Gate struct {
	mu     sync.Mutex
	state  State
	err    error
	fields []Field
	logger *zap.Logger
}

// NewGate returns an unvalidated gate over the Expected schema.
func NewGate(logger *zap.Logger) *Gate {
	return &Gate{fields: Expected, logger: logging.OrNop(logger).Named("schema")}
}

// Validate checks f on the first call and records the outcome.
func (g *Gate) Validate(f *frame.Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Unvalidated {
		return g.err
	}
	g.err = Check(f, g.fields)
	if g.err != nil {
		g.state = Failed
		metrics.ObserveValidation(false)
		g.logger.Error("schema validation failed", zap.Error(g.err))
		return g.err
	}
	g.state = Passed
	metrics.ObserveValidation(true)
	g.logger.Info("schema validation passed", zap.Int("rows", f.Len()))
	return nil
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
