// Package frame provides the small columnar table the processing stages pass
// between each other. Every column carries a realized kind, so the schema gate
// can check types the way the downstream consumer will see them.
package frame

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// Kind is the realized type of a column.
type Kind int

// Supported column kinds. KindObject holds mixed or structured values.
const (
	KindObject Kind = iota
	KindString
	KindInt64
	KindFloat64
	KindBool
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return "object"
	}
}

// Column is a named, typed slice of nullable values. A nil element is null.
// Non-null elements are string, int64, float64, bool or time.Time according to
// Kind; KindObject columns may hold anything.
type Column struct {
	Name   string
	Kind   Kind
	Values []any
}

// Frame is an ordered set of equal-length columns.
type Frame struct {
	columns []*Column
	index   map[string]int
	rows    int
}

// New returns an empty frame with the given number of rows and no columns.
func New(rows int) *Frame {
	return &Frame{index: make(map[string]int), rows: rows}
}

// Len returns the number of rows. A nil frame has zero rows.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return f.rows
}

// Empty reports whether the frame is nil or has no rows.
func (f *Frame) Empty() bool {
	return f.Len() == 0
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	if f == nil {
		return nil
	}
	names := make([]string, len(f.columns))
	for i, c := range f.columns {
		names[i] = c.Name
	}
	return names
}

// Has reports whether the named column exists.
func (f *Frame) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.index[name]
	return ok
}

// Column returns the named column.
func (f *Frame) Column(name string) (*Column, bool) {
	if f == nil {
		return nil, false
	}
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.columns[i], true
}

// Value returns the cell at (name, row), or nil when the column is absent.
func (f *Frame) Value(name string, row int) any {
	c, ok := f.Column(name)
	if !ok || row < 0 || row >= len(c.Values) {
		return nil
	}
	return c.Values[row]
}

// Set adds or replaces a column in place. Replaced columns keep their position.
func (f *Frame) Set(c Column) error {
	if len(c.Values) != f.rows {
		return fmt.Errorf("column %q has %d values, frame has %d rows", c.Name, len(c.Values), f.rows)
	}
	col := c
	if i, ok := f.index[c.Name]; ok {
		f.columns[i] = &col
		return nil
	}
	f.index[c.Name] = len(f.columns)
	f.columns = append(f.columns, &col)
	return nil
}

// Drop returns a copy of the frame without the named column.
func (f *Frame) Drop(name string) *Frame {
	out := New(f.Len())
	if f == nil {
		return out
	}
	for _, c := range f.columns {
		if c.Name == name {
			continue
		}
		_ = out.Set(cloneColumn(c, nil))
	}
	return out
}

// Take returns a new frame holding the rows at idx, in that order.
func (f *Frame) Take(idx []int) *Frame {
	out := New(len(idx))
	if f == nil {
		return out
	}
	for _, c := range f.columns {
		_ = out.Set(cloneColumn(c, idx))
	}
	return out
}

// Clone returns a deep copy of the column slices (cell values are shared).
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := New(f.rows)
	for _, c := range f.columns {
		_ = out.Set(cloneColumn(c, nil))
	}
	return out
}

// Equal reports whether two frames have the same columns, kinds and values.
func Equal(a, b *Frame) bool {
	if a.Len() != b.Len() {
		return false
	}
	if !reflect.DeepEqual(a.Columns(), b.Columns()) {
		return false
	}
	for _, name := range a.Columns() {
		ca, _ := a.Column(name)
		cb, _ := b.Column(name)
		if ca.Kind != cb.Kind || !reflect.DeepEqual(ca.Values, cb.Values) {
			return false
		}
	}
	return true
}

func cloneColumn(c *Column, idx []int) Column {
	if idx == nil {
		values := make([]any, len(c.Values))
		copy(values, c.Values)
		return Column{Name: c.Name, Kind: c.Kind, Values: values}
	}
	values := make([]any, len(idx))
	for i, row := range idx {
		values[i] = c.Values[row]
	}
	return Column{Name: c.Name, Kind: c.Kind, Values: values}
}

// FromRecords builds a frame from decoded JSON objects. Columns are the union
// of keys; a key first appearing in a later record is null in earlier rows.
// Go maps are unordered, so keys are visited sorted within each record.
func FromRecords(records []map[string]any) *Frame {
	f := New(len(records))
	var order []string
	seen := make(map[string]bool)
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}
	for _, name := range order {
		values := make([]any, len(records))
		for i, rec := range records {
			values[i] = normalizeJSON(rec[name])
		}
		kind := InferKind(values)
		if kind == KindFloat64 {
			for i, v := range values {
				if n, ok := v.(int64); ok {
					values[i] = float64(n)
				}
			}
		}
		_ = f.Set(Column{Name: name, Kind: kind, Values: values})
	}
	return f
}

// InferKind picks the narrowest kind holding every non-null value. All-null
// columns are KindObject.
func InferKind(values []any) Kind {
	var nonNull, strs, ints, floats, bools, timestamps int
	for _, v := range values {
		switch v.(type) {
		case nil:
			continue
		case string:
			strs++
		case int64:
			ints++
		case float64:
			floats++
		case bool:
			bools++
		case time.Time:
			timestamps++
		}
		nonNull++
	}
	switch {
	case nonNull == 0:
		return KindObject
	case strs == nonNull:
		return KindString
	case ints == nonNull:
		return KindInt64
	case ints+floats == nonNull:
		return KindFloat64
	case bools == nonNull:
		return KindBool
	case timestamps == nonNull:
		return KindTimestamp
	default:
		return KindObject
	}
}

// normalizeJSON turns json.Number into int64 when it is integral and fits,
// float64 otherwise. Other decoded values pass through.
func normalizeJSON(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	fl, err := n.Float64()
	if err != nil || math.IsInf(fl, 0) {
		return n.String()
	}
	return fl
}
