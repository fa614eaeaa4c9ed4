// Package transform cleans raw article frames and derives the model features.
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/article"
	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
)

// Derived column names.
const (
	ColPublishedYear        = "published_year"
	ColPublishedMonth       = "published_month"
	ColPublishedDay         = "published_day"
	ColPublishedWeekday     = "published_weekday"
	ColTitleWordCount       = "title_word_count"
	ColDescriptionWordCount = "description_word_count"
)

// TimestampLayout renders timestamps when a value has to become text.
const TimestampLayout = "2006-01-02 15:04:05"

// RequiredText lists the columns that must be present and non-null after cleaning.
var RequiredText = []string{article.FieldTitle, article.FieldDescription, article.FieldURL}

// Transformer runs the cleaning and feature stages.
type Transformer struct {
	logger *zap.Logger
}

// New creates a Transformer.
func New(logger *zap.Logger) *Transformer {
	return &Transformer{logger: logging.OrNop(logger).Named("transform")}
}

// Clean removes duplicate (title, url) pairs keeping the first occurrence,
// then drops rows missing any required text field, then coerces those fields
// to text. A required column absent from the frame counts as all-null.
// Clean never modifies its input and Clean(Clean(f)) equals Clean(f).
func (t *Transformer) Clean(f *frame.Frame) (*frame.Frame, error) {
	if f.Empty() {
		t.logger.Warn("empty frame; nothing to clean")
		return f.Clone(), nil
	}
	before := f.Len()

	seen := make(map[string]struct{}, f.Len())
	keep := make([]int, 0, f.Len())
	for row := 0; row < f.Len(); row++ {
		key := identityKey(f, row)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keep = append(keep, row)
	}
	duplicates := before - len(keep)
	deduped := f.Take(keep)

	keep = keep[:0]
	for row := 0; row < deduped.Len(); row++ {
		complete := true
		for _, name := range RequiredText {
			if deduped.Value(name, row) == nil {
				complete = false
				break
			}
		}
		if complete {
			keep = append(keep, row)
		}
	}
	incomplete := deduped.Len() - len(keep)
	out := deduped.Take(keep)

	for _, name := range RequiredText {
		values := make([]any, out.Len())
		for row := range values {
			s, _ := Text(out.Value(name, row))
			values[row] = s
		}
		if err := out.Set(frame.Column{Name: name, Kind: frame.KindString, Values: values}); err != nil {
			return nil, fmt.Errorf("normalize %s: %w", name, err)
		}
	}

	metrics.ObserveRowsRemoved("duplicate", duplicates)
	metrics.ObserveRowsRemoved("incomplete", incomplete)
	t.logger.Info("frame cleaned",
		zap.Int("rows_in", before),
		zap.Int("duplicates_removed", duplicates),
		zap.Int("incomplete_dropped", incomplete),
		zap.Int("rows_out", out.Len()),
	)
	return out, nil
}

// identityKey renders (title, url) for duplicate detection. Values compare by
// their text form, and nulls compare equal to each other.
func identityKey(f *frame.Frame, row int) string {
	var b strings.Builder
	for _, name := range []string{article.FieldTitle, article.FieldURL} {
		s, ok := Text(f.Value(name, row))
		if !ok {
			b.WriteString("\x00null")
		} else {
			b.WriteString(strconv.Quote(s))
		}
		b.WriteByte('|')
	}
	return b.String()
}

// Text renders a cell as text. It reports false for null.
func Text(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	case json.Number:
		return x.String(), true
	case time.Time:
		return x.Format(TimestampLayout), true
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x), true
		}
		return string(raw), true
	}
}

// Enrich parses publishedAt into a naive timestamp and appends calendar parts
// and word counts. Unparseable or missing dates yield null date parts.
func (t *Transformer) Enrich(f *frame.Frame) (*frame.Frame, error) {
	if f.Empty() {
		t.logger.Warn("empty frame; nothing to enrich")
		return f.Clone(), nil
	}
	out := f.Clone()
	n := out.Len()

	stamps := make([]any, n)
	years := make([]any, n)
	months := make([]any, n)
	days := make([]any, n)
	weekdays := make([]any, n)
	unparsed := 0
	for row := 0; row < n; row++ {
		ts, ok := ParseTimestamp(out.Value(article.FieldPublishedAt, row))
		if !ok {
			unparsed++
			continue
		}
		stamps[row] = ts
		years[row] = int64(ts.Year())
		months[row] = int64(ts.Month())
		days[row] = int64(ts.Day())
		weekdays[row] = int64((int(ts.Weekday()) + 6) % 7)
	}

	columns := []frame.Column{
		{Name: article.FieldPublishedAt, Kind: frame.KindTimestamp, Values: stamps},
		{Name: ColPublishedYear, Kind: frame.KindInt64, Values: years},
		{Name: ColPublishedMonth, Kind: frame.KindInt64, Values: months},
		{Name: ColPublishedDay, Kind: frame.KindInt64, Values: days},
		{Name: ColPublishedWeekday, Kind: frame.KindInt64, Values: weekdays},
		{Name: ColTitleWordCount, Kind: frame.KindInt64, Values: wordCounts(out, article.FieldTitle)},
		{Name: ColDescriptionWordCount, Kind: frame.KindInt64, Values: wordCounts(out, article.FieldDescription)},
	}
	for _, c := range columns {
		if err := out.Set(c); err != nil {
			return nil, fmt.Errorf("derive %s: %w", c.Name, err)
		}
	}

	if unparsed > 0 {
		t.logger.Warn("publishedAt values could not be parsed; date parts left null",
			zap.Int("rows", unparsed),
		)
	}
	t.logger.Info("features derived", zap.Int("rows", n))
	return out, nil
}

// ParseTimestamp parses a publishedAt cell. Zone offsets are dropped and the
// wall clock is kept, so the result is a naive time expressed in UTC.
func ParseTimestamp(v any) (time.Time, bool) {
	var ts time.Time
	switch x := v.(type) {
	case time.Time:
		ts = x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		parsed, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		ts = parsed
	default:
		return time.Time{}, false
	}
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC), true
}

func wordCounts(f *frame.Frame, name string) []any {
	counts := make([]any, f.Len())
	for row := range counts {
		s, _ := Text(f.Value(name, row))
		counts[row] = int64(len(strings.Fields(s)))
	}
	return counts
}
