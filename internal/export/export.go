// Package export commits validated frames as processed artifacts.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tealeg/xlsx/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
	"github.com/JakeFAU/news-feature-pipeline/internal/schema"
	"github.com/JakeFAU/news-feature-pipeline/internal/storage/local"
	"github.com/JakeFAU/news-feature-pipeline/internal/transform"
)

const (
	nameLayout = "20060102_150405"
	sheetName  = "processed"
)

// ErrNothingToSave is returned when Save is given an empty frame.
var ErrNothingToSave = errors.New("no rows to save")

// Clock supplies artifact timestamps.
type Clock interface {
	Now() time.Time
}

// Config controls the processed writer.
type Config struct {
	Dir string
	// XLSX also writes a workbook next to the CSV.
	XLSX bool
}

// Writer writes processed_<ts>.csv artifacts and, optionally, a matching workbook.
type Writer struct {
	cfg     Config
	columns []string
	clock   Clock
	hasher  *sha256.Hasher
	logger  *zap.Logger
}

// New creates a Writer for the fixed processed schema.
func New(cfg Config, clock Clock, logger *zap.Logger) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("processed data directory is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Writer{
		cfg:     cfg,
		columns: schema.Columns(),
		clock:   clock,
		hasher:  sha256.New(),
		logger:  logging.OrNop(logger).Named("export"),
	}, nil
}

// Save writes f as CSV and returns the CSV path. The workbook, when enabled,
// is best effort: its failure is logged and does not undo the CSV.
func (w *Writer) Save(ctx context.Context, f *frame.Frame) (string, error) {
	if f.Empty() {
		w.logger.Warn("no rows to save; skipping processed artifact")
		return "", ErrNothingToSave
	}
	for _, name := range w.columns {
		if !f.Has(name) {
			return "", fmt.Errorf("frame is missing column %q", name)
		}
	}

	data, err := w.encodeCSV(f)
	if err != nil {
		return "", err
	}

	blobs, err := local.New(local.Config{BaseDir: w.cfg.Dir})
	if err != nil {
		return "", fmt.Errorf("prepare processed directory: %w", err)
	}
	path, stamp, err := blobs.PutUnique(ctx, w.clock.Now(), nameFunc("csv"), data)
	if err != nil {
		return "", fmt.Errorf("write processed csv: %w", err)
	}
	digest := w.hasher.Hash(data)
	metrics.ObserveArtifact("csv")
	w.logger.Info("processed csv saved",
		zap.String("path", path),
		zap.Int("rows", f.Len()),
		zap.String("sha256", digest),
	)

	if w.cfg.XLSX {
		if xlsxPath, err := w.saveXLSX(ctx, blobs, stamp, f); err != nil {
			w.logger.Warn("processed workbook not written", zap.Error(err))
		} else {
			w.logger.Info("processed workbook saved", zap.String("path", xlsxPath))
		}
	}
	return path, nil
}

func nameFunc(ext string) func(time.Time) string {
	return func(t time.Time) string {
		return fmt.Sprintf("processed_%s.%s", t.UTC().Format(nameLayout), ext)
	}
}

func (w *Writer) encodeCSV(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(w.columns); err != nil {
		return nil, fmt.Errorf("encode csv header: %w", err)
	}
	record := make([]string, len(w.columns))
	for row := 0; row < f.Len(); row++ {
		for i, name := range w.columns {
			record[i] = cell(f.Value(name, row))
		}
		if err := cw.Write(record); err != nil {
			return nil, fmt.Errorf("encode csv row %d: %w", row, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.Format(transform.TimestampLayout)
	default:
		s, _ := transform.Text(x)
		return s
	}
}

func (w *Writer) saveXLSX(ctx context.Context, blobs *local.BlobStore, stamp time.Time, f *frame.Frame) (string, error) {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("add sheet: %w", err)
	}

	header := sheet.AddRow()
	for _, name := range w.columns {
		header.AddCell().Value = name
	}
	for row := 0; row < f.Len(); row++ {
		r := sheet.AddRow()
		for _, name := range w.columns {
			c := r.AddCell()
			switch x := f.Value(name, row).(type) {
			case nil:
			case int64:
				c.SetInt64(x)
			case time.Time:
				c.SetDateTime(x)
			default:
				c.Value = cell(x)
			}
		}
	}

	var buf bytes.Buffer
	if err := file.Write(&buf); err != nil {
		return "", fmt.Errorf("encode workbook: %w", err)
	}
	path, _, err := blobs.PutUnique(ctx, stamp, nameFunc("xlsx"), buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("write workbook: %w", err)
	}
	metrics.ObserveArtifact("xlsx")
	return path, nil
}
