// Package snapshot persists raw API responses as immutable, timestamped JSON
// artifacts and loads the most recent one back as a frame.
//
// Artifacts are named <label>_<YYYYMMDD_HHMMSS>.json. The history is
// append-only: a save never replaces an existing artifact, and the loader
// picks the newest artifact by the timestamp parsed from its name.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/article"
	"github.com/JakeFAU/news-feature-pipeline/internal/frame"
	"github.com/JakeFAU/news-feature-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/metrics"
	"github.com/JakeFAU/news-feature-pipeline/internal/storage/local"
)

// TimestampLayout is the time format embedded in artifact names.
const TimestampLayout = "20060102_150405"

var (
	// ErrNothingToSave is returned when Save is given no records.
	ErrNothingToSave = errors.New("no records to save")
	// ErrNoSnapshot is returned when the raw directory holds no matching artifact.
	ErrNoSnapshot = errors.New("no raw snapshot found")
	// ErrMalformedSnapshot is returned when the newest artifact cannot be parsed.
	ErrMalformedSnapshot = errors.New("malformed raw snapshot")
)

var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Clock supplies the creation time of new artifacts.
type Clock interface {
	Now() time.Time
}

// Snapshot describes one raw artifact on disk.
type Snapshot struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Config locates the raw artifacts.
type Config struct {
	// Dir is the raw data directory.
	Dir string
	// SourceLabel selects which artifacts LoadLatest and List consider.
	SourceLabel string
}

// Store writes and reads raw snapshots in a single directory.
type Store struct {
	dir     string
	label   string
	pattern *regexp.Regexp
	clock   Clock
	hasher  *sha256.Hasher
	logger  *zap.Logger
}

// New builds a Store. No filesystem access happens until Save or LoadLatest.
func New(cfg Config, clock Clock, logger *zap.Logger) (*Store, error) {
	if !labelPattern.MatchString(cfg.SourceLabel) {
		return nil, fmt.Errorf("invalid source label %q", cfg.SourceLabel)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("raw data directory is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{
		dir:     cfg.Dir,
		label:   cfg.SourceLabel,
		pattern: namePattern(cfg.SourceLabel),
		clock:   clock,
		hasher:  sha256.New(),
		logger:  logging.OrNop(logger).Named("snapshot"),
	}, nil
}

// FileName returns the artifact name for label at t.
func FileName(label string, t time.Time) string {
	return fmt.Sprintf("%s_%s.json", label, t.UTC().Format(TimestampLayout))
}

func namePattern(label string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(label) + `_(\d{8}_\d{6})\.json$`)
}

// Save writes records as an indented JSON array and returns the artifact
// path. An empty batch writes nothing and returns ErrNothingToSave.
func (s *Store) Save(ctx context.Context, records []article.Record, sourceLabel string) (string, error) {
	if len(records) == 0 {
		s.logger.Warn("no records to save; skipping raw snapshot")
		return "", ErrNothingToSave
	}
	if !labelPattern.MatchString(sourceLabel) {
		return "", fmt.Errorf("invalid source label %q", sourceLabel)
	}

	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode raw snapshot: %w", err)
	}

	blobs, err := local.New(local.Config{BaseDir: s.dir})
	if err != nil {
		return "", fmt.Errorf("prepare raw directory: %w", err)
	}
	nameAt := func(t time.Time) string { return FileName(sourceLabel, t) }
	path, _, err := blobs.PutUnique(ctx, s.clock.Now(), nameAt, data)
	if err != nil {
		return "", fmt.Errorf("write raw snapshot: %w", err)
	}

	digest := s.hasher.Hash(data)
	metrics.ObserveArtifact("raw")
	s.logger.Info("raw snapshot saved",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.String("sha256", digest),
	)
	return path, nil
}

// List returns the matching artifacts, newest first.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	blobs, err := local.Open(local.Config{BaseDir: s.dir})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open raw directory: %w", err)
	}
	names, err := blobs.List(ctx)
	if err != nil {
		return nil, err
	}

	var snaps []Snapshot
	for _, name := range names {
		m := s.pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		created, err := time.ParseInLocation(TimestampLayout, m[1], time.UTC)
		if err != nil {
			s.logger.Debug("ignoring artifact with invalid timestamp", zap.String("name", name))
			continue
		}
		snaps = append(snaps, Snapshot{
			Name:      name,
			Path:      filepath.Join(blobs.BaseDir(), name),
			Label:     s.label,
			CreatedAt: created,
		})
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].Name > snaps[j].Name
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Latest returns the newest artifact, or ErrNoSnapshot.
func (s *Store) Latest(ctx context.Context) (Snapshot, error) {
	snaps, err := s.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		s.logger.Warn("no raw snapshot available", zap.String("dir", s.dir), zap.String("label", s.label))
		return Snapshot{}, ErrNoSnapshot
	}
	return snaps[0], nil
}

// LoadLatest parses the newest artifact into a frame.
func (s *Store) LoadLatest(ctx context.Context) (*frame.Frame, Snapshot, error) {
	snap, err := s.Latest(ctx)
	if err != nil {
		return nil, Snapshot{}, err
	}
	blobs, err := local.Open(local.Config{BaseDir: s.dir})
	if err != nil {
		return nil, snap, fmt.Errorf("open raw directory: %w", err)
	}
	data, err := blobs.Get(ctx, snap.Name)
	if err != nil {
		return nil, snap, fmt.Errorf("read raw snapshot: %w", err)
	}

	records, err := decode(data)
	if err != nil {
		s.logger.Error("raw snapshot is not a JSON array of objects",
			zap.String("path", snap.Path),
			zap.Error(err),
		)
		return nil, snap, fmt.Errorf("%w: %s: %w", ErrMalformedSnapshot, snap.Name, err)
	}

	f := frame.FromRecords(records)
	s.logger.Info("raw snapshot loaded",
		zap.String("path", snap.Path),
		zap.Int("rows", f.Len()),
		zap.Strings("columns", f.Columns()),
	)
	return f, snap, nil
}

func decode(data []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var records []map[string]any
	if err := dec.Decode(&records); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON array")
	}
	if records == nil {
		return nil, fmt.Errorf("expected a JSON array")
	}
	return records, nil
}
