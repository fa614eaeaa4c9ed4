// Package local implements an append-only local filesystem artifact store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxNameCollisions bounds how far PutUnique walks forward looking for a free name.
const maxNameCollisions = 60

// ErrObjectExists is returned when a write would replace an existing artifact.
var ErrObjectExists = errors.New("object already exists")

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the directory artifacts are written to and listed from.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to a single directory and never overwrites them.
type BlobStore struct {
	baseDir string
}

// New creates the base directory when needed and verifies it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe, err := os.CreateTemp(cfg.BaseDir, ".writable_test")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("failed to close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// Open returns a store over an existing directory without creating it. A
// missing directory yields an error wrapping fs.ErrNotExist.
func Open(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// BaseDir returns the directory backing the store.
func (s *BlobStore) BaseDir() string {
	return s.baseDir
}

// PutObject writes data under name and returns the file path. The file only
// becomes visible once fully written; an existing file is never replaced.
func (s *BlobStore) PutObject(ctx context.Context, name string, data io.Reader) (string, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".tmp-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // the temp name is always discarded

	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Link(tmpName, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s: %w", name, ErrObjectExists)
		}
		return "", fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return fullPath, nil
}

// PutUnique writes data under nameAt(t), stepping t forward one second while
// the name is taken. It returns the path and the timestamp actually used.
func (s *BlobStore) PutUnique(
	ctx context.Context,
	t time.Time,
	nameAt func(time.Time) string,
	data []byte,
) (string, time.Time, error) {
	for i := 0; i < maxNameCollisions; i++ {
		stamp := t.Add(time.Duration(i) * time.Second)
		path, err := s.PutObject(ctx, nameAt(stamp), strings.NewReader(string(data)))
		if errors.Is(err, ErrObjectExists) {
			continue
		}
		if err != nil {
			return "", time.Time{}, err
		}
		return path, stamp, nil
	}
	return "", time.Time{}, fmt.Errorf("no free artifact name within %d seconds of %s: %w",
		maxNameCollisions, t.Format(time.RFC3339), ErrObjectExists)
}

// List returns the names of regular, non-hidden files in the base directory, sorted.
func (s *BlobStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.baseDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Get reads the named artifact.
func (s *BlobStore) Get(ctx context.Context, name string) ([]byte, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- resolve() confines the path to baseDir.
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// resolve joins name onto the base directory and rejects traversal.
func (s *BlobStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("path is required")
	}
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(filepath.Join(s.baseDir, name))
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}
