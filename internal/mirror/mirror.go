// Package mirror syncs local data directories with an object store bucket.
//
// A directory such as data/raw maps to <prefix>/raw/... in the bucket. Sync is
// additive in both directions: nothing is deleted, and files whose size
// already matches on the other side are skipped.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/news-feature-pipeline/internal/logging"
	"github.com/JakeFAU/news-feature-pipeline/internal/storage"
	"github.com/JakeFAU/news-feature-pipeline/internal/storage/local"
)

// Direction selects which side is the source.
type Direction string

// Sync directions.
const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Upload, Download:
		return d, nil
	default:
		return "", fmt.Errorf("direction must be %q or %q, got %q", Upload, Download, s)
	}
}

// Stats summarizes one directory sync.
type Stats struct {
	Dir         string `json:"dir"`
	Transferred int    `json:"transferred"`
	Skipped     int    `json:"skipped"`
	Missing     bool   `json:"missing,omitempty"`
}

// Mirror copies directory trees between the local filesystem and a bucket.
type Mirror struct {
	store  storage.ObjectStore
	prefix string
	logger *zap.Logger
}

// New creates a Mirror. prefix may be empty.
func New(store storage.ObjectStore, prefix string, logger *zap.Logger) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	return &Mirror{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logging.OrNop(logger).Named("mirror"),
	}, nil
}

// CheckBucket verifies the bucket exists and is reachable.
func (m *Mirror) CheckBucket(ctx context.Context) error {
	if err := m.store.BucketExists(ctx); err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	return nil
}

// Sync runs Upload or Download for every dir, stopping at the first error.
func (m *Mirror) Sync(ctx context.Context, dir Direction, dirs []string) ([]Stats, error) {
	out := make([]Stats, 0, len(dirs))
	for _, d := range dirs {
		var (
			st  Stats
			err error
		)
		switch dir {
		case Upload:
			st, err = m.Upload(ctx, d)
		case Download:
			st, err = m.Download(ctx, d)
		default:
			return out, fmt.Errorf("unknown direction %q", dir)
		}
		out = append(out, st)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// remoteRoot returns the key prefix for localDir, ending in "/".
func (m *Mirror) remoteRoot(localDir string) string {
	base := filepath.Base(filepath.Clean(localDir))
	if m.prefix == "" {
		return base + "/"
	}
	return m.prefix + "/" + base + "/"
}

// Upload copies every regular file under localDir to the bucket. A missing
// directory is skipped.
func (m *Mirror) Upload(ctx context.Context, localDir string) (Stats, error) {
	st := Stats{Dir: localDir}
	info, err := os.Stat(localDir)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Info("skipping missing directory", zap.String("dir", localDir))
		st.Missing = true
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("stat %s: %w", localDir, err)
	}
	if !info.IsDir() {
		return st, fmt.Errorf("%s is not a directory", localDir)
	}

	root := m.remoteRoot(localDir)
	remote, err := m.sizes(ctx, root)
	if err != nil {
		return st, err
	}

	err = filepath.WalkDir(localDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		key := root + filepath.ToSlash(rel)
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if size, ok := remote[key]; ok && size == fi.Size() {
			st.Skipped++
			return nil
		}
		data, err := os.ReadFile(p) // #nosec G304 -- p comes from walking the configured directory.
		if err != nil {
			return err
		}
		uri, err := m.store.PutObject(ctx, key, mime.TypeByExtension(path.Ext(key)), bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("upload %s: %w", p, err)
		}
		st.Transferred++
		m.logger.Debug("uploaded", zap.String("path", p), zap.String("uri", uri))
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("upload %s: %w", localDir, err)
	}
	m.logger.Info("directory uploaded",
		zap.String("dir", localDir),
		zap.String("remote", root),
		zap.Int("transferred", st.Transferred),
		zap.Int("skipped", st.Skipped),
	)
	return st, nil
}

// Download copies every object under the directory's remote root into
// localDir, creating it when needed.
func (m *Mirror) Download(ctx context.Context, localDir string) (Stats, error) {
	st := Stats{Dir: localDir}
	if err := os.MkdirAll(localDir, 0o750); err != nil {
		return st, fmt.Errorf("create %s: %w", localDir, err)
	}
	root := m.remoteRoot(localDir)
	objects, err := m.store.List(ctx, root)
	if err != nil {
		return st, fmt.Errorf("list %s: %w", root, err)
	}

	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, root)
		target, err := confine(localDir, rel)
		if err != nil {
			m.logger.Warn("skipping object outside the directory", zap.String("key", obj.Key))
			continue
		}
		if fi, err := os.Stat(target); err == nil && fi.Size() == obj.Size {
			st.Skipped++
			continue
		}

		var buf bytes.Buffer
		if err := m.store.GetObject(ctx, obj.Key, &buf); err != nil {
			return st, fmt.Errorf("download %s: %w", obj.Key, err)
		}
		if err := writeFile(target, buf.Bytes()); err != nil {
			return st, err
		}
		st.Transferred++
	}
	m.logger.Info("directory downloaded",
		zap.String("dir", localDir),
		zap.String("remote", root),
		zap.Int("transferred", st.Transferred),
		zap.Int("skipped", st.Skipped),
	)
	return st, nil
}

// confine resolves rel under dir and rejects keys that would escape it.
func confine(dir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty key")
	}
	cleanDir := filepath.Clean(dir)
	target := filepath.Clean(filepath.Join(cleanDir, filepath.FromSlash(rel)))
	if !strings.HasPrefix(target, cleanDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return target, nil
}

// writeFile replaces target through a sibling temp file.
func writeFile(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename into %s: %w", target, err)
	}
	return nil
}

// sizes maps remote keys under root to their sizes.
func (m *Mirror) sizes(ctx context.Context, root string) (map[string]int64, error) {
	objects, err := m.store.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	out := make(map[string]int64, len(objects))
	for _, o := range objects {
		out[o.Key] = o.Size
	}
	return out, nil
}

// EnsureDirs creates each directory when missing, mirroring how a fresh
// checkout is prepared before a download.
func EnsureDirs(dirs []string) error {
	for _, d := range dirs {
		if _, err := local.New(local.Config{BaseDir: d}); err != nil {
			return fmt.Errorf("prepare %s: %w", d, err)
		}
	}
	return nil
}
