// Package storage defines the object store the data mirror syncs against.
// This abstraction keeps the mirror independent of a specific backend
// (Google Cloud Storage in production, memory in tests).
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrBucketNotFound is returned when the configured bucket does not exist.
var ErrBucketNotFound = errors.New("bucket not found")

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is a flat key/value object store.
type ObjectStore interface {
	// PutObject uploads r under key and returns the object's URI.
	PutObject(ctx context.Context, key, contentType string, r io.Reader) (string, error)
	// GetObject streams the object at key into w.
	GetObject(ctx context.Context, key string, w io.Writer) error
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// BucketExists reports ErrBucketNotFound when the bucket is missing.
	BucketExists(ctx context.Context) error
}
