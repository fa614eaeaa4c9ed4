package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockObjectStore is a mock implementation of ObjectStore for testing.
type MockObjectStore struct {
	mock.Mock
}

// PutObject is the mock implementation of PutObject.
func (m *MockObjectStore) PutObject(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	args := m.Called(ctx, key, contentType, r)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// GetObject is the mock implementation of GetObject.
func (m *MockObjectStore) GetObject(ctx context.Context, key string, w io.Writer) error {
	args := m.Called(ctx, key, w)
	return args.Error(0) //nolint:wrapcheck
}

// List is the mock implementation of List.
func (m *MockObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	args := m.Called(ctx, prefix)
	infos, _ := args.Get(0).([]ObjectInfo)
	return infos, args.Error(1) //nolint:wrapcheck
}

// BucketExists is the mock implementation of BucketExists.
func (m *MockObjectStore) BucketExists(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

var _ ObjectStore = (*MockObjectStore)(nil)
