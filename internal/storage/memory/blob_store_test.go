package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-feature-pipeline/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "raw/a.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/a.json", uri)

	payload[0] = 'C'
	var buf bytes.Buffer
	require.NoError(t, store.GetObject(context.Background(), "raw/a.json", &buf))
	assert.Equal(t, "content", buf.String(), "stored copy is independent of the caller's slice")
}

func TestBlobStoreList(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, key := range []string{"p/raw/b.json", "p/raw/a.json", "p/processed/c.csv"} {
		_, err := store.PutObject(ctx, key, "", strings.NewReader(key))
		require.NoError(t, err)
	}

	got, err := store.List(ctx, "p/raw/")
	require.NoError(t, err)
	assert.Equal(t, []storage.ObjectInfo{
		{Key: "p/raw/a.json", Size: int64(len("p/raw/a.json"))},
		{Key: "p/raw/b.json", Size: int64(len("p/raw/b.json"))},
	}, got)
	assert.Len(t, store.Keys(), 3)
}

func TestBlobStoreMissing(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	require.NoError(t, store.BucketExists(context.Background()))
	store.SetMissing(true)
	require.ErrorIs(t, store.BucketExists(context.Background()), storage.ErrBucketNotFound)

	err := store.GetObject(context.Background(), "nope", &bytes.Buffer{})
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}
