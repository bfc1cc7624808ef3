package artifact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metastore"
)

func newTestRegistry(t *testing.T) (*Registry, metastore.Store, blobstore.Store) {
	t.Helper()
	store := metastore.NewMemory()
	blobs, err := blobstore.NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	return NewRegistry(store, blobs), store, blobs
}

func TestResolveDownloadWithPassword(t *testing.T) {
	ctx := context.Background()
	reg, _, blobs := newTestRegistry(t)

	require.NoError(t, blobs.Put(ctx, "artifacts/a1/bundle.zip", strings.NewReader("zipbytes")))

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.NoError(t, reg.Create(ctx, Record{
		ID:           "a1",
		Name:         "bundle.zip",
		Key:          "artifacts/a1/bundle.zip",
		Size:         8,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	_, _, err = reg.ResolveDownload(ctx, "a1", "wrong", time.Minute)
	assert.True(t, fault.Is(err, fault.KindValidation))

	rec, url, err := reg.ResolveDownload(ctx, "a1", "hunter2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "bundle.zip", rec.Name)
	assert.NotEmpty(t, url)
}

func TestUnprotectedArtifactNeedsNoPassword(t *testing.T) {
	ctx := context.Background()
	reg, _, blobs := newTestRegistry(t)

	require.NoError(t, blobs.Put(ctx, "artifacts/a2/x.zip", strings.NewReader("x")))
	require.NoError(t, reg.Create(ctx, Record{ID: "a2", Name: "x.zip", Key: "artifacts/a2/x.zip"}))

	_, _, err := reg.ResolveDownload(ctx, "a2", "", time.Minute)
	require.NoError(t, err)
}

func TestExpiredArtifactReadsAsNotFound(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	require.NoError(t, reg.Create(ctx, Record{
		ID:        "a3",
		Key:       "artifacts/a3/x.zip",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := reg.Get(ctx, "a3")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestSweepRemovesExpiredArtifactsAndBlobs(t *testing.T) {
	ctx := context.Background()
	reg, store, blobs := newTestRegistry(t)

	require.NoError(t, blobs.Put(ctx, "artifacts/old/x.zip", strings.NewReader("old")))
	require.NoError(t, blobs.Put(ctx, "artifacts/new/y.zip", strings.NewReader("new")))
	require.NoError(t, reg.Create(ctx, Record{
		ID: "old", Key: "artifacts/old/x.zip", ExpiresAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, reg.Create(ctx, Record{
		ID: "new", Key: "artifacts/new/y.zip", ExpiresAt: time.Now().Add(time.Hour),
	}))

	sweeper := NewSweeper(reg, store, time.Minute)
	removed, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = blobs.Head(ctx, "artifacts/old/x.zip")
	assert.True(t, fault.Is(err, fault.KindNotFound))
	_, err = blobs.Head(ctx, "artifacts/new/y.zip")
	assert.NoError(t, err)

	rec, err := reg.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "artifacts/new/y.zip", rec.Key)
}
