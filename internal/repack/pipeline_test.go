package repack

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/retry"
)

func newTestStore(t *testing.T) blobstore.Store {
	t.Helper()
	l, err := blobstore.NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	return l
}

func testOptions(partSize int64) PipelineOptions {
	return PipelineOptions{
		PartSize:      partSize,
		MaxConcurrent: 4,
		DrainTimeout:  5 * time.Second,
		Retry:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Op: "test"},
	}
}

// hookedStore wraps a real store with injectable behavior.
type hookedStore struct {
	blobstore.Store
	uploadPart func(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error)
	aborts     atomic.Int32
}

func (h *hookedStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	if h.uploadPart != nil {
		return h.uploadPart(ctx, key, uploadID, partNumber, data)
	}
	return h.Store.UploadPart(ctx, key, uploadID, partNumber, data)
}

func (h *hookedStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	h.aborts.Add(1)
	return h.Store.AbortMultipartUpload(ctx, key, uploadID)
}

func readObject(t *testing.T, store blobstore.Store, key string) []byte {
	t.Helper()
	ctx := context.Background()
	info, err := store.Head(ctx, key)
	require.NoError(t, err)
	rc, err := store.NewRangeReader(ctx, key, 0, info.Size)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestPipelineReslicesIrregularSegmentsExactly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const partSize = 10 * 1024
	pipe, err := NewPipeline(ctx, store, "artifact.bin", testOptions(partSize))
	require.NoError(t, err)

	// Feed irregular segments totaling 2.5 parts.
	rng := rand.New(rand.NewSource(42))
	var want bytes.Buffer
	remaining := partSize*2 + partSize/2
	for remaining > 0 {
		n := rng.Intn(3000) + 1
		if n > remaining {
			n = remaining
		}
		seg := make([]byte, n)
		rng.Read(seg)
		want.Write(seg)
		written, err := pipe.Write(seg)
		require.NoError(t, err)
		require.Equal(t, n, written)
		remaining -= n
	}

	require.NoError(t, pipe.Close(ctx))
	assert.Equal(t, 3, pipe.PartCount())
	assert.Equal(t, int64(want.Len()), pipe.BytesIn())

	// Concatenating parts in number order byte-equals the full stream.
	// The local backend already rejects completions whose non-terminal
	// parts are not uniformly sized.
	assert.Equal(t, want.Bytes(), readObject(t, store, "artifact.bin"))
}

func TestPipelineNoFinalShortPartWhenAligned(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const partSize = 4 * 1024
	pipe, err := NewPipeline(ctx, store, "aligned.bin", testOptions(partSize))
	require.NoError(t, err)

	data := bytes.Repeat([]byte{'x'}, partSize*2)
	_, err = pipe.Write(data)
	require.NoError(t, err)
	require.NoError(t, pipe.Close(ctx))

	assert.Equal(t, 2, pipe.PartCount())
	assert.Equal(t, data, readObject(t, store, "aligned.bin"))
}

func TestPipelinePermanentFailureAbortsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	hooked := &hookedStore{Store: newTestStore(t)}
	hooked.uploadPart = func(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
		return "", fault.New(fault.KindValidation, "blobstore.upload_part", "simulated permanent failure")
	}

	const partSize = 1024
	pipe, err := NewPipeline(ctx, hooked, "doomed.bin", testOptions(partSize))
	require.NoError(t, err)

	// Enough writes that the failure is observed even with slot reuse.
	payload := bytes.Repeat([]byte{'z'}, partSize)
	for i := 0; i < 8; i++ {
		if _, err := pipe.Write(payload); err != nil {
			break
		}
	}

	err = pipe.Close(ctx)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindRepackaging))

	assert.Equal(t, int32(1), hooked.aborts.Load())

	// No artifact may exist after a failed run.
	_, err = hooked.Head(ctx, "doomed.bin")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestPipelineDrainTimeout(t *testing.T) {
	ctx := context.Background()
	hooked := &hookedStore{Store: newTestStore(t)}
	hooked.uploadPart = func(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
		return "tag", nil
	}

	opts := testOptions(1024)
	opts.DrainTimeout = 50 * time.Millisecond

	pipe, err := NewPipeline(ctx, hooked, "slow.bin", opts)
	require.NoError(t, err)

	_, err = pipe.Write(bytes.Repeat([]byte{'s'}, 1024))
	require.NoError(t, err)

	err = pipe.Close(ctx)
	assert.True(t, fault.Is(err, fault.KindTimeout))
	assert.Equal(t, int32(1), hooked.aborts.Load())
}

func TestPipelineAbortIsIdempotentAcrossPaths(t *testing.T) {
	ctx := context.Background()
	hooked := &hookedStore{Store: newTestStore(t)}

	pipe, err := NewPipeline(ctx, hooked, "abandoned.bin", testOptions(1024))
	require.NoError(t, err)

	pipe.Abort()
	pipe.Abort()
	_ = pipe.Close(ctx)

	assert.Equal(t, int32(1), hooked.aborts.Load())
}
