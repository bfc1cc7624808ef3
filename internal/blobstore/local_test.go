package blobstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage-io/stowage/internal/fault"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), "stowage/")
	require.NoError(t, err)
	return l
}

func TestLocalMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	uploadID, err := l.CreateMultipartUpload(ctx, "dst/object.bin")
	require.NoError(t, err)

	partA := bytes.Repeat([]byte{'a'}, 1024)
	partB := bytes.Repeat([]byte{'b'}, 1024)
	partC := bytes.Repeat([]byte{'c'}, 100) // terminal part may be short

	var parts []Part
	for i, data := range [][]byte{partA, partB, partC} {
		tag, err := l.UploadPart(ctx, "dst/object.bin", uploadID, int32(i+1), data)
		require.NoError(t, err)
		parts = append(parts, Part{PartNumber: int32(i + 1), ETag: tag})
	}

	require.NoError(t, l.CompleteMultipartUpload(ctx, "dst/object.bin", uploadID, parts))

	info, err := l.Head(ctx, "dst/object.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(2148), info.Size)

	r, err := l.NewRangeReader(ctx, "dst/object.bin", 1020, 8)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaabbbb"), got)
}

func TestLocalCompleteRejectsOutOfOrder(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	uploadID, err := l.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 1, []byte("x"))
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 2, []byte("y"))
	require.NoError(t, err)

	err = l.CompleteMultipartUpload(ctx, "k", uploadID, []Part{
		{PartNumber: 2}, {PartNumber: 1},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestLocalCompleteRejectsNonContiguous(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	uploadID, err := l.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 1, []byte("x"))
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 3, []byte("y"))
	require.NoError(t, err)

	err = l.CompleteMultipartUpload(ctx, "k", uploadID, []Part{
		{PartNumber: 1}, {PartNumber: 3},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestLocalCompleteRejectsMismatchedNonTerminalSize(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	uploadID, err := l.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 1, bytes.Repeat([]byte{'a'}, 1000))
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 2, bytes.Repeat([]byte{'b'}, 500))
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 3, []byte("tail"))
	require.NoError(t, err)

	err = l.CompleteMultipartUpload(ctx, "k", uploadID, []Part{
		{PartNumber: 1}, {PartNumber: 2}, {PartNumber: 3},
	})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestLocalAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	uploadID, err := l.CreateMultipartUpload(ctx, "k")
	require.NoError(t, err)
	_, err = l.UploadPart(ctx, "k", uploadID, 1, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.AbortMultipartUpload(ctx, "k", uploadID))
	require.NoError(t, l.AbortMultipartUpload(ctx, "k", uploadID))
	require.NoError(t, l.AbortMultipartUpload(ctx, "k", "never-existed"))

	_, err = l.UploadPart(ctx, "k", uploadID, 2, []byte("y"))
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestLocalCopyAndDelete(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	require.NoError(t, l.Put(ctx, "src", strings.NewReader("payload")))
	require.NoError(t, l.Copy(ctx, "src", "dst"))

	info, err := l.Head(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	require.NoError(t, l.Delete(ctx, "src"))
	require.NoError(t, l.Delete(ctx, "src")) // absent delete is fine
	_, err = l.Head(ctx, "src")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestLocalRejectsTraversalKeys(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t)

	_, err := l.Head(ctx, "../../etc/passwd")
	assert.True(t, fault.Is(err, fault.KindValidation))
}
