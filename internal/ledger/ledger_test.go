package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metastore"
)

func TestRecordCountsDistinctChunksOnce(t *testing.T) {
	ctx := context.Background()
	l := New(metastore.NewMemory())

	const chunks = 7
	for i := 0; i < chunks; i++ {
		isNew, uploaded, err := l.Record(ctx, "up1", "a.bin", i, int32(i+1), fmt.Sprintf("tag-%d", i))
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.Equal(t, int64(i+1), uploaded)
	}

	// Duplicates with the same tag never change the count.
	for i := 0; i < chunks; i++ {
		isNew, uploaded, err := l.Record(ctx, "up1", "a.bin", i, int32(i+1), fmt.Sprintf("tag-%d", i))
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, int64(chunks), uploaded)
	}

	n, err := l.Count(ctx, "up1")
	require.NoError(t, err)
	assert.Equal(t, int64(chunks), n)
}

func TestRecordCountArrivalOrderIndependent(t *testing.T) {
	ctx := context.Background()
	l := New(metastore.NewMemory())

	order := []int{4, 0, 3, 1, 2}
	for _, i := range order {
		_, _, err := l.Record(ctx, "up1", "a.bin", i, int32(i+1), "t")
		require.NoError(t, err)
	}
	n, err := l.Count(ctx, "up1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRecordConcurrentDuplicatesNeverDoubleCount(t *testing.T) {
	ctx := context.Background()
	l := New(metastore.NewMemory())

	const chunks = 20
	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		for dup := 0; dup < 3; dup++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := l.Record(ctx, "up1", "a.bin", i, int32(i+1), fmt.Sprintf("tag-%d", i))
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	n, err := l.Count(ctx, "up1")
	require.NoError(t, err)
	assert.Equal(t, int64(chunks), n)
}

func TestRecordDifferentTagConflicts(t *testing.T) {
	ctx := context.Background()
	l := New(metastore.NewMemory())

	_, _, err := l.Record(ctx, "up1", "a.bin", 0, 1, "tag-a")
	require.NoError(t, err)

	_, _, err = l.Record(ctx, "up1", "a.bin", 0, 1, "tag-b")
	assert.True(t, fault.Is(err, fault.KindConflict))

	n, err := l.Count(ctx, "up1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCollectReportsMissingIndices(t *testing.T) {
	ctx := context.Background()
	l := New(metastore.NewMemory())

	for _, i := range []int{0, 2, 4} {
		_, _, err := l.Record(ctx, "up1", "a.bin", i, int32(i+1), "t")
		require.NoError(t, err)
	}

	records, missing, err := l.Collect(ctx, "up1", "a.bin", 5)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, []int{1, 3}, missing)
	assert.Equal(t, int32(3), records[2].PartNumber)
}

func TestPurgeRemovesRecordsAndCounter(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemory()
	l := New(store)

	for i := 0; i < 3; i++ {
		_, _, err := l.Record(ctx, "up1", "a.bin", i, int32(i+1), "t")
		require.NoError(t, err)
	}
	require.NoError(t, l.Purge(ctx, "up1"))

	n, err := l.Count(ctx, "up1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, missing, err := l.Collect(ctx, "up1", "a.bin", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, missing)
}

func TestCountEmptyUploadIsZero(t *testing.T) {
	l := New(metastore.NewMemory())
	n, err := l.Count(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
