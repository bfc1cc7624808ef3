package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowage-io/stowage/internal/metastore"
)

func TestMilestoneLiveAndDurable(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemory()
	tr := NewTracker(store)

	tr.Milestone(ctx, "up1", StageFileStart, "a.bin")

	snap, ok := tr.Snapshot(ctx, "up1")
	require.True(t, ok)
	assert.Equal(t, StageFileStart, snap.Stage)
	assert.Equal(t, "a.bin", snap.CurrentFile)

	// A second tracker over the same store sees only the durable copy.
	other := NewTracker(store)
	snap, ok = other.Snapshot(ctx, "up1")
	require.True(t, ok)
	assert.Equal(t, StageFileStart, snap.Stage)
}

func TestSnapshotUnknownUpload(t *testing.T) {
	tr := NewTracker(metastore.NewMemory())
	_, ok := tr.Snapshot(context.Background(), "nope")
	assert.False(t, ok)
}

func TestFinishKeepsDurableSnapshot(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(metastore.NewMemory())

	tr.Milestone(ctx, "up1", StageRepackDone, "")
	tr.Finish("up1")

	snap, ok := tr.Snapshot(ctx, "up1")
	require.True(t, ok)
	assert.Equal(t, StageRepackDone, snap.Stage)
}

func TestPurgeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(metastore.NewMemory())

	tr.Milestone(ctx, "up1", StageFailed, "")
	require.NoError(t, tr.Purge(ctx, "up1"))

	_, ok := tr.Snapshot(ctx, "up1")
	assert.False(t, ok)
}
