// Package progress tracks repackaging progress. An in-process cache gives
// low-latency reads within one instance; durable snapshots are written to
// the metastore only at coarse milestones, never per chunk, so progress
// writes stay O(files) rather than O(chunks). Fine-grained percentage is
// always derived from the chunk ledger counter by callers.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metastore"
)

// Stages recorded in snapshots.
const (
	StageCollecting = "collecting"
	StageFinalizing = "finalizing"
	StageFileStart  = "file_start"
	StageFileDone   = "file_complete"
	StageRepackDone = "repackaging_complete"
	StageFailed     = "failed"
)

// Snapshot is the durable milestone record for one upload.
type Snapshot struct {
	Stage       string    `json:"stage"`
	CurrentFile string    `json:"currentFile,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func snapshotKey(uploadID string) string {
	return fmt.Sprintf("progress:%s", uploadID)
}

// Tracker holds live per-upload progress and persists milestones.
type Tracker struct {
	store metastore.Store
	log   *slog.Logger

	live sync.Map // uploadID -> *liveState
}

type liveState struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker(store metastore.Store) *Tracker {
	return &Tracker{store: store, log: slog.With("component", "progress")}
}

// Milestone records a stage transition in the live cache and persists it.
// A snapshot write failure is logged but never fails the caller; the
// ledger remains the source of truth for percentage.
func (t *Tracker) Milestone(ctx context.Context, uploadID, stage, currentFile string) {
	snap := Snapshot{Stage: stage, CurrentFile: currentFile, UpdatedAt: time.Now().UTC()}

	v, _ := t.live.LoadOrStore(uploadID, &liveState{})
	st := v.(*liveState)
	st.mu.Lock()
	st.snap = snap
	st.mu.Unlock()

	data, err := json.Marshal(snap)
	if err == nil {
		err = t.store.Put(ctx, snapshotKey(uploadID), data)
	}
	if err != nil {
		t.log.Warn("failed to persist progress snapshot",
			"upload_id", uploadID, "stage", stage, "error", err)
	}
}

// Snapshot returns the freshest view of an upload's progress: the live
// cache when this instance is driving the work, otherwise the durable
// snapshot. ok is false when neither exists.
func (t *Tracker) Snapshot(ctx context.Context, uploadID string) (Snapshot, bool) {
	if v, loaded := t.live.Load(uploadID); loaded {
		st := v.(*liveState)
		st.mu.Lock()
		snap := st.snap
		st.mu.Unlock()
		return snap, true
	}

	data, err := t.store.Get(ctx, snapshotKey(uploadID))
	if fault.Is(err, fault.KindNotFound) {
		return Snapshot{}, false
	}
	if err != nil {
		t.log.Warn("failed to read progress snapshot", "upload_id", uploadID, "error", err)
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Finish drops the live entry once an upload reaches a terminal state.
// The durable snapshot stays for cross-instance reads.
func (t *Tracker) Finish(uploadID string) {
	t.live.Delete(uploadID)
}

// Purge removes the durable snapshot, used when an upload is cleaned up.
func (t *Tracker) Purge(ctx context.Context, uploadID string) error {
	t.live.Delete(uploadID)
	return t.store.Delete(ctx, snapshotKey(uploadID))
}
