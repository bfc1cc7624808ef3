// Package ledger tracks per-chunk upload records. Each chunk gets its own
// immutable-once key so concurrent confirmations never contend, and an
// aggregate counter co-located with the upload gives O(1) progress reads.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metastore"
	"github.com/stowage-io/stowage/internal/metrics"
)

// ChunkRecord is the durable evidence that one chunk reached storage.
type ChunkRecord struct {
	PartNumber int32     `json:"partNumber"`
	Tag        string    `json:"tag"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Ledger provides idempotent chunk recording over the metastore.
type Ledger struct {
	store metastore.Store
}

func New(store metastore.Store) *Ledger {
	return &Ledger{store: store}
}

func chunkKey(uploadID, fileName string, index int) string {
	return fmt.Sprintf("chunk:%s:%s:%d", uploadID, fileName, index)
}

func counterKey(uploadID string) string {
	return fmt.Sprintf("upload:%s:uploaded", uploadID)
}

// Record stores the chunk record if absent and bumps the upload's counter
// exactly once per distinct (file, index). A repeat confirmation with the
// same tag reports isNew=false and leaves the count unchanged; a repeat
// with a different tag is a conflict.
func (l *Ledger) Record(ctx context.Context, uploadID, fileName string, index int, partNumber int32, tag string) (isNew bool, uploaded int64, err error) {
	rec := ChunkRecord{PartNumber: partNumber, Tag: tag, RecordedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, 0, fmt.Errorf("marshal chunk record: %w", err)
	}

	created, err := l.store.PutIfAbsent(ctx, chunkKey(uploadID, fileName, index), data)
	if err != nil {
		return false, 0, err
	}

	if created {
		// The conditional put is the gate: only the one caller that
		// created the key increments, so retries and concurrent
		// duplicates can never double-count.
		n, err := l.store.Incr(ctx, counterKey(uploadID), 1)
		if err != nil {
			return true, 0, err
		}
		if m := metrics.Get(); m != nil {
			m.IncChunksRecorded()
		}
		return true, n, nil
	}

	existing, err := l.Lookup(ctx, uploadID, fileName, index)
	if err != nil {
		return false, 0, err
	}
	if existing.Tag != tag {
		return false, 0, fault.Newf(fault.KindConflict, "ledger.record",
			"chunk %s/%s[%d] already recorded with a different content tag", uploadID, fileName, index)
	}
	if m := metrics.Get(); m != nil {
		m.IncChunksDuplicate()
	}

	n, err := l.Count(ctx, uploadID)
	if err != nil {
		return false, 0, err
	}
	return false, n, nil
}

// Count returns the number of distinct chunks recorded for the upload.
// One key read regardless of chunk count.
func (l *Ledger) Count(ctx context.Context, uploadID string) (int64, error) {
	data, err := l.store.Get(ctx, counterKey(uploadID))
	if fault.Is(err, fault.KindNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(string(data), "%d", &n); err != nil {
		return 0, fault.Newf(fault.KindConflict, "ledger.count", "counter for %s holds non-integer value", uploadID)
	}
	return n, nil
}

// Lookup fetches one chunk record.
func (l *Ledger) Lookup(ctx context.Context, uploadID, fileName string, index int) (ChunkRecord, error) {
	data, err := l.store.Get(ctx, chunkKey(uploadID, fileName, index))
	if err != nil {
		return ChunkRecord{}, err
	}
	var rec ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ChunkRecord{}, fmt.Errorf("unmarshal chunk record: %w", err)
	}
	return rec, nil
}

// Collect returns the records for indices 0..chunkCount-1 plus the list
// of missing indices. Callers use the missing list to drive resumes.
func (l *Ledger) Collect(ctx context.Context, uploadID, fileName string, chunkCount int) (map[int]ChunkRecord, []int, error) {
	records := make(map[int]ChunkRecord, chunkCount)
	var missing []int
	for i := 0; i < chunkCount; i++ {
		rec, err := l.Lookup(ctx, uploadID, fileName, i)
		if fault.Is(err, fault.KindNotFound) {
			missing = append(missing, i)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		records[i] = rec
	}
	return records, missing, nil
}

// Purge removes the counter and all chunk records for the upload.
func (l *Ledger) Purge(ctx context.Context, uploadID string) error {
	keys, err := l.store.Scan(ctx, fmt.Sprintf("chunk:%s:", uploadID))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := l.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return l.store.Delete(ctx, counterKey(uploadID))
}
