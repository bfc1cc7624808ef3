package artifact

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stowage-io/stowage/internal/logging"
	"github.com/stowage-io/stowage/internal/metastore"
	"github.com/stowage-io/stowage/internal/metrics"
)

// Sweeper periodically removes expired artifacts and their blobs.
type Sweeper struct {
	registry *Registry
	store    metastore.Store
	interval time.Duration
}

func NewSweeper(registry *Registry, store metastore.Store, interval time.Duration) *Sweeper {
	return &Sweeper{registry: registry, store: store, interval: interval}
}

// Run sweeps on the configured interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	log := logging.Component("sweeper")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepOnce(ctx)
			if err != nil {
				log.Warn("sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("swept expired artifacts", "removed", removed)
			}
		}
	}
}

// SweepOnce scans all artifact records and removes the expired ones.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	keys, err := s.store.Scan(ctx, "artifact:")
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			continue
		}

		if err := s.registry.blobs.Delete(ctx, rec.Key); err != nil {
			logging.Component("sweeper").Warn("failed to delete expired blob",
				"artifact_id", rec.ID, "key", rec.Key, "error", err)
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			continue
		}
		removed++
		if m := metrics.Get(); m != nil {
			m.ArtifactsSwept.Inc()
		}
	}
	return removed, nil
}
