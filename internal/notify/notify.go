// Package notify emits upload lifecycle events to an optional webhook or
// local file sink. Disabled by default; emission failures are logged and
// never fail the upload path.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/stowage-io/stowage/internal/config"
)

// Event types.
const (
	EventArtifactCompleted = "artifact_completed"
	EventUploadFailed      = "upload_failed"
)

// Event describes one lifecycle transition.
type Event struct {
	Type       string    `json:"type"`
	UploadID   string    `json:"uploadId"`
	ArtifactID string    `json:"artifactId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter is the lifecycle event sink.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter creates an emitter for the configured mode, falling back to
// no-op when the configured sink cannot be built.
func NewEmitter(cfg config.NotifyConfig) Emitter {
	log := slog.With("component", "notify")

	switch cfg.Mode {
	case "http":
		if cfg.Endpoint == "" {
			log.Warn("http notify mode without endpoint, using no-op emitter")
			return &noopEmitter{}
		}
		log.Info("using http emitter", "endpoint", cfg.Endpoint)
		return newHTTPEmitter(cfg.Endpoint)
	case "file":
		emitter, err := newFileEmitter(cfg.Path)
		if err != nil {
			log.Warn("failed to create file emitter, using no-op", "error", err)
			return &noopEmitter{}
		}
		log.Info("using file emitter", "path", cfg.Path)
		return emitter
	default:
		return &noopEmitter{}
	}
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (*noopEmitter) Emit(ctx context.Context, evt Event) error { return nil }
func (*noopEmitter) Close() error                              { return nil }
