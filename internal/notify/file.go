package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// fileEmitter appends events as JSON lines, useful for audit trails and
// local development.
type fileEmitter struct {
	mu sync.Mutex
	f  *os.File
}

func newFileEmitter(path string) (*fileEmitter, error) {
	if path == "" {
		path = "./stowage-events.jsonl"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file %s: %w", path, err)
	}
	return &fileEmitter{f: f}, nil
}

func (e *fileEmitter) Emit(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.f.Write(append(data, '\n'))
	return err
}

func (e *fileEmitter) Close() error {
	return e.f.Close()
}
