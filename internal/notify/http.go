package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/retry"
)

// httpEmitter POSTs events to a webhook endpoint with retry.
type httpEmitter struct {
	endpoint string
	client   *http.Client
	policy   retry.Policy
}

func newHTTPEmitter(endpoint string) *httpEmitter {
	return &httpEmitter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: retry.Policy{
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			JitterCeiling: time.Second,
			Op:            "notify.post",
		},
	}
}

func (e *httpEmitter) Emit(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.post(ctx, body)
	})
}

func (e *httpEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "notify.post", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fault.Wrap(fault.KindTransient, "notify.post", err)
	}
	return err
}

func (e *httpEmitter) Close() error { return nil }
