package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tendant/simple-frame-pipeline/pkg/pipeline"
)

// Webhook posts every record as JSON to a URL
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook sink
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Consume implements aggregator.Consumer
func (w *Webhook) Consume(ctx context.Context, out pipeline.RunnerOutput) error {
	jsonData, err := json.Marshal(NewRecord(out))
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close implements io.Closer
func (w *Webhook) Close() error { return nil }
