package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/evmon/argusd/internal/types"
)

// WebhookSinkConfig configures the HTTP callback sink.
type WebhookSinkConfig struct {
	URL     string
	Timeout time.Duration
	// Headers are attached to every request (auth tokens etc.).
	Headers map[string]string
}

// WebhookSink POSTs each detection batch as JSON to a configured endpoint.
type WebhookSink struct {
	cfg    WebhookSinkConfig
	client *http.Client

	mu        sync.Mutex
	delivered uint64
	errors    uint64
}

// NewWebhookSink builds the sink. No connection is made until Deliver.
func NewWebhookSink(cfg WebhookSinkConfig) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Deliver implements Sink. Any non-2xx status counts as a failed attempt.
func (s *WebhookSink) Deliver(ctx context.Context, batch types.DetectionBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.count(false)
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.count(false)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.count(true)
	slog.Debug("batch posted to webhook",
		"url", s.cfg.URL,
		"camera_id", batch.CameraID,
		"seq", batch.Seq,
	)
	return nil
}

// Close implements Sink.
func (s *WebhookSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *WebhookSink) count(ok bool) {
	s.mu.Lock()
	if ok {
		s.delivered++
	} else {
		s.errors++
	}
	s.mu.Unlock()
}
