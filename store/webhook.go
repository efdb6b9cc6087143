package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"perpkeeper/logger"
	"perpkeeper/models"
)

// WebhookFeed delivers event batches and scraped program logs to an HTTP
// endpoint as JSON. Payloads are wrapped in a one-key envelope so the
// receiver can tell the two streams apart.
type WebhookFeed struct {
	url    string
	client *http.Client
	log    *logger.Log
}

func NewWebhookFeed(url string, timeout time.Duration) (*WebhookFeed, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url not configured")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wf := &WebhookFeed{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    logger.GetLogger(),
	}
	wf.log.WithComponent("webhook_feed").WithFields(logger.Fields{
		"url": url,
	}).Debug("webhook feed initialized")
	return wf, nil
}

func (wf *WebhookFeed) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wf.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wf.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	logger.IncrementStoreWrite("webhook", len(body))
	return nil
}

// SaveEvents posts the batch under an "events" envelope.
func (wf *WebhookFeed) SaveEvents(ctx context.Context, events []models.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := wf.post(ctx, map[string]any{"events": events}); err != nil {
		return err
	}
	wf.log.WithComponent("webhook_feed").WithFields(logger.Fields{
		"events": len(events),
	}).Debug("events delivered")
	return nil
}

// SaveLogs posts scraped program log lines under a "logs" envelope.
func (wf *WebhookFeed) SaveLogs(ctx context.Context, lines []models.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	if err := wf.post(ctx, map[string]any{"logs": lines}); err != nil {
		return err
	}
	wf.log.WithComponent("webhook_feed").WithFields(logger.Fields{
		"lines": len(lines),
	}).Debug("program logs delivered")
	return nil
}

func (wf *WebhookFeed) Close() {
	wf.client.CloseIdleConnections()
}
