package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier posts report-ready notifications to the front end.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *WebhookNotifier) DeliverReport(ctx context.Context, conversation, requestID string) error {
	payload, err := json.Marshal(map[string]string{
		"conversation": conversation,
		"request_id":   requestID,
		"artifact":     requestID + ".png",
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("notification rejected: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// LogNotifier announces deliveries in the log only, used when no webhook is
// configured.
type LogNotifier struct{}

func (LogNotifier) DeliverReport(ctx context.Context, conversation, requestID string) error {
	slog.InfoContext(ctx, "Report ready",
		"conversation", conversation,
		"report_id", requestID)
	return nil
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = LogNotifier{}
)
