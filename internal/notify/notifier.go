// Package notify delivers committed-transaction events from the outbox.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"account-ledger/internal/domain"
)

// Notifier delivers one outbox event. A returned error schedules a retry.
type Notifier interface {
	Notify(ctx context.Context, event *domain.OutboxEvent) error
}

// LogNotifier writes events to the log. It is the default when no webhook
// is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, event *domain.OutboxEvent) error {
	n.Logger.Info("Transaction notification",
		"event_id", event.ID,
		"event_type", event.EventType,
		"transaction_id", event.TransactionID,
		"payload", string(event.Payload))
	return nil
}

// WebhookNotifier POSTs the JSON payload to a URL. Any non-2xx answer
// counts as a failed delivery.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event *domain.OutboxEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(event.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", event.EventType)
	req.Header.Set("X-Event-ID", fmt.Sprint(event.ID))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}
