package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookMessage is the chat-webhook payload shape.
type webhookMessage struct {
	Content string `json:"content"`
}

// Webhook posts run summaries to a chat webhook.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds the chat-webhook transport. A nil client gets a default
// with a short timeout; notifications must never hang a run.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

// Send posts subject and body as one chat message.
func (w *Webhook) Send(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(webhookMessage{Content: subject + "\n" + body})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook rejected message: %s", resp.Status)
	}
	return nil
}
