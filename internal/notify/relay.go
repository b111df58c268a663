package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RelayHeader carries the shared secret the relay validates.
const RelayHeader = "X-Relay-Secret"

// RelayMessage is the payload exchanged with the notification relay.
type RelayMessage struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RelayClient posts messages through the notification relay, which holds
// the real transport credentials so unattended hosts do not have to.
type RelayClient struct {
	url    string
	secret string
	client *http.Client
}

// NewRelayClient builds the relay transport.
func NewRelayClient(url, secret string, client *http.Client) *RelayClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RelayClient{url: url, secret: secret, client: client}
}

// Send posts the message with the shared secret attached.
func (r *RelayClient) Send(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(RelayMessage{Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("marshal relay payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RelayHeader, r.secret)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to relay: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // nothing useful to do

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("relay rejected shared secret")
	case http.StatusBadRequest:
		return fmt.Errorf("relay rejected message parameters")
	default:
		return fmt.Errorf("relay failed: %s", resp.Status)
	}
}
