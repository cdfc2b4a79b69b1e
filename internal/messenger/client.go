package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client delivers result payloads to recipients over the messaging gateway.
// Sends are deliberately single-attempt: an ambiguous failure must release
// the delivery lock and let the coordinator retry later, because a blind
// in-place retry could double-send a final result to a user.
type Client struct {
	base       string
	token      string
	httpClient *http.Client
}

// New builds a client with a bounded per-send timeout.
func New(base, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{base: base, token: token, httpClient: &http.Client{Timeout: timeout}}
}

// Deliver sends one payload to one recipient. A nil error means the gateway
// confirmed the send.
func (c *Client) Deliver(ctx context.Context, recipient, payload string) error {
	body, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"payload":   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("messaging gateway status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}
