package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Status is the provider's view of a task. State is reported verbatim; the
// job service normalizes it to a canonical terminal state.
type Status struct {
	State         string `json:"state"`
	ResultPayload string `json:"result"`
	FailureReason string `json:"failure_reason"`
	ArtifactURL   string `json:"artifact_url"`
}

// APIError is a non-retryable provider rejection (4xx validation class).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider rejected request: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the generation provider: submit a job spec, poll a task.
type Client struct {
	base       string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	log        *zap.Logger
}

// New builds a client with a bounded per-request timeout.
func New(base, apiKey string, timeout time.Duration, maxRetries int, log *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		base:       base,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		log:        log,
	}
}

// Submit sends a job spec and returns the provider-assigned task id.
func (c *Client) Submit(ctx context.Context, spec map[string]any) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.base+"/v1/tasks", spec, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("provider returned empty task id")
	}
	return out.TaskID, nil
}

// Poll asks the provider for the current state of a task.
func (c *Client) Poll(ctx context.Context, taskID string) (Status, error) {
	var out Status
	err := c.doJSON(ctx, http.MethodGet, c.base+"/v1/tasks/"+url.PathEscape(taskID), nil, &out)
	return out, err
}

// doJSON performs one JSON round-trip with jittered retries on transient
// failures (network errors, 429, 5xx). 4xx responses fail immediately.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.log.Debug("provider call failed, will retry", zap.Error(err), zap.Int("attempt", attempt))
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("provider status %d", resp.StatusCode)
			c.log.Debug("provider transient failure", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			continue
		case resp.StatusCode >= 400:
			return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("provider call failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
