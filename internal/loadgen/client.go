/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package loadgen issues chat-completion requests against a backend and
// measures batch throughput under bounded concurrency.
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults for the completion client retry policy.
const (
	DefaultRequestTimeout = 120 * time.Second
	DefaultMaxAttempts    = 8
	DefaultBackoffBase    = 500 * time.Millisecond
)

// ChatMessage is one message of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the JSON body POSTed to /v1/chat/completions.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

// ChatResponse is the subset of the OpenAI-compatible response we consume.
type ChatResponse struct {
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	// Some servers report the count at the top level instead of usage.
	CompletionTokens int `json:"completion_tokens"`
}

// CompletionTokenCount returns the completion token count from the usage
// field, falling back to the top-level field, defaulting to zero.
func (r *ChatResponse) CompletionTokenCount() int {
	if r.Usage.CompletionTokens > 0 {
		return r.Usage.CompletionTokens
	}
	return r.CompletionTokens
}

// RequestError is a failed completion request. Retryable marks transient
// server conditions (500/502/503/504 or a model still loading); the retry
// policy keys off this flag, not the error's identity.
type RequestError struct {
	StatusCode int
	Body       string
	Retryable  bool
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request failed: %v", e.Err)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client sends completion requests with bounded retry of transient errors.
type Client struct {
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
	logger      *zap.SugaredLogger
}

// ClientConfig configures a Client. Zero values take the package defaults.
type ClientConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	HTTPClient  *http.Client
	Logger      *zap.SugaredLogger
}

// NewClient creates a completion client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Client{
		httpClient:  cfg.HTTPClient,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger,
	}
}

// Complete POSTs one chat completion request without retrying.
func (c *Client) Complete(ctx context.Context, baseURL string, reqBody ChatRequest) (*ChatResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection-level failures are worth one more try; the backend may
		// be mid-restart behind the proxy.
		return nil, &RequestError{Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Retryable:  isRetryableStatus(resp.StatusCode, string(body)),
		}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &chatResp, nil
}

// CompleteWithRetry retries transient failures with linear backoff
// (base * attempt number) up to the configured attempt count. Permanent
// failures surface immediately.
func (c *Client) CompleteWithRetry(ctx context.Context, baseURL string, reqBody ChatRequest) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := c.Complete(ctx, baseURL, reqBody)
		if err == nil {
			return resp, nil
		}

		var reqErr *RequestError
		if !errors.As(err, &reqErr) || !reqErr.Retryable {
			return nil, err
		}
		lastErr = err

		if attempt == c.maxAttempts-1 {
			break
		}
		c.logger.Debugw("retrying completion request",
			"attempt", attempt+1, "status", reqErr.StatusCode, "error", err)

		backoff := time.Duration(attempt+1) * c.backoffBase
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, lastErr
}

func isRetryableStatus(status int, body string) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return strings.Contains(strings.ToLower(body), "loading model")
}
