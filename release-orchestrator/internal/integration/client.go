// Package integration talks to the external automation service that runs release
// tasks (git, CI/CD, ticketing) on behalf of the orchestrator.
package integration

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

// ErrUnavailable reports that the service could not be reached or answered 5xx on
// every attempt.
var ErrUnavailable = errors.New("integration service unavailable")

// StatusError is a non-retryable 4xx answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("integration service rejected request: %d %s", e.StatusCode, e.Body)
}

type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("integration base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		timeout: timeout,
		retries: retries,
		backoff: backoff,
		logger:  logger.Named("integration"),
	}, nil
}

// do sends in as JSON and decodes a 200 answer into out. Transport errors and 5xx
// answers are retried; 4xx answers are returned as *StatusError right away.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("integration marshal request: %w", err)
		}
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return err
		}
		lastErr = err
		c.logger.Warn("integration call failed",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Error(err))
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * c.backoff):
			}
		}
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("integration build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("integration service answered %s", resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("integration decode response: %w", err)
	}
	return nil
}
