// Package gateway talks to the external wallet gateway that signs and
// broadcasts chain operations, and maps operation requests to its methods.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/chainbot/internal/domain"
)

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 120 * time.Second

// ClientConfig configures the gateway HTTP client.
type ClientConfig struct {
	URL      string
	Canister string
	Token    string
	Timeout  time.Duration
	// ReadRetries is the number of extra attempts for query calls. Writes
	// are never retried here; the dispatcher's memo owns write retries.
	ReadRetries  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// Client is a JSON-over-HTTP client for the gateway's /call endpoint.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client. It fails when no URL is configured.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		return nil, domain.ErrGatewayNotConfigured
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With(slog.String("component", "gateway")),
	}, nil
}

type callRequest struct {
	Canister       string `json:"canister,omitempty"`
	Method         string `json:"method"`
	Args           []any  `json:"args"`
	Query          bool   `json:"query"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// statusError is a non-2xx gateway reply.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// Call performs one gateway method call and returns the raw response body.
// Query calls are retried with exponential backoff on transport errors and
// 5xx replies.
func (c *Client) Call(ctx context.Context, call domain.GatewayCall) ([]byte, error) {
	body, err := json.Marshal(callRequest{
		Canister:       c.cfg.Canister,
		Method:         call.Method,
		Args:           call.Args,
		Query:          call.Query,
		IdempotencyKey: call.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal %s: %w", call.Method, err)
	}

	if !call.Query {
		raw, err := c.do(ctx, body)
		if err != nil {
			return nil, fmt.Errorf("gateway: %s: %w", call.Method, err)
		}
		return raw, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax

	for attempt := 0; ; attempt++ {
		raw, err := c.do(ctx, body)
		if err == nil {
			return raw, nil
		}
		if attempt >= c.cfg.ReadRetries || !retryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("gateway: %s: %w", call.Method, err)
		}
		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			return nil, fmt.Errorf("gateway: %s: %w", call.Method, err)
		}
		c.logger.Warn("gateway read failed, retrying",
			slog.String("method", call.Method),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", sleep),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gateway: %s: %w", call.Method, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

func (c *Client) do(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

var _ domain.Gateway = (*Client)(nil)
