package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smarties/backend/internal/domain"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 512
)

// Config holds configuration for one dietary-analysis provider
type Config struct {
	Name              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client calls an external dietary-analysis provider over HTTP.
// It makes exactly one attempt per call; retries belong to the caller.
type Client struct {
	name        string
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// NewClient creates a provider client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:        cfg.Name,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(limit, cfg.Burst),
		logger:      logger.With(zap.String("component", "provider"), zap.String("provider", cfg.Name)),
	}
}

// Name returns the provider's configured name
func (c *Client) Name() string {
	return c.name
}

// Analyze asks the provider for a safety opinion
func (c *Client) Analyze(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, c.contextError(ctx, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.contextError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.contextError(ctx, err)
	}
	c.logger.Debug("provider responded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if err := statusError(c.name, resp.StatusCode, data); err != nil {
		return nil, err
	}

	var out domain.ProviderResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %s returned malformed response: %v", domain.ErrTransient, c.name, err)
	}
	return &out, nil
}

// Probe performs a health check. It bypasses the client-side rate limiter.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.contextError(ctx, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return statusError(c.name, resp.StatusCode, data)
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("User-Agent", "SMARTIES/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrCancelled, c.name, ctxErr)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransient, c.name, err)
}

// statusError classifies a non-2xx response
func statusError(name string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned 429: %s", domain.ErrRateLimited, name, msg)
	case status >= http.StatusInternalServerError, status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrTransient, name, status, msg)
	default:
		return fmt.Errorf("%w: %s returned %d: %s", domain.ErrValidation, name, status, msg)
	}
}
