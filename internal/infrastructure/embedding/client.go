package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smarties/backend/internal/domain"
)

const (
	// DefaultModel produces 384-dimension sentence embeddings
	DefaultModel = "sentence-transformers/all-MiniLM-L6-v2"
	// MaxSequenceLength is the model's token window; longer input is truncated server side
	MaxSequenceLength = 256

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
	defaultCacheTTL   = 24 * time.Hour
	maxBatchSize      = 64
)

// Config holds configuration for the embedding client
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Dimension         int
	Timeout           time.Duration
	MaxRetries        int
	RetryDelay        time.Duration
	RequestsPerSecond float64
	Burst             int
	CacheTTL          time.Duration
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

// Client calls an HTTP embedding service and L2-normalizes the returned vectors
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	dimension   int
	maxRetries  int
	retryDelay  time.Duration
	rateLimiter *rate.Limiter
	cache       domain.CacheRepository
	cacheTTL    time.Duration
	logger      *zap.Logger
}

// NewClient creates an embedding client. cache may be nil.
func NewClient(config Config, cache domain.CacheRepository, logger *zap.Logger) *Client {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.Dimension <= 0 {
		config.Dimension = domain.EmbeddingDimension
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient:  &http.Client{Timeout: config.Timeout},
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		apiKey:      config.APIKey,
		model:       config.Model,
		dimension:   config.Dimension,
		maxRetries:  config.MaxRetries,
		retryDelay:  config.RetryDelay,
		rateLimiter: rate.NewLimiter(limit, config.Burst),
		cache:       cache,
		cacheTTL:    config.CacheTTL,
		logger:      logger.With(zap.String("component", "embedding")),
	}
}

// ModelInfo returns the model name, dimension and sequence window
func (c *Client) ModelInfo() domain.EmbeddingModel {
	return domain.EmbeddingModel{
		Model:             c.model,
		Dimension:         c.dimension,
		MaxSequenceLength: MaxSequenceLength,
		Normalized:        true,
	}
}

// Embed returns the normalized embedding for text, serving repeats from cache
func (c *Client) Embed(ctx context.Context, kind domain.EmbeddingKind, text string) ([]float32, error) {
	processed, err := Preprocess(kind, text)
	if err != nil {
		return nil, err
	}

	key := cacheKey(kind, processed)
	if vector, ok := c.cached(ctx, key); ok {
		return vector, nil
	}

	vectors, err := c.embed(ctx, []string{processed})
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vectors[0])
	return vectors[0], nil
}

// EmbedBatch embeds several texts of the same kind, calling the service only for cache misses
func (c *Client) EmbedBatch(ctx context.Context, kind domain.EmbeddingKind, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var pending []string
	var pendingIdx []int

	for i, text := range texts {
		processed, err := Preprocess(kind, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		keys[i] = cacheKey(kind, processed)
		if vector, ok := c.cached(ctx, keys[i]); ok {
			out[i] = vector
			continue
		}
		pending = append(pending, processed)
		pendingIdx = append(pendingIdx, i)
	}

	for start := 0; start < len(pending); start += maxBatchSize {
		end := min(start+maxBatchSize, len(pending))
		vectors, err := c.embed(ctx, pending[start:end])
		if err != nil {
			return nil, err
		}
		for j, vector := range vectors {
			i := pendingIdx[start+j]
			out[i] = vector
			c.store(ctx, keys[i], vector)
		}
	}
	return out, nil
}

// embed calls the service, retrying transient and rate-limit failures with exponential backoff
func (c *Client) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	var vectors [][]float32
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(contextError(ctx, err))
		}

		v, err := c.doEmbed(ctx, body, len(inputs))
		switch {
		case err == nil:
			vectors = v
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(contextError(ctx, err))
		case !errors.Is(err, domain.ErrTransient) && !errors.Is(err, domain.ErrRateLimited):
			return backoff.Permanent(err)
		}
		c.logger.Warn("embedding request failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, c.retryPolicy(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, err)
		}
		return nil, err
	}
	return vectors, nil
}

// retryPolicy waits retryDelay, then doubles it, for at most maxRetries retries
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}

func (c *Client) doEmbed(ctx context.Context, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SMARTIES/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding service: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read embedding response: %v", domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: embedding service returned 429", domain.ErrRateLimited)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: embedding service returned %d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: embedding service returned %d: %s", domain.ErrValidation, resp.StatusCode, truncate(string(data), 200))
	}

	var vectors [][]float32
	if err := json.Unmarshal(data, &vectors); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", domain.ErrTransient, err)
	}
	if len(vectors) != want {
		return nil, fmt.Errorf("%w: embedding service returned %d vectors for %d inputs", domain.ErrTransient, len(vectors), want)
	}
	for i, v := range vectors {
		if len(v) != c.dimension {
			return nil, fmt.Errorf("%w: embedding has %d dimensions, expected %d", domain.ErrTransient, len(v), c.dimension)
		}
		normalized, err := normalize(v)
		if err != nil {
			return nil, err
		}
		vectors[i] = normalized
	}
	return vectors, nil
}

func (c *Client) cached(ctx context.Context, key string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	value, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrCacheMiss) {
			c.logger.Debug("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	vector, err := decodeVector(value)
	if err != nil || len(vector) != c.dimension {
		return nil, false
	}
	return vector, true
}

func (c *Client) store(ctx context.Context, key string, vector []float32) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, vector, c.cacheTTL); err != nil {
		c.logger.Debug("embedding cache write failed", zap.Error(err))
	}
}

// decodeVector accepts the shapes cache backends return after a JSON round-trip
func decodeVector(value interface{}) ([]float32, error) {
	var data []byte
	switch v := value.(type) {
	case []float32:
		return v, nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil {
		return nil, err
	}
	return vector, nil
}

func cacheKey(kind domain.EmbeddingKind, processed string) string {
	sum := sha256.Sum256([]byte(processed))
	return "embedding:" + string(kind) + ":" + hex.EncodeToString(sum[:])
}

// normalize scales v to unit length
func normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return nil, fmt.Errorf("%w: embedding service returned a zero vector", domain.ErrTransient)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, ctxErr)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
