package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smarties/backend/internal/domain"
)

// Resolution strategies
const (
	StrategyExact  = "exact"
	StrategyVector = "vector"
	StrategyHybrid = "hybrid"
)

const (
	defaultResolveLimit  = 10
	maxResolveLimit      = 100
	defaultMaxCandidates = 1000
)

// ResolverConfig holds configuration for the hybrid resolver
type ResolverConfig struct {
	Dimension       int
	DefaultLimit    int
	MaxCandidates   int
	DefaultMinScore float64
}

// ProductQuery identifies a product by code, free text or a precomputed vector
type ProductQuery struct {
	Code     string             `json:"code,omitempty"`
	Text     string             `json:"text,omitempty"`
	Vector   []float32          `json:"vector,omitempty"`
	Space    domain.VectorSpace `json:"space,omitempty"`
	Limit    int                `json:"limit,omitempty"`
	MinScore float64            `json:"minScore,omitempty"`
	// Hybrid merges vector hits behind a successful exact match
	Hybrid bool `json:"hybrid,omitempty"`
}

// VectorQuery is a raw nearest-neighbour query against one embedding space
type VectorQuery struct {
	Vector       []float32
	Space        domain.VectorSpace
	Limit        int
	MinScore     float64
	CertifiedFor domain.RestrictionType
}

// Resolution is the outcome of a product lookup
type Resolution struct {
	Products     []domain.ScoredProduct `json:"products"`
	Strategy     string                 `json:"strategy"`
	TotalResults int                    `json:"totalResults"`
	Degraded     string                 `json:"degraded,omitempty"`
}

// Best returns the top product of the resolution
func (r *Resolution) Best() *domain.Product {
	if r == nil || len(r.Products) == 0 {
		return nil
	}
	return &r.Products[0].Product
}

// HybridResolver resolves products by exact code lookup with vector-similarity fallback
type HybridResolver struct {
	store           domain.ProductStore
	embedder        domain.Embedder
	monitor         OperationRecorder
	logger          *zap.Logger
	dimension       int
	defaultLimit    int
	maxCandidates   int
	defaultMinScore float64
}

// NewHybridResolver creates a resolver. embedder may be nil, in which case only exact
// lookups and precomputed vectors are supported.
func NewHybridResolver(
	store domain.ProductStore,
	embedder domain.Embedder,
	monitor OperationRecorder,
	logger *zap.Logger,
	config ResolverConfig,
) *HybridResolver {
	dimension := config.Dimension
	if dimension <= 0 {
		dimension = domain.EmbeddingDimension
	}
	limit := config.DefaultLimit
	if limit <= 0 {
		limit = defaultResolveLimit
	}
	maxCandidates := config.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	if monitor == nil {
		monitor = noopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HybridResolver{
		store:           store,
		embedder:        embedder,
		monitor:         monitor,
		logger:          logger.With(zap.String("component", "resolver")),
		dimension:       dimension,
		defaultLimit:    limit,
		maxCandidates:   maxCandidates,
		defaultMinScore: config.DefaultMinScore,
	}
}

// Resolve looks a product up by code first and falls back to vector search.
// Flow: validate -> exact lookup -> (short-circuit | embed -> ANN search) -> merge
func (r *HybridResolver) Resolve(ctx context.Context, query ProductQuery) (*Resolution, error) {
	if err := r.normalizeQuery(&query); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := r.resolve(ctx, query)
	r.monitor.Record(OpResolve, time.Since(start), err == nil)
	return result, err
}

func (r *HybridResolver) resolve(ctx context.Context, query ProductQuery) (*Resolution, error) {
	var exact *domain.Product
	hasVectorInput := query.Text != "" || len(query.Vector) > 0

	if query.Code != "" {
		product, err := r.lookupExact(ctx, query.Code)
		switch {
		case err == nil:
			exact = product
			if !query.Hybrid || !hasVectorInput {
				return &Resolution{
					Products:     []domain.ScoredProduct{{Product: *product, Score: 1.0}},
					Strategy:     StrategyExact,
					TotalResults: 1,
				}, nil
			}
		case errors.Is(err, domain.ErrNotFound):
			if !hasVectorInput {
				return nil, err
			}
		default:
			if !hasVectorInput {
				return nil, err
			}
			r.logger.Warn("exact lookup failed, falling back to vector search",
				zap.String("code", query.Code), zap.Error(err))
		}
	}

	vector := query.Vector
	if len(vector) == 0 {
		embedded, err := r.embedQuery(ctx, query.Space, query.Text)
		if err != nil {
			if exact != nil {
				return &Resolution{
					Products:     []domain.ScoredProduct{{Product: *exact, Score: 1.0}},
					Strategy:     StrategyExact,
					TotalResults: 1,
					Degraded:     "embedding service unavailable, returning exact match only",
				}, nil
			}
			return nil, err
		}
		vector = embedded
	}

	hits, err := r.searchVector(ctx, VectorQuery{
		Vector:   vector,
		Space:    query.Space,
		Limit:    query.Limit,
		MinScore: query.MinScore,
	})
	if err != nil {
		if exact != nil {
			return &Resolution{
				Products:     []domain.ScoredProduct{{Product: *exact, Score: 1.0}},
				Strategy:     StrategyExact,
				TotalResults: 1,
				Degraded:     "vector search unavailable, returning exact match only",
			}, nil
		}
		return nil, err
	}

	if exact != nil {
		merged := mergeExactFirst(*exact, hits, query.Limit)
		return &Resolution{Products: merged, Strategy: StrategyHybrid, TotalResults: len(merged)}, nil
	}

	if len(hits) == 0 {
		return nil, fmt.Errorf("%w: no vector match for query", domain.ErrNotFound)
	}
	return &Resolution{Products: hits, Strategy: StrategyVector, TotalResults: len(hits)}, nil
}

// ResolveCode performs an exact lookup only
func (r *HybridResolver) ResolveCode(ctx context.Context, code string) (*domain.Product, error) {
	resolution, err := r.Resolve(ctx, ProductQuery{Code: code})
	if err != nil {
		return nil, err
	}
	return resolution.Best(), nil
}

// SearchByVector runs a nearest-neighbour query after validating the vector.
// Dimension mismatches are rejected before the store is contacted.
func (r *HybridResolver) SearchByVector(ctx context.Context, query VectorQuery) ([]domain.ScoredProduct, error) {
	if err := domain.ValidateVector(query.Vector, r.dimension); err != nil {
		return nil, err
	}
	if query.Space == "" {
		query.Space = domain.SpaceIngredients
	}
	if !query.Space.IsKnown() {
		return nil, fmt.Errorf("%w: unknown vector space %q", domain.ErrValidation, query.Space)
	}
	if query.Limit <= 0 {
		query.Limit = r.defaultLimit
	}
	if query.Limit > maxResolveLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds %d", domain.ErrValidation, query.Limit, maxResolveLimit)
	}
	if query.MinScore < 0 || query.MinScore > 1 {
		return nil, fmt.Errorf("%w: minScore %.2f outside [0,1]", domain.ErrValidation, query.MinScore)
	}
	return r.searchVector(ctx, query)
}

// EmbedText embeds free text for the given space
func (r *HybridResolver) EmbedText(ctx context.Context, space domain.VectorSpace, text string) ([]float32, error) {
	return r.embedQuery(ctx, space, text)
}

// EmbedTexts embeds several texts for the given space in one batch, returning vectors in order
func (r *HybridResolver) EmbedTexts(ctx context.Context, space domain.VectorSpace, texts []string) ([][]float32, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrTransient)
	}
	vectors, err := r.embedder.EmbedBatch(ctx, space.EmbeddingKind(), texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: embedding service returned %d vectors for %d texts", domain.ErrTransient, len(vectors), len(texts))
	}
	for _, vector := range vectors {
		if err := domain.ValidateVector(vector, r.dimension); err != nil {
			return nil, err
		}
	}
	return vectors, nil
}

// EmbeddingModel describes the configured embedder, if it reports one
func (r *HybridResolver) EmbeddingModel() (domain.EmbeddingModel, bool) {
	describer, ok := r.embedder.(domain.ModelDescriber)
	if !ok {
		return domain.EmbeddingModel{}, false
	}
	return describer.ModelInfo(), true
}

// VectorSearchAvailable reports whether text queries can be embedded
func (r *HybridResolver) VectorSearchAvailable() bool {
	return r.embedder != nil
}

func (r *HybridResolver) lookupExact(ctx context.Context, code string) (*domain.Product, error) {
	start := time.Now()
	product, err := r.store.FindByCode(ctx, code)
	r.monitor.Record(OpResolveExact, time.Since(start), err == nil || errors.Is(err, domain.ErrNotFound))
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, domain.ErrNotFound
	}
	return product, nil
}

func (r *HybridResolver) searchVector(ctx context.Context, query VectorQuery) ([]domain.ScoredProduct, error) {
	start := time.Now()
	hits, err := r.store.VectorSearch(ctx, domain.VectorSearchRequest{
		QueryVector:   query.Vector,
		Space:         query.Space,
		NumCandidates: r.numCandidates(query.Limit),
		Limit:         query.Limit,
		MinScore:      query.MinScore,
		CertifiedFor:  query.CertifiedFor,
	})
	r.monitor.Record(OpResolveVector, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("vector search",
		zap.String("space", string(query.Space)),
		zap.Int("limit", query.Limit),
		zap.Int("hits", len(hits)))
	return hits, nil
}

func (r *HybridResolver) embedQuery(ctx context.Context, space domain.VectorSpace, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrTransient)
	}
	vector, err := r.embedder.Embed(ctx, space.EmbeddingKind(), text)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateVector(vector, r.dimension); err != nil {
		return nil, err
	}
	return vector, nil
}

// numCandidates trades recall against latency: limit squared, capped, never below limit
func (r *HybridResolver) numCandidates(limit int) int {
	n := limit * limit
	if n > r.maxCandidates {
		n = r.maxCandidates
	}
	if n < limit {
		n = limit
	}
	return n
}

func (r *HybridResolver) normalizeQuery(query *ProductQuery) error {
	query.Code = strings.TrimSpace(query.Code)
	query.Text = strings.TrimSpace(query.Text)

	if query.Code == "" && query.Text == "" && len(query.Vector) == 0 {
		return fmt.Errorf("%w: code, text or vector is required", domain.ErrValidation)
	}
	if query.Code != "" {
		if err := domain.ValidateProductCode(query.Code); err != nil {
			return err
		}
	}
	if len(query.Vector) > 0 {
		if err := domain.ValidateVector(query.Vector, r.dimension); err != nil {
			return err
		}
	}
	if query.Space == "" {
		query.Space = domain.SpaceIngredients
	}
	if !query.Space.IsKnown() {
		return fmt.Errorf("%w: unknown vector space %q", domain.ErrValidation, query.Space)
	}
	if query.Limit < 0 || query.Limit > maxResolveLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxResolveLimit)
	}
	if query.Limit == 0 {
		query.Limit = r.defaultLimit
	}
	if query.MinScore < 0 || query.MinScore > 1 {
		return fmt.Errorf("%w: minScore %.2f outside [0,1]", domain.ErrValidation, query.MinScore)
	}
	if query.MinScore == 0 {
		query.MinScore = r.defaultMinScore
	}
	return nil
}

// mergeExactFirst puts the exact match at the front and drops vector duplicates of it
func mergeExactFirst(exact domain.Product, hits []domain.ScoredProduct, limit int) []domain.ScoredProduct {
	merged := make([]domain.ScoredProduct, 0, len(hits)+1)
	merged = append(merged, domain.ScoredProduct{Product: exact, Score: 1.0})
	for _, hit := range hits {
		if exact.SameAs(&hit.Product) {
			continue
		}
		merged = append(merged, hit)
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Ping checks the product store
func (r *HybridResolver) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}
