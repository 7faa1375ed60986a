package domain

import (
	"context"
	"time"
)

// CacheRepository defines the interface for caching operations
type CacheRepository interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// VectorSpace names one of the three embedding spaces stored per product
type VectorSpace string

const (
	SpaceIngredients VectorSpace = "ingredients"
	SpaceProductName VectorSpace = "product_name"
	SpaceAllergens   VectorSpace = "allergens"
)

// IsKnown reports whether s is a supported space
func (s VectorSpace) IsKnown() bool {
	return s == SpaceIngredients || s == SpaceProductName || s == SpaceAllergens
}

// EmbeddingKind returns the embedding preprocessing used for queries against this space
func (s VectorSpace) EmbeddingKind() EmbeddingKind {
	switch s {
	case SpaceProductName:
		return EmbedProductName
	case SpaceAllergens:
		return EmbedAllergens
	default:
		return EmbedIngredients
	}
}

// VectorSearchRequest is an approximate nearest-neighbour query
type VectorSearchRequest struct {
	QueryVector   []float32
	Space         VectorSpace
	NumCandidates int
	Limit         int
	MinScore      float64
	// CertifiedFor restricts the search to products flagged compliant with a restriction
	CertifiedFor RestrictionType
}

// ScoredProduct is a vector search hit
type ScoredProduct struct {
	Product Product `json:"product"`
	Score   float64 `json:"score"`
}

// ProductStore is the document store holding products and their embeddings
type ProductStore interface {
	FindByCode(ctx context.Context, code string) (*Product, error)
	VectorSearch(ctx context.Context, req VectorSearchRequest) ([]ScoredProduct, error)
	Ping(ctx context.Context) error
}

// EmbeddingKind selects text preprocessing before embedding
type EmbeddingKind string

const (
	EmbedIngredients EmbeddingKind = "ingredients"
	EmbedProductName EmbeddingKind = "product_name"
	EmbedAllergens   EmbeddingKind = "allergens"
)

// Embedder maps text to a normalized fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, kind EmbeddingKind, text string) ([]float32, error)
	// EmbedBatch embeds several texts of one kind, returning vectors in input order
	EmbedBatch(ctx context.Context, kind EmbeddingKind, texts []string) ([][]float32, error)
}

// EmbeddingModel describes the model behind an Embedder
type EmbeddingModel struct {
	Model             string `json:"model"`
	Dimension         int    `json:"dimension"`
	MaxSequenceLength int    `json:"maxSequenceLength"`
	Normalized        bool   `json:"normalized"`
}

// ModelDescriber is implemented by embedders that can report their model
type ModelDescriber interface {
	ModelInfo() EmbeddingModel
}

// WorkerStats counts activity of a bounded worker pool
type WorkerStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Rejected  int64 `json:"rejected"`
	Panics    int64 `json:"panics"`
	Running   int   `json:"running"`
	Capacity  int   `json:"capacity"`
}

// ProviderRequest is the payload sent to an external dietary-analysis provider
type ProviderRequest struct {
	Ingredients      []string `json:"ingredients"`
	Allergens        []string `json:"allergens"`
	UserRestrictions []string `json:"userRestrictions"`
}

// ProviderResponse is a provider's safety opinion
type ProviderResponse struct {
	Safe        bool     `json:"safe"`
	Violations  []string `json:"violations"`
	Warnings    []string `json:"warnings"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
}

// AnalysisProvider is an external dietary-analysis service
type AnalysisProvider interface {
	Name() string
	Analyze(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
	// Probe performs a lightweight connectivity check
	Probe(ctx context.Context) error
}
