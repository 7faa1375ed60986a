package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/smarties/backend/internal/domain"
)

const (
	defaultCollection     = "products"
	defaultConnectTimeout = 10 * time.Second
	defaultQueryTimeout   = 5 * time.Second
)

// vector index and field per embedding space
var spaceIndexes = map[domain.VectorSpace]struct{ index, path string }{
	domain.SpaceIngredients: {"ingredients_vector_index", "ingredients_embedding"},
	domain.SpaceProductName: {"product_name_vector_index", "product_name_embedding"},
	domain.SpaceAllergens:   {"allergens_vector_index", "allergens_embedding"},
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	MaxPoolSize    uint64
}

// Connect opens a client and verifies it with a ping
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout).SetServerSelectionTimeout(timeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: ping mongodb: %v", domain.ErrTransient, err)
	}
	return client, nil
}

// ProductStore implements domain.ProductStore on a MongoDB Atlas collection
type ProductStore struct {
	client       *mongo.Client
	collection   *mongo.Collection
	queryTimeout time.Duration
	logger       *zap.Logger
}

// NewProductStore creates a store over the configured database and collection
func NewProductStore(client *mongo.Client, cfg Config, logger *zap.Logger) *ProductStore {
	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductStore{
		client:       client,
		collection:   client.Database(cfg.Database).Collection(collection),
		queryTimeout: timeout,
		logger:       logger.With(zap.String("component", "mongostore")),
	}
}

// FindByCode returns the product with the given UPC/EAN code
func (s *ProductStore) FindByCode(ctx context.Context, code string) (*domain.Product, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	var doc productDocument
	err := s.collection.FindOne(queryCtx, bson.D{{Key: "code", Value: code}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: code %s", domain.ErrNotFound, code)
		}
		return nil, classify(ctx, "find product", err)
	}
	return doc.toDomain(), nil
}

// VectorSearch runs an Atlas $vectorSearch aggregation
func (s *ProductStore) VectorSearch(ctx context.Context, req domain.VectorSearchRequest) ([]domain.ScoredProduct, error) {
	pipeline, err := BuildVectorSearchPipeline(req)
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	cursor, err := s.collection.Aggregate(queryCtx, pipeline)
	if err != nil {
		return nil, classify(ctx, "vector search", err)
	}
	defer cursor.Close(queryCtx)

	var docs []scoredDocument
	if err := cursor.All(queryCtx, &docs); err != nil {
		return nil, classify(ctx, "decode vector search", err)
	}

	hits := make([]domain.ScoredProduct, 0, len(docs))
	for i := range docs {
		hits = append(hits, domain.ScoredProduct{
			Product: *docs[i].toDomain(),
			Score:   docs[i].Score,
		})
	}
	s.logger.Debug("vector search complete",
		zap.String("space", string(req.Space)),
		zap.Int("num_candidates", req.NumCandidates),
		zap.Int("hits", len(hits)))
	return hits, nil
}

// Ping checks connectivity to the primary
func (s *ProductStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return classify(ctx, "ping", err)
	}
	return nil
}

// BuildVectorSearchPipeline builds the aggregation for a nearest-neighbour query.
// Stored embeddings are projected out of the hits.
func BuildVectorSearchPipeline(req domain.VectorSearchRequest) (mongo.Pipeline, error) {
	target, ok := spaceIndexes[req.Space]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vector space %q", domain.ErrValidation, req.Space)
	}
	if req.Limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", domain.ErrValidation)
	}
	numCandidates := req.NumCandidates
	if numCandidates < req.Limit {
		numCandidates = req.Limit
	}

	search := bson.D{
		{Key: "index", Value: target.index},
		{Key: "path", Value: target.path},
		{Key: "queryVector", Value: toFloat64(req.QueryVector)},
		{Key: "numCandidates", Value: numCandidates},
		{Key: "limit", Value: req.Limit},
	}
	if req.CertifiedFor != "" {
		search = append(search, bson.E{
			Key:   "filter",
			Value: bson.D{{Key: "dietary_flags." + string(req.CertifiedFor), Value: true}},
		})
	}

	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: search}},
		{{Key: "$addFields", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}}}}},
	}
	if req.MinScore > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$gte", Value: req.MinScore}}}}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.D{
		{Key: "ingredients_embedding", Value: 0},
		{Key: "product_name_embedding", Value: 0},
		{Key: "allergens_embedding", Value: 0},
	}}})
	return pipeline, nil
}

// classify maps driver errors onto the domain taxonomy. ctx is the caller's context:
// its cancellation or deadline is ErrCancelled, the store's own query timeout is transient.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrCancelled, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransient, op, err)
}
