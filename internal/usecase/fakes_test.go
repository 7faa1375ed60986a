package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smarties/backend/internal/domain"
)

// fakeStore is an in-memory ProductStore. Vector search returns the hits registered
// for the requested space, filtered by MinScore and CertifiedFor.
type fakeStore struct {
	mu        sync.Mutex
	products  map[string]*domain.Product
	hits      map[domain.VectorSpace][]domain.ScoredProduct
	findErr   error
	findDelay time.Duration
	searchErr error

	findCalls   atomic.Int32
	searchCalls atomic.Int32
	requests    []domain.VectorSearchRequest
}

func newFakeStore(products ...*domain.Product) *fakeStore {
	s := &fakeStore{
		products: make(map[string]*domain.Product),
		hits:     make(map[domain.VectorSpace][]domain.ScoredProduct),
	}
	for _, p := range products {
		s.products[p.Code] = p
	}
	return s
}

func (s *fakeStore) withHits(space domain.VectorSpace, hits ...domain.ScoredProduct) *fakeStore {
	s.hits[space] = append(s.hits[space], hits...)
	return s
}

func (s *fakeStore) FindByCode(ctx context.Context, code string) (*domain.Product, error) {
	s.findCalls.Add(1)
	if s.findDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		case <-time.After(s.findDelay):
		}
	}
	if s.findErr != nil {
		return nil, s.findErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *fakeStore) VectorSearch(ctx context.Context, req domain.VectorSearchRequest) ([]domain.ScoredProduct, error) {
	s.searchCalls.Add(1)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	var out []domain.ScoredProduct
	for _, hit := range s.hits[req.Space] {
		if hit.Score < req.MinScore {
			continue
		}
		if req.CertifiedFor != "" {
			if v, known := hit.Product.DietaryFlags.Lookup(req.CertifiedFor); !known || !v {
				continue
			}
		}
		out = append(out, hit)
		if len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) Ping(ctx context.Context) error {
	return nil
}

func (s *fakeStore) lastRequest() domain.VectorSearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return domain.VectorSearchRequest{}
	}
	return s.requests[len(s.requests)-1]
}

// fakeEmbedder returns a fixed unit vector of the configured dimension
type fakeEmbedder struct {
	dimension int
	err       error
	calls     atomic.Int32
	kinds     sync.Map
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{dimension: domain.EmbeddingDimension}
}

func (e *fakeEmbedder) Embed(ctx context.Context, kind domain.EmbeddingKind, text string) ([]float32, error) {
	e.calls.Add(1)
	e.kinds.Store(kind, true)
	if e.err != nil {
		return nil, e.err
	}
	return unitVector(e.dimension), nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, kind domain.EmbeddingKind, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.kinds.Store(kind, true)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = unitVector(e.dimension)
	}
	return out, nil
}

func (e *fakeEmbedder) ModelInfo() domain.EmbeddingModel {
	return domain.EmbeddingModel{Model: "test-model", Dimension: e.dimension, Normalized: true}
}

func unitVector(dimension int) []float32 {
	v := make([]float32, dimension)
	if dimension > 0 {
		v[0] = 1
	}
	return v
}

// fakeProvider replays a scripted sequence of outcomes; the last entry repeats
type fakeProvider struct {
	name     string
	mu       sync.Mutex
	outcomes []providerOutcome
	calls    int
	probes   int
	probeErr error
	block    bool
}

type providerOutcome struct {
	resp *domain.ProviderResponse
	err  error
}

func (p *fakeProvider) Name() string {
	return p.name
}

func (p *fakeProvider) Analyze(ctx context.Context, req domain.ProviderRequest) (*domain.ProviderResponse, error) {
	p.mu.Lock()
	p.calls++
	idx := p.calls - 1
	block := p.block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(p.outcomes) == 0 {
		return &domain.ProviderResponse{Safe: true, Confidence: 0.8}, nil
	}
	if idx >= len(p.outcomes) {
		idx = len(p.outcomes) - 1
	}
	out := p.outcomes[idx]
	return out.resp, out.err
}

func (p *fakeProvider) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	return p.probeErr
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// syncSubmitter runs tasks inline and counts submissions
type syncSubmitter struct {
	submitted atomic.Int32
	err       error
}

func (s *syncSubmitter) Submit(task func()) error {
	if s.err != nil {
		return s.err
	}
	s.submitted.Add(1)
	task()
	return nil
}

// statsSubmitter also reports pool counters
type statsSubmitter struct {
	syncSubmitter
}

func (s *statsSubmitter) Stats() domain.WorkerStats {
	n := int64(s.submitted.Load())
	return domain.WorkerStats{Submitted: n, Completed: n, Capacity: 4}
}

func newTestMonitor() *PerformanceMonitor {
	return NewPerformanceMonitor(MonitorConfig{}, nil)
}

func scored(p *domain.Product, score float64) domain.ScoredProduct {
	return domain.ScoredProduct{Product: *p, Score: score}
}
