package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smarties/backend/internal/domain"
)

// ProductRef identifies the product to analyze: either an inline record or a code to resolve
type ProductRef struct {
	Code    string          `json:"code,omitempty"`
	Product *domain.Product `json:"product,omitempty"`
}

// ScanOptions tunes a scan
type ScanOptions struct {
	IncludeAI bool      `json:"includeAI,omitempty"`
	AI        AIOptions `json:"ai,omitempty"`
}

// ScanResult is the combined safety picture for one scanned product
type ScanResult struct {
	Product    *domain.Product          `json:"product"`
	Strategy   string                   `json:"strategy"`
	Safe       bool                     `json:"safe"`
	Allergens  *domain.AllergenAnalysis `json:"allergens"`
	Compliance *domain.ComplianceReport `json:"compliance"`
	AI         *domain.AnalysisResult   `json:"ai,omitempty"`
}

// MonitorReport is the operator view of the performance monitor
type MonitorReport struct {
	Stats      map[string]OperationStats `json:"stats"`
	Thresholds map[string]bool           `json:"thresholds"`
	Alerts     []Alert                   `json:"alerts"`
	Workers    *domain.WorkerStats       `json:"workers,omitempty"`
}

// SafetyService is the entry point used by the delivery layer
type SafetyService struct {
	resolver   *HybridResolver
	allergens  *AllergenAnalyzer
	compliance *ComplianceEvaluator
	ranker     *RecommendationRanker
	ai         *AIOrchestrator
	monitor    *PerformanceMonitor
	logger     *zap.Logger
}

// NewSafetyService wires the engine components together
func NewSafetyService(
	resolver *HybridResolver,
	allergens *AllergenAnalyzer,
	compliance *ComplianceEvaluator,
	ranker *RecommendationRanker,
	ai *AIOrchestrator,
	monitor *PerformanceMonitor,
	logger *zap.Logger,
) *SafetyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafetyService{
		resolver:   resolver,
		allergens:  allergens,
		compliance: compliance,
		ranker:     ranker,
		ai:         ai,
		monitor:    monitor,
		logger:     logger.With(zap.String("component", "safety_service")),
	}
}

// ResolveProduct looks a product up by code, text or vector
func (s *SafetyService) ResolveProduct(ctx context.Context, query ProductQuery) (*Resolution, error) {
	return s.resolver.Resolve(ctx, query)
}

// AnalyzeAllergens runs the allergen analyzer on the referenced product
func (s *SafetyService) AnalyzeAllergens(ctx context.Context, ref ProductRef, allergens []string) (*domain.AllergenAnalysis, error) {
	product, err := s.product(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.allergens.Analyze(ctx, product, allergens)
}

// EvaluateCompliance runs the compliance evaluator on the referenced product
func (s *SafetyService) EvaluateCompliance(ctx context.Context, ref ProductRef, restrictions []domain.Restriction) (*domain.ComplianceReport, error) {
	product, err := s.product(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.compliance.Evaluate(ctx, product, restrictions)
}

// RecommendAlternatives ranks safer alternatives to the product with the given code
func (s *SafetyService) RecommendAlternatives(ctx context.Context, code string, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	return s.ranker.RecommendAlternatives(ctx, code, profile, opts)
}

// RecommendPersonalized ranks products for the profile's history and preferences
func (s *SafetyService) RecommendPersonalized(ctx context.Context, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	return s.ranker.RecommendPersonalized(ctx, profile, opts)
}

// AnalyzeWithAI asks the provider chain for a safety opinion
func (s *SafetyService) AnalyzeWithAI(ctx context.Context, ref ProductRef, profile domain.DietaryProfile, opts AIOptions) (*domain.AnalysisResult, error) {
	product, err := s.product(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.ai.AnalyzeWithAI(ctx, product, profile, opts)
}

// Scan resolves a product and evaluates it against the profile. Allergen, compliance
// and (optionally) AI analyses run concurrently.
func (s *SafetyService) Scan(ctx context.Context, code string, profile domain.DietaryProfile, opts ScanOptions) (*ScanResult, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	var result *ScanResult
	err := s.monitor.Track(OpScan, func() error {
		var err error
		result, err = s.scan(ctx, code, profile, opts)
		return err
	})
	return result, err
}

func (s *SafetyService) scan(ctx context.Context, code string, profile domain.DietaryProfile, opts ScanOptions) (*ScanResult, error) {

	resolution, err := s.resolver.Resolve(ctx, ProductQuery{Code: code})
	if err != nil {
		return nil, err
	}
	product := resolution.Best()
	result := &ScanResult{Product: product, Strategy: resolution.Strategy}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		analysis, err := s.allergens.Analyze(gctx, product, profile.Allergens)
		result.Allergens = analysis
		return err
	})
	g.Go(func() error {
		report, err := s.compliance.Evaluate(gctx, product, profile.Restrictions)
		result.Compliance = report
		return err
	})
	if opts.IncludeAI {
		g.Go(func() error {
			opinion, err := s.ai.AnalyzeWithAI(gctx, product, profile, opts.AI)
			result.AI = opinion
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Safe = result.Allergens.Safe && result.Compliance.OverallCompliance
	s.logger.Debug("scan complete",
		zap.String("code", product.Code),
		zap.Bool("safe", result.Safe),
		zap.String("risk", string(result.Allergens.RiskLevel)))
	return result, nil
}

// TestProviders probes the external analysis providers
func (s *SafetyService) TestProviders(ctx context.Context) []ProviderStatus {
	return s.ai.TestProviders(ctx)
}

// ProviderStatus returns the cached provider states
func (s *SafetyService) ProviderStatus() []ProviderStatus {
	return s.ai.ProviderStatus()
}

// MonitorReport summarizes operation statistics over the window
func (s *SafetyService) MonitorReport(window time.Duration) MonitorReport {
	report := MonitorReport{
		Stats:      s.monitor.AllStats(window),
		Thresholds: s.monitor.CheckThresholds(),
		Alerts:     s.monitor.Alerts(),
	}
	if workers, ok := s.ranker.WorkerStats(); ok {
		report.Workers = &workers
	}
	return report
}

// EmbeddingModel describes the configured embedding model, if any
func (s *SafetyService) EmbeddingModel() (domain.EmbeddingModel, bool) {
	return s.resolver.EmbeddingModel()
}

// Ping checks the product store
func (s *SafetyService) Ping(ctx context.Context) error {
	return s.resolver.Ping(ctx)
}

func (s *SafetyService) product(ctx context.Context, ref ProductRef) (*domain.Product, error) {
	if ref.Product != nil {
		return inlineProduct(ref.Product)
	}
	if ref.Code == "" {
		return nil, fmt.Errorf("%w: product or code is required", domain.ErrValidation)
	}
	return s.resolver.ResolveCode(ctx, ref.Code)
}

// inlineProduct validates a caller-supplied record and returns a normalized copy
func inlineProduct(p *domain.Product) (*domain.Product, error) {
	if p.Code != "" {
		if err := domain.ValidateProductCode(p.Code); err != nil {
			return nil, err
		}
	}
	product := *p
	if len(product.AllergenTags) > 0 {
		product.AllergenTags = domain.NormalizeAllergens(product.AllergenTags)
	}
	return &product, nil
}
