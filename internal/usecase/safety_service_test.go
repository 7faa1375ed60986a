package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarties/backend/internal/domain"
)

func newTestService(store *fakeStore, primary domain.AnalysisProvider) (*SafetyService, *PerformanceMonitor) {
	monitor := newTestMonitor()
	resolver := newTestResolver(store, newFakeEmbedder(), monitor)
	allergens := NewAllergenAnalyzer(resolver, monitor, nil, AllergenConfig{})
	compliance := NewComplianceEvaluator(resolver, monitor, nil, ComplianceConfig{})
	ranker := NewRecommendationRanker(resolver, allergens, compliance, &syncSubmitter{}, monitor, nil, RankerConfig{})
	orchestrator := newTestOrchestrator(primary, nil, monitor)
	return NewSafetyService(resolver, allergens, compliance, ranker, orchestrator, monitor, nil), monitor
}

func TestScan(t *testing.T) {
	bar := &domain.Product{ID: "p3", Code: peanutBarCode, Name: "Peanut Bar", AllergenTags: []string{"peanuts"}, Ingredients: []string{"peanuts", "honey"}}
	service, monitor := newTestService(newFakeStore(bar), &fakeProvider{name: "primary"})

	profile := domain.DietaryProfile{
		Allergens:    []string{"Peanuts"},
		Restrictions: []domain.Restriction{{Type: "Vegan", Required: true}},
	}
	result, err := service.Scan(context.Background(), peanutBarCode, profile, ScanOptions{IncludeAI: true})
	require.NoError(t, err)

	assert.Equal(t, peanutBarCode, result.Product.Code)
	assert.Equal(t, StrategyExact, result.Strategy)
	assert.False(t, result.Safe)
	assert.Equal(t, domain.VerdictDanger, result.Allergens.RiskLevel)
	assert.Equal(t, []string{"Contains peanuts"}, result.Allergens.Violations)
	assert.False(t, result.Compliance.OverallCompliance)
	require.NotNil(t, result.AI)
	assert.Equal(t, StrategyPrimary, result.AI.Strategy)

	report := service.MonitorReport(time.Minute)
	for _, op := range []string{OpScan, OpResolve, OpResolveExact, OpAllergenAnalysis, OpComplianceEvaluation, OpAIAnalysis} {
		assert.Contains(t, report.Stats, op)
	}
	assert.Equal(t, 1, monitor.Stats(OpAIAnalysis, 0).Count)
	assert.Equal(t, 1, monitor.Stats(OpScan, 0).Count)
	assert.Equal(t, 1.0, monitor.Stats(OpScan, 0).SuccessRate)
}

func TestScanWithoutAI(t *testing.T) {
	oat := &domain.Product{Code: oatMilkCode, Name: "Oat Milk", Ingredients: []string{"water", "oats"}}
	primary := &fakeProvider{name: "primary"}
	service, _ := newTestService(newFakeStore(oat), primary)

	result, err := service.Scan(context.Background(), oatMilkCode, domain.DietaryProfile{Allergens: []string{"milk"}}, ScanOptions{})
	require.NoError(t, err)
	assert.True(t, result.Safe)
	assert.Nil(t, result.AI)
	assert.Zero(t, primary.callCount())
}

func TestScanErrors(t *testing.T) {
	service, _ := newTestService(newFakeStore(), nil)
	ctx := context.Background()

	_, err := service.Scan(ctx, oatMilkCode, domain.DietaryProfile{}, ScanOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = service.Scan(ctx, "abc", domain.DietaryProfile{}, ScanOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = service.Scan(ctx, oatMilkCode, domain.DietaryProfile{Restrictions: []domain.Restriction{{Type: "raw"}}}, ScanOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSafetyServiceProductRef(t *testing.T) {
	oat := &domain.Product{Code: oatMilkCode, Ingredients: []string{"oats", "whey"}}
	store := newFakeStore(oat)
	service, _ := newTestService(store, nil)
	ctx := context.Background()

	analysis, err := service.AnalyzeAllergens(ctx, ProductRef{Code: oatMilkCode}, []string{"milk"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictCaution, analysis.RiskLevel)
	assert.Equal(t, int32(1), store.findCalls.Load())

	inline := &domain.Product{Code: almondCode, Ingredients: []string{"almonds"}}
	report, err := service.EvaluateCompliance(ctx, ProductRef{Product: inline}, []domain.Restriction{{Type: domain.RestrictionNutFree}})
	require.NoError(t, err)
	assert.False(t, report.OverallCompliance)
	assert.Equal(t, int32(1), store.findCalls.Load(), "inline products are not looked up")

	_, err = service.AnalyzeWithAI(ctx, ProductRef{}, domain.DietaryProfile{}, AIOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	result, err := service.AnalyzeWithAI(ctx, ProductRef{Product: inline}, domain.DietaryProfile{Allergens: []string{"tree nuts"}}, AIOptions{})
	require.NoError(t, err)
	assert.Equal(t, StrategyRuleFallback, result.Strategy)
	assert.False(t, result.Safe)
}

func TestInlineProduct(t *testing.T) {
	tests := []struct {
		name     string
		product  domain.Product
		wantTags []string
		wantErr  error
	}{
		{"tags are normalized", domain.Product{Code: oatMilkCode, AllergenTags: []string{"  Milk", "milk", "SOY"}}, []string{"milk", "soy"}, nil},
		{"code is optional", domain.Product{Name: "Homemade Granola"}, nil, nil},
		{"malformed code", domain.Product{Code: "12ab"}, nil, domain.ErrValidation},
		{"short code", domain.Product{Code: "123"}, nil, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.product
			got, err := inlineProduct(&original)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTags, got.AllergenTags)
			assert.Equal(t, tt.product.AllergenTags, original.AllergenTags, "caller's record is left untouched")
		})
	}
}

func TestSafetyServiceRejectsMalformedInlineProduct(t *testing.T) {
	service, _ := newTestService(newFakeStore(), nil)
	ctx := context.Background()
	bad := ProductRef{Product: &domain.Product{Code: "not-a-code", Ingredients: []string{"milk"}}}

	_, err := service.AnalyzeAllergens(ctx, bad, []string{"milk"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = service.EvaluateCompliance(ctx, bad, []domain.Restriction{{Type: domain.RestrictionVegan}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = service.AnalyzeWithAI(ctx, bad, domain.DietaryProfile{}, AIOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMonitorReportWorkerStats(t *testing.T) {
	oat, almond, _ := testProducts()
	store := newFakeStore(oat).withHits(domain.SpaceProductName, scored(almond, 0.9))
	monitor := newTestMonitor()
	resolver := newTestResolver(store, newFakeEmbedder(), monitor)
	allergens := NewAllergenAnalyzer(resolver, monitor, nil, AllergenConfig{})
	compliance := NewComplianceEvaluator(resolver, monitor, nil, ComplianceConfig{})
	pool := &statsSubmitter{}
	ranker := NewRecommendationRanker(resolver, allergens, compliance, pool, monitor, nil, RankerConfig{})
	service := NewSafetyService(resolver, allergens, compliance, ranker, newTestOrchestrator(nil, nil, monitor), monitor, nil)

	_, err := service.RecommendAlternatives(context.Background(), oatMilkCode, domain.DietaryProfile{}, RecommendOptions{})
	require.NoError(t, err)

	report := service.MonitorReport(time.Minute)
	require.NotNil(t, report.Workers)
	assert.Equal(t, int64(1), report.Workers.Submitted)
	assert.Equal(t, 4, report.Workers.Capacity)

	plain, _ := newTestService(newFakeStore(), nil)
	assert.Nil(t, plain.MonitorReport(time.Minute).Workers, "pools without counters are omitted")
}

func TestSafetyServiceEmbeddingModel(t *testing.T) {
	service, _ := newTestService(newFakeStore(), nil)
	model, ok := service.EmbeddingModel()
	require.True(t, ok)
	assert.Equal(t, "test-model", model.Model)
	assert.Equal(t, domain.EmbeddingDimension, model.Dimension)

	monitor := newTestMonitor()
	resolver := newTestResolver(newFakeStore(), nil, monitor)
	bare := NewSafetyService(resolver, nil, nil, nil, nil, monitor, nil)
	_, ok = bare.EmbeddingModel()
	assert.False(t, ok)
}
