package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarties/backend/internal/domain"
)

func newKeywordAnalyzer() *AllergenAnalyzer {
	return NewAllergenAnalyzer(nil, nil, nil, AllergenConfig{})
}

func TestAllergenAnalyzerExplicitTag(t *testing.T) {
	product := &domain.Product{Code: peanutBarCode, Name: "Peanut Bar", AllergenTags: []string{"peanuts"}, Ingredients: []string{"peanuts", "sugar"}}

	analysis, err := newKeywordAnalyzer().Analyze(context.Background(), product, []string{"peanuts"})
	require.NoError(t, err)

	assert.False(t, analysis.Safe)
	assert.Equal(t, domain.VerdictDanger, analysis.RiskLevel)
	assert.Equal(t, []string{"Contains peanuts"}, analysis.Violations)
	assert.InDelta(t, 0.95, analysis.Confidence, 1e-9)
	require.Len(t, analysis.Risks, 1)
	assert.Equal(t, domain.RiskHigh, analysis.Risks[0].RiskLevel)
	assert.Equal(t, []string{SourceAllergenTags}, analysis.Risks[0].Sources)
}

func TestAllergenAnalyzerUserSpellingMatchesTag(t *testing.T) {
	product := &domain.Product{Code: oatMilkCode, AllergenTags: []string{"milk"}}

	analysis, err := newKeywordAnalyzer().Analyze(context.Background(), product, []string{"Dairy"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDanger, analysis.RiskLevel)
	assert.Equal(t, []string{"Contains dairy"}, analysis.Violations)
}

func TestAllergenAnalyzerAliasMatches(t *testing.T) {
	tests := []struct {
		name        string
		ingredients []string
		wantLevel   domain.RiskLevel
		wantVerdict domain.SafetyVerdict
		wantConf    float64
	}{
		{"single alias", []string{"sugar", "whey", "cocoa"}, domain.RiskMedium, domain.VerdictCaution, 0.7},
		{"two aliases", []string{"whey", "casein"}, domain.RiskHigh, domain.VerdictDanger, 0.9},
		{"many aliases capped", []string{"whey", "casein", "butter", "cream"}, domain.RiskHigh, domain.VerdictDanger, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			product := &domain.Product{Code: almondCode, Ingredients: tt.ingredients}

			analysis, err := newKeywordAnalyzer().Analyze(context.Background(), product, []string{"milk"})
			require.NoError(t, err)

			require.Len(t, analysis.Risks, 1)
			risk := analysis.Risks[0]
			assert.Equal(t, tt.wantLevel, risk.RiskLevel)
			assert.InDelta(t, tt.wantConf, risk.Confidence, 1e-9)
			assert.GreaterOrEqual(t, risk.Confidence, 0.6)
			assert.LessOrEqual(t, risk.Confidence, 0.9)
			assert.Equal(t, tt.wantVerdict, analysis.RiskLevel)
			assert.Equal(t, []string{SourceIngredientKeywords}, risk.Sources)
		})
	}
}

func TestAllergenAnalyzerAliasRespectsWordBoundaries(t *testing.T) {
	product := &domain.Product{Code: almondCode, Ingredients: []string{"eggplant", "olive oil"}}

	analysis, err := newKeywordAnalyzer().Analyze(context.Background(), product, []string{"eggs"})
	require.NoError(t, err)
	assert.True(t, analysis.Safe)
	assert.Empty(t, analysis.Risks)
}

func TestAllergenAnalyzerCrossContamination(t *testing.T) {
	product := &domain.Product{Code: almondCode, Ingredients: []string{"sugar", "cocoa butter", "may contain peanuts"}}

	analysis, err := newKeywordAnalyzer().Analyze(context.Background(), product, []string{"peanuts"})
	require.NoError(t, err)

	assert.True(t, analysis.Safe, "warnings alone do not make a product unsafe")
	assert.Equal(t, domain.VerdictCaution, analysis.RiskLevel)
	assert.Contains(t, analysis.Warnings, "May contain traces of peanuts (shared facility or equipment)")

	var cross *domain.AllergenRisk
	for i := range analysis.Risks {
		if analysis.Risks[i].CrossContamination {
			cross = &analysis.Risks[i]
		}
	}
	require.NotNil(t, cross)
	assert.InDelta(t, 0.6, cross.Confidence, 1e-9)
	assert.Equal(t, domain.RiskMedium, cross.RiskLevel)
}

func TestAllergenAnalyzerNoAllergensIsSafe(t *testing.T) {
	product := &domain.Product{Code: oatMilkCode, AllergenTags: []string{"gluten"}, Ingredients: []string{"oats"}}

	for _, allergens := range [][]string{nil, {"sesame"}} {
		analysis, err := newKeywordAnalyzer().Analyze(context.Background(), product, allergens)
		require.NoError(t, err)
		assert.True(t, analysis.Safe)
		assert.Equal(t, domain.VerdictSafe, analysis.RiskLevel)
		assert.InDelta(t, 0.95, analysis.Confidence, 1e-9)
		assert.Empty(t, analysis.Violations)
	}
}

func TestAllergenAnalyzerVectorLayer(t *testing.T) {
	tests := []struct {
		name      string
		score     float64
		wantFound bool
		wantLevel domain.RiskLevel
	}{
		{"high similarity", 0.85, true, domain.RiskHigh},
		{"medium similarity", 0.75, true, domain.RiskMedium},
		{"below threshold", 0.65, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			product := &domain.Product{ID: "p9", Code: almondCode, Name: "Seed Crackers", Ingredients: []string{"flour", "natural flavors"}}
			other := &domain.Product{ID: "p10", Code: oatMilkCode}
			store := newFakeStore().withHits(domain.SpaceAllergens, scored(other, 0.95), scored(product, tt.score))
			embedder := newFakeEmbedder()
			resolver := newTestResolver(store, embedder, nil)
			analyzer := NewAllergenAnalyzer(resolver, nil, nil, AllergenConfig{EnableVectorLayer: true})

			analysis, err := analyzer.Analyze(context.Background(), product, []string{"sesame"})
			require.NoError(t, err)

			_, usedAllergenKind := embedder.kinds.Load(domain.EmbedAllergens)
			assert.True(t, usedAllergenKind)
			assert.Equal(t, domain.SpaceAllergens, store.lastRequest().Space)

			if !tt.wantFound {
				assert.Empty(t, analysis.Risks)
				return
			}
			require.Len(t, analysis.Risks, 1)
			assert.Equal(t, tt.wantLevel, analysis.Risks[0].RiskLevel)
			assert.Equal(t, []string{SourceVectorSimilarity}, analysis.Risks[0].Sources)
			assert.InDelta(t, tt.score, analysis.Risks[0].Confidence, 1e-9)
		})
	}
}

func TestAllergenAnalyzerVectorLayerSkippedAfterKeywordHit(t *testing.T) {
	product := &domain.Product{Code: almondCode, Ingredients: []string{"tahini"}}
	store := newFakeStore()
	embedder := newFakeEmbedder()
	analyzer := NewAllergenAnalyzer(newTestResolver(store, embedder, nil), nil, nil, AllergenConfig{EnableVectorLayer: true})

	analysis, err := analyzer.Analyze(context.Background(), product, []string{"sesame"})
	require.NoError(t, err)
	assert.Len(t, analysis.Risks, 1)
	assert.Zero(t, embedder.calls.Load())
	assert.Zero(t, store.searchCalls.Load())
}

func TestAllergenAnalyzerVectorFailureDegrades(t *testing.T) {
	product := &domain.Product{Code: almondCode, Ingredients: []string{"rice"}}
	embedder := newFakeEmbedder()
	embedder.err = fmt.Errorf("%w: embedding 503", domain.ErrTransient)
	monitor := newTestMonitor()
	analyzer := NewAllergenAnalyzer(newTestResolver(newFakeStore(), embedder, nil), monitor, nil, AllergenConfig{EnableVectorLayer: true})

	analysis, err := analyzer.Analyze(context.Background(), product, []string{"sesame", "soy"})
	require.NoError(t, err)

	assert.True(t, analysis.Safe)
	assert.Equal(t, []string{"Vector allergen check unavailable; keyword analysis only"}, analysis.Warnings)
	assert.Equal(t, 1.0, monitor.Stats(OpAllergenAnalysis, 0).SuccessRate)
}

func TestAllergenAnalyzerVectorLayerEmbedsAllergensInOneBatch(t *testing.T) {
	product := &domain.Product{ID: "p9", Code: almondCode, Ingredients: []string{"rice", "natural flavors"}}
	store := newFakeStore().withHits(domain.SpaceAllergens, scored(product, 0.9))
	embedder := newFakeEmbedder()
	analyzer := NewAllergenAnalyzer(newTestResolver(store, embedder, nil), nil, nil, AllergenConfig{EnableVectorLayer: true})

	analysis, err := analyzer.Analyze(context.Background(), product, []string{"sesame", "mustard", "lupin", "rice"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), embedder.calls.Load())
	assert.Equal(t, int32(3), store.searchCalls.Load(), "one search per allergen without a keyword finding")
	require.Len(t, analysis.Risks, 4)
	for i, allergen := range []string{"sesame", "mustard", "lupin"} {
		assert.Equal(t, allergen, analysis.Risks[i].Allergen)
		assert.Equal(t, []string{SourceVectorSimilarity}, analysis.Risks[i].Sources)
	}
	assert.Equal(t, []string{SourceIngredientKeywords}, analysis.Risks[3].Sources)
}

func TestAllergenAnalyzerErrors(t *testing.T) {
	analyzer := newKeywordAnalyzer()

	_, err := analyzer.Analyze(context.Background(), nil, []string{"milk"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = analyzer.Analyze(ctx, &domain.Product{Code: almondCode}, []string{"milk"})
	assert.ErrorIs(t, err, domain.ErrCancelled)
}
