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

// Finding sources
const (
	SourceAllergenTags       = "allergen_tags"
	SourceIngredientKeywords = "ingredient_keywords"
	SourceVectorSimilarity   = "vector_similarity"
	SourceCrossContamination = "cross_contamination"
)

// Detection layer constants
const (
	explicitTagConfidence        = 0.95
	aliasBaseConfidence          = 0.5
	aliasStepConfidence          = 0.2
	aliasMaxConfidence           = 0.9
	aliasHighRiskMatches         = 2
	vectorHighSimilarity         = 0.8
	vectorMediumSimilarity       = 0.7
	crossContaminationConfidence = 0.6
	defaultAllergenVectorLimit   = 20

	vectorUnavailableWarning = "Vector allergen check unavailable; keyword analysis only"
)

// VectorSearcher embeds text and runs validated nearest-neighbour queries
type VectorSearcher interface {
	EmbedText(ctx context.Context, space domain.VectorSpace, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, space domain.VectorSpace, texts []string) ([][]float32, error)
	SearchByVector(ctx context.Context, query VectorQuery) ([]domain.ScoredProduct, error)
	VectorSearchAvailable() bool
}

// AllergenConfig holds configuration for the allergen analyzer
type AllergenConfig struct {
	EnableVectorLayer bool
	VectorLimit       int
}

// AllergenAnalyzer produces layered allergen risk findings for a product
type AllergenAnalyzer struct {
	vectors           VectorSearcher
	monitor           OperationRecorder
	logger            *zap.Logger
	enableVectorLayer bool
	vectorLimit       int
}

// NewAllergenAnalyzer creates an analyzer. vectors may be nil to disable the vector layer.
func NewAllergenAnalyzer(vectors VectorSearcher, monitor OperationRecorder, logger *zap.Logger, config AllergenConfig) *AllergenAnalyzer {
	limit := config.VectorLimit
	if limit <= 0 {
		limit = defaultAllergenVectorLimit
	}
	if monitor == nil {
		monitor = noopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AllergenAnalyzer{
		vectors:           vectors,
		monitor:           monitor,
		logger:            logger.With(zap.String("component", "allergen_analyzer")),
		enableVectorLayer: config.EnableVectorLayer && vectors != nil,
		vectorLimit:       limit,
	}
}

// Analyze evaluates the product against the user's allergens
func (a *AllergenAnalyzer) Analyze(ctx context.Context, product *domain.Product, userAllergens []string) (*domain.AllergenAnalysis, error) {
	if product == nil {
		return nil, fmt.Errorf("%w: product is required", domain.ErrValidation)
	}

	start := time.Now()
	analysis, err := a.analyze(ctx, product, domain.NormalizeAllergens(userAllergens))
	a.monitor.Record(OpAllergenAnalysis, time.Since(start), err == nil)
	return analysis, err
}

func (a *AllergenAnalyzer) analyze(ctx context.Context, product *domain.Product, allergens []string) (*domain.AllergenAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	text := product.IngredientText()
	tags := domain.NormalizeAllergens(product.AllergenTags)

	// layers 1 and 2 per allergen; the rest go to the vector layer as one batch
	findings := make([]*domain.AllergenRisk, len(allergens))
	var pending []int
	for i, allergen := range allergens {
		if risk, ok := explicitTagRisk(allergen, tags); ok {
			findings[i] = &risk
		} else if risk, ok := aliasRisk(allergen, text); ok {
			findings[i] = &risk
		} else if a.enableVectorLayer {
			pending = append(pending, i)
		}
	}

	var warnings []string
	if len(pending) > 0 {
		degraded, err := a.vectorLayer(ctx, product, allergens, pending, findings)
		if err != nil {
			return nil, err
		}
		if degraded {
			warnings = append(warnings, vectorUnavailableWarning)
		}
	}

	var risks []domain.AllergenRisk
	for i, allergen := range allergens {
		if findings[i] != nil {
			risks = append(risks, *findings[i])
		}
		if risk, ok := crossContaminationRisk(allergen, text); ok {
			risks = append(risks, risk)
		}
	}
	return aggregateAllergenRisks(risks, warnings), nil
}

// vectorLayer embeds the pending allergens in one call and fills findings from the
// nearest-neighbour search. It reports whether any part of the layer degraded; only
// cancellation is returned as an error.
func (a *AllergenAnalyzer) vectorLayer(ctx context.Context, product *domain.Product, allergens []string, pending []int, findings []*domain.AllergenRisk) (bool, error) {
	names := make([]string, len(pending))
	for j, i := range pending {
		names[j] = allergens[i]
	}

	vectors, err := a.vectors.EmbedTexts(ctx, domain.SpaceAllergens, names)
	if err != nil {
		if err := cancelledOr(ctx, err); errors.Is(err, domain.ErrCancelled) {
			return false, err
		}
		a.logger.Warn("vector allergen layer failed", zap.Strings("allergens", names), zap.Error(err))
		return true, nil
	}

	degraded := false
	for j, i := range pending {
		risk, found, err := a.vectorRisk(ctx, product, names[j], vectors[j])
		switch {
		case err != nil && errors.Is(err, domain.ErrCancelled):
			return false, err
		case err != nil:
			degraded = true
			a.logger.Warn("vector allergen search failed", zap.String("allergen", names[j]), zap.Error(err))
		case found:
			findings[i] = &risk
		}
	}
	return degraded, nil
}

// explicitTagRisk is layer 1: the allergen is declared in the product's allergen tags
func explicitTagRisk(allergen string, tags []string) (domain.AllergenRisk, bool) {
	key := allergenKey(allergen)
	for _, tag := range tags {
		if tag == allergen || allergenKey(tag) == key {
			return domain.AllergenRisk{
				Allergen:   allergen,
				RiskLevel:  domain.RiskHigh,
				Confidence: explicitTagConfidence,
				Reason:     fmt.Sprintf("Product declares %s in its allergen information", allergen),
				Sources:    []string{SourceAllergenTags},
			}, true
		}
	}
	return domain.AllergenRisk{}, false
}

// aliasRisk is layer 2: ingredient text mentions one or more aliases of the allergen
func aliasRisk(allergen, text string) (domain.AllergenRisk, bool) {
	var matched []string
	for _, alias := range aliasesFor(allergen) {
		if containsTerm(text, alias) {
			matched = appendUnique(matched, alias)
		}
	}
	if len(matched) == 0 {
		return domain.AllergenRisk{}, false
	}

	confidence := aliasBaseConfidence + aliasStepConfidence*float64(len(matched))
	if confidence > aliasMaxConfidence {
		confidence = aliasMaxConfidence
	}
	level := domain.RiskMedium
	if len(matched) >= aliasHighRiskMatches {
		level = domain.RiskHigh
	}

	return domain.AllergenRisk{
		Allergen:   allergen,
		RiskLevel:  level,
		Confidence: confidence,
		Reason:     fmt.Sprintf("Ingredients mention %s", strings.Join(matched, ", ")),
		Sources:    []string{SourceIngredientKeywords},
	}, true
}

// vectorRisk is layer 3: the product sits close to the allergen in allergen-embedding space
func (a *AllergenAnalyzer) vectorRisk(ctx context.Context, product *domain.Product, allergen string, vector []float32) (domain.AllergenRisk, bool, error) {
	hits, err := a.vectors.SearchByVector(ctx, VectorQuery{
		Vector:   vector,
		Space:    domain.SpaceAllergens,
		Limit:    a.vectorLimit,
		MinScore: vectorMediumSimilarity,
	})
	if err != nil {
		return domain.AllergenRisk{}, false, cancelledOr(ctx, err)
	}

	for _, hit := range hits {
		if !product.SameAs(&hit.Product) {
			continue
		}
		var level domain.RiskLevel
		switch {
		case hit.Score > vectorHighSimilarity:
			level = domain.RiskHigh
		case hit.Score > vectorMediumSimilarity:
			level = domain.RiskMedium
		default:
			return domain.AllergenRisk{}, false, nil
		}
		return domain.AllergenRisk{
			Allergen:   allergen,
			RiskLevel:  level,
			Confidence: domain.ClampConfidence(hit.Score),
			Reason:     fmt.Sprintf("Allergen profile is similar to %s (similarity %.2f)", allergen, hit.Score),
			Sources:    []string{SourceVectorSimilarity},
		}, true, nil
	}
	return domain.AllergenRisk{}, false, nil
}

// crossContaminationRisk flags "may contain"-style phrases followed by an allergen alias.
// Positions are raw byte offsets of the first occurrence of each string, so an alias that
// also appears earlier in the ingredient list hides a later warning.
func crossContaminationRisk(allergen, text string) (domain.AllergenRisk, bool) {
	for _, phrase := range crossContaminationPhrases {
		phraseIdx := strings.Index(text, phrase)
		if phraseIdx < 0 {
			continue
		}
		for _, alias := range aliasesFor(allergen) {
			if strings.Index(text, alias) > phraseIdx {
				return domain.AllergenRisk{
					Allergen:           allergen,
					RiskLevel:          domain.RiskMedium,
					Confidence:         crossContaminationConfidence,
					Reason:             fmt.Sprintf("%s: label states %q followed by %s", SourceCrossContamination, phrase, alias),
					Sources:            []string{SourceCrossContamination},
					CrossContamination: true,
				}, true
			}
		}
	}
	return domain.AllergenRisk{}, false
}

// aggregateAllergenRisks derives the overall verdict from individual findings
func aggregateAllergenRisks(risks []domain.AllergenRisk, warnings []string) *domain.AllergenAnalysis {
	analysis := &domain.AllergenAnalysis{
		RiskLevel:  domain.VerdictSafe,
		Confidence: domain.MaxConfidence,
		Risks:      risks,
		Violations: []string{},
		Warnings:   append([]string{}, warnings...),
	}
	if len(risks) == 0 {
		analysis.Safe = true
		return analysis
	}

	var total float64
	for _, risk := range risks {
		total += risk.Confidence
		switch risk.RiskLevel {
		case domain.RiskHigh:
			analysis.RiskLevel = domain.VerdictDanger
			analysis.Violations = appendUnique(analysis.Violations, "Contains "+risk.Allergen)
		case domain.RiskMedium:
			if analysis.RiskLevel != domain.VerdictDanger {
				analysis.RiskLevel = domain.VerdictCaution
			}
			if risk.CrossContamination {
				analysis.Warnings = appendUnique(analysis.Warnings,
					fmt.Sprintf("May contain traces of %s (shared facility or equipment)", risk.Allergen))
			} else {
				analysis.Warnings = appendUnique(analysis.Warnings, "May contain "+risk.Allergen)
			}
		}
	}

	analysis.Confidence = domain.ClampConfidence(total / float64(len(risks)))
	analysis.Safe = len(analysis.Violations) == 0
	return analysis
}

// cancelledOr maps context cancellation to ErrCancelled and passes other errors through
func cancelledOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", domain.ErrCancelled, ctxErr)
	}
	return err
}
