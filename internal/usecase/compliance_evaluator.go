package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smarties/backend/internal/domain"
)

// Compliance sources
const (
	SourceDietaryFlags          = "dietary_flags"
	SourceCertificationKeywords = "certification_keywords"
	SourceProhibitedIngredients = "prohibited_ingredients"
	SourceCertifiedCorpus       = "certified_corpus"
)

// Confidence heuristics. Tunable; kept numerically stable across releases.
const (
	explicitFlagConfidence    = 0.9
	complianceBaseConfidence  = 0.5
	compliantBonus            = 0.3
	certificationBonus        = 0.1
	maxCertificationBonus     = 0.2
	violationPenalty          = 0.1
	maxViolationPenalty       = 0.3
	warningPenalty            = 0.02
	maxWarningPenalty         = 0.1
	culturalMatchSimilarity   = 0.85
	defaultCulturalCheckLimit = 10
)

// ComplianceConfig holds configuration for the compliance evaluator
type ComplianceConfig struct {
	EnableCulturalCheck bool
	CulturalCheckLimit  int
	Dimension           int
}

// ComplianceEvaluator produces per-restriction compliance verdicts
type ComplianceEvaluator struct {
	vectors             VectorSearcher
	monitor             OperationRecorder
	logger              *zap.Logger
	enableCulturalCheck bool
	culturalCheckLimit  int
	dimension           int
}

// NewComplianceEvaluator creates an evaluator. vectors may be nil to disable the
// cultural (kosher/halal) corpus check.
func NewComplianceEvaluator(vectors VectorSearcher, monitor OperationRecorder, logger *zap.Logger, config ComplianceConfig) *ComplianceEvaluator {
	limit := config.CulturalCheckLimit
	if limit <= 0 {
		limit = defaultCulturalCheckLimit
	}
	dimension := config.Dimension
	if dimension <= 0 {
		dimension = domain.EmbeddingDimension
	}
	if monitor == nil {
		monitor = noopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplianceEvaluator{
		vectors:             vectors,
		monitor:             monitor,
		logger:              logger.With(zap.String("component", "compliance_evaluator")),
		enableCulturalCheck: config.EnableCulturalCheck && vectors != nil,
		culturalCheckLimit:  limit,
		dimension:           dimension,
	}
}

// Evaluate checks the product against every restriction.
// Overall compliance is the logical AND of the per-restriction verdicts.
func (e *ComplianceEvaluator) Evaluate(ctx context.Context, product *domain.Product, restrictions []domain.Restriction) (*domain.ComplianceReport, error) {
	if product == nil {
		return nil, fmt.Errorf("%w: product is required", domain.ErrValidation)
	}
	normalized := make([]domain.Restriction, 0, len(restrictions))
	for _, r := range restrictions {
		t, err := domain.ParseRestrictionType(string(r.Type))
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, domain.Restriction{Type: t, Required: r.Required})
	}

	start := time.Now()
	report, err := e.evaluate(ctx, product, normalized)
	e.monitor.Record(OpComplianceEvaluation, time.Since(start), err == nil)
	return report, err
}

func (e *ComplianceEvaluator) evaluate(ctx context.Context, product *domain.Product, restrictions []domain.Restriction) (*domain.ComplianceReport, error) {
	report := &domain.ComplianceReport{
		OverallCompliance: true,
		Confidence:        domain.MaxConfidence,
		Results:           make(map[domain.RestrictionType]*domain.ComplianceResult, len(restrictions)),
	}
	if len(restrictions) == 0 {
		return report, nil
	}

	var total float64
	for _, r := range restrictions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		if _, seen := report.Results[r.Type]; seen {
			continue
		}

		result, err := e.evaluateRestriction(ctx, product, r)
		if err != nil {
			return nil, err
		}
		report.Results[r.Type] = result
		report.OverallCompliance = report.OverallCompliance && result.Compliant
		total += result.Confidence
	}

	report.Confidence = domain.ClampConfidence(total / float64(len(report.Results)))
	return report, nil
}

// evaluateRestriction applies the sources in precedence order, stopping at the explicit flag
func (e *ComplianceEvaluator) evaluateRestriction(ctx context.Context, product *domain.Product, r domain.Restriction) (*domain.ComplianceResult, error) {
	result := &domain.ComplianceResult{
		Restriction:    r.Type,
		Required:       r.Required,
		Violations:     []string{},
		Warnings:       []string{},
		Certifications: []string{},
		Sources:        []string{},
	}

	// 1. explicit flag is authoritative
	if flag, known := product.DietaryFlags.Lookup(r.Type); known {
		result.Compliant = flag
		result.Confidence = explicitFlagConfidence
		result.Sources = append(result.Sources, SourceDietaryFlags)
		if !flag {
			result.Violations = append(result.Violations, fmt.Sprintf("Product is marked as not %s", r.Type.Label()))
		}
		return result, nil
	}

	// 2. certification keywords are provenance only
	searchText := product.SearchText()
	for _, keyword := range certificationKeywords[r.Type] {
		if strings.Contains(searchText, keyword) {
			result.Certifications = appendUnique(result.Certifications, keyword)
		}
	}
	if len(result.Certifications) > 0 {
		result.Sources = append(result.Sources, SourceCertificationKeywords)
	}

	// 3. prohibited ingredients
	ingredientText := product.IngredientText()
	for _, keyword := range prohibitedIngredients[r.Type] {
		if !containsTerm(ingredientText, keyword) {
			continue
		}
		result.Violations = appendUnique(result.Violations, fmt.Sprintf("Contains %s (not %s)", keyword, r.Type.Label()))
		if substitute, ok := ingredientSubstitutions[keyword]; ok {
			result.Warnings = appendUnique(result.Warnings, fmt.Sprintf("Consider %s instead of %s", substitute, keyword))
		}
	}
	if len(result.Violations) > 0 {
		result.Sources = append(result.Sources, SourceProhibitedIngredients)
	}

	// 4. cultural corpus check for kosher/halal
	if r.Type.IsCultural() && len(result.Violations) == 0 {
		if err := e.culturalCheck(ctx, product, result); err != nil {
			return nil, err
		}
	}

	result.Compliant = len(result.Violations) == 0
	result.Confidence = complianceConfidence(result.Compliant,
		len(result.Certifications), len(result.Violations), len(result.Warnings))
	return result, nil
}

// culturalCheck confirms kosher/halal status against the certified product corpus.
// The product's own flag is unknown here, so the match is always another product.
func (e *ComplianceEvaluator) culturalCheck(ctx context.Context, product *domain.Product, result *domain.ComplianceResult) error {
	label := result.Restriction.Label()
	if !e.enableCulturalCheck {
		result.Warnings = appendUnique(result.Warnings, fmt.Sprintf("%s certification could not be verified", label))
		return nil
	}

	vector := product.IngredientsEmbedding
	if len(vector) != e.dimension {
		embedded, err := e.vectors.EmbedText(ctx, domain.SpaceIngredients, product.IngredientText())
		if err != nil {
			return e.culturalUnavailable(ctx, result, err)
		}
		vector = embedded
	}

	hits, err := e.vectors.SearchByVector(ctx, VectorQuery{
		Vector:       vector,
		Space:        domain.SpaceIngredients,
		Limit:        e.culturalCheckLimit,
		CertifiedFor: result.Restriction,
	})
	if err != nil {
		return e.culturalUnavailable(ctx, result, err)
	}

	// a certified product with near-identical ingredients confirms the restriction
	for _, hit := range hits {
		if product.SameAs(&hit.Product) || hit.Score <= culturalMatchSimilarity {
			continue
		}
		e.logger.Debug("cultural compliance confirmed by certified product",
			zap.String("restriction", string(result.Restriction)),
			zap.String("match", hit.Product.Identity()),
			zap.Float64("similarity", hit.Score))
		result.Sources = append(result.Sources, SourceCertifiedCorpus)
		return nil
	}
	result.Violations = append(result.Violations, fmt.Sprintf("No %s certification match in certified product corpus", label))
	result.Sources = append(result.Sources, SourceCertifiedCorpus)
	return nil
}

func (e *ComplianceEvaluator) culturalUnavailable(ctx context.Context, result *domain.ComplianceResult, err error) error {
	if err := cancelledOr(ctx, err); errors.Is(err, domain.ErrCancelled) {
		return err
	}
	e.logger.Warn("cultural compliance check unavailable",
		zap.String("restriction", string(result.Restriction)), zap.Error(err))
	result.Warnings = appendUnique(result.Warnings,
		fmt.Sprintf("%s certification could not be verified", result.Restriction.Label()))
	return nil
}

// complianceConfidence applies the additive confidence heuristic
func complianceConfidence(compliant bool, certifications, violations, warnings int) float64 {
	c := complianceBaseConfidence
	if compliant {
		c += compliantBonus
	}
	c += math.Min(certificationBonus*float64(certifications), maxCertificationBonus)
	c -= math.Min(violationPenalty*float64(violations), maxViolationPenalty)
	c -= math.Min(warningPenalty*float64(warnings), maxWarningPenalty)
	return domain.ClampConfidence(c)
}
