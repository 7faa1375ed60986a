package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smarties/backend/internal/domain"
)

// Ranking multipliers
const (
	dangerMultiplier          = 0.3
	cautionMultiplier         = 0.7
	fullComplianceMultiplier  = 1.2
	partialComplianceMultiple = 0.6
	maxPreferenceBoost        = 0.3
	maxRecommendationScore    = 0.95
)

const (
	defaultRecommendationLimit = 10
	defaultCandidateLimit      = 50
	defaultHistorySeeds        = 5
)

// CandidateSource resolves seed products and finds similar ones
type CandidateSource interface {
	VectorSearcher
	ResolveCode(ctx context.Context, code string) (*domain.Product, error)
}

// TaskSubmitter runs tasks on a bounded pool
type TaskSubmitter interface {
	Submit(task func()) error
}

type workerStatser interface {
	Stats() domain.WorkerStats
}

// RankerConfig holds configuration for the recommendation ranker
type RankerConfig struct {
	DefaultLimit   int
	CandidateLimit int
	HistorySeeds   int
	Dimension      int
}

// RecommendOptions tunes a single recommendation call
type RecommendOptions struct {
	Limit        int                `json:"limit,omitempty"`
	MinScore     float64            `json:"minScore,omitempty"`
	ExcludeAvoid bool               `json:"excludeAvoid,omitempty"`
	Space        domain.VectorSpace `json:"space,omitempty"`
	// PrioritizeSafety orders by safety tier before score. Defaults to true when unset.
	PrioritizeSafety *bool `json:"prioritizeSafety,omitempty"`
}

func (o RecommendOptions) prioritizeSafety() bool {
	return o.PrioritizeSafety == nil || *o.PrioritizeSafety
}

// RecommendationRanker scores similar products against a dietary profile
type RecommendationRanker struct {
	source         CandidateSource
	allergens      *AllergenAnalyzer
	compliance     *ComplianceEvaluator
	pool           TaskSubmitter
	monitor        OperationRecorder
	logger         *zap.Logger
	defaultLimit   int
	candidateLimit int
	historySeeds   int
	dimension      int
}

// NewRecommendationRanker creates a ranker. pool may be nil, in which case every
// candidate is scored on its own goroutine.
func NewRecommendationRanker(
	source CandidateSource,
	allergens *AllergenAnalyzer,
	compliance *ComplianceEvaluator,
	pool TaskSubmitter,
	monitor OperationRecorder,
	logger *zap.Logger,
	config RankerConfig,
) *RecommendationRanker {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = defaultRecommendationLimit
	}
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = defaultCandidateLimit
	}
	if config.CandidateLimit > maxResolveLimit {
		config.CandidateLimit = maxResolveLimit
	}
	if config.HistorySeeds <= 0 {
		config.HistorySeeds = defaultHistorySeeds
	}
	if config.Dimension <= 0 {
		config.Dimension = domain.EmbeddingDimension
	}
	if monitor == nil {
		monitor = noopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecommendationRanker{
		source:         source,
		allergens:      allergens,
		compliance:     compliance,
		pool:           pool,
		monitor:        monitor,
		logger:         logger.With(zap.String("component", "ranker")),
		defaultLimit:   config.DefaultLimit,
		candidateLimit: config.CandidateLimit,
		historySeeds:   config.HistorySeeds,
		dimension:      config.Dimension,
	}
}

// WorkerStats reports the scoring pool counters when the pool exposes them
func (r *RecommendationRanker) WorkerStats() (domain.WorkerStats, bool) {
	statser, ok := r.pool.(workerStatser)
	if !ok {
		return domain.WorkerStats{}, false
	}
	return statser.Stats(), true
}

// RecommendAlternatives returns products similar to the seed that suit the profile better
func (r *RecommendationRanker) RecommendAlternatives(ctx context.Context, code string, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	if err := r.validate(&profile, &opts); err != nil {
		return nil, err
	}

	start := time.Now()
	recs, err := r.recommendAlternatives(ctx, code, profile, opts)
	r.monitor.Record(OpRecommendations, time.Since(start), err == nil)
	return recs, err
}

func (r *RecommendationRanker) recommendAlternatives(ctx context.Context, code string, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	seed, err := r.source.ResolveCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
			return nil, err
		case ctx.Err() != nil:
			return nil, cancelledOr(ctx, err)
		}
		return nil, fmt.Errorf("%w: seed product %s could not be resolved: %v", domain.ErrNotFound, code, err)
	}

	candidates, err := r.similarTo(ctx, seed, opts.Space)
	if err != nil {
		return nil, err
	}
	candidates = excludeProducts(candidates, []domain.Product{*seed}, nil)

	return r.rank(ctx, candidates, profile, opts)
}

// RecommendPersonalized returns products similar to the profile's scan history and preferences
func (r *RecommendationRanker) RecommendPersonalized(ctx context.Context, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	if err := r.validate(&profile, &opts); err != nil {
		return nil, err
	}
	if len(profile.ScanHistory) == 0 && len(profile.Preferences) == 0 {
		return nil, fmt.Errorf("%w: scan history or preferences are required", domain.ErrValidation)
	}

	start := time.Now()
	recs, err := r.recommendPersonalized(ctx, profile, opts)
	r.monitor.Record(OpRecommendations, time.Since(start), err == nil)
	return recs, err
}

func (r *RecommendationRanker) recommendPersonalized(ctx context.Context, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	history := profile.ScanHistory
	if len(history) > r.historySeeds {
		history = history[:r.historySeeds]
	}

	var seeds []domain.Product
	for _, code := range history {
		seed, err := r.source.ResolveCode(ctx, code)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelledOr(ctx, err)
			}
			r.logger.Debug("skipping unresolved history product", zap.String("code", code), zap.Error(err))
			continue
		}
		seeds = append(seeds, *seed)
	}

	var candidates []domain.ScoredProduct
	var lastErr error
	sources := 0
	for i := range seeds {
		hits, err := r.similarTo(ctx, &seeds[i], opts.Space)
		if err != nil {
			if errors.Is(err, domain.ErrCancelled) {
				return nil, err
			}
			lastErr = err
			continue
		}
		sources++
		candidates = append(candidates, hits...)
	}

	if prefs := strings.Join(preferenceKeywords(profile.Preferences), " "); prefs != "" {
		hits, err := r.searchText(ctx, opts.Space, prefs)
		switch {
		case err != nil && errors.Is(err, domain.ErrCancelled):
			return nil, err
		case err != nil:
			lastErr = err
		default:
			sources++
			candidates = append(candidates, hits...)
		}
	}

	if sources == 0 && lastErr != nil {
		return nil, lastErr
	}

	candidates = excludeProducts(dedupeCandidates(candidates), seeds, profile.ScanHistory)
	return r.rank(ctx, candidates, profile, opts)
}

func (r *RecommendationRanker) validate(profile *domain.DietaryProfile, opts *RecommendOptions) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	if opts.Limit < 0 || opts.Limit > maxResolveLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxResolveLimit)
	}
	if opts.Limit == 0 {
		opts.Limit = r.defaultLimit
	}
	if opts.MinScore < 0 || opts.MinScore > 1 {
		return fmt.Errorf("%w: minScore %.2f outside [0,1]", domain.ErrValidation, opts.MinScore)
	}
	if opts.Space == "" {
		opts.Space = domain.SpaceProductName
	}
	if !opts.Space.IsKnown() {
		return fmt.Errorf("%w: unknown vector space %q", domain.ErrValidation, opts.Space)
	}
	return nil
}

// similarTo finds products near the seed, reusing its stored embedding when present
func (r *RecommendationRanker) similarTo(ctx context.Context, seed *domain.Product, space domain.VectorSpace) ([]domain.ScoredProduct, error) {
	if stored := storedEmbedding(seed, space); len(stored) == r.dimension {
		return r.source.SearchByVector(ctx, VectorQuery{Vector: stored, Space: space, Limit: r.candidateLimit})
	}
	return r.searchText(ctx, space, seedText(seed, space))
}

func (r *RecommendationRanker) searchText(ctx context.Context, space domain.VectorSpace, text string) ([]domain.ScoredProduct, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: nothing to compare against in %s space", domain.ErrValidation, space)
	}
	vector, err := r.source.EmbedText(ctx, space, text)
	if err != nil {
		return nil, cancelledOr(ctx, err)
	}
	hits, err := r.source.SearchByVector(ctx, VectorQuery{Vector: vector, Space: space, Limit: r.candidateLimit})
	if err != nil {
		return nil, cancelledOr(ctx, err)
	}
	return hits, nil
}

// rank scores candidates concurrently, filters and orders them
func (r *RecommendationRanker) rank(ctx context.Context, candidates []domain.ScoredProduct, profile domain.DietaryProfile, opts RecommendOptions) ([]domain.Recommendation, error) {
	scored := make([]*domain.Recommendation, len(candidates))
	var wg sync.WaitGroup

	for i := range candidates {
		task := func() {
			defer wg.Done()
			rec, err := r.scoreCandidate(ctx, candidates[i], profile)
			if err != nil {
				r.logger.Debug("candidate scoring failed",
					zap.String("code", candidates[i].Product.Code), zap.Error(err))
				return
			}
			scored[i] = rec
		}

		wg.Add(1)
		if r.pool == nil {
			go task()
			continue
		}
		if err := r.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	recs := make([]domain.Recommendation, 0, len(scored))
	for _, rec := range scored {
		if rec == nil {
			continue
		}
		if opts.ExcludeAvoid && rec.SafetyLevel == domain.SafetyAvoid {
			continue
		}
		if rec.Score < opts.MinScore {
			continue
		}
		recs = append(recs, *rec)
	}

	sortRecommendations(recs, opts.prioritizeSafety())
	if len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs, nil
}

// scoreCandidate runs the allergen and compliance checks and applies the ranking multipliers
func (r *RecommendationRanker) scoreCandidate(ctx context.Context, candidate domain.ScoredProduct, profile domain.DietaryProfile) (*domain.Recommendation, error) {
	product := candidate.Product
	similarity := candidate.Score

	allergens, err := r.allergens.Analyze(ctx, &product, profile.Allergens)
	if err != nil {
		return nil, err
	}
	compliance, err := r.compliance.Evaluate(ctx, &product, profile.Restrictions)
	if err != nil {
		return nil, err
	}

	multiplier := similarity
	level := domain.SafetySafe
	reasons := []string{fmt.Sprintf("Similar product (%.0f%% match)", similarity*100)}

	switch allergens.RiskLevel {
	case domain.VerdictDanger:
		multiplier *= dangerMultiplier
		level = domain.SafetyAvoid
		reasons = append(reasons, "Contains your allergens: "+strings.Join(allergenNames(allergens, domain.RiskHigh), ", "))
	case domain.VerdictCaution:
		multiplier *= cautionMultiplier
		level = domain.SafetyCaution
		reasons = append(reasons, "May contain traces of your allergens")
	default:
		if len(profile.Allergens) > 0 {
			reasons = append(reasons, "Free of your allergens")
		}
	}

	if len(profile.Restrictions) > 0 {
		if compliance.OverallCompliance {
			multiplier *= fullComplianceMultiplier
			reasons = append(reasons, "Meets all dietary restrictions")
		} else {
			multiplier *= partialComplianceMultiple
			if level == domain.SafetySafe {
				level = domain.SafetyCaution
			}
			reasons = append(reasons, "Does not meet: "+strings.Join(failedRestrictions(compliance), ", "))
		}
	}

	keywords := preferenceKeywords(profile.Preferences)
	if matched := matchedPreferences(&product, keywords); len(matched) > 0 {
		multiplier *= 1 + maxPreferenceBoost*float64(len(matched))/float64(len(keywords))
		reasons = append(reasons, "Matches preferences: "+strings.Join(matched, ", "))
	}

	score := math.Max(0, math.Min(multiplier*similarity, maxRecommendationScore))
	return &domain.Recommendation{
		Product:     product,
		Score:       score,
		Similarity:  similarity,
		Confidence:  domain.ClampConfidence((allergens.Confidence + compliance.Confidence) / 2),
		Reasons:     reasons,
		SafetyLevel: level,
	}, nil
}

func sortRecommendations(recs []domain.Recommendation, prioritizeSafety bool) {
	sort.SliceStable(recs, func(i, j int) bool {
		if prioritizeSafety {
			ti, tj := recs[i].SafetyLevel.Tier(), recs[j].SafetyLevel.Tier()
			if ti != tj {
				return ti < tj
			}
		}
		return recs[i].Score > recs[j].Score
	})
}

// dedupeCandidates keeps the first occurrence of each product identity
func dedupeCandidates(candidates []domain.ScoredProduct) []domain.ScoredProduct {
	seen := make(map[string]bool, len(candidates))
	out := make([]domain.ScoredProduct, 0, len(candidates))
	for _, c := range candidates {
		key := c.Product.Identity()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// excludeProducts drops candidates matching any of the given products or codes
func excludeProducts(candidates []domain.ScoredProduct, products []domain.Product, codes []string) []domain.ScoredProduct {
	out := candidates[:0:0]
	for _, c := range candidates {
		excluded := false
		for i := range products {
			if products[i].SameAs(&c.Product) {
				excluded = true
				break
			}
		}
		for _, code := range codes {
			if code != "" && c.Product.Code == code {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, c)
		}
	}
	return out
}

func storedEmbedding(p *domain.Product, space domain.VectorSpace) []float32 {
	switch space {
	case domain.SpaceProductName:
		return p.ProductNameEmbedding
	case domain.SpaceAllergens:
		return p.AllergensEmbedding
	default:
		return p.IngredientsEmbedding
	}
}

func seedText(p *domain.Product, space domain.VectorSpace) string {
	switch space {
	case domain.SpaceProductName:
		return p.Name
	case domain.SpaceAllergens:
		return strings.Join(p.AllergenTags, ", ")
	default:
		return p.IngredientText()
	}
}

// preferenceKeywords tokenizes free-text preferences into distinct keywords
func preferenceKeywords(preferences []string) []string {
	var keywords []string
	for _, pref := range preferences {
		keywords = appendUnique(keywords, tokenize(pref)...)
	}
	return keywords
}

// matchedPreferences returns the keywords found in the product's name or ingredients
func matchedPreferences(p *domain.Product, keywords []string) []string {
	text := p.SearchText()
	var matched []string
	for _, keyword := range keywords {
		if containsTerm(text, keyword) {
			matched = appendUnique(matched, keyword)
		}
	}
	return matched
}

func allergenNames(analysis *domain.AllergenAnalysis, level domain.RiskLevel) []string {
	var names []string
	for _, risk := range analysis.Risks {
		if risk.RiskLevel == level {
			names = appendUnique(names, risk.Allergen)
		}
	}
	return names
}

func failedRestrictions(report *domain.ComplianceReport) []string {
	var names []string
	for _, t := range domain.KnownRestrictionTypes {
		if res, ok := report.Results[t]; ok && !res.Compliant {
			names = append(names, t.Label())
		}
	}
	return names
}
