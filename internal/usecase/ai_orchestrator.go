package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smarties/backend/internal/domain"
)

// Strategy names reported on AnalysisResult
const (
	StrategyPrimary      = "primary"
	StrategySecondary    = "secondary"
	StrategyRuleFallback = "rule_fallback"
)

const (
	fallbackConfidence  = 0.7
	fallbackExplanation = "AI analysis unavailable, using rule-based fallback"

	defaultMaxRetries = 3
	defaultBaseDelay  = 500 * time.Millisecond
)

var rateLimitPattern = regexp.MustCompile(`(?i)rate limit|too many requests|quota`)

// OrchestratorConfig holds configuration for the AI fallback chain
type OrchestratorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	RateWindow time.Duration
}

// AIOptions tunes a single AI analysis call
type AIOptions struct {
	// RulesOnly skips the external providers
	RulesOnly bool `json:"rulesOnly,omitempty"`
}

// strategy is one link of the fallback chain
type strategy struct {
	name      string
	available func() bool
	run       func(ctx context.Context) (*domain.AnalysisResult, error)
}

// AIOrchestrator asks external providers for a safety opinion and falls back to
// local keyword rules when none can answer.
type AIOrchestrator struct {
	primary    domain.AnalysisProvider
	secondary  domain.AnalysisProvider
	tracker    *ProviderTracker
	maxRetries int
	baseDelay  time.Duration
	monitor    OperationRecorder
	logger     *zap.Logger
}

// NewAIOrchestrator creates an orchestrator. Either provider may be nil.
func NewAIOrchestrator(
	primary, secondary domain.AnalysisProvider,
	monitor OperationRecorder,
	logger *zap.Logger,
	config OrchestratorConfig,
) *AIOrchestrator {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaultBaseDelay
	}
	if monitor == nil {
		monitor = noopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := NewProviderTracker(config.RateWindow)
	for _, p := range []domain.AnalysisProvider{primary, secondary} {
		if p != nil {
			tracker.Register(p.Name())
		}
	}

	return &AIOrchestrator{
		primary:    primary,
		secondary:  secondary,
		tracker:    tracker,
		maxRetries: config.MaxRetries,
		baseDelay:  config.BaseDelay,
		monitor:    monitor,
		logger:     logger.With(zap.String("component", "ai_orchestrator")),
	}
}

// AnalyzeWithAI returns a safety opinion for the product. Once the chain starts the only
// error it can return is ErrCancelled; the rule-based fallback always answers.
func (o *AIOrchestrator) AnalyzeWithAI(ctx context.Context, product *domain.Product, profile domain.DietaryProfile, opts AIOptions) (*domain.AnalysisResult, error) {
	if product == nil {
		return nil, fmt.Errorf("%w: product is required", domain.ErrValidation)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := o.runChain(ctx, o.strategies(product, profile, opts))
	o.monitor.Record(OpAIAnalysis, time.Since(start), err == nil)
	return result, err
}

func (o *AIOrchestrator) runChain(ctx context.Context, chain []strategy) (*domain.AnalysisResult, error) {
	for _, s := range chain {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		if !s.available() {
			o.logger.Debug("strategy skipped", zap.String("strategy", s.name))
			continue
		}

		result, err := s.run(ctx)
		if err == nil {
			result.Strategy = s.name
			return result, nil
		}
		if errors.Is(err, domain.ErrCancelled) || ctx.Err() != nil {
			return nil, cancelledOr(ctx, err)
		}
		o.logger.Warn("strategy failed, advancing chain", zap.String("strategy", s.name), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: fallback chain exhausted", domain.ErrTransient)
}

func (o *AIOrchestrator) strategies(product *domain.Product, profile domain.DietaryProfile, opts AIOptions) []strategy {
	req := domain.ProviderRequest{
		Ingredients:      append([]string{}, product.Ingredients...),
		Allergens:        append([]string{}, profile.Allergens...),
		UserRestrictions: restrictionNames(profile.Restrictions),
	}

	var chain []strategy
	if !opts.RulesOnly {
		chain = append(chain,
			o.providerStrategy(StrategyPrimary, o.primary, req),
			o.providerStrategy(StrategySecondary, o.secondary, req))
	}
	return append(chain, strategy{
		name:      StrategyRuleFallback,
		available: func() bool { return true },
		run: func(context.Context) (*domain.AnalysisResult, error) {
			return ruleBasedAnalysis(product, profile), nil
		},
	})
}

func (o *AIOrchestrator) providerStrategy(name string, provider domain.AnalysisProvider, req domain.ProviderRequest) strategy {
	return strategy{
		name: name,
		available: func() bool {
			return provider != nil && o.tracker.Available(provider.Name())
		},
		run: func(ctx context.Context) (*domain.AnalysisResult, error) {
			return o.callProvider(ctx, provider, req)
		},
	}
}

// callProvider retries transient failures with exponential backoff. A rate-limit
// response stops retrying immediately and marks the provider limited.
func (o *AIOrchestrator) callProvider(ctx context.Context, provider domain.AnalysisProvider, req domain.ProviderRequest) (*domain.AnalysisResult, error) {
	name := provider.Name()
	var resp *domain.ProviderResponse

	operation := func() error {
		if !o.tracker.Available(name) {
			return backoff.Permanent(fmt.Errorf("%w: %s is not available", domain.ErrRateLimited, name))
		}
		o.tracker.RecordAttempt(name)

		r, err := provider.Analyze(ctx, req)
		switch {
		case err == nil:
			resp = r
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(cancelledOr(ctx, err))
		case isRateLimit(err):
			o.tracker.MarkLimited(name, err)
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", domain.ErrRateLimited, name, err))
		case errors.Is(err, domain.ErrValidation):
			return backoff.Permanent(err)
		}
		o.logger.Debug("provider attempt failed", zap.String("provider", name), zap.Error(err))
		return err
	}

	if err := backoff.Retry(operation, o.retryPolicy(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, cancelledOr(ctx, err)
		}
		// a bad request says nothing about provider health; limits are tracked separately
		if !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrRateLimited) {
			o.tracker.MarkUnavailable(name, err)
		}
		return nil, err
	}

	o.tracker.MarkHealthy(name)
	return providerResult(name, resp), nil
}

func (o *AIOrchestrator) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.maxRetries)), ctx)
}

// TestProviders probes every configured provider and refreshes its availability.
// Rate-limit counters are left untouched.
func (o *AIOrchestrator) TestProviders(ctx context.Context) []ProviderStatus {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []domain.AnalysisProvider{o.primary, o.secondary} {
		if p == nil {
			continue
		}
		g.Go(func() error {
			if err := p.Probe(gctx); err != nil {
				o.logger.Warn("provider probe failed", zap.String("provider", p.Name()), zap.Error(err))
				o.tracker.MarkUnavailable(p.Name(), err)
				return nil
			}
			o.tracker.MarkHealthy(p.Name())
			return nil
		})
	}
	_ = g.Wait()
	return o.tracker.Snapshot()
}

// ProviderStatus returns the cached provider states
func (o *AIOrchestrator) ProviderStatus() []ProviderStatus {
	return o.tracker.Snapshot()
}

func isRateLimit(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || rateLimitPattern.MatchString(err.Error())
}

// providerResult converts a provider response, keeping "unsafe iff violations"
func providerResult(name string, resp *domain.ProviderResponse) *domain.AnalysisResult {
	result := &domain.AnalysisResult{
		Violations:  append([]string{}, resp.Violations...),
		Warnings:    append([]string{}, resp.Warnings...),
		Confidence:  domain.ClampConfidence(resp.Confidence),
		Explanation: resp.Explanation,
	}
	if !resp.Safe && len(result.Violations) == 0 {
		result.Violations = append(result.Violations, fmt.Sprintf("Flagged as unsafe by %s", name))
	}
	if result.Explanation == "" {
		result.Explanation = fmt.Sprintf("Analyzed by %s", name)
	}
	result.Safe = len(result.Violations) == 0
	return result
}

// ruleBasedAnalysis matches ingredient text against user allergens and restriction keywords
func ruleBasedAnalysis(product *domain.Product, profile domain.DietaryProfile) *domain.AnalysisResult {
	text := product.IngredientText()
	tags := domain.NormalizeAllergens(product.AllergenTags)
	violations := []string{}
	warnings := []string{}

	for _, allergen := range profile.Allergens {
		if _, ok := explicitTagRisk(allergen, tags); ok {
			violations = appendUnique(violations, "Contains "+allergen)
			continue
		}
		for _, alias := range aliasesFor(allergen) {
			if containsTerm(text, alias) {
				violations = appendUnique(violations, fmt.Sprintf("Contains %s (%s)", allergen, alias))
				break
			}
		}
		if _, ok := crossContaminationRisk(allergen, text); ok {
			warnings = appendUnique(warnings, fmt.Sprintf("May contain traces of %s", allergen))
		}
	}

	for _, r := range profile.Restrictions {
		for _, keyword := range prohibitedIngredients[r.Type] {
			if !containsTerm(text, keyword) {
				continue
			}
			if r.Required {
				violations = appendUnique(violations, fmt.Sprintf("Contains %s (not %s)", keyword, r.Type.Label()))
			} else {
				warnings = appendUnique(warnings, fmt.Sprintf("Contains %s (not %s)", keyword, r.Type.Label()))
			}
		}
	}

	return &domain.AnalysisResult{
		Safe:        len(violations) == 0,
		Violations:  violations,
		Warnings:    warnings,
		Confidence:  fallbackConfidence,
		Explanation: fallbackExplanation,
		Strategy:    StrategyRuleFallback,
		Degraded:    true,
	}
}

func restrictionNames(restrictions []domain.Restriction) []string {
	names := make([]string, 0, len(restrictions))
	for _, r := range restrictions {
		names = append(names, string(r.Type))
	}
	return names
}
