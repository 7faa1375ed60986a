package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarties/backend/internal/domain"
)

func newTestOrchestrator(primary, secondary domain.AnalysisProvider, monitor OperationRecorder) *AIOrchestrator {
	return NewAIOrchestrator(primary, secondary, monitor, nil, OrchestratorConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		RateWindow: time.Minute,
	})
}

func transientErr(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrTransient, msg)
}

func gelatinCandy() *domain.Product {
	return &domain.Product{Code: almondCode, Name: "Gummy Bears", Ingredients: []string{"glucose syrup", "sugar", "gelatin"}}
}

func veganProfile() domain.DietaryProfile {
	return domain.DietaryProfile{Restrictions: []domain.Restriction{{Type: domain.RestrictionVegan, Required: true}}}
}

func TestAIOrchestratorPrimaryAnswers(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}
	o := newTestOrchestrator(primary, secondary, nil)

	result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
	require.NoError(t, err)

	assert.Equal(t, StrategyPrimary, result.Strategy)
	assert.True(t, result.Safe)
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
	assert.Equal(t, "Analyzed by primary", result.Explanation)
	assert.False(t, result.Degraded)
	assert.Zero(t, secondary.callCount())
}

func TestAIOrchestratorFailsOverToSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary", outcomes: []providerOutcome{{err: transientErr("deadline exceeded")}}}
	secondary := &fakeProvider{name: "secondary", outcomes: []providerOutcome{{resp: &domain.ProviderResponse{
		Safe:        false,
		Violations:  []string{"Contains gelatin"},
		Confidence:  0.85,
		Explanation: "Gelatin is animal-derived",
	}}}}
	monitor := newTestMonitor()
	o := newTestOrchestrator(primary, secondary, monitor)

	result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
	require.NoError(t, err)

	assert.Equal(t, StrategySecondary, result.Strategy)
	assert.False(t, result.Safe)
	assert.Equal(t, []string{"Contains gelatin"}, result.Violations)
	assert.InDelta(t, 0.85, result.Confidence, 1e-9)
	assert.Equal(t, "Gelatin is animal-derived", result.Explanation)

	assert.Equal(t, 4, primary.callCount(), "first attempt plus three retries")
	assert.Equal(t, 1, secondary.callCount())

	statuses := o.ProviderStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, ProviderUnavailable, statuses[0].State)
	assert.Equal(t, ProviderAvailable, statuses[1].State)
	assert.Equal(t, 1.0, monitor.Stats(OpAIAnalysis, 0).SuccessRate)

	// the unavailable primary is skipped for the rest of the window
	_, err = o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, primary.callCount())
	assert.Equal(t, 2, secondary.callCount())
}

func TestAIOrchestratorMarksFailingProviderUnavailable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
		wantState ProviderState
	}{
		{"transient error", transientErr("503"), 4, ProviderUnavailable},
		{"untyped error", errors.New("connection refused"), 4, ProviderUnavailable},
		{"malformed payload", errors.New("decode response: unexpected EOF"), 4, ProviderUnavailable},
		{"validation error", fmt.Errorf("%w: status 400", domain.ErrValidation), 1, ProviderAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeProvider{name: "primary", outcomes: []providerOutcome{{err: tt.err}}}
			secondary := &fakeProvider{name: "secondary"}
			o := newTestOrchestrator(primary, secondary, nil)

			result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
			require.NoError(t, err)
			assert.Equal(t, StrategySecondary, result.Strategy)
			assert.Equal(t, tt.wantCalls, primary.callCount())
			assert.Equal(t, tt.wantState, o.ProviderStatus()[0].State)

			_, err = o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
			require.NoError(t, err)
			if tt.wantState == ProviderUnavailable {
				assert.Equal(t, tt.wantCalls, primary.callCount(), "unavailable provider is skipped for the window")
			} else {
				assert.Equal(t, tt.wantCalls+1, primary.callCount())
			}
		})
	}
}

func TestAIOrchestratorRateLimitSkipsProvider(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"typed error", fmt.Errorf("%w: status 429", domain.ErrRateLimited)},
		{"message pattern", errors.New("monthly quota exhausted")},
		{"too many requests", errors.New("Too Many Requests")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &fakeProvider{name: "primary", outcomes: []providerOutcome{{err: tt.err}}}
			secondary := &fakeProvider{name: "secondary"}
			o := newTestOrchestrator(primary, secondary, nil)

			for i := 0; i < 3; i++ {
				result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
				require.NoError(t, err)
				assert.Equal(t, StrategySecondary, result.Strategy)
			}

			assert.Equal(t, 1, primary.callCount(), "limited provider is not retried nor called again in the window")
			assert.Equal(t, ProviderLimited, o.ProviderStatus()[0].State)
		})
	}
}

func TestAIOrchestratorRuleFallback(t *testing.T) {
	product := &domain.Product{Code: almondCode, Ingredients: []string{"wheat flour", "milk", "may contain sesame"}}
	profile := domain.DietaryProfile{
		Allergens: []string{"milk", "sesame"},
		Restrictions: []domain.Restriction{
			{Type: domain.RestrictionGlutenFree, Required: true},
			{Type: domain.RestrictionVegan, Required: false},
		},
	}

	tests := []struct {
		name      string
		primary   domain.AnalysisProvider
		secondary domain.AnalysisProvider
		opts      AIOptions
	}{
		{"no providers configured", nil, nil, AIOptions{}},
		{"both providers failing", &fakeProvider{name: "primary", outcomes: []providerOutcome{{err: transientErr("503")}}},
			&fakeProvider{name: "secondary", outcomes: []providerOutcome{{err: errors.New("connection refused")}}}, AIOptions{}},
		{"rules only requested", &fakeProvider{name: "primary"}, nil, AIOptions{RulesOnly: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(tt.primary, tt.secondary, nil)

			result, err := o.AnalyzeWithAI(context.Background(), product, profile, tt.opts)
			require.NoError(t, err)

			assert.Equal(t, StrategyRuleFallback, result.Strategy)
			assert.True(t, result.Degraded)
			assert.InDelta(t, 0.7, result.Confidence, 1e-9)
			assert.Equal(t, "AI analysis unavailable, using rule-based fallback", result.Explanation)
			assert.False(t, result.Safe)
			assert.Equal(t, []string{"Contains milk (milk)", "Contains sesame (sesame)", "Contains wheat (not gluten free)"}, result.Violations)
			assert.Equal(t, []string{"May contain traces of sesame", "Contains milk (not vegan)"}, result.Warnings)
		})
	}
}

func TestAIOrchestratorValidationErrorAdvancesWithoutRetry(t *testing.T) {
	primary := &fakeProvider{name: "primary", outcomes: []providerOutcome{{err: fmt.Errorf("%w: status 400", domain.ErrValidation)}}}
	secondary := &fakeProvider{name: "secondary"}
	o := newTestOrchestrator(primary, secondary, nil)

	result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
	require.NoError(t, err)
	assert.Equal(t, StrategySecondary, result.Strategy)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, ProviderAvailable, o.ProviderStatus()[0].State)
}

func TestAIOrchestratorCancellation(t *testing.T) {
	t.Run("deadline bounds the whole chain", func(t *testing.T) {
		primary := &fakeProvider{name: "primary", block: true}
		secondary := &fakeProvider{name: "secondary"}
		o := newTestOrchestrator(primary, secondary, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		result, err := o.AnalyzeWithAI(ctx, gelatinCandy(), veganProfile(), AIOptions{})
		assert.Nil(t, result)
		assert.ErrorIs(t, err, domain.ErrCancelled)
		assert.Zero(t, secondary.callCount(), "no further strategies after cancellation")
		assert.Equal(t, ProviderAvailable, o.ProviderStatus()[0].State)
	})

	t.Run("cancelled before start", func(t *testing.T) {
		o := newTestOrchestrator(nil, nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := o.AnalyzeWithAI(ctx, gelatinCandy(), veganProfile(), AIOptions{})
		assert.ErrorIs(t, err, domain.ErrCancelled)
	})
}

func TestAIOrchestratorInputValidation(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	o := newTestOrchestrator(primary, nil, nil)

	_, err := o.AnalyzeWithAI(context.Background(), nil, veganProfile(), AIOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = o.AnalyzeWithAI(context.Background(), gelatinCandy(),
		domain.DietaryProfile{Restrictions: []domain.Restriction{{Type: "moon"}}}, AIOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, primary.callCount())
}

func TestAIOrchestratorUnsafeWithoutViolations(t *testing.T) {
	primary := &fakeProvider{name: "primary", outcomes: []providerOutcome{{resp: &domain.ProviderResponse{Safe: false, Confidence: 2}}}}
	o := newTestOrchestrator(primary, nil, nil)

	result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
	require.NoError(t, err)
	assert.False(t, result.Safe)
	assert.Equal(t, []string{"Flagged as unsafe by primary"}, result.Violations)
	assert.InDelta(t, 0.95, result.Confidence, 1e-9)
}

func TestTestProviders(t *testing.T) {
	primary := &fakeProvider{name: "primary", outcomes: []providerOutcome{{err: transientErr("504 gateway timeout")}}}
	secondary := &fakeProvider{name: "secondary", outcomes: []providerOutcome{{err: errors.New("rate limit reached")}}}
	o := newTestOrchestrator(primary, secondary, nil)

	result, err := o.AnalyzeWithAI(context.Background(), gelatinCandy(), veganProfile(), AIOptions{})
	require.NoError(t, err)
	assert.Equal(t, StrategyRuleFallback, result.Strategy)
	before := o.ProviderStatus()
	assert.Equal(t, ProviderUnavailable, before[0].State)
	assert.Equal(t, ProviderLimited, before[1].State)

	statuses := o.TestProviders(context.Background())
	require.Len(t, statuses, 2)
	assert.Equal(t, ProviderAvailable, statuses[0].State, "a successful probe restores an unavailable provider")
	assert.Equal(t, ProviderLimited, statuses[1].State, "probing does not clear a rate limit")
	assert.Equal(t, before[0].Requests, statuses[0].Requests)
	assert.Equal(t, before[1].Requests, statuses[1].Requests)
	assert.Equal(t, 4, primary.callCount(), "probes issue no analysis calls")
	assert.Equal(t, 1, secondary.callCount())
	assert.Equal(t, 1, primary.probes)
	assert.Equal(t, 1, secondary.probes)

	primary.probeErr = transientErr("dial tcp: connection refused")
	statuses = o.TestProviders(context.Background())
	assert.Equal(t, ProviderUnavailable, statuses[0].State)
	assert.Contains(t, statuses[0].LastError, "connection refused")
}
