package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarties/backend/internal/domain"
)

func newTestClient(url string) *Client {
	return NewClient(Config{Name: "primary", BaseURL: url + "/", APIKey: "secret", Timeout: time.Second}, nil)
}

func TestNewClient(t *testing.T) {
	client := NewClient(Config{Name: "secondary", BaseURL: "https://ai.example.com/v1/"}, nil)

	assert.Equal(t, "secondary", client.Name())
	assert.Equal(t, "https://ai.example.com/v1", client.baseURL)
	assert.Equal(t, defaultTimeout, client.httpClient.Timeout)
	assert.NotNil(t, client.rateLimiter)
}

func TestAnalyze_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req domain.ProviderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"gelatin", "sugar"}, req.Ingredients)
		assert.Equal(t, []string{"vegan"}, req.UserRestrictions)

		_ = json.NewEncoder(w).Encode(domain.ProviderResponse{
			Safe:        false,
			Violations:  []string{"Contains gelatin"},
			Confidence:  0.88,
			Explanation: "Gelatin is derived from animal collagen",
		})
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Analyze(context.Background(), domain.ProviderRequest{
		Ingredients:      []string{"gelatin", "sugar"},
		UserRestrictions: []string{"vegan"},
	})
	require.NoError(t, err)
	assert.False(t, resp.Safe)
	assert.Equal(t, []string{"Contains gelatin"}, resp.Violations)
	assert.Equal(t, 0.88, resp.Confidence)
}

func TestAnalyze_StatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"rate limited", http.StatusTooManyRequests, "slow down", domain.ErrRateLimited},
		{"server error", http.StatusBadGateway, "upstream", domain.ErrTransient},
		{"request timeout", http.StatusRequestTimeout, "", domain.ErrTransient},
		{"bad request", http.StatusBadRequest, "ingredients required", domain.ErrValidation},
		{"unauthorized", http.StatusUnauthorized, "bad key", domain.ErrValidation},
		{"malformed body", http.StatusOK, "{not json", domain.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Analyze(context.Background(), domain.ProviderRequest{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAnalyze_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Analyze(context.Background(), domain.ProviderRequest{})
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestAnalyze_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(server.URL).Analyze(ctx, domain.ProviderRequest{})
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestProbe(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	assert.NoError(t, client.Probe(context.Background()))

	healthy = false
	assert.ErrorIs(t, client.Probe(context.Background()), domain.ErrTransient)
}

func TestStatusError_TruncatesBody(t *testing.T) {
	body := make([]byte, 2*maxErrorBody)
	for i := range body {
		body[i] = 'x'
	}
	err := statusError("primary", http.StatusBadRequest, body)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), maxErrorBody+100)
	assert.NoError(t, statusError("primary", http.StatusOK, nil))
}
