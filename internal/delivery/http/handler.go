package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smarties/backend/internal/domain"
	"github.com/smarties/backend/internal/usecase"
)

const (
	serviceName    = "smarties-backend"
	serviceVersion = "1.0.0"

	defaultStatsWindow = 5 * time.Minute
)

// SafetyService is the engine surface the handlers depend on
type SafetyService interface {
	ResolveProduct(ctx context.Context, query usecase.ProductQuery) (*usecase.Resolution, error)
	AnalyzeAllergens(ctx context.Context, ref usecase.ProductRef, allergens []string) (*domain.AllergenAnalysis, error)
	EvaluateCompliance(ctx context.Context, ref usecase.ProductRef, restrictions []domain.Restriction) (*domain.ComplianceReport, error)
	RecommendAlternatives(ctx context.Context, code string, profile domain.DietaryProfile, opts usecase.RecommendOptions) ([]domain.Recommendation, error)
	RecommendPersonalized(ctx context.Context, profile domain.DietaryProfile, opts usecase.RecommendOptions) ([]domain.Recommendation, error)
	AnalyzeWithAI(ctx context.Context, ref usecase.ProductRef, profile domain.DietaryProfile, opts usecase.AIOptions) (*domain.AnalysisResult, error)
	Scan(ctx context.Context, code string, profile domain.DietaryProfile, opts usecase.ScanOptions) (*usecase.ScanResult, error)
	TestProviders(ctx context.Context) []usecase.ProviderStatus
	ProviderStatus() []usecase.ProviderStatus
	MonitorReport(window time.Duration) usecase.MonitorReport
	EmbeddingModel() (domain.EmbeddingModel, bool)
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	service     SafetyService
	statsWindow time.Duration
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler. statsWindow is the default window for /monitor/stats.
func NewHandler(service SafetyService, statsWindow time.Duration, logger *zap.Logger) *Handler {
	if statsWindow <= 0 {
		statsWindow = defaultStatsWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:     service,
		statsWindow: statsWindow,
		logger:      logger.With(zap.String("component", "http")),
	}
}

type envelope struct {
	Success      bool        `json:"success"`
	Data         interface{} `json:"data,omitempty"`
	Error        string      `json:"error,omitempty"`
	ResponseTime int64       `json:"responseTime"`
}

type allergenRequest struct {
	Code      string          `json:"code"`
	Product   *domain.Product `json:"product"`
	Allergens []string        `json:"allergens"`
}

type complianceRequest struct {
	Code         string               `json:"code"`
	Product      *domain.Product      `json:"product"`
	Restrictions []domain.Restriction `json:"restrictions"`
}

type aiRequest struct {
	Code    string                `json:"code"`
	Product *domain.Product       `json:"product"`
	Profile domain.DietaryProfile `json:"profile"`
	Options usecase.AIOptions     `json:"options"`
}

type scanRequest struct {
	Code    string                `json:"code" binding:"required"`
	Profile domain.DietaryProfile `json:"profile"`
	Options usecase.ScanOptions   `json:"options"`
}

type alternativesRequest struct {
	Code    string                   `json:"code" binding:"required"`
	Profile domain.DietaryProfile    `json:"profile"`
	Options usecase.RecommendOptions `json:"options"`
}

type personalizedRequest struct {
	Profile domain.DietaryProfile    `json:"profile"`
	Options usecase.RecommendOptions `json:"options"`
}

// HealthCheck returns the health status of the API, the product store and the providers
func (h *Handler) HealthCheck(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"version":   serviceVersion,
		"database":  "connected",
		"providers": h.service.ProviderStatus(),
		"embedding": "disabled",
	}
	if model, ok := h.service.EmbeddingModel(); ok {
		body["embedding"] = model
	}
	if err := h.service.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("health check: product store unreachable", zap.Error(err))
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = "unreachable"
	}
	c.JSON(status, body)
}

// GetProduct resolves a product by its UPC/EAN code
func (h *Handler) GetProduct(c *gin.Context) {
	query := usecase.ProductQuery{
		Code:   c.Param("code"),
		Hybrid: c.Query("hybrid") == "true",
	}
	resolution, err := h.service.ResolveProduct(c.Request.Context(), query)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, resolution)
}

// SearchProducts resolves a product by code, text or vector
func (h *Handler) SearchProducts(c *gin.Context) {
	var query usecase.ProductQuery
	if !h.bind(c, &query) {
		return
	}
	resolution, err := h.service.ResolveProduct(c.Request.Context(), query)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, resolution)
}

// AnalyzeAllergens runs the allergen risk analysis
func (h *Handler) AnalyzeAllergens(c *gin.Context) {
	var req allergenRequest
	if !h.bind(c, &req) {
		return
	}
	analysis, err := h.service.AnalyzeAllergens(c.Request.Context(), usecase.ProductRef{Code: req.Code, Product: req.Product}, req.Allergens)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, analysis)
}

// EvaluateCompliance checks a product against dietary restrictions
func (h *Handler) EvaluateCompliance(c *gin.Context) {
	var req complianceRequest
	if !h.bind(c, &req) {
		return
	}
	report, err := h.service.EvaluateCompliance(c.Request.Context(), usecase.ProductRef{Code: req.Code, Product: req.Product}, req.Restrictions)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, report)
}

// AnalyzeWithAI asks the provider chain for a safety opinion
func (h *Handler) AnalyzeWithAI(c *gin.Context) {
	var req aiRequest
	if !h.bind(c, &req) {
		return
	}
	result, err := h.service.AnalyzeWithAI(c.Request.Context(), usecase.ProductRef{Code: req.Code, Product: req.Product}, req.Profile, req.Options)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, result)
}

// Scan resolves a product and evaluates it against a profile
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if !h.bind(c, &req) {
		return
	}
	result, err := h.service.Scan(c.Request.Context(), req.Code, req.Profile, req.Options)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, result)
}

// RecommendAlternatives ranks safer alternatives to a product
func (h *Handler) RecommendAlternatives(c *gin.Context) {
	var req alternativesRequest
	if !h.bind(c, &req) {
		return
	}
	recs, err := h.service.RecommendAlternatives(c.Request.Context(), req.Code, req.Profile, req.Options)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, recs)
}

// RecommendPersonalized ranks products for a profile's history and preferences
func (h *Handler) RecommendPersonalized(c *gin.Context) {
	var req personalizedRequest
	if !h.bind(c, &req) {
		return
	}
	recs, err := h.service.RecommendPersonalized(c.Request.Context(), req.Profile, req.Options)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, recs)
}

// MonitorStats reports latency statistics, threshold status and alerts.
// The optional window query parameter is a Go duration ("5m", "1h").
func (h *Handler) MonitorStats(c *gin.Context) {
	window := h.statsWindow
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.respond(c, http.StatusBadRequest, envelope{Error: "window must be a positive duration"})
			return
		}
		window = parsed
	}
	h.ok(c, h.service.MonitorReport(window))
}

// TestProviders probes the external analysis providers
func (h *Handler) TestProviders(c *gin.Context) {
	h.ok(c, h.service.TestProviders(c.Request.Context()))
}

func (h *Handler) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.respond(c, http.StatusBadRequest, envelope{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) ok(c *gin.Context, data interface{}) {
	h.respond(c, http.StatusOK, envelope{Success: true, Data: data})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", requestID(c)),
			zap.Error(err))
	}
	h.respond(c, status, envelope{Error: err.Error()})
}

func (h *Handler) respond(c *gin.Context, status int, body envelope) {
	body.ResponseTime = elapsedMs(c)
	c.JSON(status, body)
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrCancelled):
		return http.StatusRequestTimeout
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
