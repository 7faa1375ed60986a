package usecase

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operation names recorded by the engine
const (
	OpResolve              = "resolve"
	OpResolveExact         = "resolve_exact"
	OpResolveVector        = "resolve_vector"
	OpAllergenAnalysis     = "allergen_analysis"
	OpComplianceEvaluation = "compliance_evaluation"
	OpRecommendations      = "recommendations"
	OpAIAnalysis           = "ai_analysis"
	OpScan                 = "scan"
)

// DefaultThresholds are the latency targets per operation
var DefaultThresholds = map[string]time.Duration{
	OpResolve:              500 * time.Millisecond,
	OpResolveExact:         100 * time.Millisecond,
	OpResolveVector:        500 * time.Millisecond,
	OpAllergenAnalysis:     300 * time.Millisecond,
	OpComplianceEvaluation: 300 * time.Millisecond,
	OpRecommendations:      2000 * time.Millisecond,
	OpAIAnalysis:           5000 * time.Millisecond,
}

const (
	defaultMaxSamples = 1000
	defaultMaxAlerts  = 100
)

// OperationRecorder receives one sample per operation boundary
type OperationRecorder interface {
	Record(operation string, latency time.Duration, success bool)
}

type noopRecorder struct{}

func (noopRecorder) Record(string, time.Duration, bool) {}

// MonitorConfig holds configuration for the performance monitor
type MonitorConfig struct {
	Thresholds map[string]time.Duration
	MaxSamples int
	MaxAlerts  int
}

// OperationStats summarizes samples for one operation within a window
type OperationStats struct {
	Operation   string  `json:"operation"`
	Count       int     `json:"count"`
	AvgMs       float64 `json:"avgMs"`
	P95Ms       float64 `json:"p95Ms"`
	Throughput  float64 `json:"throughput"` // requests per minute
	SuccessRate float64 `json:"successRate"`
}

// Alert is raised when a sample exceeds its operation's latency target
type Alert struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	LatencyMs float64   `json:"latencyMs"`
	TargetMs  float64   `json:"targetMs"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raisedAt"`
}

type sample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// PerformanceMonitor aggregates latency and success statistics per operation.
// It is safe for concurrent use and never blocks or fails the caller.
type PerformanceMonitor struct {
	thresholds map[string]time.Duration
	maxSamples int
	maxAlerts  int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	samples map[string][]sample
	alerts  []Alert
}

// NewPerformanceMonitor creates a monitor with the given configuration
func NewPerformanceMonitor(config MonitorConfig, logger *zap.Logger) *PerformanceMonitor {
	thresholds := make(map[string]time.Duration, len(DefaultThresholds))
	for op, target := range DefaultThresholds {
		thresholds[op] = target
	}
	for op, target := range config.Thresholds {
		if target > 0 {
			thresholds[op] = target
		}
	}

	maxSamples := config.MaxSamples
	if maxSamples <= 0 {
		maxSamples = defaultMaxSamples
	}
	maxAlerts := config.MaxAlerts
	if maxAlerts <= 0 {
		maxAlerts = defaultMaxAlerts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PerformanceMonitor{
		thresholds: thresholds,
		maxSamples: maxSamples,
		maxAlerts:  maxAlerts,
		logger:     logger.With(zap.String("component", "monitor")),
		now:        time.Now,
		samples:    make(map[string][]sample),
	}
}

// Record stores a sample and raises an alert when the latency target is exceeded
func (m *PerformanceMonitor) Record(operation string, latency time.Duration, success bool) {
	now := m.now()

	m.mu.Lock()
	buf := append(m.samples[operation], sample{at: now, latency: latency, success: success})
	if len(buf) > m.maxSamples {
		buf = buf[len(buf)-m.maxSamples:]
	}
	m.samples[operation] = buf

	target, hasTarget := m.thresholds[operation]
	var alert *Alert
	if hasTarget && latency > target {
		a := Alert{
			ID:        uuid.NewString(),
			Operation: operation,
			LatencyMs: durationMs(latency),
			TargetMs:  durationMs(target),
			Message:   fmt.Sprintf("%s took %s, target %s", operation, latency.Round(time.Millisecond), target),
			RaisedAt:  now,
		}
		m.alerts = append(m.alerts, a)
		if len(m.alerts) > m.maxAlerts {
			m.alerts = m.alerts[len(m.alerts)-m.maxAlerts:]
		}
		alert = &a
	}
	m.mu.Unlock()

	if alert != nil {
		m.logger.Warn("latency threshold exceeded",
			zap.String("operation", operation),
			zap.Float64("latency_ms", alert.LatencyMs),
			zap.Float64("target_ms", alert.TargetMs))
	}
}

// Track times fn and records the outcome under operation
func (m *PerformanceMonitor) Track(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.Record(operation, time.Since(start), err == nil)
	return err
}

// Stats returns statistics for samples recorded within the last window.
// A zero window covers every retained sample.
func (m *PerformanceMonitor) Stats(operation string, window time.Duration) OperationStats {
	stats := OperationStats{Operation: operation}
	now := m.now()

	m.mu.RLock()
	var selected []sample
	for _, s := range m.samples[operation] {
		if window <= 0 || now.Sub(s.at) <= window {
			selected = append(selected, s)
		}
	}
	m.mu.RUnlock()

	if len(selected) == 0 {
		return stats
	}

	latencies := make([]float64, len(selected))
	var total float64
	successes := 0
	for i, s := range selected {
		latencies[i] = durationMs(s.latency)
		total += latencies[i]
		if s.success {
			successes++
		}
	}
	sort.Float64s(latencies)

	stats.Count = len(selected)
	stats.AvgMs = total / float64(len(selected))
	stats.P95Ms = percentile(latencies, 0.95)
	stats.SuccessRate = float64(successes) / float64(len(selected))

	span := window
	if span <= 0 {
		span = now.Sub(selected[0].at)
	}
	if minutes := span.Minutes(); minutes > 0 {
		stats.Throughput = float64(len(selected)) / minutes
	} else {
		stats.Throughput = float64(len(selected))
	}

	return stats
}

// AllStats returns statistics for every operation that has samples
func (m *PerformanceMonitor) AllStats(window time.Duration) map[string]OperationStats {
	m.mu.RLock()
	ops := make([]string, 0, len(m.samples))
	for op := range m.samples {
		ops = append(ops, op)
	}
	m.mu.RUnlock()

	out := make(map[string]OperationStats, len(ops))
	for _, op := range ops {
		out[op] = m.Stats(op, window)
	}
	return out
}

// CheckThresholds reports, per operation with samples, whether its p95 latency is within target
func (m *PerformanceMonitor) CheckThresholds() map[string]bool {
	result := make(map[string]bool)
	for op, target := range m.thresholds {
		stats := m.Stats(op, 0)
		if stats.Count == 0 {
			continue
		}
		result[op] = stats.P95Ms <= durationMs(target)
	}
	return result
}

// Alerts returns a copy of the retained alerts, oldest first
func (m *PerformanceMonitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// percentile uses nearest-rank on an ascending slice
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
