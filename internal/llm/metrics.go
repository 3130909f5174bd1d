package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MetricsProvider wraps a Provider with call counting and latency tracking.
// The snapshot feeds observability output and the recovery coordinator's
// view of recent backend error rates; it never drives control flow.
type MetricsProvider struct {
	provider Provider
	name     string
	log      zerolog.Logger

	totalCalls  int64
	totalErrors int64
	totalTokens int64

	mu           sync.RWMutex
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	lastError    string
	lastErrorAt  time.Time
}

// Snapshot is a point-in-time copy of provider metrics.
type Snapshot struct {
	Provider     string        `json:"provider"`
	TotalCalls   int64         `json:"total_calls"`
	TotalErrors  int64         `json:"total_errors"`
	ErrorRate    float64       `json:"error_rate"`
	TotalTokens  int64         `json:"total_tokens"`
	AvgLatency   time.Duration `json:"avg_latency"`
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrorAt  time.Time     `json:"last_error_at,omitempty"`
}

// NewMetricsProvider wraps a provider with metrics collection.
func NewMetricsProvider(provider Provider, log zerolog.Logger) *MetricsProvider {
	return &MetricsProvider{
		provider:   provider,
		name:       provider.Name(),
		log:        log.With().Str("component", "llm.metrics").Str("provider", provider.Name()).Logger(),
		minLatency: time.Hour, // replaced on first call
	}
}

// Initialize delegates to the wrapped provider.
func (m *MetricsProvider) Initialize(ctx context.Context) error {
	return m.provider.Initialize(ctx)
}

// HealthCheck delegates to the wrapped provider.
func (m *MetricsProvider) HealthCheck(ctx context.Context) bool {
	return m.provider.HealthCheck(ctx)
}

// IsReady delegates to the wrapped provider.
func (m *MetricsProvider) IsReady() bool {
	return m.provider.IsReady()
}

// Name delegates to the wrapped provider.
func (m *MetricsProvider) Name() string {
	return m.name
}

// GenerateCompletion records timing and outcome around the wrapped call.
func (m *MetricsProvider) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()
	resp, err := m.provider.GenerateCompletion(ctx, req)
	latency := time.Since(start)

	atomic.AddInt64(&m.totalCalls, 1)

	m.mu.Lock()
	m.totalLatency += latency
	if latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
		m.lastError = err.Error()
		m.lastErrorAt = time.Now()
	}
	m.mu.Unlock()

	if resp != nil && resp.TotalTokens > 0 {
		atomic.AddInt64(&m.totalTokens, int64(resp.TotalTokens))
	}

	if err != nil {
		m.log.Warn().Err(err).Dur("latency", latency).Msg("completion failed")
	} else {
		m.log.Debug().Dur("latency", latency).Int("tokens", resp.TotalTokens).Msg("completion ok")
	}
	return resp, err
}

// GetSnapshot returns current metrics.
func (m *MetricsProvider) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := atomic.LoadInt64(&m.totalCalls)
	errs := atomic.LoadInt64(&m.totalErrors)

	avg := time.Duration(0)
	if calls > 0 {
		avg = m.totalLatency / time.Duration(calls)
	}
	rate := 0.0
	if calls > 0 {
		rate = float64(errs) / float64(calls)
	}
	min := m.minLatency
	if calls == 0 {
		min = 0
	}

	return Snapshot{
		Provider:    m.name,
		TotalCalls:  calls,
		TotalErrors: errs,
		ErrorRate:   rate,
		TotalTokens: atomic.LoadInt64(&m.totalTokens),
		AvgLatency:  avg,
		MinLatency:  min,
		MaxLatency:  m.maxLatency,
		LastError:   m.lastError,
		LastErrorAt: m.lastErrorAt,
	}
}

// Unwrap returns the underlying provider.
func (m *MetricsProvider) Unwrap() Provider {
	return m.provider
}
