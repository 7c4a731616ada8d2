// Package metrics implements the MetricsCollector (C9): per-AgentRole
// counters exposed both to Prometheus and as an in-memory snapshot so
// callers can answer "what's the cache hit rate for Research" inline
// without scraping.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

// Collector is the C9 component.
type Collector struct {
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	tokensUsed    *prometheus.CounterVec

	logger *zap.Logger

	mu        sync.RWMutex
	snapshots map[types.AgentRole]*types.AgentMetrics
}

// NewCollector builds a Collector registering its vectors under namespace
// via promauto, generalizing internal/metrics.Collector's HTTP/LLM/DB
// groups down to the single "agent_role" label this module needs.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger:    logger.With(zap.String("component", "orchestrator_metrics")),
		snapshots: make(map[types.AgentRole]*types.AgentMetrics),
	}

	c.callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_calls_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"agent_role", "cache_hit"},
	)

	c.callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_call_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"agent_role"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_cache_hits_total",
			Help:      "Total number of response cache hits per agent role",
		},
		[]string{"agent_role"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_cache_misses_total",
			Help:      "Total number of response cache misses per agent role",
		},
		[]string{"agent_role"},
	)

	c.toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tool_calls_total",
			Help:      "Total number of tool calls issued per agent role",
		},
		[]string{"agent_role"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_total",
			Help:      "Total number of tokens consumed per agent role",
		},
		[]string{"agent_role", "direction"}, // direction: input, output
	)

	logger.Info("orchestrator metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordCall records one completed agent invocation.
func (c *Collector) RecordCall(role types.AgentRole, dur time.Duration, cacheHit bool, toolCalls int, inputTokens, outputTokens int) {
	hitLabel := "false"
	if cacheHit {
		hitLabel = "true"
	}

	c.callsTotal.WithLabelValues(string(role), hitLabel).Inc()
	c.callDuration.WithLabelValues(string(role)).Observe(dur.Seconds())
	if cacheHit {
		c.cacheHits.WithLabelValues(string(role)).Inc()
	} else {
		c.cacheMisses.WithLabelValues(string(role)).Inc()
	}
	if toolCalls > 0 {
		c.toolCalls.WithLabelValues(string(role)).Add(float64(toolCalls))
	}
	c.tokensUsed.WithLabelValues(string(role), "input").Add(float64(inputTokens))
	c.tokensUsed.WithLabelValues(string(role), "output").Add(float64(outputTokens))

	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.snapshots[role]
	if m == nil {
		m = &types.AgentMetrics{}
		c.snapshots[role] = m
	}
	m.Calls++
	m.TotalTime += dur
	if cacheHit {
		m.CacheHits++
	} else {
		m.CacheMisses++
	}
	m.ToolCalls += int64(toolCalls)
	m.InputTokens += int64(inputTokens)
	m.OutputTokens += int64(outputTokens)
}

// Snapshot returns the current in-memory counters for role. Returns the
// zero value if the role has never been recorded.
func (c *Collector) Snapshot(role types.AgentRole) types.AgentMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.snapshots[role]
	if m == nil {
		return types.AgentMetrics{}
	}
	return *m
}

// SnapshotAll returns a copy of every role's counters recorded so far.
func (c *Collector) SnapshotAll() map[types.AgentRole]types.AgentMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.AgentRole]types.AgentMetrics, len(c.snapshots))
	for role, m := range c.snapshots {
		out[role] = *m
	}
	return out
}
