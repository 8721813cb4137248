// Package metrics holds the Prometheus collectors for the agent. All
// methods are safe to call on a nil *Metrics so collectors stay optional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "estate_ai"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal      *prometheus.CounterVec
	TurnDuration    *prometheus.HistogramVec
	LoopIterations  prometheus.Histogram
	ToolCallsTotal  *prometheus.CounterVec
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	GatewayCache    *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	InboundMessages *prometheus.CounterVec
}

// New creates collectors on a fresh registry that also exports Go runtime
// and process metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Conversation turns handled, by outcome.",
		}, []string{"outcome"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a conversation turn.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"outcome"}),
		LoopIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "loop_iterations",
			Help:      "Reasoning loop iterations per turn.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		ToolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool invocations dispatched by the agent, by tool and status.",
		}, []string{"tool", "status"}),
		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Property data gateway calls, by operation and status.",
		}, []string{"op", "status"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Latency of property data gateway calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		GatewayCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_lookups_total",
			Help:      "Gateway cache lookups, by operation and result.",
		}, []string{"op", "result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "inbound_messages_total",
			Help:      "Messages received from messaging channels.",
		}, []string{"channel"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if iterations > 0 {
		m.LoopIterations.Observe(float64(iterations))
	}
}

// ObserveToolCall records one dispatched tool call.
func (m *Metrics) ObserveToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, statusLabel(isError)).Inc()
}

// ObserveGateway records one gateway operation.
func (m *Metrics) ObserveGateway(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(op, statusLabel(err != nil)).Inc()
	m.GatewayLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveCache records a gateway cache lookup.
func (m *Metrics) ObserveCache(op string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.GatewayCache.WithLabelValues(op, result).Inc()
}

// SetBreakerState records the state of a named circuit breaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveInbound counts a message received on a channel.
func (m *Metrics) ObserveInbound(channel string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(channel).Inc()
}

func statusLabel(isError bool) string {
	if isError {
		return "error"
	}
	return "ok"
}
