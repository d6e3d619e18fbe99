// Package metrics provides Prometheus metrics collection for the data
// access layer. All collectors live on a private registry so embedding
// applications never collide with the process-global one.
package metrics

import (
	"bytes"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// RPC metrics
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec
	RPCPayloadSize     *prometheus.SummaryVec

	// Resilience metrics
	CacheHitsTotal        *prometheus.CounterVec
	CacheMissesTotal      *prometheus.CounterVec
	CoalescedTotal        *prometheus.CounterVec
	RateLimitedTotal      *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RetryAttemptsTotal    *prometheus.CounterVec

	// Connection metrics
	WSReconnectsTotal  *prometheus.CounterVec
	TransportFallbacks *prometheus.CounterVec
	ConnectionState    *prometheus.GaugeVec

	// Subscription metrics
	ActiveSubscriptions  *prometheus.GaugeVec
	BlocksProcessedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec

	// Engine health
	EngineUptime prometheus.Gauge
	EngineInfo   *prometheus.GaugeVec

	startTime time.Time
}

// New creates a Metrics instance with every collector registered on a fresh
// private registry.
func New() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_rpc_requests_total",
				Help: "Total number of outbound RPC requests",
			},
			[]string{"chain", "method", "transport", "status"},
		),
		RPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evm_rpc_request_duration_seconds",
				Help:    "Outbound RPC request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"chain", "method", "transport"},
		),
		RPCPayloadSize: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       "evm_rpc_payload_bytes",
				Help:       "Response payload sizes",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"chain", "method"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_cache_hits_total",
				Help: "Cache hits by operation",
			},
			[]string{"chain", "operation"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_cache_misses_total",
				Help: "Cache misses by operation",
			},
			[]string{"chain", "operation"},
		),
		CoalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_coalesced_requests_total",
				Help: "Requests answered by an already in-flight identical request",
			},
			[]string{"chain", "operation"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_rate_limited_total",
				Help: "Requests rejected by the token bucket",
			},
			[]string{"chain"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evm_circuit_breaker_state",
				Help: "Circuit breaker state per chain (0=closed, 1=open, 2=half-open)",
			},
			[]string{"chain"},
		),
		CircuitBreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_circuit_breaker_trips_total",
				Help: "Circuit breaker open transitions per chain",
			},
			[]string{"chain"},
		),
		RetryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_retry_attempts_total",
				Help: "Retry attempts beyond the first try",
			},
			[]string{"chain", "operation"},
		),

		WSReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_ws_reconnects_total",
				Help: "WebSocket reconnect attempts per chain",
			},
			[]string{"chain"},
		),
		TransportFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_transport_fallbacks_total",
				Help: "Fallbacks from WS to HTTP polling per chain",
			},
			[]string{"chain"},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evm_connection_state",
				Help: "Connection state per chain (0=disconnected, 1=connecting, 2=ws, 3=http, 4=reconnecting, 5=failed)",
			},
			[]string{"chain"},
		),

		ActiveSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evm_active_subscriptions",
				Help: "Live subscription handles per chain",
			},
			[]string{"chain"},
		),
		BlocksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_blocks_processed_total",
				Help: "Blocks processed by the subscription engine",
			},
			[]string{"chain", "mode"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evm_events_dropped_total",
				Help: "Events dropped due to slow subscribers",
			},
			[]string{"chain", "kind"},
		),

		EngineUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "evm_engine_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
		EngineInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "evm_engine_info",
				Help: "Engine build information",
			},
			[]string{"version", "environment"},
		),
	}

	m.registry.MustRegister(
		m.RPCRequestsTotal,
		m.RPCRequestDuration,
		m.RPCPayloadSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CoalescedTotal,
		m.RateLimitedTotal,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.RetryAttemptsTotal,
		m.WSReconnectsTotal,
		m.TransportFallbacks,
		m.ConnectionState,
		m.ActiveSubscriptions,
		m.BlocksProcessedTotal,
		m.EventsDroppedTotal,
		m.EngineUptime,
		m.EngineInfo,
	)

	return m
}

// ObserveRPC records one outbound RPC call.
func (m *Metrics) ObserveRPC(chain, method, transport string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RPCRequestsTotal.WithLabelValues(chain, method, transport, status).Inc()
	m.RPCRequestDuration.WithLabelValues(chain, method, transport).Observe(duration.Seconds())
}

// Snapshot gathers all metric families.
func (m *Metrics) Snapshot() ([]*dto.MetricFamily, error) {
	m.EngineUptime.Set(time.Since(m.startTime).Seconds())
	return m.registry.Gather()
}

// Export renders the registry in Prometheus text exposition format.
func (m *Metrics) Export() (string, error) {
	families, err := m.Snapshot()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// Handler exposes the registry for an ops HTTP listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
