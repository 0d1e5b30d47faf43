package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the relay and playback sessions.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	relayRequestsTotal *prometheus.CounterVec
	upstreamFailures   prometheus.Counter
	manifestsRewritten prometheus.Counter
	bytesStreamed      prometheus.Counter
	cacheHits          prometheus.Counter
	activeStreams      prometheus.Gauge
	sessionTransitions *prometheus.CounterVec
	activeSessions     prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		relayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_relay_requests_total",
			Help: "Relay requests by mode (control, media, preflight)",
		}, []string{"mode"}),
		upstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_upstream_failures_total",
			Help: "Relay requests that failed before an upstream response was received",
		}),
		manifestsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_manifests_rewritten_total",
			Help: "HLS playlists rewritten to route through the relay",
		}),
		bytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_bytes_streamed_total",
			Help: "Media bytes copied from upstream to clients",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "iptv_relay_cache_hits_total",
			Help: "Control-plane requests answered from the response cache",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_relay_active_streams",
			Help: "Media responses currently being streamed",
		}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iptv_playback_transitions_total",
			Help: "Playback session state transitions by target state",
		}, []string{"state"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iptv_playback_active_sessions",
			Help: "Playback sessions that are bound to a pipeline",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.relayRequestsTotal,
		m.upstreamFailures,
		m.manifestsRewritten,
		m.bytesStreamed,
		m.cacheHits,
		m.activeStreams,
		m.sessionTransitions,
		m.activeSessions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncRelayRequest counts one relay request in the given mode.
func (m *Metrics) IncRelayRequest(mode string) {
	m.relayRequestsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncUpstreamFailures() {
	m.upstreamFailures.Inc()
}

func (m *Metrics) IncManifestsRewritten() {
	m.manifestsRewritten.Inc()
}

func (m *Metrics) AddBytesStreamed(n int64) {
	m.bytesStreamed.Add(float64(n))
}

func (m *Metrics) IncCacheHits() {
	m.cacheHits.Inc()
}

// StreamStarted and StreamFinished bracket one streamed media response.
func (m *Metrics) StreamStarted() {
	m.activeStreams.Inc()
}

func (m *Metrics) StreamFinished() {
	m.activeStreams.Dec()
}

// IncTransition counts a playback session entering state.
func (m *Metrics) IncTransition(state string) {
	m.sessionTransitions.WithLabelValues(state).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
