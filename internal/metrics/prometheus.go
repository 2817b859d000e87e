// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics live in a private registry so embedding the gateway does not
// pollute host-level metrics. The /metrics handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// unichat_inflight_requests
	inFlight prometheus.Gauge

	// unichat_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// unichat_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// unichat_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// unichat_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// unichat_upstream_attempts_total{provider,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// unichat_upstream_attempt_duration_seconds{provider,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// unichat_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// unichat_model_resolutions_total{source}
	modelResolutions *prometheus.CounterVec

	// unichat_model_fallbacks_total{provider,outcome}
	modelFallbacks *prometheus.CounterVec

	// unichat_catalog_lookups_total{provider,result}
	catalogLookups *prometheus.CounterVec

	// unichat_model_slot_operations_total{op,result}
	slotOps *prometheus.CounterVec

	// unichat_session_refresh_total{outcome}
	sessionRefresh *prometheus.CounterVec

	// unichat_backend_calls_total{op,status}
	backendCalls *prometheus.CounterVec

	// unichat_stream_events_total{route,kind}
	streamEvents *prometheus.CounterVec

	// unichat_stream_terminations_total{route,reason}
	streamEnds *prometheus.CounterVec

	// unichat_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// unichat_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// unichat_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// unichat_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "unichat_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unichat_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds until the handler returns (stream bodies excluded)",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unichat_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unichat_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14),
			},
			[]string{"route", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_upstream_attempts_total",
				Help: "Upstream completion attempts, including model fallback retries",
			},
			[]string{"provider", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unichat_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds (time to response headers for streams)",
				Buckets: latencyBuckets,
			},
			[]string{"provider", "route", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_provider_errors_total",
				Help: "Provider errors by classified type",
			},
			[]string{"provider", "error_type"},
		),

		modelResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_model_resolutions_total",
				Help: "Model resolutions by the step that produced the model",
			},
			[]string{"source"},
		),

		modelFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_model_fallbacks_total",
				Help: "Fallback retries after a model was rejected as nonexistent",
			},
			[]string{"provider", "outcome"},
		),

		catalogLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_catalog_lookups_total",
				Help: "Model catalog discoveries",
			},
			[]string{"provider", "result"},
		),

		slotOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_model_slot_operations_total",
				Help: "Reads and writes of the last-known-good model slot",
			},
			[]string{"op", "result"},
		),

		sessionRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_session_refresh_total",
				Help: "Session refresh decisions after a 401 from the backend",
			},
			[]string{"outcome"},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_backend_calls_total",
				Help: "Calls to the university backend by operation and final status",
			},
			[]string{"op", "status"},
		),

		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_stream_events_total",
				Help: "Normalized stream events written to clients",
			},
			[]string{"route", "kind"},
		),

		streamEnds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_stream_terminations_total",
				Help: "How client streams ended",
			},
			[]string{"route", "reason"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unichat_tokens_total",
				Help: "Token usage reported by non-streaming upstream responses",
			},
			[]string{"provider", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unichat_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unichat_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.providerErrors,
		r.modelResolutions,
		r.modelFallbacks,
		r.catalogLookups,
		r.slotOps,
		r.sessionRefresh,
		r.backendCalls,
		r.streamEvents,
		r.streamEnds,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics. Negative sizes are skipped.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, route, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, route, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, route, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// RecordResolution counts which resolution step supplied the model
// (request, default, cached, discovered).
func (r *Registry) RecordResolution(source string) {
	r.modelResolutions.WithLabelValues(source).Inc()
}

// RecordFallback counts a fallback retry; outcome is "recovered" or "failed".
func (r *Registry) RecordFallback(provider, outcome string) {
	r.modelFallbacks.WithLabelValues(provider, outcome).Inc()
}

// RecordCatalogLookup counts a discovery; result is "ok", "empty" or "failed".
func (r *Registry) RecordCatalogLookup(provider, result string) {
	r.catalogLookups.WithLabelValues(provider, result).Inc()
}

func (r *Registry) SlotHit()      { r.slotOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) SlotMiss()     { r.slotOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) SlotSetOK()    { r.slotOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) SlotSetError() { r.slotOps.WithLabelValues("set", "error").Inc() }

func (r *Registry) RecordSessionRefresh(outcome string) {
	r.sessionRefresh.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordBackendCall(op string, statusCode int) {
	r.backendCalls.WithLabelValues(op, strconv.Itoa(statusCode)).Inc()
}

// RecordStreamEvents adds n written events of kind on route.
func (r *Registry) RecordStreamEvents(route, kind string, n int) {
	if n > 0 {
		r.streamEvents.WithLabelValues(route, kind).Add(float64(n))
	}
}

// RecordStreamEnd counts how a stream ended: "done", "upstream_error",
// "protocol_error" or "client_gone".
func (r *Registry) RecordStreamEnd(route, reason string) {
	r.streamEnds.WithLabelValues(route, reason).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge so the series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
