// Package metrics owns the prometheus registry. Labels stay bounded: route patterns, never raw paths
// or header-order keys.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/orderguard/internal/headerorder"
	"github.com/keithlinneman/orderguard/internal/version"
)

type ServerMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errsTotal *prometheus.CounterVec

	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// header order
	trackedTotal  prometheus.Counter
	blockedTotal  *prometheus.CounterVec
	sweptTotal    prometheus.Counter
	upstreamErrs  prometheus.Counter
	captureMissed prometheus.Counter

	// policy watcher
	policyPollsTotal  prometheus.Counter
	policySwapsTotal  prometheus.Counter
	policyErrorsTotal *prometheus.CounterVec
	policyLastSuccess prometheus.Gauge
	policyStale       prometheus.Gauge
	policyInfo        *prometheus.GaugeVec
}

// New returns a fresh registry with the go and process collectors and every service metric
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216},
		}, []string{"method", "route"}),
		errsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		trackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderguard_tracked_total",
			Help: "Requests recorded in the header order ledger",
		}),
		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderguard_blocked_total",
			Help: "Requests whose header order was over the limit, by mode",
		}, []string{"mode"}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderguard_swept_keys_total",
			Help: "Idle header orders dropped from the ledger",
		}),
		upstreamErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderguard_upstream_errors_total",
			Help: "Proxied requests that failed to reach the upstream",
		}),
		captureMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderguard_capture_fallback_total",
			Help: "Requests keyed on sorted header names because wire order was not captured",
		}),
		policyPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderguard_policy_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		policySwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderguard_policy_swaps_total",
			Help: "Total number of applied policy versions",
		}),
		policyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderguard_policy_errors_total",
			Help: "Total policy watcher errors by type",
		}, []string{"type"}),
		policyLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderguard_policy_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful policy poll",
		}),
		policyStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderguard_policy_stale",
			Help: "Whether the policy watcher is stale (1) or healthy (0)",
		}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orderguard_policy_info",
			Help: "Active policy (labels carry the limits, value is always 1)",
		}, []string{"version", "block_when_attempts_reach", "per_last_ms", "use_back_off_factor"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.trackedTotal,
		m.blockedTotal,
		m.sweptTotal,
		m.upstreamErrs,
		m.captureMissed,
		m.policyPollsTotal,
		m.policySwapsTotal,
		m.policyErrorsTotal,
		m.policyLastSuccess,
		m.policyStale,
		m.policyInfo,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.DirtyLabel(),
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// RegisterLimiterStats exposes the ledger size as gauges read at scrape time
func (m *ServerMetrics) RegisterLimiterStats(stats func() headerorder.Stats) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orderguard_keys",
			Help: "Distinct header orders held in the ledger",
		}, func() float64 { return float64(stats().Keys) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "orderguard_timestamps",
			Help: "Attempt timestamps held in the ledger across all header orders",
		}, func() float64 { return float64(stats().Timestamps) }),
	)
}

func (m *ServerMetrics) IncTracked() {
	m.trackedTotal.Inc()
}

// IncBlocked has the signature the guard's OnBlocked hook expects, the key itself is not a label
func (m *ServerMetrics) IncBlocked(_ string, enforced bool) {
	mode := "observe"
	if enforced {
		mode = "enforce"
	}
	m.blockedTotal.WithLabelValues(mode).Inc()
}

func (m *ServerMetrics) AddSwept(n int) {
	if n > 0 {
		m.sweptTotal.Add(float64(n))
	}
}

func (m *ServerMetrics) IncUpstreamError() {
	m.upstreamErrs.Inc()
}

func (m *ServerMetrics) IncCaptureFallback() {
	m.captureMissed.Inc()
}

func (m *ServerMetrics) IncPolicyPolls() {
	m.policyPollsTotal.Inc()
}

func (m *ServerMetrics) IncPolicySwaps() {
	m.policySwapsTotal.Inc()
}

func (m *ServerMetrics) IncPolicyError(errType string) {
	m.policyErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetPolicyLastSuccess(unixSeconds float64) {
	m.policyLastSuccess.Set(unixSeconds)
}

func (m *ServerMetrics) SetPolicyStale(stale bool) {
	m.policyStale.Set(boolGauge(stale))
}

// SetPolicy replaces the active policy info series
func (m *ServerMetrics) SetPolicy(version string, cfg headerorder.Config) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(
		version,
		strconv.Itoa(cfg.BlockWhenAttemptsReach),
		strconv.FormatInt(cfg.PerLastMilliseconds, 10),
		strconv.FormatBool(cfg.UseBackOffFactor),
	).Set(1)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
