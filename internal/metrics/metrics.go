package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects ledger and HTTP counters. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	moduleSaves   *prometheus.CounterVec
	finalizations *prometheus.CounterVec
	retries       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

func New(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		moduleSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_module_saves_total",
			Help: "Module submissions by module and outcome.",
		}, []string{"module", "outcome"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_finalizations_total",
			Help: "Day finalization attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_store_retries_total",
			Help: "Store write retries after transient failures.",
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route"}),
	}
	registerer.MustRegister(r.moduleSaves, r.finalizations, r.retries, r.httpRequests, r.httpDuration)
	return r
}

func (r *Recorder) ModuleSave(module string, outcome string) {
	if r == nil {
		return
	}
	r.moduleSaves.WithLabelValues(module, outcome).Inc()
}

func (r *Recorder) Finalization(stage string, outcome string) {
	if r == nil {
		return
	}
	r.finalizations.WithLabelValues(stage, outcome).Inc()
}

func (r *Recorder) Retry(op string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(op).Inc()
}

func (r *Recorder) HTTPRequest(route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
