// Package metrics holds the Prometheus collectors for crmsync.
//
// A nil *Metrics is valid: every method is a no-op, which keeps tests and
// library callers free of registry plumbing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors recorded by the engine and its clients.
type Metrics struct {
	cacheLookups  *prometheus.CounterVec
	limiterWaits  *prometheus.CounterVec
	limiterWaitS  *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	storeCalls    *prometheus.CounterVec
	actions       *prometheus.CounterVec
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	breakerStates *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by cache and result (hit, miss).",
		}, []string{"cache", "result"}),
		limiterWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "rate_limiter_waits_total",
			Help:      "Calls delayed by a sliding-window rate limiter.",
		}, []string{"limiter"}),
		limiterWaitS: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "rate_limiter_wait_seconds_total",
			Help:      "Total time spent waiting on a rate limiter.",
		}, []string{"limiter"}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "model_calls_total",
			Help:      "Language model calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		storeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "record_store_calls_total",
			Help:      "Record store calls by operation and status.",
		}, []string{"operation", "status"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "actions_total",
			Help:      "Executed actions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crmsync",
			Name:      "process_runs_total",
			Help:      "processText invocations by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crmsync",
			Name:      "process_run_duration_seconds",
			Help:      "End-to-end processText duration.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		breakerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crmsync",
			Name:      "circuit_breaker_open",
			Help:      "1 while the named circuit breaker is open.",
		}, []string{"breaker"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.cacheLookups, m.limiterWaits, m.limiterWaitS, m.modelCalls,
			m.storeCalls, m.actions, m.runs, m.runDuration, m.breakerStates,
		)
	}
	return m
}

func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) LimiterWait(limiter string, d time.Duration) {
	if m == nil {
		return
	}
	m.limiterWaits.WithLabelValues(limiter).Inc()
	m.limiterWaitS.WithLabelValues(limiter).Add(d.Seconds())
}

func (m *Metrics) ModelCall(purpose, outcome string) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(purpose, outcome).Inc()
}

func (m *Metrics) StoreCall(operation, status string) {
	if m == nil {
		return
	}
	m.storeCalls.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) Action(kind, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Run(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) BreakerOpen(name string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerStates.WithLabelValues(name).Set(v)
}
