package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the onboarding service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	accountsEnsured  *prometheus.CounterVec
	sessionsIssued   *prometheus.CounterVec
	reconciliations  *prometheus.CounterVec
	retiredHits      *prometheus.CounterVec
	envMismatches    prometheus.Counter
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "onboarding_provider_request_duration_seconds",
				Help:    "Duration of payment provider calls by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		providerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_provider_errors_total",
				Help: "Payment provider errors by operation and kind.",
			},
			[]string{"operation", "kind"},
		),
		accountsEnsured: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_accounts_ensured_total",
				Help: "ensureAccount results by outcome (created, already_exists).",
			},
			[]string{"outcome"},
		),
		sessionsIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_sessions_issued_total",
				Help: "Hosted-UI session secrets issued, by component.",
			},
			[]string{"component"},
		),
		reconciliations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_reconciliations_total",
				Help: "Readiness reconciliations by result (promoted, pending, failed, conflict).",
			},
			[]string{"result"},
		),
		retiredHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_retired_version_requests_total",
				Help: "Requests rejected because they addressed a retired protocol version.",
			},
			[]string{"version"},
		),
		envMismatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "onboarding_environment_mismatches_total",
				Help: "Requests rejected because client and server keys target different environments.",
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onboarding_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordProviderDuration records the duration of a provider call.
func (m *Metrics) RecordProviderDuration(operation string, d time.Duration) {
	m.providerDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrProviderError counts a provider failure.
func (m *Metrics) IncrProviderError(operation, kind string) {
	m.providerErrors.WithLabelValues(operation, kind).Inc()
}

// IncrAccountEnsured counts an ensureAccount outcome.
func (m *Metrics) IncrAccountEnsured(outcome string) {
	m.accountsEnsured.WithLabelValues(outcome).Inc()
}

// IncrSessionIssued counts one issued session per granted component.
func (m *Metrics) IncrSessionIssued(component string) {
	m.sessionsIssued.WithLabelValues(component).Inc()
}

// IncrReconciliation counts a reconciliation result.
func (m *Metrics) IncrReconciliation(result string) {
	m.reconciliations.WithLabelValues(result).Inc()
}

// IncrRetiredVersion counts a request to a retired protocol version.
func (m *Metrics) IncrRetiredVersion(version string) {
	m.retiredHits.WithLabelValues(version).Inc()
}

// IncrEnvironmentMismatch counts a rejected key pair.
func (m *Metrics) IncrEnvironmentMismatch() {
	m.envMismatches.Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}
