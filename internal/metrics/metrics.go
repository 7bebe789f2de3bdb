// Package metrics exposes broker activity as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mintsTotal        *prometheus.CounterVec
	mintDuration      *prometheus.HistogramVec
	cacheLookupsTotal *prometheus.CounterVec
	renewalsTotal     *prometheus.CounterVec
	revocationsTotal  *prometheus.CounterVec
	rotationsTotal    *prometheus.CounterVec
	resolverRetries   *prometheus.CounterVec
	resolverFallbacks *prometheus.CounterVec
	refresherCycles   *prometheus.CounterVec
	timeRemaining     *prometheus.GaugeVec
	activeLeases      prometheus.Gauge

	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		mintsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_credential_mints_total",
				Help: "Credentials fetched from the backend and validated, by class and result",
			},
			[]string{"class", "result"},
		)

		mintDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbcreds_credential_mint_duration_seconds",
				Help:    "Time to fetch and validate a credential",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
			},
			[]string{"class"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_cache_lookups_total",
				Help: "Connection string cache lookups, by class and hit or miss",
			},
			[]string{"class", "result"},
		)

		renewalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_lease_renewals_total",
				Help: "Lease renewal attempts",
			},
			[]string{"result"},
		)

		revocationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_lease_revocations_total",
				Help: "Lease revocation attempts",
			},
			[]string{"result"},
		)

		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_static_rotations_total",
				Help: "Static credential rotations",
			},
			[]string{"result"},
		)

		resolverRetries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_resolver_retries_total",
				Help: "Invalidate-and-retry attempts after an authentication rejection",
			},
			[]string{"class"},
		)

		resolverFallbacks = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_resolver_fallbacks_total",
				Help: "Resolutions served from the fallback connection string",
			},
			[]string{"class"},
		)

		refresherCycles = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbcreds_refresher_cycles_total",
				Help: "Background refresher decisions, by class and action",
			},
			[]string{"class", "action"},
		)

		timeRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbcreds_credential_time_remaining_seconds",
				Help: "Seconds until the cached credential expires or rotates",
			},
			[]string{"class"},
		)

		activeLeases = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbcreds_active_leases",
				Help: "Non-expired leases in the registry",
			},
		)

		metricsRegistered = true
	})
}

// IsMetricsRegistered reports whether InitMetrics has run.
func IsMetricsRegistered() bool {
	return metricsRegistered
}

// Recorder records broker events. A nil *Recorder, or one used before
// InitMetrics, records nothing.
type Recorder struct{}

// NewRecorder registers metrics and returns a recorder.
func NewRecorder() *Recorder {
	InitMetrics()
	return &Recorder{}
}

func (r *Recorder) enabled() bool {
	return r != nil && metricsRegistered
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Mint records one credential fetch and validation.
func (r *Recorder) Mint(class string, ok bool, d time.Duration) {
	if !r.enabled() {
		return
	}
	mintsTotal.WithLabelValues(class, result(ok)).Inc()
	mintDuration.WithLabelValues(class).Observe(d.Seconds())
}

// CacheLookup records a hit or miss.
func (r *Recorder) CacheLookup(class string, hit bool) {
	if !r.enabled() {
		return
	}
	label := "miss"
	if hit {
		label = "hit"
	}
	cacheLookupsTotal.WithLabelValues(class, label).Inc()
}

// Renewal records a lease renewal.
func (r *Recorder) Renewal(ok bool) {
	if !r.enabled() {
		return
	}
	renewalsTotal.WithLabelValues(result(ok)).Inc()
}

// Revocation records a lease revocation.
func (r *Recorder) Revocation(ok bool) {
	if !r.enabled() {
		return
	}
	revocationsTotal.WithLabelValues(result(ok)).Inc()
}

// Rotation records a static rotation outcome.
func (r *Recorder) Rotation(ok bool) {
	if !r.enabled() {
		return
	}
	rotationsTotal.WithLabelValues(result(ok)).Inc()
}

// ResolverRetry records an invalidate-and-retry.
func (r *Recorder) ResolverRetry(class string) {
	if !r.enabled() {
		return
	}
	resolverRetries.WithLabelValues(class).Inc()
}

// ResolverFallback records use of the fallback connection string.
func (r *Recorder) ResolverFallback(class string) {
	if !r.enabled() {
		return
	}
	resolverFallbacks.WithLabelValues(class).Inc()
}

// RefresherCycle records one refresher decision.
func (r *Recorder) RefresherCycle(class, action string) {
	if !r.enabled() {
		return
	}
	refresherCycles.WithLabelValues(class, action).Inc()
}

// TimeRemaining sets the remaining lifetime gauge for class.
func (r *Recorder) TimeRemaining(class string, d time.Duration) {
	if !r.enabled() {
		return
	}
	timeRemaining.WithLabelValues(class).Set(d.Seconds())
}

// ActiveLeases sets the registry size gauge.
func (r *Recorder) ActiveLeases(n int) {
	if !r.enabled() {
		return
	}
	activeLeases.Set(float64(n))
}
