package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamFetches counts playlist fetches per outcome.
	// Upstream hosts come from clients, so they are never used as labels.
	UpstreamFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8proxy_upstream_fetches_total",
		Help: "Total number of upstream playlist fetches",
	}, []string{"outcome"})

	// UpstreamFetchDuration observes how long upstream playlist fetches take
	UpstreamFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "m3u8proxy_upstream_fetch_duration_seconds",
		Help:    "Duration of upstream playlist fetches",
		Buckets: prometheus.DefBuckets,
	})

	// Resolutions counts playlist resolutions by outcome (complete, partial, failed)
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8proxy_resolutions_total",
		Help: "Total number of playlist resolutions",
	}, []string{"outcome"})

	// ResolutionHops observes how many master->variant hops a resolution took
	ResolutionHops = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "m3u8proxy_resolution_hops",
		Help:    "Number of variant hops per resolution",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
	})

	// SanitizerRemovals counts what the sanitizer stripped, per rule
	SanitizerRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m3u8proxy_sanitizer_removals_total",
		Help: "Total number of items removed by the manifest sanitizer",
	}, []string{"rule"})

	// CircuitBreakers tracks how many per-host circuit breakers are in each state
	CircuitBreakers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "m3u8proxy_circuit_breakers",
		Help: "Number of per-host circuit breakers by state",
	}, []string{"state"})

	// CircuitBreakerTrips tracks how many times a circuit breaker transitioned to OPEN
	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m3u8proxy_circuit_breaker_trips_total",
		Help: "Total number of times a circuit breaker transitioned to OPEN state",
	})
)

// RecordUpstreamFetch records one upstream fetch
func RecordUpstreamFetch(outcome string, took time.Duration) {
	UpstreamFetches.WithLabelValues(outcome).Inc()
	UpstreamFetchDuration.Observe(took.Seconds())
}

// RecordResolution records a finished resolution and its hop count
func RecordResolution(outcome string, hops int) {
	Resolutions.WithLabelValues(outcome).Inc()
	ResolutionHops.Observe(float64(hops))
}

// RecordSanitizerRemovals adds n removals for rule; zero is ignored
func RecordSanitizerRemovals(rule string, n int) {
	if n <= 0 {
		return
	}
	SanitizerRemovals.WithLabelValues(rule).Add(float64(n))
}

// SetCircuitBreakerCounts sets the number of breakers per state
func SetCircuitBreakerCounts(closed, open, halfOpen int) {
	CircuitBreakers.WithLabelValues("closed").Set(float64(closed))
	CircuitBreakers.WithLabelValues("open").Set(float64(open))
	CircuitBreakers.WithLabelValues("half_open").Set(float64(halfOpen))
}

// RecordCircuitBreakerTrip increments the circuit breaker trip counter
func RecordCircuitBreakerTrip() {
	CircuitBreakerTrips.Inc()
}
