package kurir

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for every pipeline stage. It
// is safe for concurrent use and every method is a no-op on a nil receiver.
type MetricsCollector struct {
	submissionsTotal *prometheus.CounterVec
	submitDuration   *prometheus.HistogramVec

	policyDecisions *prometheus.CounterVec
	policyReloads   *prometheus.CounterVec

	fetchAttempts *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec

	retryBudgetExceeded *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	throttleInFlight *prometheus.GaugeVec
	throttleWait     *prometheus.HistogramVec
	throttleTimeouts *prometheus.CounterVec
	throttleBuckets  prometheus.Gauge

	cacheHits      *prometheus.CounterVec
	cacheMisses    prometheus.Counter
	cacheShared    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	verificationFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetricsCollector creates a metrics collector on a fresh registry.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		submissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_submissions_total",
				Help: "Total number of submitted fetches by outcome",
			},
			[]string{"outcome"},
		),
		submitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kurir_submit_duration_seconds",
				Help:    "End to end duration of submitted fetches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		policyDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_policy_decisions_total",
				Help: "Policy resolutions by action and whether a prefix matched",
			},
			[]string{"action", "matched"},
		),
		policyReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_policy_reloads_total",
				Help: "Policy file reloads by result",
			},
			[]string{"result"},
		),
		fetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_fetch_attempts_total",
				Help: "Network attempts by bucket and result",
			},
			[]string{"bucket", "result"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kurir_fetch_duration_seconds",
				Help:    "Duration of single network attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"bucket", "status_code"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_retries_total",
				Help: "Total number of scheduled retries",
			},
			[]string{"bucket", "attempt"},
		),
		retryBudgetExceeded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_retry_budget_exceeded_total",
				Help: "Retries refused because the retry budget was spent",
			},
			[]string{"bucket"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kurir_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"bucket"},
		),
		throttleInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kurir_throttle_in_flight",
				Help: "Throttle tokens currently held per bucket",
			},
			[]string{"bucket"},
		),
		throttleWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kurir_throttle_wait_seconds",
				Help:    "Time spent waiting for a throttle token in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"bucket"},
		),
		throttleTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_throttle_timeouts_total",
				Help: "Acquisitions that gave up before capacity was available",
			},
			[]string{"bucket"},
		),
		throttleBuckets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kurir_throttle_buckets",
				Help: "Number of live throttle buckets",
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_cache_hits_total",
				Help: "Cache hits by tier (memory, negative, backend)",
			},
			[]string{"tier"},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kurir_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),
		cacheShared: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kurir_cache_shared_total",
				Help: "Callers served by another caller's in-flight fetch",
			},
		),
		cacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kurir_cache_evictions_total",
				Help: "Entries evicted to respect cache capacity",
			},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kurir_cache_size",
				Help: "Current number of entries in the memory cache",
			},
		),
		verificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kurir_verification_failures_total",
				Help: "Sealed payloads that failed to open, by reason",
			},
			[]string{"reason"},
		),
	}
	if g, ok := registry.(prometheus.Gatherer); ok {
		mc.gatherer = g
	}

	return mc
}

// RecordSubmission records one completed Submit.
func (mc *MetricsCollector) RecordSubmission(err error, duration time.Duration) {
	if mc == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = ErrorKind(err)
	}
	mc.submissionsTotal.WithLabelValues(outcome).Inc()
	mc.submitDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordPolicyDecision counts a policy resolution.
func (mc *MetricsCollector) RecordPolicyDecision(res Resolution) {
	if mc == nil {
		return
	}

	mc.policyDecisions.WithLabelValues(res.Decision.Action.String(), strconv.FormatBool(res.Matched)).Inc()
}

// RecordPolicyReload counts a policy reload attempt.
func (mc *MetricsCollector) RecordPolicyReload(err error) {
	if mc == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	mc.policyReloads.WithLabelValues(result).Inc()
}

// RecordAttempt records one network attempt. status is zero when no response arrived.
func (mc *MetricsCollector) RecordAttempt(bucket string, status int, err error, duration time.Duration) {
	if mc == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = ErrorKind(err)
	}
	mc.fetchAttempts.WithLabelValues(bucket, result).Inc()
	mc.fetchDuration.WithLabelValues(bucket, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(bucket string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(bucket, strconv.Itoa(attempt)).Inc()
}

// RecordRetryBudgetExceeded increments retry budget exceeded counter.
func (mc *MetricsCollector) RecordRetryBudgetExceeded(bucket string) {
	if mc == nil {
		return
	}

	mc.retryBudgetExceeded.WithLabelValues(bucket).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(bucket string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(bucket).Set(stateValue)
}

// ForgetCircuitBreaker drops the state series of an evicted breaker.
func (mc *MetricsCollector) ForgetCircuitBreaker(bucket string) {
	if mc == nil {
		return
	}

	mc.circuitBreakerState.DeleteLabelValues(bucket)
}

// RecordThrottleAcquire records a granted token and how long it took.
func (mc *MetricsCollector) RecordThrottleAcquire(bucket string, waited time.Duration) {
	if mc == nil {
		return
	}

	mc.throttleInFlight.WithLabelValues(bucket).Inc()
	mc.throttleWait.WithLabelValues(bucket).Observe(waited.Seconds())
}

// RecordThrottleRelease records a returned token.
func (mc *MetricsCollector) RecordThrottleRelease(bucket string) {
	if mc == nil {
		return
	}

	mc.throttleInFlight.WithLabelValues(bucket).Dec()
}

// RecordThrottleTimeout counts an acquisition that gave up.
func (mc *MetricsCollector) RecordThrottleTimeout(bucket string) {
	if mc == nil {
		return
	}

	mc.throttleTimeouts.WithLabelValues(bucket).Inc()
}

// RecordThrottleBuckets sets the live bucket gauge.
func (mc *MetricsCollector) RecordThrottleBuckets(n int) {
	if mc == nil {
		return
	}

	mc.throttleBuckets.Set(float64(n))
}

// RecordCacheHit increments cache hit counter for a tier.
func (mc *MetricsCollector) RecordCacheHit(tier string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss() {
	if mc == nil {
		return
	}

	mc.cacheMisses.Inc()
}

// RecordCacheShared counts a caller that joined an in-flight fetch.
func (mc *MetricsCollector) RecordCacheShared() {
	if mc == nil {
		return
	}

	mc.cacheShared.Inc()
}

// RecordCacheEviction counts a capacity eviction.
func (mc *MetricsCollector) RecordCacheEviction() {
	if mc == nil {
		return
	}

	mc.cacheEvictions.Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordVerificationFailure counts an envelope that failed to open.
func (mc *MetricsCollector) RecordVerificationFailure(reason string) {
	if mc == nil {
		return
	}

	mc.verificationFailures.WithLabelValues(reason).Inc()
}

// Gatherer exposes the registry the collector was registered on, nil when it
// was given a registerer that cannot gather.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	if mc == nil {
		return nil
	}
	return mc.gatherer
}
