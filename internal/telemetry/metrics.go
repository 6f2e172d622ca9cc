// Package telemetry exposes the Prometheus metrics registries shared across
// the pricing pipeline: per-adapter latency/outcome, cache hit/miss/tier,
// circuit-breaker state, rate-limiter decisions, and audit-write outcomes.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type adapterMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	breaker  *prometheus.GaugeVec
}

type cacheMetrics struct {
	lookups *prometheus.CounterVec
	size    *prometheus.GaugeVec
}

type rateLimitMetrics struct {
	decisions *prometheus.CounterVec
	failOpen  prometheus.Counter
}

type auditMetrics struct {
	writes *prometheus.CounterVec
}

type pricingMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	adapterOnce sync.Once
	adapterReg  *adapterMetrics

	cacheOnce sync.Once
	cacheReg  *cacheMetrics

	rateLimitOnceVar sync.Once
	rateLimitReg     *rateLimitMetrics

	auditOnce sync.Once
	auditReg  *auditMetrics

	pricingOnce sync.Once
	pricingReg  *pricingMetrics
)

// Adapters returns the lazily-initialized upstream-adapter metrics registry.
func Adapters() *adapterMetrics {
	adapterOnce.Do(func() {
		adapterReg = &adapterMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "locatepricing",
				Subsystem: "adapter",
				Name:      "requests_total",
				Help:      "Upstream adapter calls segmented by adapter and outcome.",
			}, []string{"adapter", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "locatepricing",
				Subsystem: "adapter",
				Name:      "request_duration_seconds",
				Help:      "Upstream adapter call latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"adapter"}),
			breaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "locatepricing",
				Subsystem: "adapter",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per adapter (0=closed,1=half_open,2=open).",
			}, []string{"adapter"}),
		}
		prometheus.MustRegister(adapterReg.requests, adapterReg.latency, adapterReg.breaker)
	})
	return adapterReg
}

func (m *adapterMetrics) RecordRequest(adapter, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(adapter, outcome).Inc()
}

func (m *adapterMetrics) ObserveLatency(adapter string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(adapter).Observe(seconds)
}

func (m *adapterMetrics) SetBreakerState(adapter string, state float64) {
	if m == nil {
		return
	}
	m.breaker.WithLabelValues(adapter).Set(state)
}

// Cache returns the lazily-initialized cache-tier metrics registry.
func Cache() *cacheMetrics {
	cacheOnce.Do(func() {
		cacheReg = &cacheMetrics{
			lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "locatepricing",
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups segmented by tier and result.",
			}, []string{"tier", "result"}),
			size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "locatepricing",
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Current entry count per cache tier.",
			}, []string{"tier"}),
		}
		prometheus.MustRegister(cacheReg.lookups, cacheReg.size)
	})
	return cacheReg
}

func (m *cacheMetrics) RecordLookup(tier, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(tier, result).Inc()
}

func (m *cacheMetrics) SetSize(tier string, n float64) {
	if m == nil {
		return
	}
	m.size.WithLabelValues(tier).Set(n)
}

// RateLimit returns the lazily-initialized rate-limiter metrics registry.
func RateLimit() *rateLimitMetrics {
	rateLimitOnceVar.Do(func() {
		rateLimitReg = &rateLimitMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "locatepricing",
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate limiter decisions segmented by outcome.",
			}, []string{"outcome"}),
			failOpen: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "locatepricing",
				Subsystem: "ratelimit",
				Name:      "fail_open_total",
				Help:      "Requests admitted because the shared rate-limit store was unreachable.",
			}),
		}
		prometheus.MustRegister(rateLimitReg.decisions, rateLimitReg.failOpen)
	})
	return rateLimitReg
}

func (m *rateLimitMetrics) RecordDecision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *rateLimitMetrics) RecordFailOpen() {
	if m == nil {
		return
	}
	m.failOpen.Inc()
}

// Audit returns the lazily-initialized audit-sink metrics registry.
func Audit() *auditMetrics {
	auditOnce.Do(func() {
		auditReg = &auditMetrics{
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "locatepricing",
				Subsystem: "audit",
				Name:      "writes_total",
				Help:      "Audit record writes segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(auditReg.writes)
	})
	return auditReg
}

func (m *auditMetrics) RecordWrite(outcome string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(outcome).Inc()
}

// Pricing returns the lazily-initialized orchestrator metrics registry.
func Pricing() *pricingMetrics {
	pricingOnce.Do(func() {
		pricingReg = &pricingMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "locatepricing",
				Subsystem: "orchestrator",
				Name:      "requests_total",
				Help:      "Price calls segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "locatepricing",
				Subsystem: "orchestrator",
				Name:      "request_duration_seconds",
				Help:      "Price call latency end to end.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(pricingReg.requests, pricingReg.latency)
	})
	return pricingReg
}

func (m *pricingMetrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *pricingMetrics) ObserveLatency(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(outcome).Observe(seconds)
}
