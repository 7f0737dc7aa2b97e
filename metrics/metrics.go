// Package metrics provides Prometheus metrics for session lifecycle operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session manager.
// A nil or disabled *Metrics is a valid no-op.
type Metrics struct {
	enabled bool

	// Mutation metrics
	mutationsTotal   *prometheus.CounterVec
	mutationDuration *prometheus.HistogramVec
	confirmations    *prometheus.CounterVec

	// Probe metrics
	probesTotal *prometheus.CounterVec

	// Cache metrics
	cacheHitsTotal prometheus.Counter
	cacheMissTotal prometheus.Counter

	// Guard metrics
	guardDecisions *prometheus.CounterVec

	identityStatus prometheus.Gauge
}

// Option configures metric registration.
type Option func(*config)

type config struct {
	registerer prometheus.Registerer
	namespace  string
}

// WithRegisterer registers the collectors with reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithNamespace prefixes every metric name. Default: "authsession".
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// New creates and registers Prometheus metrics.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool, opts ...Option) *Metrics {
	m := &Metrics{enabled: enabled}
	if !enabled {
		return m
	}

	cfg := &config{registerer: prometheus.DefaultRegisterer, namespace: "authsession"}
	for _, o := range opts {
		o(cfg)
	}
	factory := promauto.With(cfg.registerer)

	m.mutationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "mutations_total",
		Help:      "Login, register and logout attempts by result",
	}, []string{"op", "result"})

	m.mutationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Name:      "mutation_duration_seconds",
		Help:      "Time spent in the credential transport per mutation",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	m.confirmations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "confirmations_total",
		Help:      "Outcomes of the delayed post-login identity confirmation",
	}, []string{"op", "outcome"})

	m.probesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "probes_total",
		Help:      "Identity probes by result",
	}, []string{"result"})

	m.cacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "cache_hits_total",
		Help:      "Identity reads served from a fresh cache",
	})

	m.cacheMissTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "cache_misses_total",
		Help:      "Identity reads that required a probe",
	})

	m.guardDecisions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Name:      "guard_decisions_total",
		Help:      "Route guard decisions",
	}, []string{"decision"})

	m.identityStatus = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Name:      "identity_status",
		Help:      "Current identity status (0=unknown, 1=anonymous, 2=authenticated)",
	})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordMutation records a finished mutation.
func (m *Metrics) RecordMutation(op, result string, durationSeconds float64) {
	if !m.on() {
		return
	}
	m.mutationsTotal.WithLabelValues(op, result).Inc()
	m.mutationDuration.WithLabelValues(op).Observe(durationSeconds)
}

// RecordConfirmation records how a delayed confirmation ended.
func (m *Metrics) RecordConfirmation(op, outcome string) {
	if !m.on() {
		return
	}
	m.confirmations.WithLabelValues(op, outcome).Inc()
}

// RecordProbe records an identity probe result.
func (m *Metrics) RecordProbe(result string) {
	if !m.on() {
		return
	}
	m.probesTotal.WithLabelValues(result).Inc()
}

// RecordCacheHit records a read served from cache.
func (m *Metrics) RecordCacheHit() {
	if !m.on() {
		return
	}
	m.cacheHitsTotal.Inc()
}

// RecordCacheMiss records a read that needed a probe.
func (m *Metrics) RecordCacheMiss() {
	if !m.on() {
		return
	}
	m.cacheMissTotal.Inc()
}

// RecordGuardDecision records an allow, redirect or pending decision.
func (m *Metrics) RecordGuardDecision(decision string) {
	if !m.on() {
		return
	}
	m.guardDecisions.WithLabelValues(decision).Inc()
}

// SetIdentityStatus sets the identity status gauge.
func (m *Metrics) SetIdentityStatus(status int) {
	if !m.on() {
		return
	}
	m.identityStatus.Set(float64(status))
}
