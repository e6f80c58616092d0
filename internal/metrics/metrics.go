// metrics.go - Prometheus metrics for the shielded pool
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shieldpool"

// Collector groups the pool's metrics. A nil *Collector records nothing, so
// components can run without metrics in tests.
type Collector struct {
	operations     *prometheus.CounterVec
	errors         *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	proveDuration  *prometheus.HistogramVec
	treeSize       *prometheus.GaugeVec
	nullifiers     *prometheus.GaugeVec
	pending        *prometheus.GaugeVec
	rateLimited    *prometheus.CounterVec
	requests       *prometheus.HistogramVec
}

// New creates the collector and registers it with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Operation state transitions by kind, stage and result",
		}, []string{"kind", "stage", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Errors surfaced to callers by error kind",
		}, []string{"kind"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verifier",
			Name:      "duration_seconds",
			Help:      "Time spent verifying proofs or attestations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"strategy"}),
		proveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prover",
			Name:      "duration_seconds",
			Help:      "Time spent generating proofs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"circuit"}),
		treeSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tree",
			Name:      "leaves",
			Help:      "Number of commitments in the tree",
		}, []string{"pool"}),
		nullifiers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nullifiers",
			Name:      "registered",
			Help:      "Number of registered nullifiers",
		}, []string{"pool"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "in_flight",
			Help:      "Operations not yet finalized",
		}, []string{"pool"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rate_limited_total",
			Help:      "Operations rejected by the pool rate limit",
		}, []string{"kind"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP requests by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(c.operations, c.errors, c.verifyDuration, c.proveDuration,
			c.treeSize, c.nullifiers, c.pending, c.rateLimited, c.requests)
	}
	return c
}

// RecordTransition counts a stage outcome ("ok" or "error").
func (c *Collector) RecordTransition(kind, stage string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.operations.WithLabelValues(kind, stage, result).Inc()
}

// RecordError counts an error by kind name.
func (c *Collector) RecordError(kind string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordVerification(strategy string, d time.Duration) {
	if c == nil {
		return
	}
	c.verifyDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (c *Collector) RecordProofGeneration(circuit string, d time.Duration) {
	if c == nil {
		return
	}
	c.proveDuration.WithLabelValues(circuit).Observe(d.Seconds())
}

func (c *Collector) RecordRateLimited(kind string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(kind).Inc()
}

// RecordRequest observes one served HTTP request.
func (c *Collector) RecordRequest(method, route string, code int, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// SetPoolState publishes the pool's sizes.
func (c *Collector) SetPoolState(pool string, leaves uint64, nullifiers, inFlight int) {
	if c == nil {
		return
	}
	c.treeSize.WithLabelValues(pool).Set(float64(leaves))
	c.nullifiers.WithLabelValues(pool).Set(float64(nullifiers))
	c.pending.WithLabelValues(pool).Set(float64(inFlight))
}
