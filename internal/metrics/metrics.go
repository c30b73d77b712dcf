// Package metrics exposes controller health as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "navcert"

// Metrics holds every collector the controller updates. Updates are atomic
// and safe on the control tick.
type Metrics struct {
	tickDuration   prometheus.Histogram
	ticks          prometheus.Counter
	pScore         prometheus.Gauge
	margin         prometheus.Gauge
	clearance      prometheus.Gauge
	certifiedSafe  prometheus.Gauge
	sensorStale    prometheus.Counter
	status         prometheus.Gauge
	transitions    *prometheus.CounterVec
	gateDecisions  *prometheus.CounterVec
	incidents      *prometheus.CounterVec
	currentMargin  prometheus.Gauge
	threshold      prometheus.Gauge
	speedLimit     prometheus.Gauge
	failureRate    prometheus.Gauge
	confidence     prometheus.Gauge
	uncertain      prometheus.Gauge
	auditDropped   prometheus.Gauge
	samplesDropped prometheus.Gauge
}

// New registers the collectors on reg. Passing a fresh registry per
// controller keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Control tick latency from state read to certificate publication",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05},
		}),
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total control ticks executed",
		}),
		pScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "p_score",
			Help:      "Latest P-score",
		}),
		margin: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_margin",
			Help:      "Latest clearance minus constraint margin",
		}),
		clearance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clearance_meters",
			Help:      "Latest distance to the nearest obstacle or denial zone",
		}),
		certifiedSafe: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certified_safe",
			Help:      "1 when the latest certificate is safe",
		}),
		sensorStale: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_stale_total",
			Help:      "Ticks whose inputs contained non-finite values",
		}),
		status: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certification_status",
			Help:      "0 NORMAL, 1 BREACHED, 2 LOCKED_DOWN",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State machine transitions by kind and cause",
		}, []string{"kind", "cause"}),
		gateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Gate decisions by outcome and veto type",
		}, []string{"outcome", "veto"}),
		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Accepted incidents by cause",
		}, []string{"cause"}),
		currentMargin: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rigor_current_margin",
			Help:      "Adaptive constraint margin",
		}),
		threshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rigor_safety_threshold",
			Help:      "Adaptive P-score threshold",
		}),
		speedLimit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speed_limit",
			Help:      "Current linear speed cap",
		}),
		failureRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimated_failure_rate",
			Help:      "Rare-event failure rate estimate",
		}),
		confidence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimate_confidence",
			Help:      "Trend-based confidence in the estimate",
		}),
		uncertain: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "estimate_uncertain",
			Help:      "1 when the estimate exceeds its ceiling or falls below its confidence floor",
		}),
		auditDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_dropped",
			Help:      "Audit records dropped under backpressure",
		}),
		samplesDropped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "validation_samples_dropped",
			Help:      "Validation samples dropped because the worker queue was full",
		}),
	}
}

// ObserveTick records one certificate.
func (m *Metrics) ObserveTick(d time.Duration, pScore, margin, clearance float64, safe, stale bool) {
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	m.pScore.Set(pScore)
	m.margin.Set(margin)
	m.clearance.Set(clearance)
	m.certifiedSafe.Set(boolGauge(safe))
	if stale {
		m.sensorStale.Inc()
	}
}

// SetStatus records the certification status ordinal.
func (m *Metrics) SetStatus(status int) { m.status.Set(float64(status)) }

// Transition counts a state machine transition.
func (m *Metrics) Transition(kind, cause string) { m.transitions.WithLabelValues(kind, cause).Inc() }

// GateDecision counts a gate outcome. veto is empty for approvals.
func (m *Metrics) GateDecision(approved bool, veto string) {
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	m.gateDecisions.WithLabelValues(outcome, veto).Inc()
}

// Incident counts an accepted incident.
func (m *Metrics) Incident(cause string) { m.incidents.WithLabelValues(cause).Inc() }

// SetRigor records the live adaptive parameters.
func (m *Metrics) SetRigor(margin, threshold, speedLimit float64) {
	m.currentMargin.Set(margin)
	m.threshold.Set(threshold)
	m.speedLimit.Set(speedLimit)
}

// SetEstimate records the validator output.
func (m *Metrics) SetEstimate(rate, confidence float64, uncertain bool) {
	m.failureRate.Set(rate)
	m.confidence.Set(confidence)
	m.uncertain.Set(boolGauge(uncertain))
}

// SetDrops records backpressure counters from the async paths.
func (m *Metrics) SetDrops(audit, samples uint64) {
	m.auditDropped.Set(float64(audit))
	m.samplesDropped.Set(float64(samples))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
