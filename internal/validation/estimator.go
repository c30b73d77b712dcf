// Package validation estimates the probability of rare catastrophic
// failures from near-miss statistics, off the control path.
package validation

import (
	"math"
	"time"
)

// #region estimator
// Estimator keeps the sample pools and computes estimates. It is owned by a
// single goroutine.
type Estimator struct {
	config Config
	pool   *Ring[float64] // control variates (margins)
	window *Ring[Sample]  // trend window
}

// NewEstimator creates an empty estimator.
func NewEstimator(config Config) *Estimator {
	return &Estimator{
		config: config,
		pool:   NewRing[float64](config.PoolCapacity),
		window: NewRing[Sample](config.WindowCapacity),
	}
}

// Add records a sample without recomputing. Non-finite margins count as
// zero, the worst case.
func (e *Estimator) Add(s Sample) {
	if math.IsNaN(s.Margin) || math.IsInf(s.Margin, -1) {
		s.Margin = 0
	}
	if s.Margin > e.config.MarginCeiling {
		s.Margin = e.config.MarginCeiling
	}
	if math.IsNaN(s.Velocity) || math.IsInf(s.Velocity, 0) {
		s.Velocity = e.config.HighVelocity * 2
	}
	e.pool.Push(s.Margin)
	e.window.Push(s)
}

// Observe records a sample and returns the fresh estimate.
func (e *Estimator) Observe(s Sample, now time.Time) Estimate {
	e.Add(s)
	return e.Estimate(now)
}

// Len returns the pool size.
func (e *Estimator) Len() int { return e.pool.Len() }

// Reset drops all samples.
func (e *Estimator) Reset() {
	e.pool.Reset()
	e.window.Reset()
}

// Estimate computes the current estimate from the pooled samples. With no
// samples the estimate is maximally uncertain.
func (e *Estimator) Estimate(now time.Time) Estimate {
	c := e.config
	n := e.pool.Len()
	if n == 0 {
		return Estimate{
			EstimatedFailureRate: clamp(c.BaseFailureProbability, c.MinRate, c.MaxRate),
			Confidence:           0,
			IsUncertain:          true,
			ComputedAt:           now,
		}
	}

	freq, sigma := e.poolStats()

	// variance reduction against the base probability, floored by the
	// observed near-miss frequency
	reduced := c.BaseFailureProbability - c.BaseFailureProbability*math.Tanh(c.VarianceWeight*sigma*sigma)
	rate := clamp(math.Max(reduced, c.NearMissWeight*freq), c.MinRate, c.MaxRate)

	mTrend, vTrend := e.trends()
	confidence := e.confidence(mTrend, vTrend)

	return Estimate{
		EstimatedFailureRate: rate,
		Confidence:           confidence,
		IsUncertain:          rate > c.Ceiling || confidence < c.ConfidenceFloor,
		Sigma:                sigma,
		NearMissFrequency:    freq,
		MarginTrend:          mTrend,
		VelocityTrend:        vTrend,
		Samples:              n,
		ComputedAt:           now,
	}
}

// #endregion estimator

// #region statistics

// poolStats returns the near-miss frequency and the population standard
// deviation of pooled margins.
func (e *Estimator) poolStats() (freq, sigma float64) {
	n := e.pool.Len()
	var sum float64
	var near int
	for i := 0; i < n; i++ {
		m := e.pool.At(i)
		sum += m
		if m < e.config.NearMissThreshold {
			near++
		}
	}
	mean := sum / float64(n)
	var ss float64
	for i := 0; i < n; i++ {
		d := e.pool.At(i) - mean
		ss += d * d
	}
	return float64(near) / float64(n), math.Sqrt(ss / float64(n))
}

// trends returns the mean first difference of margin and velocity across
// the window.
func (e *Estimator) trends() (margin, velocity float64) {
	n := e.window.Len()
	if n < 2 {
		return 0, 0
	}
	first, last := e.window.At(0), e.window.At(n-1)
	steps := float64(n - 1)
	return (last.Margin - first.Margin) / steps, (last.Velocity - first.Velocity) / steps
}

func (e *Estimator) confidence(mTrend, vTrend float64) float64 {
	c := e.config
	conf := 1.0
	if mTrend < 0 {
		conf -= c.TrendGain * math.Abs(mTrend) * (1 + math.Max(0, vTrend))
	}
	latest, ok := e.window.Last()
	if !ok {
		return 0
	}
	if latest.Velocity > c.HighVelocity && latest.Margin < c.NearMissThreshold {
		conf -= c.HighRiskPenalty
	}
	if latest.Margin < c.ComfortableMargin && c.KernelWidth > 0 {
		d := latest.Margin - c.ComfortableMargin
		conf *= math.Exp(-(d * d) / (2 * c.KernelWidth * c.KernelWidth))
	}
	if math.IsNaN(conf) {
		return 0
	}
	return clamp(conf, 0, 1)
}

// clamp maps NaN to hi; for a failure rate that is the pessimistic end.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return hi
	}
	return math.Max(lo, math.Min(hi, v))
}

// #endregion statistics
