package validation

import "time"

// #region sample
// Sample is one (margin, velocity) observation from the control tick.
type Sample struct {
	Margin      float64 `json:"margin"`
	Velocity    float64 `json:"velocity"`
	TimestampMS uint64  `json:"timestamp_ms"`
}

// #endregion sample

// #region estimate
// Estimate is the validator's current rare-failure assessment. It feeds
// reporting only, never actuation.
type Estimate struct {
	EstimatedFailureRate float64   `json:"estimated_failure_rate"`
	Confidence           float64   `json:"confidence"`
	IsUncertain          bool      `json:"is_uncertain"`
	Sigma                float64   `json:"sigma"`
	NearMissFrequency    float64   `json:"near_miss_frequency"`
	MarginTrend          float64   `json:"margin_trend"`
	VelocityTrend        float64   `json:"velocity_trend"`
	Samples              int       `json:"samples"`
	Decimated            uint64    `json:"decimated"`
	Dropped              uint64    `json:"dropped"`
	ComputedAt           time.Time `json:"computed_at"`
}

// #endregion estimate

// #region validation-config
// Config holds estimator parameters.
type Config struct {
	PoolCapacity           int
	WindowCapacity         int
	NearMissThreshold      float64 // margins below this are near misses
	BaseFailureProbability float64
	VarianceWeight         float64 // scales sigma^2 inside the reduction term
	NearMissWeight         float64 // rate floor per unit near-miss frequency
	MinRate                float64
	MaxRate                float64
	TrendGain              float64 // confidence lost per unit of negative margin trend
	HighVelocity           float64
	HighRiskPenalty        float64
	ComfortableMargin      float64 // RBF centre
	KernelWidth            float64
	MarginCeiling          float64 // margins are clamped to this before pooling
	Ceiling                float64 // failure rate above this is uncertain
	ConfidenceFloor        float64 // confidence below this is uncertain
}

// DefaultConfig returns the fielded estimator parameters.
func DefaultConfig() Config {
	return Config{
		PoolCapacity:           100,
		WindowCapacity:         100,
		NearMissThreshold:      0.5,
		BaseFailureProbability: 1e-4,
		VarianceWeight:         0.5,
		NearMissWeight:         0.01,
		MinRate:                1e-9,
		MaxRate:                1,
		TrendGain:              1.0,
		HighVelocity:           1.0,
		HighRiskPenalty:        0.3,
		ComfortableMargin:      2.0,
		KernelWidth:            1.0,
		MarginCeiling:          10,
		Ceiling:                5e-4,
		ConfidenceFloor:        0.5,
	}
}

// WorkerConfig controls the background worker.
type WorkerConfig struct {
	QueueSize      int     // pending samples before Submit drops
	MaxBatch       int     // larger batches are decimated by stride
	MaxRecomputeHz float64 // estimate recomputation cap
}

// DefaultWorkerConfig matches a 20 Hz producer with headroom.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		QueueSize:      256,
		MaxBatch:       32,
		MaxRecomputeHz: 10,
	}
}

// #endregion validation-config
