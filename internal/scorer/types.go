package scorer

import (
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region breach-reason
// BreachReason names why a certificate failed (or SAFE when it did not).
type BreachReason string

const (
	ReasonSafe           BreachReason = "SAFE"
	ReasonVNCViolation   BreachReason = "VNC_VIOLATION"
	ReasonLowScore       BreachReason = "LOW_SCORE"
	ReasonConstraintFlag BreachReason = "CONSTRAINT_FLAG"
	ReasonSensorStale    BreachReason = "SENSOR_STALE"
)

// #endregion breach-reason

// #region scorer-config
// Config holds the fixed shape of the scoring function. Thresholds and
// margins live in state.RigorParameters because they adapt at runtime.
type Config struct {
	Goal              state.Vec3 // reference point for the position term
	GradientScale     float64    // multiplier on vertical deviation
	MaxSpeed          float64    // worst-case magnitude for a stale velocity component
	ClearanceSentinel float64    // clearance when nothing is tracked
}

// DefaultConfig returns the scoring shape used on the robot.
func DefaultConfig() Config {
	return Config{
		GradientScale:     0.1,
		MaxSpeed:          2.0,
		ClearanceSentinel: 1e6,
	}
}

// #endregion scorer-config

// #region certificate
// Components are the five additive terms of the P-score.
type Components struct {
	Position   float64 `json:"position"`
	Time       float64 `json:"time"`
	Gradient   float64 `json:"gradient"`
	Identity   float64 `json:"identity"`
	Constraint float64 `json:"constraint"`
}

// Sum returns the P-score for these components.
func (c Components) Sum() float64 {
	return c.Position + c.Time + c.Gradient + c.Identity + c.Constraint
}

// SafetyCertificate is the per-tick scalar safety verdict.
type SafetyCertificate struct {
	ID           string       `json:"id"`
	PScore       float64      `json:"p_score"`
	Components   Components   `json:"components"`
	IsSafe       bool         `json:"is_safe"`
	Threshold    float64      `json:"threshold"`
	Margin       float64      `json:"margin"`
	Clearance    float64      `json:"clearance"`
	BreachReason BreachReason `json:"breach_reason"`
	EvidenceHash string       `json:"evidence_hash"`
	SensorStale  bool         `json:"sensor_stale"`
	ComputedAt   time.Time    `json:"computed_at"`
}

// Unsafe returns a certificate that fails closed, used before the first
// state sample arrives.
func Unsafe(reason BreachReason, at time.Time) SafetyCertificate {
	return SafetyCertificate{
		IsSafe:       false,
		BreachReason: reason,
		SensorStale:  reason == ReasonSensorStale,
		ComputedAt:   at,
	}
}

// #endregion certificate
