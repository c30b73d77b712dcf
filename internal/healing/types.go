package healing

import (
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
)

// #region cause
// Cause classifies a qualifying incident.
type Cause string

const (
	CauseTerrainFriction Cause = "terrain_friction"
	CauseFatigueRepeat   Cause = "fatigue_repeat"
	CauseOneOff          Cause = "one_off"
)

// #endregion cause

// #region collision
// CollisionEvent comes from the physics/collision layer.
type CollisionEvent struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source,omitempty"`
	Impulse float64   `json:"impulse,omitempty"`
}

// #endregion collision

// #region incident-record
// IncidentRecord is immutable once created.
type IncidentRecord struct {
	ID             string              `json:"id"`
	At             time.Time           `json:"at"`
	Cause          Cause               `json:"cause"`
	MarginDelta    float64             `json:"margin_delta"`
	MarginAfter    float64             `json:"margin_after"`
	ThresholdAfter float64             `json:"threshold_after"`
	Confidence     float64             `json:"confidence"`
	Justification  string              `json:"justification"`
	SpeedLimit     float64             `json:"speed_limit"`
	SpeedReduced   bool                `json:"speed_reduced"`
	Friction       environment.Reading `json:"friction"`
	Sequence       int                 `json:"sequence"`
}

// Reasoning is the human-readable account of one adaptation decision.
type Reasoning struct {
	IncidentID    string    `json:"incident_id"`
	Cause         Cause     `json:"cause"`
	Justification string    `json:"justification"`
	Confidence    float64   `json:"confidence"`
	At            time.Time `json:"at"`
}

// #endregion incident-record

// #region ports
// SpeedLimiter is the motion-command layer's speed cap.
type SpeedLimiter interface {
	SpeedLimit() float64
	SetSpeedLimit(limit float64)
}

// Reporter receives every adaptation for the evidence trail. It must not
// block.
type Reporter interface {
	Report(rec IncidentRecord, why Reasoning)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(IncidentRecord, Reasoning)

func (f ReporterFunc) Report(rec IncidentRecord, why Reasoning) { f(rec, why) }

// #endregion ports

// #region healing-config
// Config holds adaptation parameters.
type Config struct {
	Cooldown             time.Duration // duplicate-detection suppression window
	SlipperyThreshold    float64       // friction below this is TerrainFriction
	FatigueThreshold     int           // incident count above this is FatigueRepeat
	MarginIncrement      float64       // full margin step
	ThresholdNudge       float64       // threshold increase per full margin step
	MaxThresholdIncrease float64       // threshold never exceeds initial + this
	SpeedReductionFactor float64       // multiplier applied to the speed limit
	MinSpeedLimit        float64       // speed limit floor
	IncidentLogCapacity  int
	ConfidenceFriction   float64
	ConfidenceFatigue    float64
	ConfidenceOneOff     float64
}

// DefaultConfig returns the fielded adaptation parameters.
func DefaultConfig() Config {
	return Config{
		Cooldown:             2 * time.Second,
		SlipperyThreshold:    0.6,
		FatigueThreshold:     3,
		MarginIncrement:      0.2,
		ThresholdNudge:       0.05,
		MaxThresholdIncrease: 0.5,
		SpeedReductionFactor: 0.5,
		MinSpeedLimit:        0.2,
		IncidentLogCapacity:  256,
		ConfidenceFriction:   0.9,
		ConfidenceFatigue:    0.6,
		ConfidenceOneOff:     0.3,
	}
}

// #endregion healing-config
