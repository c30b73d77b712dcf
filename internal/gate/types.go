package gate

import (
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoStatusNotNormal VetoType = "status_not_normal"
	VetoConstraint      VetoType = "constraint_violation"
	VetoInvalidAction   VetoType = "invalid_action"
	VetoSensorStale     VetoType = "sensor_stale"
	VetoBarrierDecay    VetoType = "barrier_decay"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected veto condition.
type VetoSignal struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds the projection and clamp settings.
type GateConfig struct {
	Horizon        time.Duration // how far ahead a proposed action is projected
	BarrierEnabled bool          // reject actions that erode clearance faster than alpha allows
	MaxSpeed       float64       // initial linear speed limit
	MaxAngular     float64       // angular speed limit, never adapted
}

// DefaultGateConfig returns one 20 Hz control tick of look-ahead.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Horizon:        50 * time.Millisecond,
		BarrierEnabled: true,
		MaxSpeed:       2.0,
		MaxAngular:     1.5,
	}
}

// #endregion gate-config

// #region gate-decision
// GateDecision is the output of the gate evaluation. Rejections are final
// for this tick; the planner must propose again.
type GateDecision struct {
	Approved      bool              `json:"approved"`
	Action        actuation.Command `json:"action"` // clamped command when approved, stop otherwise
	Reason        string            `json:"reason"`
	VetoSignals   []VetoSignal      `json:"vetoes,omitempty"`
	TriggerBreach bool              `json:"trigger_breach"`
	Projected     state.Vec3        `json:"projected"`
	Clearance     float64           `json:"clearance"`
	Clamped       bool              `json:"clamped"`
}

// #endregion gate-decision
