package state

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// #region errors

// ErrMisconfiguredThresholds is returned when rigor bounds are inconsistent or non-finite.
// Callers must refuse to start rather than run with undefined semantics.
var ErrMisconfiguredThresholds = errors.New("misconfigured thresholds")

// ErrNotFound is returned by the store when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// #endregion errors

// #region vec3

// Vec3 is a 3-D vector. Y is the vertical axis; the ground plane is X-Z.
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Finite reports whether every component is neither NaN nor infinite.
func (v Vec3) Finite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// #endregion vec3

// #region robot-state

// RobotState is the per-tick snapshot produced by the motion/perception stack.
// Treated as immutable once handed to the controller.
type RobotState struct {
	Position    Vec3    `json:"position"`
	Velocity    Vec3    `json:"velocity"`
	Heading     float64 `json:"heading"`
	TimestampMS uint64  `json:"timestamp_ms"` // monotonic milliseconds
	Identity    float64 `json:"identity"`     // model confidence in [0, 1]
	Constraint  bool    `json:"constraint"`   // upstream constraint-violation flag
}

// Speed returns the magnitude of the velocity vector.
func (s RobotState) Speed() float64 {
	return s.Velocity.Norm()
}

// #endregion robot-state

// #region rigor-parameters

// RigorParameters controls how strict certification is. Only the healing
// adapter writes them (through ParamsStore); everything else reads snapshots.
type RigorParameters struct {
	Alpha           float64 `json:"alpha" yaml:"alpha"`                       // class-K gain
	MinMargin       float64 `json:"min_margin" yaml:"min_margin"`             // lower bound on CurrentMargin
	MaxMargin       float64 `json:"max_margin" yaml:"max_margin"`             // upper bound on CurrentMargin
	CurrentMargin   float64 `json:"current_margin" yaml:"current_margin"`     // constraint margin used by the scorer
	SafetyThreshold float64 `json:"safety_threshold" yaml:"safety_threshold"` // p_score must reach this to be safe
}

// DefaultRigorParameters returns the fielded rigor parameters.
func DefaultRigorParameters() RigorParameters {
	return RigorParameters{
		Alpha:           5.0,
		MinMargin:       0.5,
		MaxMargin:       2.0,
		CurrentMargin:   0.5,
		SafetyThreshold: 1.0,
	}
}

// Validate rejects parameters with undefined semantics.
func (p RigorParameters) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"alpha", p.Alpha},
		{"min_margin", p.MinMargin},
		{"max_margin", p.MaxMargin},
		{"current_margin", p.CurrentMargin},
		{"safety_threshold", p.SafetyThreshold},
	}
	for _, f := range fields {
		if !isFinite(f.v) {
			return fmt.Errorf("%w: %s is not finite", ErrMisconfiguredThresholds, f.name)
		}
	}
	if p.Alpha <= 0 {
		return fmt.Errorf("%w: alpha %.4f must be positive", ErrMisconfiguredThresholds, p.Alpha)
	}
	if p.MinMargin < 0 {
		return fmt.Errorf("%w: min_margin %.4f is negative", ErrMisconfiguredThresholds, p.MinMargin)
	}
	if p.MinMargin > p.MaxMargin {
		return fmt.Errorf("%w: min_margin %.4f exceeds max_margin %.4f", ErrMisconfiguredThresholds, p.MinMargin, p.MaxMargin)
	}
	if p.CurrentMargin < p.MinMargin || p.CurrentMargin > p.MaxMargin {
		return fmt.Errorf("%w: current_margin %.4f outside [%.4f, %.4f]",
			ErrMisconfiguredThresholds, p.CurrentMargin, p.MinMargin, p.MaxMargin)
	}
	return nil
}

// #endregion rigor-parameters

// #region rigor-version

// RigorVersion is one committed snapshot of RigorParameters in the evidence store.
type RigorVersion struct {
	VersionID string
	ParentID  string
	Params    RigorParameters
	Reason    string
	CreatedAt time.Time
}

// #endregion rigor-version

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
