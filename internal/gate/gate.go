// Package gate arbitrates proposed motion against the current certification.
// Safety beats policy: any veto rejects the action outright.
package gate

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/certification"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region gate
// Gate evaluates whether a proposed action may execute.
type Gate struct {
	config     GateConfig
	scorer     *scorer.Scorer
	speedLimit atomic.Uint64 // float64 bits
}

// NewGate creates a gate that re-scores actions with sc.
func NewGate(config GateConfig, sc *scorer.Scorer) *Gate {
	g := &Gate{config: config, scorer: sc}
	g.speedLimit.Store(math.Float64bits(config.MaxSpeed))
	return g
}

// SetSpeedLimit lowers (or restores) the linear speed cap. Values outside
// (0, MaxSpeed] are clamped.
func (g *Gate) SetSpeedLimit(limit float64) {
	if math.IsNaN(limit) || limit <= 0 {
		limit = 0
	}
	if limit > g.config.MaxSpeed {
		limit = g.config.MaxSpeed
	}
	g.speedLimit.Store(math.Float64bits(limit))
}

// SpeedLimit returns the current linear speed cap.
func (g *Gate) SpeedLimit() float64 {
	return math.Float64frombits(g.speedLimit.Load())
}

// Evaluate checks hard vetoes in order and clamps an approved action to the
// current speed limit.
func (g *Gate) Evaluate(
	status certification.Status,
	st state.RobotState,
	action actuation.Command,
	params state.RigorParameters,
	env environment.Snapshot,
) GateDecision {
	// 1. Safety beats policy
	if status != certification.StatusNormal {
		return reject(VetoSignal{
			Type:   VetoStatusNotNormal,
			Reason: fmt.Sprintf("certification status is %s", status),
		}, false)
	}

	// 2. The action itself must be well formed
	if !action.Linear.Finite() || !action.Angular.Finite() {
		return reject(VetoSignal{
			Type:   VetoInvalidAction,
			Reason: "proposed action contains non-finite components",
		}, false)
	}

	// 3. We cannot project from a position we do not know
	if !st.Position.Finite() {
		return reject(VetoSignal{
			Type:   VetoSensorStale,
			Reason: "current position is non-finite",
		}, false)
	}

	// Project with the command we will actually send
	cmd, clamped := g.clamp(action)
	horizon := g.config.Horizon.Seconds()
	projected := st.Position.Add(cmd.Linear.Scale(horizon))

	// 4. Re-score the projected configuration's constraint term
	term, nextClearance := g.scorer.ConstraintTerm(projected, params, env)
	if term > 0 {
		d := reject(VetoSignal{
			Type: VetoConstraint,
			Reason: fmt.Sprintf("projected clearance %.4f below margin %.4f",
				nextClearance, params.CurrentMargin),
		}, true)
		d.Projected = projected
		d.Clearance = nextClearance
		return d
	}

	// 5. Discrete class-K barrier: h must not decay faster than alpha allows
	if g.config.BarrierEnabled {
		_, clearance := g.scorer.ConstraintTerm(st.Position, params, env)
		h := clearance - params.CurrentMargin
		hNext := nextClearance - params.CurrentMargin
		floor := (1 - params.Alpha*horizon) * h
		if h > 0 && hNext < h && hNext < floor {
			d := reject(VetoSignal{
				Type:   VetoBarrierDecay,
				Reason: fmt.Sprintf("barrier %.4f -> %.4f decays below %.4f", h, hNext, floor),
			}, false)
			d.Projected = projected
			d.Clearance = nextClearance
			return d
		}
	}

	reason := fmt.Sprintf("approved: projected clearance %.4f", nextClearance)
	if clamped {
		reason += fmt.Sprintf(", speed clamped to %.2f", g.SpeedLimit())
	}
	return GateDecision{
		Approved:  true,
		Action:    cmd,
		Reason:    reason,
		Projected: projected,
		Clearance: nextClearance,
		Clamped:   clamped,
	}
}

// #endregion gate

// #region helpers
func reject(v VetoSignal, triggerBreach bool) GateDecision {
	return GateDecision{
		Approved:      false,
		Action:        actuation.StopCommand(),
		Reason:        fmt.Sprintf("hard veto: %s", v.Reason),
		VetoSignals:   []VetoSignal{v},
		TriggerBreach: triggerBreach,
	}
}

// clamp scales linear and angular velocity down to their limits,
// preserving direction.
func (g *Gate) clamp(cmd actuation.Command) (actuation.Command, bool) {
	clamped := false
	if limit := g.SpeedLimit(); cmd.Linear.Norm() > limit {
		n := cmd.Linear.Norm()
		if limit <= 0 {
			cmd.Linear = state.Vec3{}
		} else {
			cmd.Linear = cmd.Linear.Scale(limit / n)
		}
		clamped = true
	}
	if g.config.MaxAngular > 0 && cmd.Angular.Norm() > g.config.MaxAngular {
		cmd.Angular = cmd.Angular.Scale(g.config.MaxAngular / cmd.Angular.Norm())
		clamped = true
	}
	return cmd, clamped
}

// #endregion helpers
