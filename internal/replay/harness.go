package replay

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/config"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/engine"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/gate"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

// #region types

// Step is one recorded control tick. Environment changes apply before the
// tick; the collision, operator commands and proposed action after it.
type Step struct {
	Label     string
	At        time.Duration // offset from the replay epoch
	State     *state.RobotState
	Obstacles *[]state.Vec3
	Zones     *[]environment.Polygon
	Friction  *float64
	Light     *float64

	Collision bool
	Lockdown  bool
	Release   bool
	Reset     bool
	Action    *actuation.Command
}

// ReplayConfig bundles the controller configuration for a replay run.
type ReplayConfig struct {
	Config config.Config
	Epoch  time.Time
}

// DefaultReplayConfig returns the fielded configuration on a fixed epoch.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Config: config.Default(),
		Epoch:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ReplayResult captures the outcome of one step.
type ReplayResult struct {
	Label       string
	Outcome     string // "certified" | "unsafe" | "locked_down"
	Certificate scorer.SafetyCertificate
	Status      string
	Margin      float64
	Threshold   float64
	SpeedLimit  float64
	Light       environment.Reading // carried for the audit trail only

	Incident *healing.IncidentRecord // nil unless a collision was accepted
	Released *bool                   // nil unless a release was requested
	Decision *gate.GateDecision      // nil unless an action was proposed
	Estimate validation.Estimate
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTicks  int
	Certified   int
	Unsafe      int
	LockedDown  int
	Approved    int
	Rejected    int
	Incidents   int
	Breaches    uint64
	Lockdowns   uint64
	Releases    uint64
	FinalStatus string
	FinalRigor  state.RigorParameters
	Estimate    validation.Estimate
}

// #endregion types

// #region replay

// Replay drives a fresh controller through steps on a virtual clock. The
// validator runs inline so estimates are deterministic.
func Replay(initial environment.Snapshot, steps []Step, rc ReplayConfig) ([]ReplayResult, ReplaySummary, error) {
	var current *state.RobotState
	now := rc.Epoch
	env := environment.NewProvider(initial, nil)

	eng, err := engine.New(rc.Config, engine.Deps{
		Source: engine.StateSourceFunc(func() (state.RobotState, bool) {
			if current == nil {
				return state.RobotState{}, false
			}
			return *current, true
		}),
		Environment: env,
		Now:         func() time.Time { return now },
	})
	if err != nil {
		return nil, ReplaySummary{}, fmt.Errorf("build controller: %w", err)
	}
	vc, _ := rc.Config.ValidationConfig()
	est := validation.NewEstimator(vc)

	results := make([]ReplayResult, 0, len(steps))
	var estimate validation.Estimate
	for i, step := range steps {
		now = rc.Epoch.Add(step.At)
		if step.Obstacles != nil {
			env.SetObstacles(*step.Obstacles)
		}
		if step.Zones != nil {
			env.SetZones(*step.Zones)
		}
		if step.Friction != nil {
			env.SetFriction(*step.Friction)
		}
		if step.Light != nil {
			env.SetLightQuality(*step.Light)
		}
		if step.State != nil {
			st := *step.State
			current = &st
		}

		// 1. Certify
		cert := eng.Tick(now)
		if current != nil {
			estimate = est.Observe(validation.Sample{
				Margin:      cert.Margin,
				Velocity:    current.Speed(),
				TimestampMS: current.TimestampMS,
			}, now)
		}

		label := step.Label
		if label == "" {
			label = fmt.Sprintf("t%d", i+1)
		}
		r := ReplayResult{Label: label, Certificate: cert}

		// 2. Collision and operator commands
		if step.Collision {
			if rec, ok := eng.HandleCollision(healing.CollisionEvent{At: now, Source: "replay"}); ok {
				r.Incident = &rec
			}
		}
		if step.Lockdown {
			eng.TriggerLockdown()
		}
		if step.Release {
			ok := eng.ReleaseLockdown()
			r.Released = &ok
		}
		if step.Reset {
			eng.ResetRigor()
		}

		// 3. Gate
		if step.Action != nil {
			d := eng.Evaluate(*step.Action)
			r.Decision = &d
		}

		rigor := eng.Rigor()
		r.Status = eng.Status().String()
		r.Margin = rigor.CurrentMargin
		r.Threshold = rigor.SafetyThreshold
		r.SpeedLimit = eng.SpeedLimit()
		r.Estimate = estimate
		r.Light = env.Snapshot().LightQuality
		switch {
		case eng.IsLockedDown():
			r.Outcome = "locked_down"
		case cert.IsSafe:
			r.Outcome = "certified"
		default:
			r.Outcome = "unsafe"
		}
		results = append(results, r)
	}

	s := Summarize(results)
	st := eng.Stats()
	s.Breaches, s.Lockdowns, s.Releases = st.Breaches, st.Lockdowns, st.Releases
	s.FinalRigor = eng.Rigor()
	return results, s, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalTicks: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case "certified":
			s.Certified++
		case "unsafe":
			s.Unsafe++
		case "locked_down":
			s.LockedDown++
		}
		if r.Decision != nil {
			if r.Decision.Approved {
				s.Approved++
			} else {
				s.Rejected++
			}
		}
		if r.Incident != nil {
			s.Incidents++
		}
	}
	if n := len(results); n > 0 {
		last := results[n-1]
		s.FinalStatus = last.Status
		s.Estimate = last.Estimate
	}
	return s
}

// #endregion replay
