// Package healing adapts RigorParameters after incidents. It is the only
// writer of the live parameters; margins only grow until an explicit reset.
package healing

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region classify

// Classify picks the cause for the count-th incident of the session. A
// missing or non-finite friction signal always falls through to OneOff, the
// smallest adjustment.
func Classify(friction environment.Reading, count int, cfg Config) (Cause, float64) {
	known := friction.Available && !math.IsNaN(friction.Value) && !math.IsInf(friction.Value, 0)
	switch {
	case known && friction.Value < cfg.SlipperyThreshold:
		return CauseTerrainFriction, cfg.ConfidenceFriction
	case known && count > cfg.FatigueThreshold:
		return CauseFatigueRepeat, cfg.ConfidenceFatigue
	}
	return CauseOneOff, cfg.ConfidenceOneOff
}

// Tighten applies a margin step of the given fraction of a full increment.
// The margin is capped at MaxMargin and the threshold at maxThreshold;
// neither ever decreases. It returns the new parameters and the margin
// delta actually applied.
func Tighten(p state.RigorParameters, fraction float64, maxThreshold float64, cfg Config) (state.RigorParameters, float64) {
	before := p.CurrentMargin
	p.CurrentMargin = math.Min(p.CurrentMargin+fraction*cfg.MarginIncrement, p.MaxMargin)
	if p.CurrentMargin < before {
		p.CurrentMargin = before
	}
	delta := p.CurrentMargin - before

	if delta > 0 && cfg.MarginIncrement > 0 {
		nudge := cfg.ThresholdNudge * delta / cfg.MarginIncrement
		p.SafetyThreshold = math.Max(p.SafetyThreshold, math.Min(p.SafetyThreshold+nudge, maxThreshold))
	}
	return p, delta
}

// #endregion classify

// #region adapter
// Adapter handles collision events. Calls are serialised internally; the
// control tick reads parameters through the shared ParamsStore only.
type Adapter struct {
	mu           sync.Mutex
	config       Config
	params       *state.ParamsStore
	limiter      SpeedLimiter
	reporter     Reporter
	logger       *slog.Logger
	maxThreshold float64
	initialSpeed float64

	count        int
	lastAccepted time.Time
	incidents    []IncidentRecord
}

// NewAdapter creates an adapter writing to params. limiter and reporter may
// be nil.
func NewAdapter(config Config, params *state.ParamsStore, limiter SpeedLimiter, reporter Reporter, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IncidentLogCapacity <= 0 {
		config.IncidentLogCapacity = DefaultConfig().IncidentLogCapacity
	}
	a := &Adapter{
		config:       config,
		params:       params,
		limiter:      limiter,
		reporter:     reporter,
		logger:       logger.With("component", "healing"),
		maxThreshold: params.Initial().SafetyThreshold + config.MaxThresholdIncrease,
		incidents:    make([]IncidentRecord, 0, config.IncidentLogCapacity),
	}
	if limiter != nil {
		a.initialSpeed = limiter.SpeedLimit()
	}
	return a
}

// HandleCollision classifies and adapts to one collision. It returns false
// when the event falls inside the cooldown window of the previous accepted
// incident.
func (a *Adapter) HandleCollision(ev CollisionEvent, friction environment.Reading) (IncidentRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastAccepted.IsZero() && ev.At.Sub(a.lastAccepted) < a.config.Cooldown {
		a.logger.Debug("collision suppressed by cooldown",
			"since_last", ev.At.Sub(a.lastAccepted).String(), "source", ev.Source)
		return IncidentRecord{}, false
	}
	a.lastAccepted = ev.At
	a.count++

	cause, confidence := Classify(friction, a.count, a.config)
	old := a.params.Load()
	next := old
	var delta float64
	rec := IncidentRecord{
		ID:         uuid.New().String(),
		At:         ev.At,
		Cause:      cause,
		Confidence: confidence,
		Friction:   friction,
		Sequence:   a.count,
	}
	if a.limiter != nil {
		rec.SpeedLimit = a.limiter.SpeedLimit()
	}

	switch cause {
	case CauseTerrainFriction:
		next, delta = Tighten(old, 1.0, a.maxThreshold, a.config)
		rec.Justification = fmt.Sprintf(
			"friction %.2f below slippery threshold %.2f: margin %.2f -> %.2f, threshold %.3f -> %.3f",
			friction.Value, a.config.SlipperyThreshold,
			old.CurrentMargin, next.CurrentMargin, old.SafetyThreshold, next.SafetyThreshold)
	case CauseFatigueRepeat:
		before := rec.SpeedLimit
		if a.limiter != nil {
			limit := math.Max(before*a.config.SpeedReductionFactor, a.config.MinSpeedLimit)
			if limit > before {
				limit = before
			}
			a.limiter.SetSpeedLimit(limit)
			rec.SpeedLimit = a.limiter.SpeedLimit()
		}
		rec.SpeedReduced = true
		rec.Justification = fmt.Sprintf(
			"incident %d exceeds fatigue threshold %d on normal terrain (friction %.2f): speed limit %.2f -> %.2f, margin held at %.2f",
			a.count, a.config.FatigueThreshold, friction.Value, before, rec.SpeedLimit, old.CurrentMargin)
	default:
		next, delta = Tighten(old, 0.5, a.maxThreshold, a.config)
		rec.Justification = fmt.Sprintf(
			"isolated incident (friction %s): margin %.2f -> %.2f, threshold %.3f -> %.3f",
			describeFriction(friction), old.CurrentMargin, next.CurrentMargin,
			old.SafetyThreshold, next.SafetyThreshold)
	}

	if next != old {
		if err := next.Validate(); err != nil {
			// unreachable with a valid initial configuration; keep the old values
			a.logger.Error("adapted parameters invalid, keeping previous", "error", err)
			next, delta = old, 0
		} else {
			a.params.Swap(next)
		}
	}
	rec.MarginDelta = delta
	rec.MarginAfter = next.CurrentMargin
	rec.ThresholdAfter = next.SafetyThreshold

	a.appendIncident(rec)
	a.logger.Info("incident adapted",
		"incident_id", rec.ID, "cause", string(cause), "confidence", confidence,
		"margin", rec.MarginAfter, "threshold", rec.ThresholdAfter, "speed_limit", rec.SpeedLimit)
	if a.reporter != nil {
		a.reporter.Report(rec, Reasoning{
			IncidentID:    rec.ID,
			Cause:         cause,
			Justification: rec.Justification,
			Confidence:    confidence,
			At:            rec.At,
		})
	}
	return rec, true
}

// Reset restores the initial parameters and speed limit and clears the
// session incident count. The incident log is kept as history.
func (a *Adapter) Reset() state.RigorParameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params.Reset()
	a.count = 0
	a.lastAccepted = time.Time{}
	if a.limiter != nil && a.initialSpeed > 0 {
		a.limiter.SetSpeedLimit(a.initialSpeed)
	}
	a.logger.Info("rigor reset to initial parameters")
	return a.params.Load()
}

// Incidents returns a copy of the incident log, oldest first.
func (a *Adapter) Incidents() []IncidentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]IncidentRecord, len(a.incidents))
	copy(out, a.incidents)
	return out
}

// Count returns the number of accepted incidents since the last reset.
func (a *Adapter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// #endregion adapter

// #region helpers
func (a *Adapter) appendIncident(rec IncidentRecord) {
	if len(a.incidents) == a.config.IncidentLogCapacity {
		copy(a.incidents, a.incidents[1:])
		a.incidents = a.incidents[:len(a.incidents)-1]
	}
	a.incidents = append(a.incidents, rec)
}

func describeFriction(r environment.Reading) string {
	if !r.Available {
		return "unavailable"
	}
	return fmt.Sprintf("%.2f", r.Value)
}

// #endregion helpers
