// Package scorer reduces a robot state and its environment to a scalar
// safety certificate (the P-score).
//
// The P-score sums terms of different units against one unitless
// threshold. The formula is kept exactly as the fielded controller computes
// it so certificates stay comparable with recorded runs.
package scorer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

const heartbeatPeriodMS = 10000

// #region scorer
// Scorer computes SafetyCertificates. It holds no mutable state and may be
// shared across goroutines.
type Scorer struct {
	config Config
}

// New creates a scorer with the given configuration.
func New(config Config) *Scorer {
	if config.ClearanceSentinel <= 0 {
		config.ClearanceSentinel = DefaultConfig().ClearanceSentinel
	}
	return &Scorer{config: config}
}

// Config returns the scoring configuration.
func (s *Scorer) Config() Config { return s.config }

// Score produces the certificate for st under params and env.
func (s *Scorer) Score(st state.RobotState, params state.RigorParameters, env environment.Snapshot, now time.Time) SafetyCertificate {
	clean, stale := Sanitize(st, s.config.MaxSpeed)

	clearance := Clearance(clean.Position, env, s.config.ClearanceSentinel)
	if !st.Position.Finite() {
		clearance = 0
	}

	comp := Components{
		Time:     float64(clean.TimestampMS%heartbeatPeriodMS) / heartbeatPeriodMS,
		Identity: clean.Identity,
	}
	if st.Position.Finite() {
		comp.Position = clean.Position.Sub(s.config.Goal).Norm()
		comp.Gradient = math.Abs(clean.Position.Y) * s.config.GradientScale
	}
	if clearance < params.CurrentMargin {
		comp.Constraint = 1.0
	}

	pScore := comp.Sum()
	cert := SafetyCertificate{
		PScore:      pScore,
		Components:  comp,
		Threshold:   params.SafetyThreshold,
		Margin:      clearance - params.CurrentMargin,
		Clearance:   clearance,
		SensorStale: stale,
		ComputedAt:  now,
	}

	// NaN comparisons are false, so a non-finite score can never pass
	passes := pScore >= params.SafetyThreshold
	cert.IsSafe = passes && comp.Constraint == 0 && !clean.Constraint
	cert.BreachReason = breachReason(cert, clean)

	sum := evidenceDigest(clean, params, clearance)
	cert.EvidenceHash = "sha256:" + hex.EncodeToString(sum[:])
	cert.ID = uuid.NewSHA1(uuid.NameSpaceOID, sum[:]).String()
	return cert
}

// ConstraintTerm returns the constraint contribution for a hypothetical
// position. The gate uses it to re-score proposed motion.
func (s *Scorer) ConstraintTerm(pos state.Vec3, params state.RigorParameters, env environment.Snapshot) (term float64, clearance float64) {
	clearance = Clearance(pos, env, s.config.ClearanceSentinel)
	if clearance < params.CurrentMargin {
		return 1.0, clearance
	}
	return 0, clearance
}

// #endregion scorer

// #region sanitize

// Sanitize replaces non-finite inputs with their worst-case values and
// reports whether anything was replaced. Non-finite position components
// become 0 here; Score separately forces position terms and clearance to
// their most penalising values.
func Sanitize(st state.RobotState, maxSpeed float64) (state.RobotState, bool) {
	stale := false
	fix := func(v *float64, worst float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = worst
			stale = true
		}
	}

	fix(&st.Position.X, 0)
	fix(&st.Position.Y, 0)
	fix(&st.Position.Z, 0)

	clampVel := func(v *float64) {
		switch {
		case math.IsInf(*v, -1):
			*v = -maxSpeed
			stale = true
		case math.IsNaN(*v) || math.IsInf(*v, 1):
			*v = maxSpeed
			stale = true
		}
	}
	clampVel(&st.Velocity.X)
	clampVel(&st.Velocity.Y)
	clampVel(&st.Velocity.Z)

	fix(&st.Heading, 0)

	if math.IsNaN(st.Identity) || math.IsInf(st.Identity, 0) || st.Identity < 0 || st.Identity > 1 {
		st.Identity = 0
		stale = true
	}

	return st, stale
}

// #endregion sanitize

// #region helpers
func breachReason(cert SafetyCertificate, st state.RobotState) BreachReason {
	switch {
	case cert.IsSafe:
		return ReasonSafe
	case cert.SensorStale:
		return ReasonSensorStale
	case cert.Components.Constraint > 0:
		return ReasonVNCViolation
	case st.Constraint:
		return ReasonConstraintFlag
	}
	return ReasonLowScore
}

// evidenceDigest hashes the exact inputs that produced a certificate so the
// audit trail can be checked against recorded state.
func evidenceDigest(st state.RobotState, p state.RigorParameters, clearance float64) [32]byte {
	var buf [8 * 16]byte
	b := buf[:0]
	for _, f := range [...]float64{
		st.Position.X, st.Position.Y, st.Position.Z,
		st.Velocity.X, st.Velocity.Y, st.Velocity.Z,
		st.Heading, st.Identity,
		p.Alpha, p.MinMargin, p.MaxMargin, p.CurrentMargin, p.SafetyThreshold,
		clearance,
	} {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(f))
	}
	b = binary.LittleEndian.AppendUint64(b, st.TimestampMS)
	var flag uint64
	if st.Constraint {
		flag = 1
	}
	b = binary.LittleEndian.AppendUint64(b, flag)
	return sha256.Sum256(b)
}

// #endregion helpers
