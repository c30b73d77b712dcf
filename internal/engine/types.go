package engine

import (
	"log/slog"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/certification"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/logging"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

// #region ports

// StateSource yields the most recent robot state. ok is false until the
// first sample arrives.
type StateSource interface {
	Latest() (st state.RobotState, ok bool)
}

// StateSourceFunc adapts a function to StateSource.
type StateSourceFunc func() (state.RobotState, bool)

func (f StateSourceFunc) Latest() (state.RobotState, bool) { return f() }

// Deps are the collaborators the engine is wired to. Source and
// Environment are required; the rest are optional.
type Deps struct {
	Source      StateSource
	Environment *environment.Provider
	Actuation   actuation.Sink
	Audit       *logging.Pipeline
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// Observer receives a snapshot after every tick. It runs on the tick
	// goroutine and must not block.
	Observer func(Snapshot)
	// Now overrides the wall clock for tests.
	Now func() time.Time
}

// #endregion ports

// #region snapshot

// Snapshot is the reporting view of one tick.
type Snapshot struct {
	Certificate        scorer.SafetyCertificate `json:"certificate"`
	Status             string                   `json:"status"`
	LockedDown         bool                     `json:"locked_down"`
	PersistentLockdown bool                     `json:"persistent_lockdown"`
	Rigor              state.RigorParameters    `json:"rigor"`
	SpeedLimit         float64                  `json:"speed_limit"`
	Estimate           validation.Estimate      `json:"estimate"`
	Stats              certification.Stats      `json:"stats"`
	Tick               uint64                   `json:"tick"`
}

// #endregion snapshot
