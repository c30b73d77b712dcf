package certification

import (
	"time"
)

// #region status
// Status is the certification state of one controlled agent.
type Status int32

const (
	StatusNormal Status = iota
	StatusBreached
	StatusLockedDown
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusBreached:
		return "BREACHED"
	case StatusLockedDown:
		return "LOCKED_DOWN"
	}
	return "UNKNOWN"
}

// #endregion status

// #region cause
// Cause tags why a lockdown happened.
type Cause string

const (
	CauseStateViolation  Cause = "7D_STATE_VIOLATION"
	CauseActionViolation Cause = "7D_ACTION_VIOLATION"
	CauseManual          Cause = "MANUAL_LOCKDOWN"
)

// #endregion cause

// #region violation
// Violation is emitted once per lockdown entry.
type Violation struct {
	Cause         Cause     `json:"cause"`
	Reason        string    `json:"reason"`
	CertificateID string    `json:"certificate_id,omitempty"`
	PScore        float64   `json:"p_score"`
	At            time.Time `json:"at"`
}

// ViolationHandler receives violations on the control tick. It must not
// block.
type ViolationHandler func(Violation)

// #endregion violation

// #region machine-config
// Config controls release behaviour.
type Config struct {
	// AutoReleaseAfter releases a lockdown once this long has passed and the
	// certificate is safe again. Zero disables auto-release.
	AutoReleaseAfter time.Duration
	// PersistentLockdownAfter is the number of consecutive failed release
	// attempts before the lockdown is reported as persistent.
	PersistentLockdownAfter int
}

// DefaultConfig returns manual-release-only behaviour.
func DefaultConfig() Config {
	return Config{
		AutoReleaseAfter:        0,
		PersistentLockdownAfter: 3,
	}
}

// #endregion machine-config

// #region event
// Event reports what a single call changed.
type Event struct {
	Breached   bool
	LockedDown bool
	Released   bool
	Cause      Cause
}

// Stats are cumulative transition counters.
type Stats struct {
	Breaches        uint64 `json:"breaches"`
	Lockdowns       uint64 `json:"lockdowns"`
	Releases        uint64 `json:"releases"`
	ReleaseFailures uint64 `json:"release_failures"`
}

// #endregion event
