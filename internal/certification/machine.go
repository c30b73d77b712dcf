// Package certification implements the NORMAL / BREACHED / LOCKED_DOWN
// state machine that turns certificates into emergency stops.
package certification

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
)

// resumer is implemented by sinks that latch an emergency stop.
type resumer interface {
	Resume()
}

// #region machine
// Machine is lock-free; every method may be called from any goroutine.
// Lockdown entry performs no I/O and no allocation: it stops the sink and
// hands a Violation value to the handler.
type Machine struct {
	status          atomic.Int32
	lastSafe        atomic.Bool
	lockedAt        atomic.Int64 // unix nanos of the current lockdown
	releaseFailures atomic.Int32
	persistent      atomic.Bool

	breaches  atomic.Uint64
	lockdowns atomic.Uint64
	releases  atomic.Uint64
	failures  atomic.Uint64

	config      Config
	sink        actuation.Sink
	onViolation ViolationHandler
	logger      *slog.Logger
}

// NewMachine creates a machine in NORMAL. The sink receives the emergency
// stop; onViolation may be nil.
func NewMachine(config Config, sink actuation.Sink, onViolation ViolationHandler, logger *slog.Logger) *Machine {
	if sink == nil {
		sink = actuation.Discard{}
	}
	if onViolation == nil {
		onViolation = func(Violation) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.PersistentLockdownAfter <= 0 {
		config.PersistentLockdownAfter = DefaultConfig().PersistentLockdownAfter
	}
	return &Machine{
		config:      config,
		sink:        sink,
		onViolation: onViolation,
		logger:      logger.With("component", "certification"),
	}
}

// Status returns the current status.
func (m *Machine) Status() Status { return Status(m.status.Load()) }

// IsLockedDown reports whether motion is locked out.
func (m *Machine) IsLockedDown() bool { return m.Status() == StatusLockedDown }

// PersistentLockdown reports whether release has failed repeatedly.
func (m *Machine) PersistentLockdown() bool { return m.persistent.Load() }

// LastSafe reports whether the most recent certificate was safe.
func (m *Machine) LastSafe() bool { return m.lastSafe.Load() }

// Stats returns the cumulative counters.
func (m *Machine) Stats() Stats {
	return Stats{
		Breaches:        m.breaches.Load(),
		Lockdowns:       m.lockdowns.Load(),
		Releases:        m.releases.Load(),
		ReleaseFailures: m.failures.Load(),
	}
}

// Observe feeds one tick's certificate. An unsafe certificate while NORMAL
// breaches and locks down in the same call. Leaving NORMAL is the edge, so
// a run of unsafe certificates produces a single breach.
func (m *Machine) Observe(cert scorer.SafetyCertificate, now time.Time) Event {
	m.lastSafe.Store(cert.IsSafe)

	switch m.Status() {
	case StatusNormal:
		if cert.IsSafe {
			return Event{}
		}
		return m.breach(CauseStateViolation, string(cert.BreachReason), cert.ID, cert.PScore, now)
	case StatusLockedDown:
		if m.config.AutoReleaseAfter > 0 && cert.IsSafe &&
			now.Sub(time.Unix(0, m.lockedAt.Load())) >= m.config.AutoReleaseAfter {
			if m.release() {
				return Event{Released: true}
			}
		}
	}
	return Event{}
}

// Breach is raised by the gate when a proposed action would violate a
// constraint. It is a no-op unless the machine is NORMAL.
func (m *Machine) Breach(cause Cause, reason string, now time.Time) Event {
	return m.breach(cause, reason, "", 0, now)
}

// TriggerLockdown locks out motion immediately. Calling it while already
// locked down does nothing.
func (m *Machine) TriggerLockdown(now time.Time) Event {
	for {
		cur := Status(m.status.Load())
		if cur != StatusNormal {
			// BREACHED is transient: the breaching caller is already locking down
			return Event{}
		}
		if m.status.CompareAndSwap(int32(cur), int32(StatusBreached)) {
			m.lockdown(CauseManual, "manual lockdown", "", 0, now)
			return Event{LockedDown: true, Cause: CauseManual}
		}
	}
}

// ReleaseLockdown returns to NORMAL only when the last observed certificate
// is safe. Otherwise the request is dropped and counted; it is never queued.
// Calling it while not locked down does nothing.
func (m *Machine) ReleaseLockdown(now time.Time) bool {
	if m.Status() != StatusLockedDown {
		return false
	}
	if !m.lastSafe.Load() {
		m.failures.Add(1)
		n := m.releaseFailures.Add(1)
		if int(n) >= m.config.PersistentLockdownAfter && !m.persistent.Swap(true) {
			m.logger.Warn("persistent lockdown: certificate has not returned to safe",
				"failed_releases", n,
				"locked_for", now.Sub(time.Unix(0, m.lockedAt.Load())).String())
		}
		return false
	}
	return m.release()
}

// #endregion machine

// #region transitions
func (m *Machine) breach(cause Cause, reason, certID string, pScore float64, now time.Time) Event {
	if !m.status.CompareAndSwap(int32(StatusNormal), int32(StatusBreached)) {
		return Event{}
	}
	m.breaches.Add(1)

	// no debounce between breach and lockdown
	m.lockdown(cause, reason, certID, pScore, now)
	return Event{Breached: true, LockedDown: true, Cause: cause}
}

// lockdown runs with the machine held in BREACHED, which no other
// transition leaves. The sink is stopped before LOCKED_DOWN is published so
// a release can never resume ahead of the stop.
func (m *Machine) lockdown(cause Cause, reason, certID string, pScore float64, now time.Time) {
	m.sink.EmergencyStop()
	m.lockedAt.Store(now.UnixNano())
	m.releaseFailures.Store(0)
	m.persistent.Store(false)
	m.status.Store(int32(StatusLockedDown))
	m.lockdowns.Add(1)
	m.onViolation(Violation{
		Cause:         cause,
		Reason:        reason,
		CertificateID: certID,
		PScore:        pScore,
		At:            now,
	})
}

func (m *Machine) release() bool {
	if !m.status.CompareAndSwap(int32(StatusLockedDown), int32(StatusNormal)) {
		return false
	}
	m.releaseFailures.Store(0)
	m.persistent.Store(false)
	m.releases.Add(1)
	if r, ok := m.sink.(resumer); ok {
		r.Resume()
	}
	return true
}

// #endregion transitions
