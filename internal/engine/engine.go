// Package engine runs the fixed-rate certification tick and exposes the
// controller API to planners, operators and reporting.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/certification"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/config"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/gate"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/logging"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/metrics"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/validation"
)

// #region engine-struct

// Engine wires scorer, state machine, gate, healing adapter and validator
// around one agent. Tick must be driven from a single goroutine; every
// other method is safe for concurrent use.
type Engine struct {
	cfg     config.Config
	params  *state.ParamsStore
	scorer  *scorer.Scorer
	machine *certification.Machine
	gate    *gate.Gate
	adapter *healing.Adapter
	worker  *validation.Worker

	source   StateSource
	env      *environment.Provider
	act      actuation.Sink
	audit    *logging.Pipeline
	metrics  *metrics.Metrics
	observer func(Snapshot)
	logger   *slog.Logger
	now      func() time.Time

	cert   atomic.Pointer[scorer.SafetyCertificate]
	ticks  atomic.Uint64
	frozen atomic.Bool

	// tick goroutine only
	lastStamp  uint64
	lastChange time.Time
}

// #endregion engine-struct

// #region constructor

// New validates cfg and wires a controller. It refuses to build with
// misconfigured thresholds.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, errors.New("engine: state source is required")
	}
	if deps.Environment == nil {
		return nil, errors.New("engine: environment provider is required")
	}
	if deps.Actuation == nil {
		deps.Actuation = actuation.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	params, err := state.NewParamsStore(cfg.Rigor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	e := &Engine{
		cfg:      cfg,
		params:   params,
		source:   deps.Source,
		env:      deps.Environment,
		act:      deps.Actuation,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		observer: deps.Observer,
		logger:   deps.Logger.With("component", "engine"),
		now:      deps.Now,
	}
	e.scorer = scorer.New(cfg.ScorerConfig())
	e.gate = gate.NewGate(cfg.GateConfig(), e.scorer)
	e.machine = certification.NewMachine(cfg.MachineConfig(), e.act, e.onViolation, deps.Logger)
	e.adapter = healing.NewAdapter(cfg.HealingConfig(), params, e.gate, healing.ReporterFunc(e.onIncident), deps.Logger)
	vc, wc := cfg.ValidationConfig()
	e.worker = validation.NewWorker(vc, wc, deps.Logger)

	initial := scorer.Unsafe(scorer.ReasonSensorStale, e.now())
	initial.Threshold = cfg.Rigor.SafetyThreshold
	e.cert.Store(&initial)
	return e, nil
}

// Ready reports whether the controller may drive motion: the live
// parameters are valid and the lockdown has not become persistent.
func (e *Engine) Ready() error {
	if err := e.params.Load().Validate(); err != nil {
		return err
	}
	if e.machine.PersistentLockdown() {
		return errors.New("engine: lockdown is persistent, resolve externally")
	}
	return nil
}

// #endregion constructor

// #region run

// Run ticks at the configured rate and runs the validator worker until ctx
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.worker.Run(ctx) })
	g.Go(func() error {
		interval := time.Duration(float64(time.Second) / e.cfg.Engine.TickHz)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		e.logger.Info("control loop started", "tick_hz", e.cfg.Engine.TickHz)
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("control loop stopped", "ticks", e.ticks.Load())
				return nil
			case <-ticker.C:
				e.Tick(e.now())
			}
		}
	})
	return g.Wait()
}

// Tick produces and publishes one certificate. Nothing on this path blocks
// or performs I/O.
func (e *Engine) Tick(now time.Time) scorer.SafetyCertificate {
	start := time.Now()
	params := e.params.Load()

	st, ok := e.latest(now)
	var cert scorer.SafetyCertificate
	if ok {
		cert = e.scorer.Score(st, params, e.env.Snapshot(), now)
	} else {
		cert = scorer.Unsafe(scorer.ReasonSensorStale, now)
		cert.Threshold = params.SafetyThreshold
	}
	e.cert.Store(&cert)

	ev := e.machine.Observe(cert, now)
	e.recordEvent(ev, now)

	if ok {
		e.worker.Submit(validation.Sample{
			Margin:      cert.Margin,
			Velocity:    st.Speed(),
			TimestampMS: st.TimestampMS,
		})
	}

	n := e.ticks.Add(1)
	est := e.worker.Estimate()
	if e.metrics != nil {
		e.metrics.ObserveTick(time.Since(start), cert.PScore, cert.Margin, cert.Clearance, cert.IsSafe, cert.SensorStale)
		e.metrics.SetStatus(int(e.machine.Status()))
		e.metrics.SetRigor(params.CurrentMargin, params.SafetyThreshold, e.gate.SpeedLimit())
		e.metrics.SetEstimate(est.EstimatedFailureRate, est.Confidence, est.IsUncertain)
		var auditDropped uint64
		if e.audit != nil {
			auditDropped = e.audit.Stats().Dropped
		}
		e.metrics.SetDrops(auditDropped, e.worker.Stats().Dropped)
	}
	e.emit(logging.AuditRecord{
		Kind:         logging.KindCertificate,
		At:           now,
		Cause:        string(cert.BreachReason),
		EvidenceHash: cert.EvidenceHash,
		Payload:      cert,
	})
	if e.observer != nil {
		e.observer(e.snapshot(cert, params, est, n))
	}
	return cert
}

// latest returns the current state, treating a stream whose timestamp has
// not advanced for StaleAfter as missing.
func (e *Engine) latest(now time.Time) (state.RobotState, bool) {
	st, ok := e.source.Latest()
	if !ok {
		e.frozen.Store(false)
		return state.RobotState{}, false
	}
	if e.cfg.Engine.StaleAfter <= 0 {
		return st, true
	}
	if st.TimestampMS != e.lastStamp || e.lastChange.IsZero() {
		e.lastStamp = st.TimestampMS
		e.lastChange = now
	}
	frozen := now.Sub(e.lastChange) > e.cfg.Engine.StaleAfter
	if frozen && !e.frozen.Load() {
		e.logger.Warn("state stream frozen", "timestamp_ms", st.TimestampMS, "since", now.Sub(e.lastChange).String())
	}
	e.frozen.Store(frozen)
	return st, !frozen
}

// #endregion run

// #region api

// GetCertificate returns the latest certificate.
func (e *Engine) GetCertificate() scorer.SafetyCertificate { return *e.cert.Load() }

// IsCertifiedSafe is true only when the latest certificate is safe and the
// machine is NORMAL. A safe certificate during lockdown does not certify
// motion.
func (e *Engine) IsCertifiedSafe() bool {
	return e.cert.Load().IsSafe && e.machine.Status() == certification.StatusNormal
}

// Status returns the certification status.
func (e *Engine) Status() certification.Status { return e.machine.Status() }

// IsLockedDown reports whether motion is latched off.
func (e *Engine) IsLockedDown() bool { return e.machine.IsLockedDown() }

// GetCurrentMargin returns the live adaptive constraint margin.
func (e *Engine) GetCurrentMargin() float64 { return e.params.Load().CurrentMargin }

// Rigor returns the live adaptive parameters.
func (e *Engine) Rigor() state.RigorParameters { return e.params.Load() }

// SpeedLimit returns the gate's current linear speed cap.
func (e *Engine) SpeedLimit() float64 { return e.gate.SpeedLimit() }

// Estimate returns the latest validator output.
func (e *Engine) Estimate() validation.Estimate { return e.worker.Estimate() }

// GetFailureRateEstimate returns the estimated rare-failure rate.
func (e *Engine) GetFailureRateEstimate() float64 { return e.worker.Estimate().EstimatedFailureRate }

// GetConfidence returns the validator confidence.
func (e *Engine) GetConfidence() float64 { return e.worker.Estimate().Confidence }

// Stats returns the state machine transition counters.
func (e *Engine) Stats() certification.Stats { return e.machine.Stats() }

// Incidents returns the bounded incident log, oldest first.
func (e *Engine) Incidents() []healing.IncidentRecord { return e.adapter.Incidents() }

// Evaluate arbitrates a proposed action. Approved actions are forwarded to
// actuation clamped; rejected ones send a stop. A projected constraint
// violation breaches the machine with the action cause.
func (e *Engine) Evaluate(action actuation.Command) gate.GateDecision {
	now := e.now()
	var d gate.GateDecision
	st, ok := e.source.Latest()
	if !ok || e.frozen.Load() {
		reason := "no current robot state"
		d = gate.GateDecision{
			Action:      actuation.StopCommand(),
			Reason:      reason,
			VetoSignals: []gate.VetoSignal{{Type: gate.VetoSensorStale, Reason: reason}},
		}
	} else {
		d = e.gate.Evaluate(e.machine.Status(), st, action, e.params.Load(), e.env.Snapshot())
	}

	if d.TriggerBreach {
		e.recordEvent(e.machine.Breach(certification.CauseActionViolation, d.Reason, now), now)
	}
	e.act.Send(d.Action)

	var veto string
	if len(d.VetoSignals) > 0 {
		veto = string(d.VetoSignals[0].Type)
	}
	if e.metrics != nil {
		e.metrics.GateDecision(d.Approved, veto)
	}
	if !d.Approved {
		e.emit(logging.AuditRecord{
			Kind:    logging.KindGate,
			At:      now,
			Cause:   veto,
			Message: d.Reason,
			Payload: d,
		})
	}
	return d
}

// TriggerLockdown latches a manual lockdown. It is a no-op unless NORMAL.
func (e *Engine) TriggerLockdown() {
	now := e.now()
	e.recordEvent(e.machine.TriggerLockdown(now), now)
}

// ReleaseLockdown attempts a release. It succeeds only while the latest
// certificate is safe.
func (e *Engine) ReleaseLockdown() bool {
	now := e.now()
	ok := e.machine.ReleaseLockdown(now)
	if ok {
		e.recordEvent(certification.Event{Released: true}, now)
	} else if e.machine.IsLockedDown() {
		e.emit(logging.AuditRecord{
			Kind:    logging.KindTransition,
			At:      now,
			Cause:   "release_refused",
			Message: "release refused: certificate is not safe",
		})
	}
	return ok
}

// HandleCollision forwards a collision to the healing adapter with the
// current friction reading.
func (e *Engine) HandleCollision(ev healing.CollisionEvent) (healing.IncidentRecord, bool) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	return e.adapter.HandleCollision(ev, e.env.Snapshot().Friction)
}

// ResetRigor restores the initial parameters and speed limit.
func (e *Engine) ResetRigor() state.RigorParameters {
	p := e.adapter.Reset()
	e.emit(logging.AuditRecord{
		Kind:    logging.KindRigor,
		At:      e.now(),
		Cause:   "reset",
		Message: "reset",
		Payload: p,
	})
	return p
}

// #endregion api

// #region reporting

func (e *Engine) snapshot(cert scorer.SafetyCertificate, params state.RigorParameters, est validation.Estimate, tick uint64) Snapshot {
	status := e.machine.Status()
	return Snapshot{
		Certificate:        cert,
		Status:             status.String(),
		LockedDown:         status == certification.StatusLockedDown,
		PersistentLockdown: e.machine.PersistentLockdown(),
		Rigor:              params,
		SpeedLimit:         e.gate.SpeedLimit(),
		Estimate:           est,
		Stats:              e.machine.Stats(),
		Tick:               tick,
	}
}

func (e *Engine) recordEvent(ev certification.Event, now time.Time) {
	var kinds []string
	if ev.Breached {
		kinds = append(kinds, "breach")
	}
	if ev.LockedDown {
		kinds = append(kinds, "lockdown")
	}
	if ev.Released {
		kinds = append(kinds, "release")
	}
	for _, k := range kinds {
		if e.metrics != nil {
			e.metrics.Transition(k, string(ev.Cause))
		}
		e.emit(logging.AuditRecord{
			Kind:    logging.KindTransition,
			At:      now,
			Cause:   string(ev.Cause),
			Message: k,
		})
	}
}

// onViolation runs on the tick that entered lockdown.
func (e *Engine) onViolation(v certification.Violation) {
	e.emit(logging.AuditRecord{
		Kind:    logging.KindViolation,
		At:      v.At,
		Cause:   string(v.Cause),
		Message: v.Reason,
		Payload: v,
	})
}

// onIncident runs under the adapter lock after parameters were swapped.
func (e *Engine) onIncident(rec healing.IncidentRecord, why healing.Reasoning) {
	if e.metrics != nil {
		e.metrics.Incident(string(rec.Cause))
	}
	e.emit(logging.AuditRecord{
		Kind:       logging.KindIncident,
		At:         rec.At,
		Cause:      string(rec.Cause),
		Message:    rec.Justification,
		Confidence: rec.Confidence,
		Payload: state.IncidentRow{
			IncidentID:     rec.ID,
			Cause:          string(rec.Cause),
			MarginDelta:    rec.MarginDelta,
			MarginAfter:    rec.MarginAfter,
			ThresholdAfter: rec.ThresholdAfter,
			Confidence:     rec.Confidence,
			SpeedLimit:     rec.SpeedLimit,
			Justification:  rec.Justification,
			OccurredAt:     rec.At,
		},
	})
	e.emit(logging.AuditRecord{
		Kind:       logging.KindReasoning,
		At:         why.At,
		Cause:      string(why.Cause),
		Message:    why.Justification,
		Confidence: why.Confidence,
		Payload:    why,
	})
	if rec.MarginDelta != 0 {
		e.emit(logging.AuditRecord{
			Kind:    logging.KindRigor,
			At:      rec.At,
			Cause:   string(rec.Cause),
			Message: string(rec.Cause),
			Payload: e.params.Load(),
		})
	}
}

func (e *Engine) emit(rec logging.AuditRecord) {
	if e.audit == nil {
		return
	}
	e.audit.Emit(rec)
}

// #endregion reporting
