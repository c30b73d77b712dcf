package gate

import (
	"math"
	"testing"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/certification"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/scorer"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

func newGate() *Gate {
	return NewGate(DefaultGateConfig(), scorer.New(scorer.DefaultConfig()))
}

func forward(speed float64) actuation.Command {
	return actuation.Command{Linear: state.Vec3{X: speed}}
}

func obstacleAt(x float64) environment.Snapshot {
	return environment.Snapshot{Obstacles: []state.Vec3{{X: x}}}
}

func TestGateApprovesOnOpenGround(t *testing.T) {
	g := newGate()
	d := g.Evaluate(certification.StatusNormal, state.RobotState{}, forward(1), state.DefaultRigorParameters(), environment.Snapshot{})

	if !d.Approved {
		t.Fatalf("expected approval, got %s", d.Reason)
	}
	if d.Action.Linear.X != 1 {
		t.Fatalf("expected unmodified action, got %+v", d.Action)
	}
	if math.Abs(d.Projected.X-0.05) > 1e-12 {
		t.Fatalf("expected projection 0.05 ahead, got %f", d.Projected.X)
	}
	if len(d.VetoSignals) != 0 {
		t.Fatalf("expected no vetoes, got %+v", d.VetoSignals)
	}
}

func TestGateRejectsWhenNotNormal(t *testing.T) {
	g := newGate()
	for _, status := range []certification.Status{certification.StatusBreached, certification.StatusLockedDown} {
		d := g.Evaluate(status, state.RobotState{}, forward(0.1), state.DefaultRigorParameters(), environment.Snapshot{})
		if d.Approved {
			t.Fatalf("%s: expected reject", status)
		}
		if d.VetoSignals[0].Type != VetoStatusNotNormal {
			t.Fatalf("%s: expected VetoStatusNotNormal, got %s", status, d.VetoSignals[0].Type)
		}
		if d.TriggerBreach {
			t.Fatalf("%s: status veto must not trigger another breach", status)
		}
		if d.Action != actuation.StopCommand() {
			t.Fatalf("%s: rejected decision must carry the stop command", status)
		}
	}
}

func TestGateRejectsProjectedConstraintViolation(t *testing.T) {
	g := newGate()
	// clearance now 0.55, after one tick at 2 m/s it is 0.45 < margin 0.5
	d := g.Evaluate(certification.StatusNormal, state.RobotState{}, forward(2), state.DefaultRigorParameters(), obstacleAt(0.55))

	if d.Approved {
		t.Fatal("expected reject")
	}
	if d.VetoSignals[0].Type != VetoConstraint {
		t.Fatalf("expected VetoConstraint, got %s", d.VetoSignals[0].Type)
	}
	if !d.TriggerBreach {
		t.Fatal("constraint violation must trigger a breach")
	}
	if math.Abs(d.Clearance-0.45) > 1e-9 {
		t.Fatalf("expected projected clearance 0.45, got %f", d.Clearance)
	}
}

func TestGateBarrierDecay(t *testing.T) {
	g := newGate()
	params := state.DefaultRigorParameters()

	// h = 0.2, h_next = 0.1, floor = (1 - 5*0.05) * 0.2 = 0.15
	d := g.Evaluate(certification.StatusNormal, state.RobotState{}, forward(2), params, obstacleAt(0.7))
	if d.Approved {
		t.Fatal("expected barrier reject")
	}
	if d.VetoSignals[0].Type != VetoBarrierDecay {
		t.Fatalf("expected VetoBarrierDecay, got %s", d.VetoSignals[0].Type)
	}
	if d.TriggerBreach {
		t.Fatal("barrier veto is advisory and must not breach")
	}

	// moving away never decays the barrier
	away := g.Evaluate(certification.StatusNormal, state.RobotState{}, forward(-2), params, obstacleAt(0.7))
	if !away.Approved {
		t.Fatalf("expected approval moving away, got %s", away.Reason)
	}

	cfg := DefaultGateConfig()
	cfg.BarrierEnabled = false
	off := NewGate(cfg, scorer.New(scorer.DefaultConfig()))
	if d := off.Evaluate(certification.StatusNormal, state.RobotState{}, forward(2), params, obstacleAt(0.7)); !d.Approved {
		t.Fatalf("expected approval with barrier disabled, got %s", d.Reason)
	}
}

func TestGateRejectsInvalidAction(t *testing.T) {
	g := newGate()
	bad := actuation.Command{Angular: state.Vec3{Y: math.NaN()}}
	d := g.Evaluate(certification.StatusNormal, state.RobotState{}, bad, state.DefaultRigorParameters(), environment.Snapshot{})
	if d.Approved || d.VetoSignals[0].Type != VetoInvalidAction {
		t.Fatalf("expected VetoInvalidAction, got %+v", d)
	}
}

func TestGateRejectsStalePosition(t *testing.T) {
	g := newGate()
	st := state.RobotState{Position: state.Vec3{Z: math.Inf(1)}}
	d := g.Evaluate(certification.StatusNormal, st, forward(0.1), state.DefaultRigorParameters(), environment.Snapshot{})
	if d.Approved || d.VetoSignals[0].Type != VetoSensorStale {
		t.Fatalf("expected VetoSensorStale, got %+v", d)
	}
}

func TestGateClampsToSpeedLimit(t *testing.T) {
	g := newGate()
	g.SetSpeedLimit(1.0)

	d := g.Evaluate(certification.StatusNormal, state.RobotState{},
		actuation.Command{Linear: state.Vec3{X: 3, Z: 4}, Angular: state.Vec3{Y: 3}},
		state.DefaultRigorParameters(), environment.Snapshot{})
	if !d.Approved || !d.Clamped {
		t.Fatalf("expected clamped approval, got %+v", d)
	}
	if math.Abs(d.Action.Linear.Norm()-1.0) > 1e-12 {
		t.Fatalf("expected speed 1.0, got %f", d.Action.Linear.Norm())
	}
	if math.Abs(d.Action.Linear.X-0.6) > 1e-12 || math.Abs(d.Action.Linear.Z-0.8) > 1e-12 {
		t.Fatalf("clamp must preserve direction, got %+v", d.Action.Linear)
	}
	if math.Abs(d.Action.Angular.Y-1.5) > 1e-12 {
		t.Fatalf("expected angular clamp 1.5, got %f", d.Action.Angular.Y)
	}
}

func TestSetSpeedLimitBounds(t *testing.T) {
	g := newGate()
	g.SetSpeedLimit(10)
	if g.SpeedLimit() != DefaultGateConfig().MaxSpeed {
		t.Fatalf("expected cap at MaxSpeed, got %f", g.SpeedLimit())
	}
	g.SetSpeedLimit(math.NaN())
	if g.SpeedLimit() != 0 {
		t.Fatalf("expected NaN limit to stop motion, got %f", g.SpeedLimit())
	}
	d := g.Evaluate(certification.StatusNormal, state.RobotState{}, forward(1), state.DefaultRigorParameters(), environment.Snapshot{})
	if !d.Approved || d.Action.Linear != (state.Vec3{}) {
		t.Fatalf("expected zeroed linear velocity, got %+v", d.Action)
	}
}
