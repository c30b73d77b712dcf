package healing

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLimiter struct{ limit float64 }

func (f *fakeLimiter) SpeedLimit() float64         { return f.limit }
func (f *fakeLimiter) SetSpeedLimit(limit float64) { f.limit = limit }

type captured struct {
	records []IncidentRecord
	reasons []Reasoning
}

func (c *captured) Report(rec IncidentRecord, why Reasoning) {
	c.records = append(c.records, rec)
	c.reasons = append(c.reasons, why)
}

func newAdapter(t *testing.T, cfg Config, p state.RigorParameters) (*Adapter, *state.ParamsStore, *fakeLimiter, *captured) {
	t.Helper()
	store, err := state.NewParamsStore(p)
	if err != nil {
		t.Fatalf("NewParamsStore: %v", err)
	}
	lim := &fakeLimiter{limit: 2.0}
	rep := &captured{}
	return NewAdapter(cfg, store, lim, rep, nil), store, lim, rep
}

func collision(i int) CollisionEvent {
	return CollisionEvent{At: t0.Add(time.Duration(i) * 3 * time.Second), Source: "bumper"}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSlipperyTerrainIncreasesMarginByFullIncrement(t *testing.T) {
	a, store, lim, rep := newAdapter(t, DefaultConfig(), state.DefaultRigorParameters())

	rec, ok := a.HandleCollision(collision(0), environment.Reading{Value: 0.3, Available: true})
	if !ok {
		t.Fatal("expected incident to be accepted")
	}
	if rec.Cause != CauseTerrainFriction {
		t.Fatalf("expected terrain_friction, got %s", rec.Cause)
	}
	if !near(rec.MarginDelta, 0.2) || !near(store.Load().CurrentMargin, 0.7) {
		t.Fatalf("expected margin +0.2 to 0.7, got delta %.3f margin %.3f", rec.MarginDelta, store.Load().CurrentMargin)
	}
	if !near(store.Load().SafetyThreshold, 1.05) {
		t.Fatalf("expected threshold nudged to 1.05, got %.3f", store.Load().SafetyThreshold)
	}
	if rec.Confidence != 0.9 {
		t.Fatalf("expected high confidence 0.9, got %.2f", rec.Confidence)
	}
	if lim.limit != 2.0 {
		t.Fatalf("friction branch must not touch speed, got %.2f", lim.limit)
	}
	if len(rep.reasons) != 1 || !strings.Contains(rep.reasons[0].Justification, "slippery") {
		t.Fatalf("expected a reasoning record, got %+v", rep.reasons)
	}
	if rep.reasons[0].IncidentID != rec.ID {
		t.Fatal("reasoning must reference the incident")
	}
}

func TestSlipperyTerrainCapsAtMaxMargin(t *testing.T) {
	p := state.DefaultRigorParameters()
	p.CurrentMargin = 1.9
	a, store, _, _ := newAdapter(t, DefaultConfig(), p)

	rec, _ := a.HandleCollision(collision(0), environment.Reading{Value: 0.3, Available: true})
	if !near(store.Load().CurrentMargin, 2.0) {
		t.Fatalf("expected margin capped at 2.0, got %.3f", store.Load().CurrentMargin)
	}
	if !near(rec.MarginDelta, 0.1) {
		t.Fatalf("expected applied delta 0.1, got %.3f", rec.MarginDelta)
	}

	rec, _ = a.HandleCollision(collision(1), environment.Reading{Value: 0.3, Available: true})
	if rec.MarginDelta != 0 || !near(store.Load().CurrentMargin, 2.0) {
		t.Fatalf("expected no change at cap, got delta %.3f", rec.MarginDelta)
	}
}

func TestRepeatedCollisionsOnNormalTerrainReduceSpeed(t *testing.T) {
	a, store, lim, _ := newAdapter(t, DefaultConfig(), state.DefaultRigorParameters())
	normal := environment.Reading{Value: 0.9, Available: true}

	for i := 0; i < 3; i++ {
		rec, _ := a.HandleCollision(collision(i), normal)
		if rec.Cause != CauseOneOff {
			t.Fatalf("incident %d: expected one_off, got %s", i+1, rec.Cause)
		}
	}
	marginBefore := store.Load().CurrentMargin

	rec, ok := a.HandleCollision(collision(3), normal)
	if !ok {
		t.Fatal("expected fourth incident to be accepted")
	}
	if rec.Cause != CauseFatigueRepeat {
		t.Fatalf("expected fatigue_repeat, got %s", rec.Cause)
	}
	if store.Load().CurrentMargin != marginBefore || rec.MarginDelta != 0 {
		t.Fatalf("fatigue must hold margin at %.3f, got %.3f", marginBefore, store.Load().CurrentMargin)
	}
	if !rec.SpeedReduced || lim.limit != 1.0 || rec.SpeedLimit != 1.0 {
		t.Fatalf("expected speed reduced to 1.0, got %.2f", lim.limit)
	}
	if rec.Confidence != 0.6 {
		t.Fatalf("expected medium confidence 0.6, got %.2f", rec.Confidence)
	}

	for i := 4; i < 10; i++ {
		a.HandleCollision(collision(i), normal)
	}
	if lim.limit != DefaultConfig().MinSpeedLimit {
		t.Fatalf("expected speed floor %.2f, got %.2f", DefaultConfig().MinSpeedLimit, lim.limit)
	}
}

func TestOneOffMarginMonotonicUntilReset(t *testing.T) {
	a, store, lim, _ := newAdapter(t, DefaultConfig(), state.DefaultRigorParameters())

	prev := store.Load()
	for i := 0; i < 40; i++ {
		rec, _ := a.HandleCollision(collision(i), environment.Reading{})
		if rec.Cause != CauseOneOff {
			t.Fatalf("incident %d: missing friction must classify one_off, got %s", i+1, rec.Cause)
		}
		cur := store.Load()
		if cur.CurrentMargin < prev.CurrentMargin {
			t.Fatalf("incident %d: margin decreased %.3f -> %.3f", i+1, prev.CurrentMargin, cur.CurrentMargin)
		}
		if cur.SafetyThreshold < prev.SafetyThreshold {
			t.Fatalf("incident %d: threshold decreased", i+1)
		}
		if cur.CurrentMargin > cur.MaxMargin {
			t.Fatalf("incident %d: margin %.3f exceeds max %.3f", i+1, cur.CurrentMargin, cur.MaxMargin)
		}
		prev = cur
	}
	if !near(prev.CurrentMargin, prev.MaxMargin) {
		t.Fatalf("expected margin to saturate at max, got %.3f", prev.CurrentMargin)
	}
	if lim.limit != 2.0 {
		t.Fatal("one_off must not reduce speed")
	}

	got := a.Reset()
	if got != state.DefaultRigorParameters() {
		t.Fatalf("expected reset to initial parameters, got %+v", got)
	}
	if a.Count() != 0 {
		t.Fatalf("expected count reset, got %d", a.Count())
	}
}

func TestOneOffUsesHalfIncrement(t *testing.T) {
	a, store, _, _ := newAdapter(t, DefaultConfig(), state.DefaultRigorParameters())
	rec, _ := a.HandleCollision(collision(0), environment.Reading{Value: 0.9, Available: true})
	if !near(rec.MarginDelta, 0.1) || !near(store.Load().CurrentMargin, 0.6) {
		t.Fatalf("expected half increment 0.1, got %.3f", rec.MarginDelta)
	}
	if !near(store.Load().SafetyThreshold, 1.025) {
		t.Fatalf("expected half nudge to 1.025, got %.4f", store.Load().SafetyThreshold)
	}
	if rec.Confidence != 0.3 {
		t.Fatalf("expected low confidence 0.3, got %.2f", rec.Confidence)
	}
}

func TestMissingFrictionNeverTakesFatigueBranch(t *testing.T) {
	a, _, lim, _ := newAdapter(t, DefaultConfig(), state.DefaultRigorParameters())
	for i := 0; i < 6; i++ {
		rec, _ := a.HandleCollision(collision(i), environment.Reading{Value: math.NaN(), Available: true})
		if rec.Cause != CauseOneOff {
			t.Fatalf("incident %d: expected one_off, got %s", i+1, rec.Cause)
		}
	}
	if lim.limit != 2.0 {
		t.Fatal("speed must be untouched when friction is unknown")
	}
}

func TestCooldownSuppressesDuplicates(t *testing.T) {
	a, store, _, rep := newAdapter(t, DefaultConfig(), state.DefaultRigorParameters())
	slippery := environment.Reading{Value: 0.3, Available: true}

	a.HandleCollision(CollisionEvent{At: t0}, slippery)
	if _, ok := a.HandleCollision(CollisionEvent{At: t0.Add(1500 * time.Millisecond)}, slippery); ok {
		t.Fatal("collision within cooldown should be suppressed")
	}
	if !near(store.Load().CurrentMargin, 0.7) || len(rep.records) != 1 {
		t.Fatalf("suppressed collision must not adapt, margin %.3f", store.Load().CurrentMargin)
	}
	if _, ok := a.HandleCollision(CollisionEvent{At: t0.Add(2 * time.Second)}, slippery); !ok {
		t.Fatal("collision at the cooldown boundary should be accepted")
	}
}

func TestThresholdNudgeIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxThresholdIncrease = 0.1
	a, store, _, _ := newAdapter(t, cfg, state.DefaultRigorParameters())
	for i := 0; i < 10; i++ {
		a.HandleCollision(collision(i), environment.Reading{Value: 0.1, Available: true})
	}
	if !near(store.Load().SafetyThreshold, 1.1) {
		t.Fatalf("expected threshold capped at 1.1, got %.4f", store.Load().SafetyThreshold)
	}
}

func TestIncidentLogIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IncidentLogCapacity = 3
	a, _, _, _ := newAdapter(t, cfg, state.DefaultRigorParameters())
	for i := 0; i < 5; i++ {
		a.HandleCollision(collision(i), environment.Reading{})
	}
	log := a.Incidents()
	if len(log) != 3 {
		t.Fatalf("expected 3 retained incidents, got %d", len(log))
	}
	if log[0].Sequence != 3 || log[2].Sequence != 5 {
		t.Fatalf("expected oldest evicted first, got sequences %d..%d", log[0].Sequence, log[2].Sequence)
	}
}

func TestClassifyTable(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		name     string
		friction environment.Reading
		count    int
		want     Cause
	}{
		{"slippery first", environment.Reading{Value: 0.59, Available: true}, 1, CauseTerrainFriction},
		{"slippery beats fatigue", environment.Reading{Value: 0.2, Available: true}, 10, CauseTerrainFriction},
		{"at threshold not fatigued", environment.Reading{Value: 0.9, Available: true}, 3, CauseOneOff},
		{"over threshold", environment.Reading{Value: 0.9, Available: true}, 4, CauseFatigueRepeat},
		{"exactly slippery threshold", environment.Reading{Value: 0.6, Available: true}, 1, CauseOneOff},
		{"unavailable", environment.Reading{Value: 0.1}, 10, CauseOneOff},
		{"infinite", environment.Reading{Value: math.Inf(-1), Available: true}, 1, CauseOneOff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, _ := Classify(tc.friction, tc.count, cfg); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
