package replay

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/actuation"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string               `json:"description"`
	Config      FixtureConfig        `json:"config"`
	Environment environment.Snapshot `json:"environment"`
	Steps       []FixtureStep        `json:"steps"`
	Expected    []FixtureExpected    `json:"expected"`
}

// FixtureConfig overrides the fielded configuration. Absent fields keep
// their defaults.
type FixtureConfig struct {
	Rigor                   *state.RigorParameters `json:"rigor,omitempty"`
	SlipperyThreshold       *float64               `json:"slippery_threshold,omitempty"`
	FatigueThreshold        *int                   `json:"fatigue_threshold,omitempty"`
	CooldownMS              *int64                 `json:"cooldown_ms,omitempty"`
	AutoReleaseMS           *int64                 `json:"auto_release_ms,omitempty"`
	PersistentLockdownAfter *int                   `json:"persistent_lockdown_after,omitempty"`
	HorizonMS               *int64                 `json:"horizon_ms,omitempty"`
	StaleAfterMS            *int64                 `json:"stale_after_ms,omitempty"`
	MaxSpeed                *float64               `json:"max_speed,omitempty"`
}

// FixtureStep mirrors replay.Step with JSON tags.
type FixtureStep struct {
	Label     string                 `json:"label"`
	AtMS      int64                  `json:"at_ms"`
	State     *state.RobotState      `json:"state,omitempty"`
	Obstacles *[]state.Vec3          `json:"obstacles,omitempty"`
	Zones     *[]environment.Polygon `json:"zones,omitempty"`
	Friction  *float64               `json:"friction,omitempty"`
	Light     *float64               `json:"light_quality,omitempty"`
	Collision bool                   `json:"collision,omitempty"`
	Lockdown  bool                   `json:"lockdown,omitempty"`
	Release   bool                   `json:"release,omitempty"`
	Reset     bool                   `json:"reset,omitempty"`
	Action    *actuation.Command     `json:"action,omitempty"`
}

// FixtureExpected captures the expected outcome of a labelled step. Only
// the fields that are set are compared.
type FixtureExpected struct {
	Label      string   `json:"label"`
	Outcome    string   `json:"outcome,omitempty"`
	Status     string   `json:"status,omitempty"`
	Approved   *bool    `json:"approved,omitempty"`
	SpeedLimit *float64 `json:"speed_limit,omitempty"`
	Margin     *float64 `json:"margin,omitempty"`
}

// Divergence is one expected field that did not match.
type Divergence struct {
	Label    string
	Field    string
	Expected string
	Actual   string
}

// #endregion fixture-types

// #region fixture-load

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if len(f.Steps) == 0 {
		return nil, fmt.Errorf("fixture %s has no steps", path)
	}
	return &f, nil
}

// #endregion fixture-load

// #region fixture-convert

// ToReplayConfig overlays the fixture overrides on the defaults and
// validates the result.
func (f *Fixture) ToReplayConfig() (ReplayConfig, error) {
	rc := DefaultReplayConfig()
	c := &rc.Config
	o := f.Config
	if o.Rigor != nil {
		c.Rigor = *o.Rigor
	}
	if o.SlipperyThreshold != nil {
		c.Healing.SlipperyThreshold = *o.SlipperyThreshold
	}
	if o.FatigueThreshold != nil {
		c.Healing.FatigueThreshold = *o.FatigueThreshold
	}
	if o.CooldownMS != nil {
		c.Healing.Cooldown = ms(*o.CooldownMS)
	}
	if o.AutoReleaseMS != nil {
		c.Machine.AutoReleaseAfter = ms(*o.AutoReleaseMS)
	}
	if o.PersistentLockdownAfter != nil {
		c.Machine.PersistentLockdownAfter = *o.PersistentLockdownAfter
	}
	if o.HorizonMS != nil {
		c.Gate.Horizon = ms(*o.HorizonMS)
	}
	if o.StaleAfterMS != nil {
		c.Engine.StaleAfter = ms(*o.StaleAfterMS)
	}
	if o.MaxSpeed != nil {
		c.Gate.MaxSpeed = *o.MaxSpeed
	}
	if err := c.Validate(); err != nil {
		return ReplayConfig{}, err
	}
	return rc, nil
}

// ToSteps converts fixture steps to harness steps.
func (f *Fixture) ToSteps() []Step {
	out := make([]Step, len(f.Steps))
	for i, fs := range f.Steps {
		out[i] = Step{
			Label:     fs.Label,
			At:        ms(fs.AtMS),
			State:     fs.State,
			Obstacles: fs.Obstacles,
			Zones:     fs.Zones,
			Friction:  fs.Friction,
			Light:     fs.Light,
			Collision: fs.Collision,
			Lockdown:  fs.Lockdown,
			Release:   fs.Release,
			Reset:     fs.Reset,
			Action:    fs.Action,
		}
	}
	return out
}

// Compare checks results against the fixture expectations. An expected
// label with no matching result is itself a divergence.
func (f *Fixture) Compare(results []ReplayResult) []Divergence {
	byLabel := make(map[string]ReplayResult, len(results))
	for _, r := range results {
		byLabel[r.Label] = r
	}
	var out []Divergence
	for _, exp := range f.Expected {
		r, ok := byLabel[exp.Label]
		if !ok {
			out = append(out, Divergence{Label: exp.Label, Field: "step", Expected: "present", Actual: "missing"})
			continue
		}
		if exp.Outcome != "" && exp.Outcome != r.Outcome {
			out = append(out, Divergence{exp.Label, "outcome", exp.Outcome, r.Outcome})
		}
		if exp.Status != "" && exp.Status != r.Status {
			out = append(out, Divergence{exp.Label, "status", exp.Status, r.Status})
		}
		if exp.Approved != nil {
			actual := "none"
			if r.Decision != nil {
				actual = fmt.Sprint(r.Decision.Approved)
			}
			if actual != fmt.Sprint(*exp.Approved) {
				out = append(out, Divergence{exp.Label, "approved", fmt.Sprint(*exp.Approved), actual})
			}
		}
		if exp.SpeedLimit != nil && !near(*exp.SpeedLimit, r.SpeedLimit) {
			out = append(out, Divergence{exp.Label, "speed_limit", fmtF(*exp.SpeedLimit), fmtF(r.SpeedLimit)})
		}
		if exp.Margin != nil && !near(*exp.Margin, r.Margin) {
			out = append(out, Divergence{exp.Label, "margin", fmtF(*exp.Margin), fmtF(r.Margin)})
		}
	}
	return out
}

// #endregion fixture-convert

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func fmtF(v float64) string { return fmt.Sprintf("%.4f", v) }
