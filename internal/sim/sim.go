// Package sim is a stand-in robot for running the controller without the
// motion stack: a 20 Hz state stream with oscillating speed and an
// operator-toggled near miss.
package sim

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/healing"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region config
// Config shapes the simulated trajectory.
type Config struct {
	Hz             float64    // publish rate
	PeakSpeed      float64    // speed oscillates in [0, PeakSpeed]
	Radius         float64    // the robot circles Center at this radius
	Center         state.Vec3 // usually the scorer goal
	Identity       float64    // reported model confidence
	NearMissOffset float64    // distance of the injected obstacle while near miss is on
	CollisionEvery int        // ticks between simulated collisions; zero disables
}

// DefaultConfig matches the bench mock: 20 Hz, 1 m/s peak, 0.2 m near miss.
func DefaultConfig() Config {
	return Config{
		Hz:             20,
		PeakSpeed:      1.0,
		Radius:         5,
		Identity:       0.9,
		NearMissOffset: 0.2,
	}
}

// #endregion config

// #region source
// Source publishes simulated robot states. Latest is safe for concurrent
// use with Step.
type Source struct {
	cfg    Config
	env    *environment.Provider
	logger *slog.Logger

	latest   atomic.Pointer[state.RobotState]
	nearMiss atomic.Bool

	// OnCollision receives simulated collisions. Set before Run.
	OnCollision func(healing.CollisionEvent)

	mu    sync.Mutex // guards the fields below, Step only
	count uint64
	angle float64
	base  []state.Vec3
	armed bool
}

// New creates a source. env may be nil, in which case near misses are
// reported by state only.
func New(cfg Config, env *environment.Provider, logger *slog.Logger) *Source {
	def := DefaultConfig()
	if cfg.Hz <= 0 {
		cfg.Hz = def.Hz
	}
	if cfg.Radius <= 0 {
		cfg.Radius = def.Radius
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{cfg: cfg, env: env, logger: logger.With("component", "sim")}
}

// Latest implements the engine state source.
func (s *Source) Latest() (state.RobotState, bool) {
	p := s.latest.Load()
	if p == nil {
		return state.RobotState{}, false
	}
	return *p, true
}

// ToggleNearMiss flips the near-miss switch and returns the new value.
func (s *Source) ToggleNearMiss() bool {
	for {
		cur := s.nearMiss.Load()
		if s.nearMiss.CompareAndSwap(cur, !cur) {
			s.logger.Info("near miss toggled", "on", !cur)
			return !cur
		}
	}
}

// NearMiss reports the switch position.
func (s *Source) NearMiss() bool { return s.nearMiss.Load() }

// Step advances the simulation by one period and publishes the new state.
func (s *Source) Step(now time.Time) state.RobotState {
	s.mu.Lock()
	defer s.mu.Unlock()

	dt := 1 / s.cfg.Hz
	t := float64(s.count) * 0.1
	speed := s.cfg.PeakSpeed * (0.5 + 0.5*math.Sin(t))
	s.angle += speed * dt / s.cfg.Radius

	sin, cos := math.Sincos(s.angle)
	pos := s.cfg.Center.Add(state.Vec3{X: s.cfg.Radius * cos, Z: s.cfg.Radius * sin})
	vel := state.Vec3{X: -speed * sin, Z: speed * cos}

	st := state.RobotState{
		Position:    pos,
		Velocity:    vel,
		Heading:     math.Atan2(vel.X, vel.Z),
		TimestampMS: uint64(now.UnixMilli()),
		Identity:    s.cfg.Identity,
	}
	s.latest.Store(&st)
	s.syncNearMiss(pos)

	s.count++
	if s.cfg.CollisionEvery > 0 && s.count%uint64(s.cfg.CollisionEvery) == 0 && s.OnCollision != nil {
		s.OnCollision(healing.CollisionEvent{At: now, Source: "sim", Impulse: speed})
	}
	return st
}

// Run steps at Hz until ctx is cancelled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.Hz))
	defer ticker.Stop()
	s.Step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// #endregion source

// #region helpers

// syncNearMiss keeps an obstacle NearMissOffset ahead of the robot while
// the switch is on and restores the previous obstacle set when it goes off.
func (s *Source) syncNearMiss(pos state.Vec3) {
	if s.env == nil {
		return
	}
	on := s.nearMiss.Load()
	switch {
	case on && !s.armed:
		s.base = s.env.Snapshot().Obstacles
		s.armed = true
	case !on && s.armed:
		s.env.SetObstacles(s.base)
		s.base, s.armed = nil, false
		return
	case !on:
		return
	}
	obstacles := make([]state.Vec3, 0, len(s.base)+1)
	obstacles = append(obstacles, s.base...)
	obstacles = append(obstacles, pos.Add(state.Vec3{X: s.cfg.NearMissOffset}))
	s.env.SetObstacles(obstacles)
}

// #endregion helpers
