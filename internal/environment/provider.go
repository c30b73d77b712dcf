package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// MaxFileSize bounds environment files read from disk.
const MaxFileSize = 1024 * 1024

// Provider publishes environment snapshots to the control tick. Writers
// (sensing collaborators, the file watcher) replace the whole snapshot;
// readers never see a partial update.
type Provider struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex // serialises writers
	logger  *slog.Logger
}

// NewProvider returns a provider seeded with initial.
func NewProvider(initial Snapshot, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger.With("component", "environment")}
	p.current.Store(&initial)
	return p
}

// Snapshot returns the latest environment snapshot.
func (p *Provider) Snapshot() Snapshot {
	return *p.current.Load()
}

// Replace publishes an entirely new snapshot.
func (p *Provider) Replace(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current.Store(&s)
}

// SetObstacles replaces the tracked obstacle list.
func (p *Provider) SetObstacles(obstacles []state.Vec3) {
	p.update(func(s *Snapshot) {
		s.Obstacles = append([]state.Vec3(nil), obstacles...)
	})
}

// SetZones replaces the denial-zone list.
func (p *Provider) SetZones(zones []Polygon) {
	p.update(func(s *Snapshot) {
		s.Zones = append([]Polygon(nil), zones...)
	})
}

// SetFriction records a terrain friction estimate.
func (p *Provider) SetFriction(value float64) {
	p.update(func(s *Snapshot) { s.Friction = Reading{Value: value, Available: true} })
}

// ClearFriction marks the friction estimator as unavailable.
func (p *Provider) ClearFriction() {
	p.update(func(s *Snapshot) { s.Friction = Reading{} })
}

// SetLightQuality records the ambient light quality estimate.
func (p *Provider) SetLightQuality(value float64) {
	p.update(func(s *Snapshot) { s.LightQuality = Reading{Value: value, Available: true} })
}

func (p *Provider) update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := *p.current.Load()
	fn(&next)
	p.current.Store(&next)
}

// #region file-loading

// LoadFile parses a YAML environment description.
func LoadFile(path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("stat environment %s: %w", path, err)
	}
	if info.Size() > MaxFileSize {
		return Snapshot{}, fmt.Errorf("environment %s is %d bytes, limit %d", path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read environment %s: %w", path, err)
	}
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("parse environment %s: %w", path, err)
	}
	for i, z := range s.Zones {
		if len(z.Vertices) < 3 {
			return Snapshot{}, fmt.Errorf("parse environment %s: zone %d (%q) has %d vertices, need 3",
				path, i, z.Name, len(z.Vertices))
		}
	}
	return s, nil
}

// Watch reloads path whenever it changes until ctx is cancelled. Parse
// errors keep the previous snapshot in place; the control loop never runs
// on a half-read file.
func (p *Provider) Watch(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// editors replace files via rename, so watch the directory
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			p.reload(path)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				p.reload(path)
				continue
			}
			p.logger.Warn("environment watcher error", "error", werr)
		}
	}
}

func (p *Provider) reload(path string) {
	s, err := LoadFile(path)
	if err != nil {
		p.logger.Warn("environment reload failed, keeping previous snapshot", "path", path, "error", err)
		return
	}
	p.Replace(s)
	p.logger.Info("environment reloaded", "path", path,
		"obstacles", len(s.Obstacles), "zones", len(s.Zones))
}

// #endregion file-loading
