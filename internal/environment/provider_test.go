package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

const sampleEnv = `
obstacles:
  - {x: 1.0, y: 0.0, z: 2.0}
zones:
  - name: loading-bay
    active: true
    vertices:
      - {x: 0, z: 0}
      - {x: 4, z: 0}
      - {x: 4, z: 4}
friction: {value: 0.3, available: true}
`

func writeEnv(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeEnv(t, t.TempDir(), sampleEnv)

	s, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, s.Obstacles, 1)
	assert.Equal(t, state.Vec3{X: 1, Z: 2}, s.Obstacles[0])
	require.Len(t, s.Zones, 1)
	assert.Equal(t, "loading-bay", s.Zones[0].Name)
	assert.True(t, s.Friction.Available)
	assert.InDelta(t, 0.3, s.Friction.Value, 1e-12)
	assert.False(t, s.LightQuality.Available)
}

func TestLoadFileRejectsDegenerateZone(t *testing.T) {
	path := writeEnv(t, t.TempDir(), `
zones:
  - name: line
    active: true
    vertices: [{x: 0, z: 0}, {x: 1, z: 1}]
`)
	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "need 3")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestProviderSettersPublishCopies(t *testing.T) {
	p := NewProvider(Snapshot{}, nil)
	before := p.Snapshot()

	obstacles := []state.Vec3{{X: 1}}
	p.SetObstacles(obstacles)
	obstacles[0].X = 99

	assert.Empty(t, before.Obstacles, "earlier snapshot must not change")
	require.Len(t, p.Snapshot().Obstacles, 1)
	assert.Equal(t, 1.0, p.Snapshot().Obstacles[0].X)

	p.SetFriction(0.8)
	assert.Equal(t, Reading{Value: 0.8, Available: true}, p.Snapshot().Friction)
	p.ClearFriction()
	assert.False(t, p.Snapshot().Friction.Available)
}

func TestActiveZonesSkipsInactive(t *testing.T) {
	tri := []Point2{{0, 0}, {1, 0}, {0, 1}}
	s := Snapshot{Zones: []Polygon{
		{Name: "on", Active: true, Vertices: tri},
		{Name: "off", Active: false, Vertices: tri},
	}}
	zones := s.ActiveZones()
	require.Len(t, zones, 1)
	assert.Equal(t, "on", zones[0].Name)
	assert.False(t, s.Empty())
	assert.True(t, Snapshot{}.Empty())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeEnv(t, dir, "obstacles: []\n")

	p := NewProvider(Snapshot{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, path, 10*time.Millisecond) }()

	// give the watcher time to register before writing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleEnv), 0o644))

	assert.Eventually(t, func() bool {
		return len(p.Snapshot().Obstacles) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchKeepsSnapshotOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeEnv(t, dir, sampleEnv)
	initial, err := LoadFile(path)
	require.NoError(t, err)

	p := NewProvider(initial, nil)
	p.reload(writeEnv(t, dir, "zones: [this is not: valid"))

	assert.Len(t, p.Snapshot().Obstacles, 1)
}
