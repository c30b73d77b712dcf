// Package environment holds the latest environment-sensing inputs the
// certification core reads each tick: tracked obstacle points, denial-zone
// polygons, terrain friction and ambient light quality.
package environment

import "github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"

// Point2 is a point on the ground plane (world X and Z).
type Point2 struct {
	X float64 `json:"x" yaml:"x"`
	Z float64 `json:"z" yaml:"z"`
}

// Polygon is a no-go zone on the ground plane. Vertices are in order; the
// closing edge from the last vertex back to the first is implicit.
type Polygon struct {
	Name     string   `json:"name" yaml:"name"`
	Active   bool     `json:"active" yaml:"active"`
	Vertices []Point2 `json:"vertices" yaml:"vertices"`
}

// Reading is an optional scalar signal. Available is false when the upstream
// estimator is absent or stale.
type Reading struct {
	Value     float64 `json:"value" yaml:"value"`
	Available bool    `json:"available" yaml:"available"`
}

// Snapshot is an immutable view of the environment at one instant.
type Snapshot struct {
	Obstacles    []state.Vec3 `json:"obstacles" yaml:"obstacles"`
	Zones        []Polygon    `json:"zones" yaml:"zones"`
	Friction     Reading      `json:"friction" yaml:"friction"`
	LightQuality Reading      `json:"light_quality" yaml:"light_quality"`
}

// ActiveZones returns the zones that currently constrain motion.
func (s Snapshot) ActiveZones() []Polygon {
	out := make([]Polygon, 0, len(s.Zones))
	for _, z := range s.Zones {
		if z.Active && len(z.Vertices) >= 3 {
			out = append(out, z)
		}
	}
	return out
}

// Empty reports whether nothing constrains motion.
func (s Snapshot) Empty() bool {
	return len(s.Obstacles) == 0 && len(s.ActiveZones()) == 0
}
