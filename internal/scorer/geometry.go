package scorer

import (
	"math"

	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/environment"
	"github.com/danielpatrickdp/nav-lambda/safety-controller/internal/state"
)

// #region geometry

// PointInPolygon reports whether p lies inside poly using ray crossing on
// the ground plane. Points exactly on an edge may land on either side;
// callers treat clearance 0 and "inside" identically.
func PointInPolygon(p environment.Point2, poly []environment.Point2) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		a, b := poly[i], poly[j]
		if (a.Z > p.Z) != (b.Z > p.Z) {
			xCross := a.X + (p.Z-a.Z)*(b.X-a.X)/(b.Z-a.Z)
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// PointSegmentDistance returns the distance from p to segment ab.
func PointSegmentDistance(p, a, b environment.Point2) float64 {
	dx, dz := b.X-a.X, b.Z-a.Z
	lenSq := dx*dx + dz*dz
	if lenSq == 0 {
		return math.Hypot(p.X-a.X, p.Z-a.Z)
	}
	t := ((p.X-a.X)*dx + (p.Z-a.Z)*dz) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Z-(a.Z+t*dz))
}

// Clearance returns the minimum distance from pos to anything constraining
// motion. Inside an active zone the clearance is 0. With nothing tracked it
// is sentinel.
func Clearance(pos state.Vec3, env environment.Snapshot, sentinel float64) float64 {
	if !pos.Finite() {
		return 0
	}
	if env.Empty() {
		return sentinel
	}
	ground := environment.Point2{X: pos.X, Z: pos.Z}
	best := math.Inf(1)

	for _, zone := range env.ActiveZones() {
		if PointInPolygon(ground, zone.Vertices) {
			return 0
		}
		n := len(zone.Vertices)
		for i := 0; i < n; i++ {
			d := PointSegmentDistance(ground, zone.Vertices[i], zone.Vertices[(i+1)%n])
			if d < best {
				best = d
			}
		}
	}

	for _, o := range env.Obstacles {
		if !o.Finite() {
			// an obstacle we cannot locate could be anywhere
			return 0
		}
		if d := pos.Sub(o).Norm(); d < best {
			best = d
		}
	}

	if math.IsInf(best, 1) {
		return sentinel
	}
	return best
}

// #endregion geometry
