// Package mesh triangulates grid-probe touches into a queryable
// surface.
package mesh

import (
	"errors"
	"math"

	"github.com/fogleman/delaunay"

	"grblmc/coord"
)

// ZOffsetter reports the surface height at an XY position, when the
// position lies within the measured area.
type ZOffsetter interface {
	OffsetZ(x, y float64) (bool, float64)
}

// Mesh is a Delaunay-triangulated surface over a set of probe points.
type Mesh struct {
	minX, minY, maxX, maxY float64
	triangles              []coord.Triangle
}

var _ ZOffsetter = &Mesh{}

// New triangulates the given points. At least 3 non-collinear points
// are required.
func New(points []coord.Point) (*Mesh, error) {
	if len(points) < 3 {
		return nil, errors.New("need at least 3 points to create a mesh")
	}

	points2d := make([]delaunay.Point, len(points))
	byXY := make(map[delaunay.Point]coord.Point, len(points))

	m := &Mesh{
		minX: points[0].X,
		minY: points[0].Y,
		maxX: points[0].X,
		maxY: points[0].Y,
	}
	var d delaunay.Point
	for i, p := range points {
		m.minX = math.Min(m.minX, p.X)
		m.minY = math.Min(m.minY, p.Y)
		m.maxX = math.Max(m.maxX, p.X)
		m.maxY = math.Max(m.maxY, p.Y)

		d.X = p.X
		d.Y = p.Y
		byXY[d] = p
		points2d[i] = d
	}
	m.minX -= coord.Epsilon
	m.minY -= coord.Epsilon
	m.maxX += coord.Epsilon
	m.maxY += coord.Epsilon

	tri, err := delaunay.Triangulate(points2d)
	if err != nil {
		return nil, err
	}

	m.triangles = make([]coord.Triangle, 0, len(tri.Triangles)/3)
	for i := 0; i < len(tri.Triangles); i += 3 {
		m.triangles = append(m.triangles, coord.Triangle{
			A: byXY[tri.Points[tri.Triangles[i]]],
			B: byXY[tri.Points[tri.Triangles[i+1]]],
			C: byXY[tri.Points[tri.Triangles[i+2]]],
		})
	}

	return m, nil
}

// Triangles returns the triangulation.
func (m *Mesh) Triangles() []coord.Triangle {
	t := make([]coord.Triangle, len(m.triangles))
	copy(t, m.triangles)
	return t
}

// OffsetZ interpolates the surface height at x,y. Returns false when
// the position is outside the measured area.
func (m *Mesh) OffsetZ(x, y float64) (bool, float64) {
	if x < m.minX || m.maxX < x || y < m.minY || m.maxY < y {
		return false, 0
	}
	for _, t := range m.triangles {
		if !t.ContainsXY(x, y) {
			continue
		}
		return true, t.Z(x, y)
	}
	return false, 0
}

// OffsetFrom rebases the points so the surface height at the given
// reference Z becomes zero.
func OffsetFrom(z float64, points []coord.Point) []coord.Point {
	p := make([]coord.Point, len(points))
	copy(p, points)
	for i := range p {
		p[i].Z -= z
	}
	return p
}
