package coord

import "math"

type Triangle struct{ A, B, C Point }

func side(x1, y1, x2, y2, x, y float64) float64 {
	return (y2-y1)*(x-x1) + (-x2+x1)*(y-y1)
}

// ContainsXY reports whether the 2D projection of the triangle
// contains (x,y), within Epsilon of the edges.
func (t Triangle) ContainsXY(x, y float64) bool {
	xMin := math.Min(t.A.X, math.Min(t.B.X, t.C.X)) - Epsilon
	xMax := math.Max(t.A.X, math.Max(t.B.X, t.C.X)) + Epsilon
	yMin := math.Min(t.A.Y, math.Min(t.B.Y, t.C.Y)) - Epsilon
	yMax := math.Max(t.A.Y, math.Max(t.B.Y, t.C.Y)) + Epsilon
	if x < xMin || xMax < x || y < yMin || yMax < y {
		return false
	}

	s1 := side(t.A.X, t.A.Y, t.B.X, t.B.Y, x, y)
	s2 := side(t.B.X, t.B.Y, t.C.X, t.C.Y, x, y)
	s3 := side(t.C.X, t.C.Y, t.A.X, t.A.Y, x, y)

	return (s1 >= -Epsilon && s2 >= -Epsilon && s3 >= -Epsilon) ||
		(s1 <= Epsilon && s2 <= Epsilon && s3 <= Epsilon)
}

// Z gives the Z-coordinate on the plane defined by the triangle
// where it intersects (x,y).
func (t Triangle) Z(x, y float64) float64 {
	ac := t.C.Sub(t.A)
	ab := t.B.Sub(t.A)

	cp := ac.Cross(ab)
	a, b, c := cp.X, cp.Y, cp.Z

	d := cp.Dot(t.C)

	return (d - a*x - b*y) / c
}
