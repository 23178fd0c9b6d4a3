package coord

import (
	"errors"
	"math"
	"strings"
)

// Epsilon is the position delta below which two coordinates are
// considered equal.
const Epsilon = 0.001

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// An Axis identifies one linear machine axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	}
	return "?"
}

// Letter returns the G-code word letter for the axis.
func (a Axis) Letter() byte { return byte('X' + a) }

func ParseAxis(s string) (Axis, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "X":
		return AxisX, nil
	case "Y":
		return AxisY, nil
	case "Z":
		return AxisZ, nil
	}
	return 0, errors.New("coord: unknown axis: " + s)
}

// Get returns the component of p along a.
func (p Point) Get(a Axis) float64 {
	switch a {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	}
	return p.Z
}

// Set returns a copy of p with the component along a replaced.
func (p Point) Set(a Axis, v float64) Point {
	switch a {
	case AxisX:
		p.X = v
	case AxisY:
		p.Y = v
	case AxisZ:
		p.Z = v
	}
	return p
}

func (p Point) Equal(b Point) bool {
	return math.Abs(p.X-b.X) < Epsilon &&
		math.Abs(p.Y-b.Y) < Epsilon &&
		math.Abs(p.Z-b.Z) < Epsilon
}

func (p Point) Add(b Point) Point {
	p.X += b.X
	p.Y += b.Y
	p.Z += b.Z
	return p
}

func (p Point) Sub(b Point) Point {
	p.X -= b.X
	p.Y -= b.Y
	p.Z -= b.Z
	return p
}

func (p Point) Mul(val float64) Point {
	p.X *= val
	p.Y *= val
	p.Z *= val
	return p
}

func (p Point) Dot(b Point) float64 {
	return p.X*b.X + p.Y*b.Y + p.Z*b.Z
}

func (p Point) Cross(b Point) Point {
	return Point{
		p.Y*b.Z - p.Z*b.Y,
		p.Z*b.X - p.X*b.Z,
		p.X*b.Y - p.Y*b.X,
	}
}
