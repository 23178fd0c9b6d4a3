package machine

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"grblmc/coord"
	"grblmc/gcode"
	"grblmc/mesh"
)

// GridOptions configure a grid-pattern Z-probe sweep.
type GridOptions struct {
	// DistanceX and DistanceY span the swept rectangle, relative to
	// the start position, mm.
	DistanceX float64 `json:"distanceX"`
	DistanceY float64 `json:"distanceY"`
	// Granularity is the max distance between adjacent probe points,
	// mm.
	Granularity float64 `json:"granularity"`
}

// GridResult holds the measured surface.
type GridResult struct {
	Points    []coord.Point    `json:"points"`
	Triangles []coord.Triangle `json:"triangles"`

	mesh *mesh.Mesh
}

// Mesh returns the triangulated surface for Z-offset lookups.
func (r *GridResult) Mesh() *mesh.Mesh { return r.mesh }

// Grid sweeps a serpentine raster over the given rectangle, probing Z
// at each point, and triangulates the touches into a surface mesh.
// The head returns to its start position when the sweep completes.
func (p *Prober) Grid(opt GridOptions) (*GridResult, error) {
	if opt.Granularity <= 0 {
		return nil, errors.New("machine: grid granularity must be positive")
	}
	if opt.DistanceX <= 0 || opt.DistanceY <= 0 {
		return nil, errors.New("machine: grid distances must be positive")
	}

	lease, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	st := p.tracker.Current()
	if st.Status != StatusIdle {
		return nil, errors.New("machine: not idle")
	}
	origin := st.MPos

	// diagonal neighbors must also stay within granularity
	xyDist := math.Sqrt(opt.Granularity * opt.Granularity / 2)
	xCount := int(math.Ceil(opt.DistanceX / xyDist))
	yCount := int(math.Ceil(opt.DistanceY / xyDist))

	p.log.WithFields(logrus.Fields{
		"distanceX": opt.DistanceX,
		"distanceY": opt.DistanceY,
		"points":    (xCount + 1) * (yCount + 1),
	}).Info("grid probe")

	coarse, fine := p.feeds(coord.AxisZ)

	res := &GridResult{}
	for y := 0; y <= yCount; y++ {
		for x := 0; x <= xCount; x++ {
			if p.cancelled() {
				return nil, ErrProbeCancelled
			}

			xVal := opt.DistanceX / float64(xCount) * float64(x)
			if y%2 != 0 {
				xVal = opt.DistanceX - xVal
			}
			yVal := opt.DistanceY / float64(yCount) * float64(y)

			if err := p.rapidXY(origin.X+xVal, origin.Y+yVal); err != nil {
				return nil, err
			}

			feed, travel := fine, p.cfg.Clearance*2
			if len(res.Points) == 0 {
				// first point finds the surface from the start height
				feed, travel = coarse, p.cfg.CoarseTravel
			}
			z, err := p.singleTouch(coord.AxisZ, -1, feed, travel)
			if err != nil {
				return nil, err
			}
			res.Points = append(res.Points, coord.Point{
				X: origin.X + xVal,
				Y: origin.Y + yVal,
				Z: z,
			})

			if err := p.rapidZ(z + p.cfg.Clearance); err != nil {
				return nil, err
			}
		}
	}

	if err := p.rapidZ(origin.Z); err != nil {
		return nil, err
	}
	if err := p.rapidXY(origin.X, origin.Y); err != nil {
		return nil, err
	}

	m, err := mesh.New(res.Points)
	if err != nil {
		return nil, err
	}
	res.mesh = m
	res.Triangles = m.Triangles()
	return res, nil
}

// rapidXY issues an absolute machine-coordinate XY move and waits for
// it to settle.
func (p *Prober) rapidXY(x, y float64) error {
	b := gcode.Block{
		{W: 'G', Arg: 90},
		{W: 'G', Arg: 53},
		{W: 'G', Arg: 0},
		{W: 'X', Arg: x},
		{W: 'Y', Arg: y},
	}
	return p.rapid(b, math.Min(p.settings.MaxRate(coord.AxisX), p.settings.MaxRate(coord.AxisY)))
}

func (p *Prober) rapidZ(z float64) error {
	b := gcode.Block{
		{W: 'G', Arg: 90},
		{W: 'G', Arg: 53},
		{W: 'G', Arg: 0},
		{W: 'Z', Arg: z},
	}
	return p.rapid(b, p.settings.MaxRate(coord.AxisZ))
}

func (p *Prober) rapid(b gcode.Block, rate float64) error {
	pend, err := p.ch.Submit(b.String())
	if err != nil {
		return err
	}
	travel, ok := p.settings.MaxTravel(coord.AxisX)
	if !ok {
		travel = 300
	}
	if err := pend.Wait(p.moveTimeout(travel, rate)); err != nil {
		return err
	}
	return p.waitIdle()
}
