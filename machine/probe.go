package machine

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/coord"
	"grblmc/gcode"
	"grblmc/grbl"
)

var (
	// ErrNoContact is returned when a touch finds no surface within
	// its travel.
	ErrNoContact = errors.New("machine: probe made no contact")
	// ErrToleranceExceeded is returned when too few touches agree.
	ErrToleranceExceeded = errors.New("machine: probe readings outside tolerance")
	// ErrProbeCancelled is returned when a cycle is cancelled at a
	// yield point.
	ErrProbeCancelled = errors.New("machine: probe cycle cancelled")
)

// ProbeConfig holds the empirical probing constants. They are
// configuration, not protocol: override per machine.
type ProbeConfig struct {
	// CoarseFactor and FineFactor scale the axis rapid rate into
	// touch feeds.
	CoarseFactor float64 `toml:"coarse_factor"`
	FineFactor   float64 `toml:"fine_factor"`
	// MaxFeed clamps any derived probe feed, mm/min.
	MaxFeed float64 `toml:"max_feed"`
	// Clearance is the retract distance between touches, mm.
	Clearance float64 `toml:"clearance"`
	// CoarseTravel bounds the initial surface-finding touch, mm.
	CoarseTravel float64 `toml:"coarse_travel"`
	// TouchCount is the number of fine touches an averaged cycle
	// takes.
	TouchCount int `toml:"touch_count"`
	// Tolerance is the max deviation from the running mean before a
	// touch is discarded, mm.
	Tolerance float64 `toml:"tolerance"`
	// MaxRetries is how many no-contact fine touches are retried
	// before the cycle aborts.
	MaxRetries int `toml:"max_retries"`
	// TimeoutFloor is the minimum per-move timeout, so short moves
	// are never starved.
	TimeoutFloor time.Duration `toml:"-"`
	// IdleTimeout bounds the settle wait after each move.
	IdleTimeout time.Duration `toml:"-"`
}

func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		CoarseFactor: 0.1,
		FineFactor:   0.02,
		MaxFeed:      250,
		Clearance:    2,
		CoarseTravel: 25,
		TouchCount:   6,
		Tolerance:    0.02,
		MaxRetries:   1,
		TimeoutFloor: 2 * time.Second,
		IdleTimeout:  10 * time.Second,
	}
}

// ProbeResult is the outcome of one probing cycle.
type ProbeResult struct {
	Axis            string    `json:"axis"`
	Touches         []float64 `json:"touches"`
	Average         float64   `json:"average"`
	WithinTolerance bool      `json:"withinTolerance"`
	Retries         int       `json:"retries"`
}

// Prober executes multi-step probing sequences from command channel
// primitives. All cycles hold the motion lease for their whole
// duration and release it on every exit path.
type Prober struct {
	ch       Channel
	tracker  *Tracker
	sup      *Supervisor
	settings *Settings
	log      *logrus.Entry

	cfg ProbeConfig

	reports chan grbl.Probe

	mx     sync.Mutex
	cancel chan struct{}
}

func NewProber(ch Channel, tracker *Tracker, sup *Supervisor, settings *Settings, cfg ProbeConfig, log *logrus.Entry) *Prober {
	p := &Prober{
		ch:       ch,
		tracker:  tracker,
		sup:      sup,
		settings: settings,
		log:      log,
		cfg:      cfg,
		reports:  make(chan grbl.Probe, 4),
	}
	sup.RegisterAbort(p.forceCancel)
	return p
}

// HandleReport receives [PRB:...] pushes from the response
// dispatcher. Never blocks.
func (p *Prober) HandleReport(r grbl.Probe) {
	select {
	case p.reports <- r:
	default:
	}
}

// Cancel requests cooperative cancellation of the running cycle. The
// cycle aborts at its next yield point (after the current touch).
func (p *Prober) Cancel() {
	p.forceCancel()
}

func (p *Prober) forceCancel() {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cancel != nil {
		select {
		case <-p.cancel:
		default:
			close(p.cancel)
		}
	}
}

func (p *Prober) begin() (*Lease, error) {
	lease, err := p.sup.Acquire(OwnerProbe)
	if err != nil {
		return nil, err
	}
	p.mx.Lock()
	p.cancel = make(chan struct{})
	p.mx.Unlock()
	return lease, nil
}

func (p *Prober) cancelled() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	select {
	case <-p.cancel:
		return true
	default:
		return false
	}
}

func (p *Prober) drainReports() {
	for {
		select {
		case <-p.reports:
		default:
			return
		}
	}
}

// moveTimeout bounds a move of the given travel at the given feed.
// Twice the nominal duration, never below the configured floor.
func (p *Prober) moveTimeout(travel, feed float64) time.Duration {
	if feed <= 0 {
		return p.cfg.TimeoutFloor
	}
	d := 2 * time.Duration(math.Abs(travel)/feed*float64(time.Minute))
	if d < p.cfg.TimeoutFloor {
		return p.cfg.TimeoutFloor
	}
	return d
}

// feeds derives coarse and fine touch feeds from the axis rapid rate.
func (p *Prober) feeds(axis coord.Axis) (coarse, fine float64) {
	rapid := p.settings.MaxRate(axis)
	coarse = math.Min(rapid*p.cfg.CoarseFactor, p.cfg.MaxFeed)
	fine = math.Min(rapid*p.cfg.FineFactor, p.cfg.MaxFeed)
	if coarse < 1 {
		coarse = 1
	}
	if fine < 1 {
		fine = 1
	}
	return coarse, fine
}

func (p *Prober) waitIdle() error {
	return p.tracker.WaitFor(StatusIdle, p.cfg.IdleTimeout)
}

// singleTouch runs one G38.3 touch and returns the contact position
// along the axis. G38.3 reports no-contact through the PRB result
// instead of alarming.
func (p *Prober) singleTouch(axis coord.Axis, dir int, feed, travel float64) (float64, error) {
	p.drainReports()

	b := gcode.Block{
		{W: 'G', Arg: 91},
		{W: 'G', Arg: 38.3},
		{W: axis.Letter(), Arg: travel * float64(dir)},
		{W: 'F', Arg: feed},
	}
	timeout := p.moveTimeout(travel, feed)
	pend, err := p.ch.Submit(b.String())
	if err != nil {
		return 0, err
	}
	if err := pend.Wait(timeout); err != nil {
		return 0, err
	}

	select {
	case r := <-p.reports:
		if !r.Valid {
			return 0, ErrNoContact
		}
		if err := p.waitIdle(); err != nil {
			return 0, err
		}
		return r.Point.Get(axis), nil
	case <-time.After(timeout):
		return 0, grbl.ErrTimeout
	}
}

// retract backs the axis away from the surface.
func (p *Prober) retract(axis coord.Axis, dir int, dist float64, rapid bool) error {
	b := gcode.Block{{W: 'G', Arg: 91}}
	feed := p.settings.MaxRate(axis)
	if rapid {
		b = append(b, gcode.Word{W: 'G', Arg: 0})
	} else {
		feed = p.cfg.MaxFeed
		b = append(b, gcode.Word{W: 'G', Arg: 1})
	}
	b = append(b, gcode.Word{W: axis.Letter(), Arg: -dist * float64(dir)})
	if !rapid {
		b = append(b, gcode.Word{W: 'F', Arg: feed})
	}

	pend, err := p.ch.Submit(b.String())
	if err != nil {
		return err
	}
	if err := pend.Wait(p.moveTimeout(dist, feed)); err != nil {
		return err
	}
	return p.waitIdle()
}

// traverse moves the axis a relative distance at rapid rate.
func (p *Prober) traverse(axis coord.Axis, dist float64) error {
	b := gcode.Block{
		{W: 'G', Arg: 91},
		{W: 'G', Arg: 0},
		{W: axis.Letter(), Arg: dist},
	}
	pend, err := p.ch.Submit(b.String())
	if err != nil {
		return err
	}
	if err := pend.Wait(p.moveTimeout(dist, p.settings.MaxRate(axis))); err != nil {
		return err
	}
	return p.waitIdle()
}

// coarseFine locates the surface with a fast long touch, retracts a
// fixed clearance, then measures with a slow short touch.
func (p *Prober) coarseFine(axis coord.Axis, dir int) (float64, error) {
	coarse, fine := p.feeds(axis)

	if _, err := p.singleTouch(axis, dir, coarse, p.cfg.CoarseTravel); err != nil {
		return 0, err
	}
	if err := p.retract(axis, dir, p.cfg.Clearance, true); err != nil {
		return 0, err
	}
	if p.cancelled() {
		return 0, ErrProbeCancelled
	}
	return p.singleTouch(axis, dir, fine, p.cfg.Clearance*2)
}

// TouchOff runs one coarse+fine probe and returns the measured
// surface position in machine coordinates.
func (p *Prober) TouchOff(axis coord.Axis, dir int) (*ProbeResult, error) {
	lease, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	p.log.WithFields(logrus.Fields{"axis": axis.String(), "dir": dir}).Info("touch-off probe")

	v, err := p.coarseFine(axis, dir)
	if err != nil {
		return nil, err
	}
	if err := p.retract(axis, dir, p.cfg.Clearance, true); err != nil {
		return nil, err
	}
	return &ProbeResult{
		Axis:            axis.String(),
		Touches:         []float64{v},
		Average:         v,
		WithinTolerance: true,
	}, nil
}

// filterTouches repeatedly discards the touch farthest from the mean
// while its deviation exceeds tol. Reports false when fewer than two
// touches survive.
func filterTouches(vals []float64, tol float64) ([]float64, bool) {
	kept := append([]float64{}, vals...)
	for len(kept) >= 2 {
		m := mean(kept)
		worst, dev := -1, tol
		for i, v := range kept {
			if d := math.Abs(v - m); d > dev {
				worst, dev = i, d
			}
		}
		if worst < 0 {
			return kept, true
		}
		kept = append(kept[:worst], kept[worst+1:]...)
	}
	return kept, false
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// AveragedTouch measures the surface repeatedly and averages the
// touches that agree. Outliers beyond the configured tolerance are
// discarded; if fewer than two touches survive, the cycle reports
// ErrToleranceExceeded and the machine is left at its last retract
// position.
func (p *Prober) AveragedTouch(axis coord.Axis, dir int) (*ProbeResult, error) {
	lease, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	p.log.WithFields(logrus.Fields{"axis": axis.String(), "dir": dir}).Info("averaged probe")

	coarse, fine := p.feeds(axis)

	// locate the surface once, then measure from close range
	if _, err := p.singleTouch(axis, dir, coarse, p.cfg.CoarseTravel); err != nil {
		return nil, err
	}
	if err := p.retract(axis, dir, p.cfg.Clearance, true); err != nil {
		return nil, err
	}

	res := &ProbeResult{Axis: axis.String()}
	for len(res.Touches) < p.cfg.TouchCount {
		if p.cancelled() {
			return nil, ErrProbeCancelled
		}

		v, err := p.singleTouch(axis, dir, fine, p.cfg.Clearance*2)
		if errors.Is(err, ErrNoContact) && res.Retries < p.cfg.MaxRetries {
			res.Retries++
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Touches = append(res.Touches, v)

		if err := p.retract(axis, dir, p.cfg.Clearance, true); err != nil {
			return nil, err
		}
	}

	kept, ok := filterTouches(res.Touches, p.cfg.Tolerance)
	if !ok {
		return res, ErrToleranceExceeded
	}
	res.Average = mean(kept)
	res.WithinTolerance = true
	p.log.WithFields(logrus.Fields{
		"touches":   len(res.Touches),
		"discarded": len(res.Touches) - len(kept),
		"average":   res.Average,
	}).Info("averaged probe complete")
	return res, nil
}

// CenterFind probes two opposing edges separated by roughly span and
// moves to their midpoint. The sequence is a unit: if either edge
// reports no contact the cycle aborts and no centering move is
// issued.
func (p *Prober) CenterFind(axis coord.Axis, span float64) (*ProbeResult, error) {
	lease, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	p.log.WithFields(logrus.Fields{"axis": axis.String(), "span": span}).Info("center-find probe")

	edgeA, err := p.coarseFine(axis, 1)
	if err != nil {
		return nil, err
	}
	if err := p.retract(axis, 1, p.cfg.Clearance, true); err != nil {
		return nil, err
	}
	if p.cancelled() {
		return nil, ErrProbeCancelled
	}
	if err := p.traverse(axis, -span); err != nil {
		return nil, err
	}

	edgeB, err := p.coarseFine(axis, -1)
	if err != nil {
		return nil, err
	}
	if err := p.retract(axis, -1, p.cfg.Clearance, true); err != nil {
		return nil, err
	}
	if p.cancelled() {
		return nil, ErrProbeCancelled
	}

	mid := (edgeA + edgeB) / 2

	// absolute machine-coordinate move to the midpoint
	b := gcode.Block{
		{W: 'G', Arg: 90},
		{W: 'G', Arg: 53},
		{W: 'G', Arg: 0},
		{W: axis.Letter(), Arg: mid},
	}
	pend, err := p.ch.Submit(b.String())
	if err != nil {
		return nil, err
	}
	if err := pend.Wait(p.moveTimeout(math.Abs(edgeA-edgeB), p.settings.MaxRate(axis))); err != nil {
		return nil, err
	}
	if err := p.waitIdle(); err != nil {
		return nil, err
	}

	p.log.WithField("center", mid).Info("center-find complete")
	return &ProbeResult{
		Axis:            axis.String(),
		Touches:         []float64{edgeA, edgeB},
		Average:         mid,
		WithinTolerance: true,
	}, nil
}
