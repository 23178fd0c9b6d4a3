package machine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/coord"
	"grblmc/grbl"
)

// ErrNotJogging is returned by jog operations outside an active jog.
var ErrNotJogging = errors.New("machine: no jog active")

// JogStatus is the Jog Controller state.
type JogStatus int

const (
	JogIdle JogStatus = iota
	JogActive
)

func (s JogStatus) String() string {
	if s == JogActive {
		return "Jogging"
	}
	return "Idle"
}

// Jogger converts start/continue/stop intents into a bounded stream
// of `$J=` commands. Speed updates are coalesced to the latest value
// and forwarded at most once per throttle interval, so rapid UI input
// can never pile up commands.
type Jogger struct {
	ch       Channel
	tracker  *Tracker
	sup      *Supervisor
	settings *Settings
	log      *logrus.Entry

	// Throttle is the minimum interval between jog segments.
	Throttle time.Duration
	// Step is the length of one continuous-jog segment in mm.
	Step float64
	// Fraction scales the axis max rate into the default jog feed.
	Fraction float64
	// StopTimeout bounds the wait for the machine to leave Jog after
	// a cancel.
	StopTimeout time.Duration
	// AckTimeout bounds each segment acknowledgment.
	AckTimeout time.Duration

	mx       sync.Mutex
	state    JogStatus
	stopping bool
	lease    *Lease
	axis     coord.Axis
	dir      int
	speed    float64 // fraction (0..1] of the axis max rate
	stopped  chan struct{}
}

func NewJogger(ch Channel, tracker *Tracker, sup *Supervisor, settings *Settings, log *logrus.Entry) *Jogger {
	j := &Jogger{
		ch:          ch,
		tracker:     tracker,
		sup:         sup,
		settings:    settings,
		log:         log,
		Throttle:    50 * time.Millisecond,
		Step:        1.0,
		Fraction:    0.5,
		StopTimeout: 2 * time.Second,
		AckTimeout:  2 * time.Second,
	}
	sup.RegisterAbort(j.forceIdle)
	return j
}

// State returns the controller state.
func (j *Jogger) State() JogStatus {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

func (j *Jogger) line(axis coord.Axis, dir int, speed float64) string {
	feed := j.settings.MaxRate(axis) * speed
	if feed < 1 {
		feed = 1
	}
	dist := j.Step * float64(dir)
	return fmt.Sprintf("$J=G91G21%c%.3fF%.0f", axis.Letter(), dist, feed)
}

// endLocked transitions to Idle, unblocks the run loop and releases
// the lease. Callers hold j.mx.
func (j *Jogger) endLocked() {
	j.state = JogIdle
	if j.stopped != nil {
		select {
		case <-j.stopped:
		default:
			close(j.stopped)
		}
	}
	if j.lease != nil {
		j.lease.Release()
		j.lease = nil
	}
}

// Start begins jogging one axis. It acquires the motion lease for
// jogging and returns ErrLeaseDenied if another operation holds it.
func (j *Jogger) Start(axis coord.Axis, dir int, speed float64) error {
	if dir >= 0 {
		dir = 1
	} else {
		dir = -1
	}
	if speed <= 0 || speed > 1 {
		speed = j.Fraction
	}

	j.mx.Lock()
	if j.state == JogActive {
		j.mx.Unlock()
		return ErrBusy
	}
	j.mx.Unlock()

	lease, err := j.sup.Acquire(OwnerJog)
	if err != nil {
		return err
	}

	j.mx.Lock()
	j.state = JogActive
	j.lease = lease
	j.axis, j.dir, j.speed = axis, dir, speed
	j.stopped = make(chan struct{})
	stopped := j.stopped
	j.mx.Unlock()

	p, err := j.ch.Submit(j.line(axis, dir, speed))
	if err == nil {
		err = p.Wait(j.AckTimeout)
	}
	if err != nil {
		j.mx.Lock()
		j.endLocked()
		j.mx.Unlock()
		return err
	}

	j.log.WithFields(logrus.Fields{"axis": axis.String(), "dir": dir}).Info("jog start")
	go j.run(stopped)
	return nil
}

// UpdateSpeed records a new speed fraction (0..1]. Updates faster
// than the throttle are coalesced; only the latest value is ever
// forwarded.
func (j *Jogger) UpdateSpeed(speed float64) error {
	if speed <= 0 || speed > 1 {
		return errors.New("machine: jog speed must be in (0,1]")
	}
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.state != JogActive || j.stopping {
		return ErrNotJogging
	}
	j.speed = speed
	return nil
}

// run feeds continuation segments while jogging, at most one per
// throttle tick. Waiting for each acknowledgment paces the stream to
// what the controller actually consumes.
func (j *Jogger) run(stopped chan struct{}) {
	ticker := time.NewTicker(j.Throttle)
	defer ticker.Stop()

	for {
		select {
		case <-stopped:
			return
		case <-ticker.C:
		}

		j.mx.Lock()
		if j.state != JogActive {
			j.mx.Unlock()
			return
		}
		axis, dir, speed := j.axis, j.dir, j.speed
		j.mx.Unlock()

		p, err := j.ch.Submit(j.line(axis, dir, speed))
		if err == nil {
			err = p.Wait(j.AckTimeout)
		}
		if err != nil {
			j.log.WithError(err).Warn("jog segment failed")
			j.ch.SubmitRealtime(grbl.JogCancel)
			j.mx.Lock()
			j.endLocked()
			j.mx.Unlock()
			return
		}
	}
}

// Stop cancels the jog, waits (bounded) for the machine to leave the
// Jog state, and only then releases the lease. The lease stays held
// through the deceleration so no other operation can start buffered
// motion while the machine is still moving.
func (j *Jogger) Stop() error {
	j.mx.Lock()
	if j.state != JogActive || j.stopping {
		j.mx.Unlock()
		return ErrNotJogging
	}
	j.stopping = true
	// halt continuation segments right away; the lease is kept
	if j.stopped != nil {
		select {
		case <-j.stopped:
		default:
			close(j.stopped)
		}
	}
	j.mx.Unlock()

	err := j.ch.SubmitRealtime(grbl.JogCancel)

	// bounded wait; the jog planner drains quickly after a cancel
	deadline := time.Now().Add(j.StopTimeout)
	for time.Now().Before(deadline) {
		if j.tracker.Current().Status != StatusJog {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	j.mx.Lock()
	j.endLocked()
	j.stopping = false
	j.mx.Unlock()

	j.log.Info("jog stop")
	return err
}

// forceIdle is the supervisor's abort hook: emergency stop, link loss
// and shutdown all end the jog immediately.
func (j *Jogger) forceIdle() {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.state != JogActive {
		return
	}
	j.endLocked()
	j.log.Info("jog aborted")
}
