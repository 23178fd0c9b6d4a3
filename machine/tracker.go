package machine

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/coord"
	"grblmc/grbl"
)

// ErrWaitTimeout is returned by Tracker.WaitFor when the target
// status is not observed in time.
var ErrWaitTimeout = errors.New("machine: wait for state timed out")

const (
	// defaultDebounce is the number of consecutive matching reports
	// WaitFor requires before it resumes, rejecting transient flicker.
	defaultDebounce = 3

	// positionEpsilon is the per-axis movement below which no change
	// notification is published.
	positionEpsilon = 0.001
)

type stateWaiter struct {
	target Status
	need   int
	count  int
	done   chan struct{}
}

// Tracker folds parsed status reports into State snapshots and
// publishes change notifications. The current snapshot is swapped
// atomically; readers never observe a partial update.
type Tracker struct {
	log      *logrus.Entry
	debounce int

	cur atomic.Value // State

	mx      sync.Mutex
	subs    map[chan State]struct{}
	waiters map[*stateWaiter]struct{}
}

func NewTracker(log *logrus.Entry) *Tracker {
	t := &Tracker{
		log:      log,
		debounce: defaultDebounce,
		subs:     make(map[chan State]struct{}),
		waiters:  make(map[*stateWaiter]struct{}),
	}
	t.cur.Store(State{Status: StatusDisconnected, RawState: string(StatusDisconnected)})
	return t
}

// Current returns the last-known-good machine state.
func (t *Tracker) Current() State {
	return t.cur.Load().(State)
}

// Subscribe registers a state notification channel. Sends never
// block: a slow consumer misses intermediate snapshots but always
// converges on the most recent one.
func (t *Tracker) Subscribe() chan State {
	ch := make(chan State, 1)
	t.mx.Lock()
	t.subs[ch] = struct{}{}
	t.mx.Unlock()
	return ch
}

func (t *Tracker) Unsubscribe(ch chan State) {
	t.mx.Lock()
	delete(t.subs, ch)
	t.mx.Unlock()
}

func exceedsEpsilon(d coord.Point) bool {
	return math.Abs(d.X) > positionEpsilon ||
		math.Abs(d.Y) > positionEpsilon ||
		math.Abs(d.Z) > positionEpsilon
}

// Update folds one parsed status report into the tracked state.
func (t *Tracker) Update(stat grbl.Status) {
	prev := t.Current()

	next := prev
	next.RawState = stat.State
	next.Status = statusFromToken(stat.State)
	next.UpdatedAt = time.Now()

	if stat.HasWCO {
		next.WCO = stat.WCO
	}
	// reports carry either MPos or WPos; derive the other from the
	// last-known work coordinate offset
	switch {
	case stat.HasMPos:
		next.MPos = stat.MPos
		next.WPos = stat.MPos.Sub(next.WCO)
	case stat.HasWPos:
		next.WPos = stat.WPos
		next.MPos = stat.WPos.Add(next.WCO)
	}
	if stat.HasBuffer {
		next.PlannerFree = stat.PlannerFree
		next.SerialFree = stat.SerialFree
	}
	next.FeedRate = stat.FeedRate
	next.SpindleSpeed = stat.SpindleSpeed
	next.Pins = stat.Pins

	t.swap(prev, next)
}

// MarkDisconnected forces the Disconnected state, e.g. after link
// loss.
func (t *Tracker) MarkDisconnected() {
	prev := t.Current()
	next := prev
	next.Status = StatusDisconnected
	next.RawState = string(StatusDisconnected)
	next.UpdatedAt = time.Now()
	t.swap(prev, next)
}

// MarkAlarm records an asynchronous ALARM:n push. The next status
// report confirms it, but consumers see the alarm immediately.
func (t *Tracker) MarkAlarm(code int) {
	t.log.WithField("code", code).Warn("controller alarm")
	prev := t.Current()
	next := prev
	next.Status = StatusAlarm
	next.RawState = string(StatusAlarm)
	next.UpdatedAt = time.Now()
	t.swap(prev, next)
}

func (t *Tracker) swap(prev, next State) {
	t.cur.Store(next)

	t.mx.Lock()
	defer t.mx.Unlock()

	for w := range t.waiters {
		if next.Status == w.target {
			w.count++
			if w.count >= w.need {
				close(w.done)
				delete(t.waiters, w)
			}
		} else {
			w.count = 0
		}
	}

	if next.Status == prev.Status && !exceedsEpsilon(prev.MPos.Sub(next.MPos)) {
		return
	}
	for ch := range t.subs {
		select {
		case ch <- next:
		default:
			// replace the stale snapshot with the latest one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// WaitFor blocks until the machine has reported the target status for
// a debounce count of consecutive reports, or the timeout elapses.
func (t *Tracker) WaitFor(target Status, timeout time.Duration) error {
	w := &stateWaiter{target: target, need: t.debounce, done: make(chan struct{})}

	t.mx.Lock()
	t.waiters[w] = struct{}{}
	t.mx.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		t.mx.Lock()
		delete(t.waiters, w)
		t.mx.Unlock()
		// lost race: the waiter may have completed while we timed out
		select {
		case <-w.done:
			return nil
		default:
		}
		return ErrWaitTimeout
	}
}

// Poll issues `?` status queries at the given interval until stop is
// closed. Grbl guidance caps useful query rates around 5Hz.
func (t *Tracker) Poll(ch Channel, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ch.SubmitRealtime(grbl.StatusQuery); err != nil {
				t.log.WithError(err).Debug("status poll stopped")
				return
			}
		}
	}
}
