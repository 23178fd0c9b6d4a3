package machine

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/grbl"
)

// ErrLeaseDenied is returned when another operation already owns
// motion. Callers must surface it as a rejected request, not retry
// blindly.
var ErrLeaseDenied = errors.New("machine: motion lease denied")

// ErrNotAlarmed is returned by ClearAlarm outside the Alarm state.
var ErrNotAlarmed = errors.New("machine: controller is not in alarm")

// Owner identifies the holder of the motion lease.
type Owner string

const (
	OwnerNone      Owner = ""
	OwnerExecution Owner = "execution"
	OwnerJog       Owner = "jog"
	OwnerProbe     Owner = "probe"
)

// A Lease is the exclusive right to issue buffered motion commands.
// Release is idempotent and safe after a forced revocation.
type Lease struct {
	s     *Supervisor
	owner Owner
	gen   uint64
}

func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.s.release(l)
}

// Supervisor is the single authority for the motion lease and the
// only component allowed to run the emergency safing sequence.
type Supervisor struct {
	ch      Channel
	tracker *Tracker
	log     *logrus.Entry

	// SettleDelay separates feed-hold from soft-reset so the
	// controller decelerates before its planner is wiped.
	SettleDelay time.Duration
	// SafingTimeout bounds how long safing waits for Idle.
	SafingTimeout time.Duration

	mx     sync.Mutex
	owner  Owner
	gen    uint64
	aborts []func()
}

func NewSupervisor(ch Channel, tracker *Tracker, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		ch:            ch,
		tracker:       tracker,
		log:           log,
		SettleDelay:   250 * time.Millisecond,
		SafingTimeout: 5 * time.Second,
	}
}

// Acquire grants the motion lease to owner, or fails immediately with
// ErrLeaseDenied if any operation holds it. It never blocks or
// queues; first acquire wins.
func (s *Supervisor) Acquire(owner Owner) (*Lease, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.owner != OwnerNone {
		return nil, ErrLeaseDenied
	}
	s.owner = owner
	s.gen++
	s.log.WithField("owner", owner).Debug("motion lease granted")
	return &Lease{s: s, owner: owner, gen: s.gen}, nil
}

// Owner returns the current lease holder.
func (s *Supervisor) Owner() Owner {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.owner
}

func (s *Supervisor) release(l *Lease) {
	s.mx.Lock()
	defer s.mx.Unlock()
	// a stale lease (already revoked, or superseded) releases nothing
	if s.gen != l.gen || s.owner != l.owner {
		return
	}
	s.owner = OwnerNone
	s.log.WithField("owner", l.owner).Debug("motion lease released")
}

// RegisterAbort adds a hook run during emergency stop and shutdown
// safing. Hooks force the motion engines into their terminal states
// and must not block.
func (s *Supervisor) RegisterAbort(f func()) {
	s.mx.Lock()
	s.aborts = append(s.aborts, f)
	s.mx.Unlock()
}

func (s *Supervisor) revoke() []func() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.owner != OwnerNone {
		s.log.WithField("owner", s.owner).Warn("motion lease revoked")
	}
	s.owner = OwnerNone
	s.gen++
	return append([]func(){}, s.aborts...)
}

// EmergencyStop halts motion unconditionally: realtime feed-hold,
// a settle delay, then soft-reset. Any held lease is revoked and all
// registered abort hooks run. It is accepted in every state.
func (s *Supervisor) EmergencyStop() error {
	s.log.Warn("emergency stop")
	return s.safeStop()
}

func (s *Supervisor) safeStop() error {
	if err := s.ch.SubmitRealtime(grbl.FeedHold); err != nil {
		return err
	}
	time.Sleep(s.SettleDelay)
	if err := s.ch.SubmitRealtime(grbl.SoftReset); err != nil {
		return err
	}
	for _, abort := range s.revoke() {
		abort()
	}
	return nil
}

// ClearAlarm unlocks the controller after an alarm ($X). Refused in
// any other state so it cannot mask real motion.
func (s *Supervisor) ClearAlarm(timeout time.Duration) error {
	if s.tracker.Current().Status != StatusAlarm {
		return ErrNotAlarmed
	}
	p, err := s.ch.Submit("$X")
	if err != nil {
		return err
	}
	return p.Wait(timeout)
}

// Shutdown safes the machine before process exit. If any motion
// operation is active it runs the emergency sequence synchronously
// and waits (bounded) for the controller to come back to Idle.
func (s *Supervisor) Shutdown() {
	if s.Owner() == OwnerNone {
		return
	}
	s.log.Warn("shutdown with active motion, safing")
	if err := s.safeStop(); err != nil {
		s.log.WithError(err).Error("shutdown safing failed")
		return
	}
	if err := s.tracker.WaitFor(StatusIdle, s.SafingTimeout); err != nil {
		s.log.WithError(err).Warn("controller did not settle before exit")
	}
}

// LinkLost forces every active operation to abort after a transport
// failure. The lease is cleared and the tracked state marked
// Disconnected.
func (s *Supervisor) LinkLost() {
	s.log.Error("link lost")
	s.tracker.MarkDisconnected()
	for _, abort := range s.revoke() {
		abort()
	}
}
