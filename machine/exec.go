package machine

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/gcode"
	"grblmc/grbl"
)

var (
	// ErrBusy is returned by Start while a program is active.
	ErrBusy = errors.New("machine: execution already active")
	// ErrNotStreaming is returned by Pause/Resume/Stop in the wrong
	// state.
	ErrNotStreaming = errors.New("machine: no program streaming")

	errExecAborted = errors.New("machine: execution aborted")
)

// ExecStatus is the Execution Engine state.
type ExecStatus int

const (
	ExecIdle ExecStatus = iota
	ExecStreaming
	ExecPaused
	ExecStopping
	ExecFaulted
)

func (s ExecStatus) String() string {
	switch s {
	case ExecIdle:
		return "Idle"
	case ExecStreaming:
		return "Streaming"
	case ExecPaused:
		return "Paused"
	case ExecStopping:
		return "Stopping"
	case ExecFaulted:
		return "Faulted"
	}
	return "Unknown"
}

// Progress is a snapshot of a running program.
type Progress struct {
	State string `json:"state"`
	Sent  int    `json:"sent"`
	Acked int    `json:"acked"`
	Total int    `json:"total"`
}

// Executor streams a loaded program line by line through the command
// channel, respecting its buffer back-pressure. Any abnormal
// termination runs the safe-stop sequence: feed-hold, settle,
// soft-reset, discard unsent lines.
type Executor struct {
	ch      Channel
	tracker *Tracker
	sup     *Supervisor
	log     *logrus.Entry

	// AckTimeout bounds each per-line acknowledgment wait.
	AckTimeout time.Duration
	// LineDelay is a small pause after each acknowledged line. The
	// character-counting channel is the authoritative flow control;
	// this is only a tunable safety margin for controller-side
	// processing jitter.
	LineDelay time.Duration
	// HoldTimeout bounds the wait for Hold confirmation on Pause.
	HoldTimeout time.Duration
	// SettleDelay separates feed-hold from soft-reset when stopping.
	SettleDelay time.Duration
	// SafingTimeout bounds the wait for Idle after a safe stop.
	SafingTimeout time.Duration

	mx        sync.Mutex
	state     ExecStatus
	cancel    chan struct{}
	cancelled bool
	safed     bool
	resume    chan struct{}

	total, sent, acked int
}

func NewExecutor(ch Channel, tracker *Tracker, sup *Supervisor, log *logrus.Entry) *Executor {
	e := &Executor{
		ch:            ch,
		tracker:       tracker,
		sup:           sup,
		log:           log,
		AckTimeout:    10 * time.Second,
		LineDelay:     15 * time.Millisecond,
		HoldTimeout:   5 * time.Second,
		SettleDelay:   250 * time.Millisecond,
		SafingTimeout: 5 * time.Second,
	}
	sup.RegisterAbort(e.forceAbort)
	return e
}

// State returns the engine state.
func (e *Executor) State() ExecStatus {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.state
}

// Progress returns streaming counters for the current (or last)
// program.
func (e *Executor) Progress() Progress {
	e.mx.Lock()
	defer e.mx.Unlock()
	return Progress{State: e.state.String(), Sent: e.sent, Acked: e.acked, Total: e.total}
}

// Start begins streaming the program. It acquires the motion lease
// for execution and returns ErrLeaseDenied if another operation holds
// it. Streaming itself is asynchronous.
func (e *Executor) Start(lines []string) error {
	e.mx.Lock()
	if e.state != ExecIdle && e.state != ExecFaulted {
		e.mx.Unlock()
		return ErrBusy
	}
	e.mx.Unlock()

	lease, err := e.sup.Acquire(OwnerExecution)
	if err != nil {
		return err
	}

	e.mx.Lock()
	e.state = ExecStreaming
	e.cancel = make(chan struct{})
	e.cancelled = false
	e.safed = false
	e.resume = nil
	e.total = len(lines)
	e.sent, e.acked = 0, 0
	e.mx.Unlock()

	e.log.WithField("lines", len(lines)).Info("program start")
	go e.stream(lines, lease)
	return nil
}

// Pause issues a realtime feed-hold and waits for the controller to
// confirm Hold before reporting Paused.
func (e *Executor) Pause() error {
	e.mx.Lock()
	if e.state != ExecStreaming {
		e.mx.Unlock()
		return ErrNotStreaming
	}
	e.mx.Unlock()

	if err := e.ch.SubmitRealtime(grbl.FeedHold); err != nil {
		return err
	}
	if err := e.tracker.WaitFor(StatusHold, e.HoldTimeout); err != nil {
		return err
	}

	e.mx.Lock()
	defer e.mx.Unlock()
	if e.state != ExecStreaming {
		return ErrNotStreaming
	}
	e.state = ExecPaused
	e.resume = make(chan struct{})
	e.log.Info("program paused")
	return nil
}

// Resume issues a realtime cycle-start and restarts streaming.
func (e *Executor) Resume() error {
	e.mx.Lock()
	if e.state != ExecPaused {
		e.mx.Unlock()
		return ErrNotStreaming
	}
	if err := e.ch.SubmitRealtime(grbl.CycleStart); err != nil {
		e.mx.Unlock()
		return err
	}
	e.state = ExecStreaming
	close(e.resume)
	e.mx.Unlock()
	e.log.Info("program resumed")
	return nil
}

// Stop aborts the program. Unsent lines are discarded and the
// safe-stop sequence runs.
func (e *Executor) Stop() error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.state != ExecStreaming && e.state != ExecPaused {
		return ErrNotStreaming
	}
	e.state = ExecStopping
	e.cancelLocked()
	return nil
}

// forceAbort is the supervisor's abort hook (emergency stop, link
// loss, shutdown safing). The supervisor has already put the
// controller in a safe state, so the stream must not send its own
// hold and reset on top.
func (e *Executor) forceAbort() {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.state != ExecStreaming && e.state != ExecPaused {
		return
	}
	e.state = ExecStopping
	e.safed = true
	e.cancelLocked()
}

func (e *Executor) cancelLocked() {
	if !e.cancelled {
		e.cancelled = true
		close(e.cancel)
	}
}

// waitReady blocks while paused and reports cancellation. This is the
// streaming loop's safe yield point.
func (e *Executor) waitReady() error {
	for {
		e.mx.Lock()
		st := e.state
		resume := e.resume
		cancel := e.cancel
		e.mx.Unlock()

		switch st {
		case ExecPaused:
			select {
			case <-resume:
			case <-cancel:
				return errExecAborted
			}
		case ExecStreaming:
			select {
			case <-cancel:
				return errExecAborted
			default:
				return nil
			}
		default:
			return errExecAborted
		}
	}
}

func (e *Executor) stream(lines []string, lease *Lease) {
	for _, raw := range lines {
		if err := e.waitReady(); err != nil {
			e.safeStop(lease)
			return
		}

		line, err := gcode.Canonical(raw)
		if err != nil {
			e.log.WithError(err).Error("bad program line")
			e.safeStop(lease)
			return
		}
		if line == "" {
			continue
		}

		p, err := e.ch.Submit(line)
		if err != nil {
			e.log.WithError(err).Error("submit failed")
			e.safeStop(lease)
			return
		}
		e.mx.Lock()
		e.sent++
		e.mx.Unlock()

		if err := p.Wait(e.AckTimeout); err != nil {
			// a rejected or unacknowledged line cancels the rest of
			// the program; partial failures never stream on
			e.log.WithError(err).Error("line failed, aborting program")
			e.safeStop(lease)
			return
		}
		e.mx.Lock()
		e.acked++
		e.mx.Unlock()

		if e.LineDelay > 0 {
			timer := time.NewTimer(e.LineDelay)
			select {
			case <-timer.C:
			case <-e.cancel:
				timer.Stop()
			}
		}
	}

	e.mx.Lock()
	e.state = ExecIdle
	e.mx.Unlock()
	lease.Release()
	e.log.Info("program complete")
}

// safeStop discards unsent lines and brings the controller to a
// known state: feed-hold, settle, soft-reset. When the abort came
// from the supervisor, that pair was already sent and is skipped
// here. Settles in Idle, or Faulted if the controller does not
// report Idle in time.
func (e *Executor) safeStop(lease *Lease) {
	e.mx.Lock()
	e.state = ExecStopping
	e.cancelLocked()
	safed := e.safed
	e.mx.Unlock()

	if !safed {
		e.ch.SubmitRealtime(grbl.FeedHold)
		time.Sleep(e.SettleDelay)
		e.ch.SubmitRealtime(grbl.SoftReset)
	}

	final := ExecIdle
	if err := e.tracker.WaitFor(StatusIdle, e.SafingTimeout); err != nil {
		final = ExecFaulted
	}

	e.mx.Lock()
	e.state = final
	e.mx.Unlock()
	lease.Release()
	e.log.WithField("state", final.String()).Info("program stopped")
}
