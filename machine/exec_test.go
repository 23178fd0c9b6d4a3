package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grblmc/grbl"
)

func newTestExecutor(ch Channel) (*Executor, *Tracker, *Supervisor) {
	tr := NewTracker(testLog())
	sup := NewSupervisor(ch, tr, testLog())
	sup.SettleDelay = time.Millisecond
	e := NewExecutor(ch, tr, sup, testLog())
	e.LineDelay = 0
	e.SettleDelay = time.Millisecond
	return e, tr, sup
}

func TestExecutor_StreamsProgram(t *testing.T) {
	ch := &fakeChannel{}
	e, _, sup := newTestExecutor(ch)

	require.NoError(t, e.Start([]string{"G0 X1", "G0 X2", "; comment only"}))

	assert.Eventually(t, func() bool {
		return e.State() == ExecIdle
	}, time.Second, 5*time.Millisecond)

	// comment-only line is dropped before submission
	assert.Equal(t, []string{"G0X1", "G0X2"}, ch.Lines())

	p := e.Progress()
	assert.Equal(t, 2, p.Sent)
	assert.Equal(t, 2, p.Acked)
	assert.Equal(t, OwnerNone, sup.Owner())
}

func TestExecutor_BusyAndLease(t *testing.T) {
	ch := &fakeChannel{}
	block := make(chan struct{})
	ch.onSubmit = func(string) error { <-block; return nil }

	e, _, sup := newTestExecutor(ch)
	require.NoError(t, e.Start([]string{"G0 X1"}))

	assert.ErrorIs(t, e.Start([]string{"G0 X2"}), ErrBusy)

	// other operations are denied while execution owns motion
	_, err := sup.Acquire(OwnerJog)
	assert.ErrorIs(t, err, ErrLeaseDenied)

	close(block)
	assert.Eventually(t, func() bool {
		return e.State() == ExecIdle
	}, time.Second, 5*time.Millisecond)
}

func TestExecutor_ControllerErrorAbortsRemaining(t *testing.T) {
	ch := &fakeChannel{}
	ch.onSubmit = func(line string) error {
		if line == "G0X2" {
			return &grbl.ControllerError{Code: 2}
		}
		return nil
	}

	e, tr, sup := newTestExecutor(ch)
	stop := make(chan struct{})
	defer close(stop)
	feedStatus(tr, "Idle", stop)

	require.NoError(t, e.Start([]string{"G0 X1", "G0 X2", "G0 X3", "G0 X4"}))

	assert.Eventually(t, func() bool {
		return e.State() == ExecIdle
	}, time.Second, 5*time.Millisecond)

	// the failing line is the last one submitted
	assert.Equal(t, []string{"G0X1", "G0X2"}, ch.Lines())

	p := e.Progress()
	assert.Equal(t, 2, p.Sent)
	assert.Equal(t, 1, p.Acked)

	// safe stop ran: hold then reset
	rt := ch.Realtime()
	require.Len(t, rt, 2)
	assert.Equal(t, byte(grbl.FeedHold), rt[0])
	assert.Equal(t, byte(grbl.SoftReset), rt[1])
	assert.Equal(t, OwnerNone, sup.Owner())
}

func TestExecutor_EmergencyStopDuringStream(t *testing.T) {
	ch := &fakeChannel{}
	e, tr, sup := newTestExecutor(ch)
	e.LineDelay = 10 * time.Millisecond

	stop := make(chan struct{})
	defer close(stop)
	feedStatus(tr, "Idle", stop)

	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "G1 X1 F100"
	}
	require.NoError(t, e.Start(lines))

	time.Sleep(25 * time.Millisecond)
	require.NoError(t, sup.EmergencyStop())

	assert.Eventually(t, func() bool {
		st := e.State()
		return st == ExecIdle || st == ExecFaulted
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, ExecIdle, e.State())
	assert.Equal(t, OwnerNone, sup.Owner())
	assert.Less(t, e.Progress().Sent, len(lines))

	// the supervisor's hold and reset are the only ones on the wire;
	// the aborted stream does not send the pair a second time
	var holds, resets int
	for _, b := range ch.Realtime() {
		switch b {
		case grbl.FeedHold:
			holds++
		case grbl.SoftReset:
			resets++
		}
	}
	assert.Equal(t, 1, holds)
	assert.Equal(t, 1, resets)
}

func TestExecutor_FaultedWhenControllerNeverSettles(t *testing.T) {
	ch := &fakeChannel{}
	ch.onSubmit = func(string) error { return grbl.ErrTimeout }

	e, _, sup := newTestExecutor(ch)
	e.SafingTimeout = 30 * time.Millisecond

	require.NoError(t, e.Start([]string{"G0 X1"}))

	assert.Eventually(t, func() bool {
		return e.State() == ExecFaulted
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, OwnerNone, sup.Owner())
}

func TestExecutor_PauseResume(t *testing.T) {
	ch := &fakeChannel{}
	e, tr, sup := newTestExecutor(ch)
	e.LineDelay = 5 * time.Millisecond
	tr.debounce = 1

	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "G1 X1 F100"
	}
	require.NoError(t, e.Start(lines))

	// controller confirms the hold before Pause reports success
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Update(grbl.Status{State: "Hold:0"})
	}()
	require.NoError(t, e.Pause())
	assert.Equal(t, ExecPaused, e.State())
	assert.Contains(t, string(ch.Realtime()), string(rune(grbl.FeedHold)))

	// a line already past its pause check may still be submitted;
	// let the loop reach its yield point before sampling
	time.Sleep(20 * time.Millisecond)
	paused := len(ch.Lines())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, len(ch.Lines()), "no lines may stream while paused")

	require.NoError(t, e.Resume())
	assert.Eventually(t, func() bool {
		return e.State() == ExecIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, OwnerNone, sup.Owner())
}

func TestExecutor_PauseWhenIdle(t *testing.T) {
	e, _, _ := newTestExecutor(&fakeChannel{})
	assert.ErrorIs(t, e.Pause(), ErrNotStreaming)
	assert.ErrorIs(t, e.Resume(), ErrNotStreaming)
	assert.ErrorIs(t, e.Stop(), ErrNotStreaming)
}
