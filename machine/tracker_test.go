package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grblmc/coord"
	"grblmc/grbl"
)

func TestTracker_DerivesWPosFromWCO(t *testing.T) {
	tr := NewTracker(testLog())

	tr.Update(grbl.Status{
		State:   "Idle",
		MPos:    coord.Point{X: 10, Y: 20, Z: -5},
		HasMPos: true,
		WCO:     coord.Point{X: 10, Y: 10, Z: 0},
		HasWCO:  true,
	})

	st := tr.Current()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, coord.Point{X: 0, Y: 10, Z: -5}, st.WPos)

	// WCO persists across reports that omit it
	tr.Update(grbl.Status{
		State:   "Run",
		WPos:    coord.Point{X: 1, Y: 1, Z: 1},
		HasWPos: true,
	})
	st = tr.Current()
	assert.Equal(t, coord.Point{X: 11, Y: 11, Z: 1}, st.MPos)
}

func TestTracker_SubStateToken(t *testing.T) {
	tr := NewTracker(testLog())
	tr.Update(grbl.Status{State: "Hold:0"})
	st := tr.Current()
	assert.Equal(t, StatusHold, st.Status)
	assert.Equal(t, "Hold:0", st.RawState)
}

func TestTracker_WaitForDebounce(t *testing.T) {
	tr := NewTracker(testLog())

	done := make(chan error, 1)
	go func() {
		done <- tr.WaitFor(StatusIdle, time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	// two Idle reports then a flicker: not enough
	tr.Update(grbl.Status{State: "Idle"})
	tr.Update(grbl.Status{State: "Idle"})
	tr.Update(grbl.Status{State: "Run"})

	select {
	case err := <-done:
		t.Fatalf("wait resumed early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// three consecutive Idle reports complete the wait
	tr.Update(grbl.Status{State: "Idle"})
	tr.Update(grbl.Status{State: "Idle"})
	tr.Update(grbl.Status{State: "Idle"})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not resume")
	}
}

func TestTracker_WaitForTimeout(t *testing.T) {
	tr := NewTracker(testLog())
	err := tr.WaitFor(StatusIdle, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestTracker_NotifyOnChangeOnly(t *testing.T) {
	tr := NewTracker(testLog())
	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	tr.Update(grbl.Status{State: "Idle", MPos: coord.Point{}, HasMPos: true})
	select {
	case st := <-ch:
		assert.Equal(t, StatusIdle, st.Status)
	default:
		t.Fatal("expected notification on status change")
	}

	// same status, same position: no notification
	tr.Update(grbl.Status{State: "Idle", MPos: coord.Point{}, HasMPos: true})
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	default:
	}

	// movement beyond epsilon notifies
	tr.Update(grbl.Status{State: "Idle", MPos: coord.Point{X: 0.01}, HasMPos: true})
	select {
	case st := <-ch:
		assert.Equal(t, 0.01, st.MPos.X)
	default:
		t.Fatal("expected notification on movement")
	}
}

func TestTracker_SlowSubscriberGetsLatest(t *testing.T) {
	tr := NewTracker(testLog())
	ch := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	tr.Update(grbl.Status{State: "Idle", MPos: coord.Point{X: 1}, HasMPos: true})
	tr.Update(grbl.Status{State: "Run", MPos: coord.Point{X: 2}, HasMPos: true})
	tr.Update(grbl.Status{State: "Idle", MPos: coord.Point{X: 3}, HasMPos: true})

	st := <-ch
	assert.Equal(t, 3.0, st.MPos.X)
}

func TestTracker_MarkAlarm(t *testing.T) {
	tr := NewTracker(testLog())
	tr.Update(grbl.Status{State: "Run"})
	tr.MarkAlarm(1)
	assert.Equal(t, StatusAlarm, tr.Current().Status)
}
