package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grblmc/grbl"
)

func TestSupervisor_LeaseExclusive(t *testing.T) {
	s := NewSupervisor(&fakeChannel{}, NewTracker(testLog()), testLog())

	l1, err := s.Acquire(OwnerExecution)
	require.NoError(t, err)
	assert.Equal(t, OwnerExecution, s.Owner())

	// denied immediately, no queueing
	start := time.Now()
	_, err = s.Acquire(OwnerJog)
	assert.ErrorIs(t, err, ErrLeaseDenied)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	l1.Release()
	assert.Equal(t, OwnerNone, s.Owner())

	l2, err := s.Acquire(OwnerJog)
	require.NoError(t, err)
	l2.Release()
}

func TestSupervisor_ReleaseIdempotent(t *testing.T) {
	s := NewSupervisor(&fakeChannel{}, NewTracker(testLog()), testLog())

	l1, err := s.Acquire(OwnerJog)
	require.NoError(t, err)
	l1.Release()
	l1.Release()

	l2, err := s.Acquire(OwnerProbe)
	require.NoError(t, err)
	// a stale handle must not release the new owner's lease
	l1.Release()
	assert.Equal(t, OwnerProbe, s.Owner())
	l2.Release()
}

func TestSupervisor_StaleReleaseAfterRevoke(t *testing.T) {
	s := NewSupervisor(&fakeChannel{}, NewTracker(testLog()), testLog())

	l1, err := s.Acquire(OwnerExecution)
	require.NoError(t, err)

	s.revoke()
	assert.Equal(t, OwnerNone, s.Owner())

	l2, err := s.Acquire(OwnerJog)
	require.NoError(t, err)
	l1.Release()
	assert.Equal(t, OwnerJog, s.Owner())
	l2.Release()
}

func TestSupervisor_EmergencyStop(t *testing.T) {
	ch := &fakeChannel{}
	s := NewSupervisor(ch, NewTracker(testLog()), testLog())
	s.SettleDelay = time.Millisecond

	aborted := make(chan struct{})
	s.RegisterAbort(func() { close(aborted) })

	_, err := s.Acquire(OwnerExecution)
	require.NoError(t, err)

	require.NoError(t, s.EmergencyStop())

	// hold first so the machine decelerates, then reset
	rt := ch.Realtime()
	require.Len(t, rt, 2)
	assert.Equal(t, byte(grbl.FeedHold), rt[0])
	assert.Equal(t, byte(grbl.SoftReset), rt[1])

	select {
	case <-aborted:
	default:
		t.Fatal("abort hook did not run")
	}
	assert.Equal(t, OwnerNone, s.Owner())
}

func TestSupervisor_ClearAlarmRefusedWhenNotAlarmed(t *testing.T) {
	tr := NewTracker(testLog())
	s := NewSupervisor(&fakeChannel{}, tr, testLog())

	err := s.ClearAlarm(time.Second)
	assert.ErrorIs(t, err, ErrNotAlarmed)
}

func TestSupervisor_ClearAlarm(t *testing.T) {
	ch := &fakeChannel{}
	tr := NewTracker(testLog())
	s := NewSupervisor(ch, tr, testLog())

	tr.MarkAlarm(1)
	require.NoError(t, s.ClearAlarm(time.Second))
	assert.Equal(t, []string{"$X"}, ch.Lines())
}

func TestSupervisor_LinkLost(t *testing.T) {
	tr := NewTracker(testLog())
	s := NewSupervisor(&fakeChannel{}, tr, testLog())

	aborted := false
	s.RegisterAbort(func() { aborted = true })
	_, err := s.Acquire(OwnerJog)
	require.NoError(t, err)

	s.LinkLost()
	assert.True(t, aborted)
	assert.Equal(t, OwnerNone, s.Owner())
	assert.Equal(t, StatusDisconnected, tr.Current().Status)
}
