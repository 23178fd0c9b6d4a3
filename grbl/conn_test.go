package grbl

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptWire is an in-memory controller endpoint: it records
// everything written and replays scripted response lines.
type scriptWire struct {
	mx    sync.Mutex
	wrote []string

	readCh chan string
	buf    []byte
}

func newScriptWire() *scriptWire {
	return &scriptWire{readCh: make(chan string, 64)}
}

func (w *scriptWire) Write(p []byte) (int, error) {
	w.mx.Lock()
	w.wrote = append(w.wrote, string(p))
	w.mx.Unlock()
	return len(p), nil
}

func (w *scriptWire) Read(p []byte) (int, error) {
	if len(w.buf) == 0 {
		s, ok := <-w.readCh
		if !ok {
			return 0, io.EOF
		}
		w.buf = []byte(s)
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *scriptWire) reply(line string) { w.readCh <- line + "\n" }

func (w *scriptWire) lines() []string {
	w.mx.Lock()
	defer w.mx.Unlock()
	var out []string
	for _, chunk := range w.wrote {
		if strings.HasSuffix(chunk, "\n") {
			out = append(out, strings.TrimSuffix(chunk, "\n"))
		}
	}
	return out
}

func (w *scriptWire) wroteBytes() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	n := 0
	for _, chunk := range w.wrote {
		n += len(chunk)
	}
	return n
}

func newTestConn(t *testing.T, w *scriptWire, capacity int) *Conn {
	t.Helper()
	c := NewConn(w, ConnConfig{Capacity: capacity})
	c.Run()
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConn_FIFOAckMatching(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 128)

	p1, err := c.Submit("G0X1")
	require.NoError(t, err)
	p2, err := c.Submit("G0X2")
	require.NoError(t, err)
	p3, err := c.Submit("G0X3")
	require.NoError(t, err)

	assert.Less(t, p1.Seq, p2.Seq)
	assert.Less(t, p2.Seq, p3.Seq)

	w.reply("ok")
	w.reply("ok")
	w.reply("error:2")

	require.NoError(t, p1.Wait(time.Second))
	require.NoError(t, p2.Wait(time.Second))

	err = p3.Wait(time.Second)
	var ce *ControllerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Code)

	assert.Equal(t, []string{"G0X1", "G0X2", "G0X3"}, w.lines())
}

func TestConn_BufferBackpressure(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 8)

	// 6 chars + newline = 7 bytes each; only one fits at a time
	p1, err := c.Submit("G0X1.5")
	require.NoError(t, err)
	p2, err := c.Submit("G0X2.5")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(w.lines()) == 1 }, time.Second, time.Millisecond)

	// second command must stay unwritten until the first is acked
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"G0X1.5"}, w.lines())
	assert.LessOrEqual(t, w.wroteBytes(), 8)

	w.reply("ok")
	require.NoError(t, p1.Wait(time.Second))
	assert.Eventually(t, func() bool { return len(w.lines()) == 2 }, time.Second, time.Millisecond)

	w.reply("ok")
	require.NoError(t, p2.Wait(time.Second))
}

func TestConn_RejectsOversizeLine(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 8)

	// 8 chars + newline can never fit an 8-byte buffer
	_, err := c.Submit("G1X1F100")
	assert.ErrorIs(t, err, ErrLineTooLong)

	// the queue is untouched; a fitting command still streams
	p, err := c.Submit("G0X1.5")
	require.NoError(t, err)
	w.reply("ok")
	require.NoError(t, p.Wait(time.Second))
	assert.Equal(t, []string{"G0X1.5"}, w.lines())
}

func TestConn_ErrorCancelsQueued(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 8)

	p1, err := c.Submit("G0X1.5")
	require.NoError(t, err)
	p2, err := c.Submit("G0X2.5")
	require.NoError(t, err)
	p3, err := c.Submit("G0X3.5")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(w.lines()) == 1 }, time.Second, time.Millisecond)

	w.reply("error:9")

	var ce *ControllerError
	require.ErrorAs(t, p1.Wait(time.Second), &ce)
	assert.Equal(t, 9, ce.Code)
	assert.ErrorIs(t, p2.Wait(time.Second), ErrCancelled)
	assert.ErrorIs(t, p3.Wait(time.Second), ErrCancelled)

	// cancelled commands never reach the wire
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"G0X1.5"}, w.lines())
}

func TestConn_WaitTimeout(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 128)

	p, err := c.Submit("G4P10")
	require.NoError(t, err)
	assert.ErrorIs(t, p.Wait(50*time.Millisecond), ErrTimeout)

	// a late ack still resolves the handle
	w.reply("ok")
	require.NoError(t, p.Wait(time.Second))
}

func TestConn_RealtimeBypassesQueue(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 8)

	_, err := c.Submit("G0X1.5")
	require.NoError(t, err)
	_, err = c.Submit("G0X2.5") // stuck behind backpressure
	require.NoError(t, err)

	require.NoError(t, c.SubmitRealtime(FeedHold))

	assert.Eventually(t, func() bool {
		w.mx.Lock()
		defer w.mx.Unlock()
		for _, chunk := range w.wrote {
			if chunk == "!" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestConn_ResetAbortsOutstanding(t *testing.T) {
	w := newScriptWire()
	c := newTestConn(t, w, 128)

	p, err := c.Submit("G1X100F10")
	require.NoError(t, err)

	w.reply("Grbl 1.1f ['$' for help]")
	assert.ErrorIs(t, p.Wait(time.Second), ErrReset)
}

func TestConn_LinkLost(t *testing.T) {
	w := newScriptWire()

	pushCh := make(chan Response, 16)
	c := NewConn(w, ConnConfig{Capacity: 128, Push: func(r Response) { pushCh <- r }})
	c.Run()

	p, err := c.Submit("G0X1")
	require.NoError(t, err)

	close(w.readCh)

	assert.ErrorIs(t, p.Wait(time.Second), ErrLinkLost)

	select {
	case r := <-pushCh:
		assert.IsType(t, Disconnect{}, r)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}

	_, err = c.Submit("G0X2")
	assert.Error(t, err)
}

func TestConn_LogCallback(t *testing.T) {
	w := newScriptWire()

	var mx sync.Mutex
	var entries []string
	logf := func(format string, args ...interface{}) {
		mx.Lock()
		entries = append(entries, fmt.Sprintf(format, args...))
		mx.Unlock()
	}

	c := NewConn(w, ConnConfig{Capacity: 128, Logf: logf})
	c.Run()
	defer c.Close()

	p, err := c.Submit("G0X1")
	require.NoError(t, err)
	w.reply("ok")
	require.NoError(t, p.Wait(time.Second))

	assert.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		var sawSubmit, sawAck bool
		for _, e := range entries {
			if strings.Contains(e, "submit") {
				sawSubmit = true
			}
			if strings.Contains(e, "ack") {
				sawAck = true
			}
		}
		return sawSubmit && sawAck
	}, time.Second, time.Millisecond)
}
