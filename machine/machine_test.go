package machine

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"grblmc/grbl"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakePending struct{ err error }

func (p fakePending) Wait(time.Duration) error { return p.err }

// fakeChannel records everything submitted. onSubmit, when set, runs
// before the pending is returned and its error becomes the ack
// result.
type fakeChannel struct {
	mx       sync.Mutex
	lines    []string
	realtime []byte

	onSubmit func(line string) error
}

var _ Channel = &fakeChannel{}

func (c *fakeChannel) Submit(line string) (Pending, error) {
	c.mx.Lock()
	c.lines = append(c.lines, line)
	cb := c.onSubmit
	c.mx.Unlock()

	var err error
	if cb != nil {
		err = cb(line)
	}
	return fakePending{err: err}, nil
}

func (c *fakeChannel) SubmitRealtime(b byte) error {
	c.mx.Lock()
	c.realtime = append(c.realtime, b)
	c.mx.Unlock()
	return nil
}

func (c *fakeChannel) Lines() []string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]string{}, c.lines...)
}

func (c *fakeChannel) Realtime() []byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]byte{}, c.realtime...)
}

// feedStatus pumps status reports into the tracker until stop is
// closed, standing in for the poll loop.
func feedStatus(t *Tracker, state string, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.Update(grbl.Status{State: state})
			}
		}
	}()
}
