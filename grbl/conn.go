package grbl

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the serial receive buffer size of a stock Grbl
// build. The connection never has more unacknowledged bytes than this
// in flight.
const DefaultCapacity = 128

// A PushHandler receives every non-acknowledgment response read from
// the wire (status reports, probe results, settings, alarms, ...).
// It is called from the connection's read loop and must not block.
type PushHandler func(Response)

// ConnConfig configures a Conn.
type ConnConfig struct {
	// Capacity is the remote receive buffer size in bytes.
	// Defaults to DefaultCapacity.
	Capacity int

	// Push receives non-ack responses. Optional.
	Push PushHandler

	// Logf observes submissions and resolutions. Optional. It is
	// invoked outside all internal locks; a slow or failing logger
	// cannot stall the protocol.
	Logf func(format string, args ...interface{})
}

// Pending is the handle for one submitted buffered command.
type Pending struct {
	Seq         int64
	Line        string
	SubmittedAt time.Time

	done chan error
}

// Wait blocks until the command is resolved or the timeout elapses.
// It returns nil for "ok", a *ControllerError for "error:N",
// ErrCancelled, ErrReset or ErrLinkLost for abnormal resolution, and
// ErrTimeout if nothing resolves it in time. The command stays in the
// acknowledgment FIFO after a timeout; a late ack is still matched to
// it, keeping buffer accounting consistent.
func (p *Pending) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-p.done:
		return err
	case <-t.C:
		return ErrTimeout
	}
}

func (p *Pending) resolve(err error) {
	select {
	case p.done <- err:
	default:
	}
}

// Conn is an ordered, flow-controlled connection to a Grbl
// controller. Buffered commands are queued and written only while the
// sum of unacknowledged bytes stays within the remote buffer
// capacity; acknowledgments are matched FIFO. Realtime bytes bypass
// the queue entirely.
//
// All queue and buffer state is owned by a single goroutine; Submit
// and the read loop communicate with it over channels.
type Conn struct {
	rw       io.ReadWriter
	capacity int
	push     PushHandler
	logf     func(format string, args ...interface{})

	wMx sync.Mutex // serializes raw wire writes

	submitCh chan *Pending
	ackCh    chan error
	resetCh  chan struct{}
	closeCh  chan struct{}

	closeOnce sync.Once
	closeErr  error

	seqMx sync.Mutex
	seq   int64
}

// NewConn creates a Conn over rw. Call Run to start the I/O loops.
func NewConn(rw io.ReadWriter, cfg ConnConfig) *Conn {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Push == nil {
		cfg.Push = func(Response) {}
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	return &Conn{
		rw:       rw,
		capacity: cfg.Capacity,
		push:     cfg.Push,
		logf:     cfg.Logf,
		submitCh: make(chan *Pending),
		ackCh:    make(chan error),
		resetCh:  make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Run starts the write loop and the read loop. It must be called
// exactly once, after the owner has finished wiring push handlers.
func (c *Conn) Run() {
	go c.loop()
	go c.readLoop()
}

// Close aborts all outstanding commands and, if the underlying
// transport is an io.Closer, closes it.
func (c *Conn) Close() error {
	c.close(ErrClosed)
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closeCh)
	})
}

// Submit enqueues one buffered command line. The trailing newline is
// added by the connection. The returned handle resolves when the
// controller acknowledges the command; writing to the wire is
// deferred until buffer space allows.
func (c *Conn) Submit(line string) (*Pending, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrCancelled
	}
	// a line that can never fit the remote buffer would wedge the
	// queue head forever, reject it up front
	if len(line)+1 > c.capacity {
		return nil, ErrLineTooLong
	}

	c.seqMx.Lock()
	c.seq++
	p := &Pending{
		Seq:         c.seq,
		Line:        line,
		SubmittedAt: time.Now(),
		done:        make(chan error, 1),
	}
	c.seqMx.Unlock()

	select {
	case c.submitCh <- p:
		c.logf("submit #%d: %s", p.Seq, p.Line)
		return p, nil
	case <-c.closeCh:
		return nil, c.closeErr
	}
}

// SubmitRealtime writes a single realtime control byte immediately,
// bypassing the buffered queue. No acknowledgment is expected.
func (c *Conn) SubmitRealtime(b byte) error {
	select {
	case <-c.closeCh:
		return c.closeErr
	default:
	}
	c.wMx.Lock()
	_, err := c.rw.Write([]byte{b})
	c.wMx.Unlock()
	if err != nil {
		c.fail(err)
		return ErrLinkLost
	}
	if b != StatusQuery {
		c.logf("realtime: %s", realtimeName(b))
	}
	return nil
}

func (c *Conn) writeWire(p []byte) error {
	c.wMx.Lock()
	_, err := c.rw.Write(p)
	c.wMx.Unlock()
	return err
}

func (c *Conn) fail(err error) {
	c.close(ErrLinkLost)
	c.push(Disconnect{Err: err})
}

// loop owns queue state: commands accepted but not yet written, and
// commands written but not yet acknowledged.
func (c *Conn) loop() {
	var queue, sent []*Pending
	inFlight := 0

	resolveAll := func(err error) {
		for _, p := range sent {
			p.resolve(err)
		}
		for _, p := range queue {
			p.resolve(err)
		}
		sent, queue = nil, nil
		inFlight = 0
	}

	// flush writes queued commands while they fit in the remote
	// buffer. Wire order always matches submit order.
	flush := func() bool {
		for len(queue) > 0 {
			p := queue[0]
			n := len(p.Line) + 1
			if inFlight+n > c.capacity {
				return true
			}
			if err := c.writeWire([]byte(p.Line + "\n")); err != nil {
				resolveAll(ErrLinkLost)
				c.fail(err)
				return false
			}
			inFlight += n
			queue = queue[1:]
			sent = append(sent, p)
			c.logf("send   #%d: %s", p.Seq, p.Line)
		}
		return true
	}

	for {
		select {
		case <-c.closeCh:
			resolveAll(c.closeErr)
			return
		case <-c.resetCh:
			resolveAll(ErrReset)
		case p := <-c.submitCh:
			queue = append(queue, p)
			if !flush() {
				return
			}
		case ackErr := <-c.ackCh:
			if len(sent) == 0 {
				// ack with nothing outstanding: the sender is out of
				// sync with the controller, drop it
				c.logf("spurious ack: %v", ackErr)
				continue
			}
			p := sent[0]
			sent = sent[1:]
			inFlight -= len(p.Line) + 1
			p.resolve(ackErr)
			if ackErr == nil {
				c.logf("ack    #%d", p.Seq)
			} else {
				c.logf("ack    #%d: %v", p.Seq, ackErr)
				// the controller rejected this command; everything
				// still queued behind it is abandoned
				for _, q := range queue {
					q.resolve(ErrCancelled)
					c.logf("cancel #%d: %s", q.Seq, q.Line)
				}
				queue = nil
			}
			if !flush() {
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	scan := bufio.NewScanner(c.rw)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}

		switch r := Parse(line).(type) {
		case Ok:
			select {
			case c.ackCh <- nil:
			case <-c.closeCh:
				return
			}
		case Error:
			select {
			case c.ackCh <- &ControllerError{Code: r.Code}:
			case <-c.closeCh:
				return
			}
		case Welcome:
			select {
			case c.resetCh <- struct{}{}:
			default:
			}
			c.push(r)
		default:
			c.push(r)
		}
	}

	err := scan.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case <-c.closeCh:
		// deliberate close, not a transport fault
	default:
		c.logf("read loop ended: %v", err)
		c.fail(err)
	}
}
