package machine

import (
	"time"

	"grblmc/grbl"
)

// A Pending handle resolves when its buffered command is acknowledged.
type Pending interface {
	Wait(timeout time.Duration) error
}

// Channel is the ordered command link to the controller. Satisfied by
// *grbl.Conn via ConnChannel; tests substitute scripted fakes.
type Channel interface {
	Submit(line string) (Pending, error)
	SubmitRealtime(b byte) error
}

// ConnChannel adapts *grbl.Conn to the Channel interface.
type ConnChannel struct {
	Conn *grbl.Conn
}

var _ Channel = ConnChannel{}

func (c ConnChannel) Submit(line string) (Pending, error) {
	p, err := c.Conn.Submit(line)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c ConnChannel) SubmitRealtime(b byte) error {
	return c.Conn.SubmitRealtime(b)
}
