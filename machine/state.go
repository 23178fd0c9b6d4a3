package machine

import (
	"strings"
	"time"

	"grblmc/coord"
)

// Status is the machine run state.
type Status string

const (
	StatusIdle         Status = "Idle"
	StatusRun          Status = "Run"
	StatusHold         Status = "Hold"
	StatusJog          Status = "Jog"
	StatusAlarm        Status = "Alarm"
	StatusDoor         Status = "Door"
	StatusHome         Status = "Home"
	StatusCheck        Status = "Check"
	StatusSleep        Status = "Sleep"
	StatusDisconnected Status = "Disconnected"
)

// statusFromToken normalizes a raw report token ("Hold:0", "Door:1")
// to its Status.
func statusFromToken(tok string) Status {
	if i := strings.IndexByte(tok, ':'); i >= 0 {
		tok = tok[:i]
	}
	// unknown tokens pass through; waiters simply never match them
	return Status(tok)
}

// State is one consistent snapshot of the machine. It is built by
// the Tracker and never mutated afterward; consumers read whole
// values only.
type State struct {
	Status   Status `json:"status"`
	RawState string `json:"rawState"`

	MPos coord.Point `json:"mpos"`
	WPos coord.Point `json:"wpos"`
	WCO  coord.Point `json:"wco"`

	PlannerFree int `json:"plannerFree"`
	SerialFree  int `json:"serialFree"`

	FeedRate     float64 `json:"feedRate"`
	SpindleSpeed float64 `json:"spindleSpeed"`
	Pins         string  `json:"pins,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}
