package grbl

import (
	"strconv"
	"strings"

	"grblmc/coord"
)

// A Response is one parsed line of inbound controller traffic.
//
// The concrete types are Ok, Error, Alarm, Status, Probe, Setting,
// Welcome, Feedback, Disconnect and Malformed. Consumers are expected
// to switch over all of them.
type Response interface {
	isResponse()
}

// Ok acknowledges the oldest unacknowledged buffered command.
type Ok struct{}

// Error rejects the oldest unacknowledged buffered command.
type Error struct {
	Code int
}

// Alarm reports a controller alarm. The machine is halted until
// unlocked or reset.
type Alarm struct {
	Code int
}

// Status is a position/state report produced in response to the `?`
// realtime query.
type Status struct {
	State string // raw token, e.g. "Idle", "Hold:0"

	MPos, WPos, WCO          coord.Point
	HasMPos, HasWPos, HasWCO bool

	PlannerFree, SerialFree int
	HasBuffer               bool

	FeedRate, SpindleSpeed float64
	Pins                   string
}

// Probe is a `[PRB:x,y,z:n]` push message carrying the position at
// which the probe cycle ended, and whether contact was made.
type Probe struct {
	Point coord.Point
	Valid bool
}

// Setting is a `$N=V` line from a settings dump.
type Setting struct {
	ID    int
	Value float64
}

// Welcome is the version banner printed after power-up or reset.
type Welcome struct {
	Version string
}

// Feedback is any other bracketed push message ([MSG:..], [GC:..], ...).
type Feedback struct {
	Message string
}

// Disconnect is synthesized (never parsed from the wire) when the
// transport fails.
type Disconnect struct {
	Err error
}

// Malformed is a line that matched no known response form.
type Malformed struct {
	Line string
}

func (Ok) isResponse()         {}
func (Error) isResponse()      {}
func (Alarm) isResponse()      {}
func (Status) isResponse()     {}
func (Probe) isResponse()      {}
func (Setting) isResponse()    {}
func (Welcome) isResponse()    {}
func (Feedback) isResponse()   {}
func (Disconnect) isResponse() {}
func (Malformed) isResponse()  {}

func parseCoords(data string) (p coord.Point, err error) {
	parts := strings.Split(data, ",")
	if len(parts) != 3 {
		return p, strconv.ErrSyntax
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, err
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, err
	}
	return p, nil
}

func parseStatus(data string) Response {
	body := strings.TrimSuffix(strings.TrimPrefix(data, "<"), ">")
	parts := strings.Split(body, "|")
	if parts[0] == "" {
		return Malformed{Line: data}
	}

	stat := Status{State: parts[0]}
	for _, s := range parts[1:] {
		kv := strings.SplitN(s, ":", 2)
		if len(kv) != 2 {
			return Malformed{Line: data}
		}
		var err error
		switch kv[0] {
		case "MPos":
			stat.MPos, err = parseCoords(kv[1])
			stat.HasMPos = err == nil
		case "WPos":
			stat.WPos, err = parseCoords(kv[1])
			stat.HasWPos = err == nil
		case "WCO":
			stat.WCO, err = parseCoords(kv[1])
			stat.HasWCO = err == nil
		case "Bf":
			bf := strings.Split(kv[1], ",")
			if len(bf) != 2 {
				return Malformed{Line: data}
			}
			stat.PlannerFree, err = strconv.Atoi(bf[0])
			if err == nil {
				stat.SerialFree, err = strconv.Atoi(bf[1])
			}
			stat.HasBuffer = err == nil
		case "FS":
			fs := strings.Split(kv[1], ",")
			if len(fs) != 2 {
				return Malformed{Line: data}
			}
			stat.FeedRate, err = strconv.ParseFloat(fs[0], 64)
			if err == nil {
				stat.SpindleSpeed, err = strconv.ParseFloat(fs[1], 64)
			}
		case "F":
			stat.FeedRate, err = strconv.ParseFloat(kv[1], 64)
		case "Pn":
			stat.Pins = kv[1]
		default:
			// Ov, A, Ln and future fields are ignored
		}
		if err != nil {
			return Malformed{Line: data}
		}
	}
	return stat
}

func parsePush(data string) Response {
	body := strings.TrimSuffix(strings.TrimPrefix(data, "["), "]")
	if strings.HasPrefix(body, "PRB:") {
		parts := strings.Split(strings.TrimPrefix(body, "PRB:"), ":")
		if len(parts) != 2 {
			return Malformed{Line: data}
		}
		p, err := parseCoords(parts[0])
		if err != nil {
			return Malformed{Line: data}
		}
		return Probe{Point: p, Valid: parts[1] == "1"}
	}
	return Feedback{Message: body}
}

func parseSetting(data string) Response {
	kv := strings.SplitN(strings.TrimPrefix(data, "$"), "=", 2)
	if len(kv) != 2 {
		return Malformed{Line: data}
	}
	id, err := strconv.Atoi(kv[0])
	if err != nil {
		return Malformed{Line: data}
	}
	val, err := strconv.ParseFloat(kv[1], 64)
	if err != nil {
		return Malformed{Line: data}
	}
	return Setting{ID: id, Value: val}
}

// Parse classifies a single line of controller output. It never
// fails: unrecognized input becomes Malformed.
func Parse(line string) Response {
	line = strings.TrimSpace(line)
	switch {
	case line == "ok":
		return Ok{}
	case strings.HasPrefix(line, "error:"):
		code, err := strconv.Atoi(strings.TrimPrefix(line, "error:"))
		if err != nil {
			return Malformed{Line: line}
		}
		return Error{Code: code}
	case strings.HasPrefix(line, "ALARM:"):
		code, err := strconv.Atoi(strings.TrimPrefix(line, "ALARM:"))
		if err != nil {
			return Malformed{Line: line}
		}
		return Alarm{Code: code}
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		return parseStatus(line)
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return parsePush(line)
	case strings.HasPrefix(line, "$"):
		return parseSetting(line)
	case strings.HasPrefix(line, "Grbl"):
		fields := strings.Fields(line)
		w := Welcome{}
		if len(fields) > 1 {
			w.Version = fields[1]
		}
		return w
	}
	return Malformed{Line: line}
}
