package grbl

import (
	"errors"
	"strconv"
)

var (
	// ErrTimeout is returned when no acknowledgment arrives within
	// the caller's wait bound.
	ErrTimeout = errors.New("grbl: acknowledgment timeout")

	// ErrCancelled is returned for queued commands dropped after an
	// earlier command in the same batch failed.
	ErrCancelled = errors.New("grbl: command cancelled")

	// ErrReset is returned for outstanding commands when the
	// controller reports a reset before acknowledging them.
	ErrReset = errors.New("grbl: controller reset")

	// ErrLinkLost is returned when the transport fails.
	ErrLinkLost = errors.New("grbl: link lost")

	// ErrClosed is returned when submitting on a closed connection.
	ErrClosed = errors.New("grbl: connection closed")

	// ErrLineTooLong is returned for a command that exceeds the remote
	// receive buffer and so could never be written.
	ErrLineTooLong = errors.New("grbl: line exceeds buffer capacity")
)

// ControllerError is a firmware rejection of a buffered command
// ("error:N" on the wire).
type ControllerError struct {
	Code int
}

func (e *ControllerError) Error() string {
	msg, ok := errorMessages[e.Code]
	if !ok {
		return "grbl: error:" + strconv.Itoa(e.Code)
	}
	return "grbl: error:" + strconv.Itoa(e.Code) + " (" + msg + ")"
}

// Grbl v1.1 error codes.
var errorMessages = map[int]string{
	1:  "expected command letter",
	2:  "bad number format",
	3:  "invalid $ statement",
	4:  "negative value",
	5:  "homing not enabled",
	6:  "step pulse minimum",
	7:  "EEPROM read fail",
	8:  "not idle",
	9:  "G-code lock",
	10: "soft limits require homing",
	11: "line overflow",
	12: "step rate exceeded",
	13: "check door",
	14: "line length exceeded",
	15: "travel exceeded",
	16: "invalid jog command",
	17: "laser mode requires PWM",
	20: "unsupported command",
	21: "modal group violation",
	22: "undefined feed rate",
	23: "command requires integer value",
	24: "multiple axis command words",
	25: "repeated G-code word",
	26: "no axis words in block",
	27: "invalid line number",
	28: "missing required value word",
	29: "unsupported coordinate system",
	30: "G53 without G0/G1",
	31: "axis words in unneeded block",
	32: "no axis words with arc",
	33: "invalid motion target",
	34: "arc radius error",
	35: "no offset words with arc",
	36: "unused value words",
	37: "G43.1 axis mismatch",
	38: "invalid tool number",
}

// AlarmError is a controller alarm ("ALARM:N" on the wire). Alarms
// halt the machine until cleared with an unlock or reset.
type AlarmError struct {
	Code int
}

func (e *AlarmError) Error() string {
	msg, ok := alarmMessages[e.Code]
	if !ok {
		return "grbl: ALARM:" + strconv.Itoa(e.Code)
	}
	return "grbl: ALARM:" + strconv.Itoa(e.Code) + " (" + msg + ")"
}

var alarmMessages = map[int]string{
	1: "hard limit triggered",
	2: "soft limit exceeded",
	3: "reset while in motion",
	4: "probe fail: initial state",
	5: "probe fail: no contact within travel",
	6: "homing fail: reset",
	7: "homing fail: door opened",
	8: "homing fail: limit still engaged",
	9: "homing fail: limit not found",
}
