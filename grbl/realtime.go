package grbl

// Realtime control bytes. These are processed by the controller as
// soon as they arrive, outside the line-buffered command queue, and
// produce no acknowledgment.
const (
	StatusQuery byte = '?'
	CycleStart  byte = '~'
	FeedHold    byte = '!'
	SoftReset   byte = 0x18
	JogCancel   byte = 0x85
)

// realtimeName maps control bytes to log-friendly names.
func realtimeName(b byte) string {
	switch b {
	case StatusQuery:
		return "status-query"
	case CycleStart:
		return "cycle-start"
	case FeedHold:
		return "feed-hold"
	case SoftReset:
		return "soft-reset"
	case JogCancel:
		return "jog-cancel"
	}
	return "unknown"
}
