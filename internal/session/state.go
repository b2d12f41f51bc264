package session

import "fmt"

// CaptureState is the lifecycle of the single in-flight capture.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureCountingDown
	CaptureCapturing
	CaptureFinalizing
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureCountingDown:
		return "counting_down"
	case CaptureCapturing:
		return "capturing"
	case CaptureFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("capture_state(%d)", int(s))
	}
}

// MarshalText lets the state appear by name in JSON snapshots.
func (s CaptureState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Recording reports whether a capture is in flight.
func (s CaptureState) Recording() bool {
	return s != CaptureIdle
}

// QueueState tells whether the emotion queue may dispatch.
type QueueState int

const (
	QueueRunning QueueState = iota
	QueuePaused
)

func (s QueueState) String() string {
	switch s {
	case QueueRunning:
		return "running"
	case QueuePaused:
		return "paused"
	default:
		return fmt.Sprintf("queue_state(%d)", int(s))
	}
}

func (s QueueState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// isValidTransition enforces the allowed capture state machine edges.
func isValidTransition(from, to CaptureState) bool {
	switch from {
	case CaptureIdle:
		return to == CaptureCountingDown
	case CaptureCountingDown:
		// Idle when the round is aborted before the device starts.
		return to == CaptureCapturing || to == CaptureIdle
	case CaptureCapturing:
		// Idle when the device refuses to start.
		return to == CaptureFinalizing || to == CaptureIdle
	case CaptureFinalizing:
		return to == CaptureIdle
	default:
		return false
	}
}
