package session

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureInFlight is returned when a capture is requested while another is active.
	ErrCaptureInFlight = errors.New("capture already in flight")

	// ErrCaptureAborted is returned when a round is stopped during its countdown.
	ErrCaptureAborted = errors.New("capture aborted before recording started")

	// ErrEmptyBatch is returned when an upload is requested with nothing recorded.
	ErrEmptyBatch = errors.New("no recorded sessions to upload")

	// ErrFlushInProgress is returned when a second upload starts before the first returns.
	ErrFlushInProgress = errors.New("upload already in progress")

	// ErrQueueBusy is returned when a queue run is requested while one is pending.
	ErrQueueBusy = errors.New("emotion queue is not empty")

	// ErrPoolInFlight is returned when a second pool recording is requested.
	ErrPoolInFlight = errors.New("pool recording already in progress")

	// ErrUnknownLabel is returned for a label outside the configured set.
	ErrUnknownLabel = errors.New("unknown emotion label")
)

// DeviceAccessError reports that the capture device could not be started.
type DeviceAccessError struct {
	Label string
	Err   error
}

func (e *DeviceAccessError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("capture device unavailable: %v", e.Err)
	}
	return fmt.Sprintf("capture device unavailable for %q: %v", e.Label, e.Err)
}

func (e *DeviceAccessError) Unwrap() error {
	return e.Err
}

// UploadDispatchError reports that a batch could not be handed to the backend.
// The batch has been restored when this is returned.
type UploadDispatchError struct {
	BatchID string
	Count   int
	Err     error
}

func (e *UploadDispatchError) Error() string {
	return fmt.Sprintf("dispatch of batch %s (%d sessions) failed: %v", e.BatchID, e.Count, e.Err)
}

func (e *UploadDispatchError) Unwrap() error {
	return e.Err
}

// IsDeviceAccess reports whether err is, or wraps, a DeviceAccessError.
func IsDeviceAccess(err error) bool {
	var de *DeviceAccessError
	return errors.As(err, &de)
}
