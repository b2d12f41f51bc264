// Package session orchestrates labeled webcam captures: the countdown, the timed
// recording of each round, the emotion queue, segmented pool captures and the
// batch that is eventually handed to the backend.
package session

import (
	"strings"
	"time"
)

// UnlabeledLabel is the label given to sessions captured without an emotion.
const UnlabeledLabel = "unlabeled"

// SmallPayloadThreshold is the size under which a recording is probably broken.
const SmallPayloadThreshold = 1000

// Session is one finalized capture. It is not modified after creation.
type Session struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Payload   []byte    `json:"-"`
	Unlabeled bool      `json:"unlabeled"`
	Pool      bool      `json:"pool"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`

	// Partial is set when the capture was stopped before its nominal duration.
	Partial bool `json:"partial"`
}

// Empty reports whether the capture produced no data.
func (s *Session) Empty() bool {
	return len(s.Payload) == 0
}

// Size returns the payload size in bytes.
func (s *Session) Size() int {
	return len(s.Payload)
}

// Duration returns the wall time the device was recording.
func (s *Session) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

// NormalizeLabel lower-cases label and maps "" to UnlabeledLabel.
func NormalizeLabel(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return UnlabeledLabel
	}
	return l
}

// IsUnlabeled reports whether label carries no emotion.
func IsUnlabeled(label string) bool {
	return NormalizeLabel(label) == UnlabeledLabel
}
