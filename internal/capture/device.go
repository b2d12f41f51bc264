// Package capture adapts camera hardware to the chunked recording interface used by
// the session recorder.
package capture

import (
	"context"
	"errors"
)

// ChunkFunc receives encoded container bytes as the device emits them.
// The slice is owned by the callee.
type ChunkFunc func(chunk []byte)

// Device is a camera that records into a sequence of byte chunks.
//
// Start begins a recording; ctx only bounds device acquisition. RequestFlush asks
// for buffered data to be emitted, Stop ends the recording, and the channel
// returned by Done is closed once the final chunk has been delivered.
type Device interface {
	Start(ctx context.Context, onChunk ChunkFunc) error
	RequestFlush() error
	Stop() error
	Done() <-chan struct{}
}

var (
	// ErrNotRecording is returned by RequestFlush or Stop without an active recording.
	ErrNotRecording = errors.New("device is not recording")

	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("device is already recording")
)

// closedChan is returned by Done when no recording was ever started.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
