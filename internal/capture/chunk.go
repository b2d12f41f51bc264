package capture

import (
	"errors"
	"sync"
)

var errChunkWriterClosed = errors.New("chunk writer closed")

// chunkWriter buffers container bytes and hands them to a ChunkFunc on Flush.
// Closing it flushes whatever is left.
type chunkWriter struct {
	mu      sync.Mutex
	buf     []byte
	emit    ChunkFunc
	closed  bool
	written int64
}

func newChunkWriter(emit ChunkFunc) *chunkWriter {
	return &chunkWriter{emit: emit}
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errChunkWriterClosed
	}
	w.buf = append(w.buf, p...)
	w.written += int64(len(p))
	return len(p), nil
}

// Flush emits the buffered bytes as one chunk. Empty buffers emit nothing.
func (w *chunkWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errChunkWriterClosed
	}
	w.flushLocked()
	return nil
}

func (w *chunkWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.flushLocked()
	w.closed = true
	return nil
}

// Written returns the total number of bytes accepted.
func (w *chunkWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *chunkWriter) flushLocked() {
	if len(w.buf) == 0 || w.emit == nil {
		return
	}
	chunk := w.buf
	w.buf = nil
	w.emit(chunk)
}
