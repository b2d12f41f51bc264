package session

import "sync"

// Batch holds finalized sessions until they are uploaded or discarded.
type Batch struct {
	mu       sync.Mutex
	sessions []*Session
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Add appends a finalized session.
func (b *Batch) Add(s *Session) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
}

// Len returns the number of sessions awaiting upload.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Bytes returns the combined payload size.
func (b *Batch) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, s := range b.sessions {
		total += s.Size()
	}
	return total
}

// Snapshot returns a copy of the session list in recording order.
func (b *Batch) Snapshot() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// Discard empties the batch and returns how many sessions were dropped.
func (b *Batch) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.sessions)
	b.sessions = nil
	return n
}

// Restore puts sessions back ahead of anything recorded since they were taken.
func (b *Batch) Restore(sessions []*Session) {
	if len(sessions) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	restored := make([]*Session, 0, len(sessions)+len(b.sessions))
	restored = append(restored, sessions...)
	restored = append(restored, b.sessions...)
	b.sessions = restored
}

// take removes and returns every session.
func (b *Batch) take() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.sessions
	b.sessions = nil
	return out
}
