package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mikeyg42/emocapture/internal/capture"
	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// fakeDevice emits one chunk per flush request and tracks overlapping recordings.
type fakeDevice struct {
	mu       sync.Mutex
	chunk    []byte
	startErr error
	noDone   bool

	active    bool
	starts    int
	overlap   bool
	onChunk   capture.ChunkFunc
	done      chan struct{}
	startedAt []time.Time
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{chunk: make([]byte, 2048)}
}

func (d *fakeDevice) Start(_ context.Context, onChunk capture.ChunkFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startErr != nil {
		return d.startErr
	}
	if d.active {
		d.overlap = true
		return capture.ErrAlreadyRecording
	}
	d.active = true
	d.starts++
	d.onChunk = onChunk
	d.done = make(chan struct{})
	d.startedAt = append(d.startedAt, time.Now())
	return nil
}

func (d *fakeDevice) RequestFlush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return capture.ErrNotRecording
	}
	if len(d.chunk) > 0 {
		d.onChunk(append([]byte(nil), d.chunk...))
	}
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return capture.ErrNotRecording
	}
	d.active = false
	if !d.noDone {
		close(d.done)
	}
	return nil
}

func (d *fakeDevice) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *fakeDevice) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *fakeDevice) Overlapped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlap
}

// fakeDispatcher records payloads and returns err when set.
type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []*Payload
	err      error
	block    chan struct{}
	hook     func()
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, p *Payload) (*Ack, error) {
	if d.hook != nil {
		d.hook()
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.payloads = append(d.payloads, p)
	return &Ack{Status: "ok"}, nil
}

func (d *fakeDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []*Record
	err     error
}

func (a *fakeArchiver) Archive(_ context.Context, rec *Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return a.err
}

// testConfig returns a config with durations short enough for unit tests.
func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Operator.Username = "tester"
	cfg.Operator.TimeZone = "UTC"
	cfg.Capture.StandardDuration = 20 * time.Millisecond
	cfg.Capture.PoolDuration = 100 * time.Millisecond
	cfg.Capture.SegmentDuration = 20 * time.Millisecond
	cfg.Capture.CountdownDuration = 0
	cfg.Capture.SettleDelay = 5 * time.Millisecond
	cfg.Capture.FinalizeTimeout = 500 * time.Millisecond
	return cfg
}

func newTestRecorder(cfg *config.Config, dev capture.Device) (*Recorder, *Batch, *EventBus) {
	batch := NewBatch()
	events := NewEventBus(1000)
	return NewRecorder(cfg, dev, batch, events, recorderlog.NewNop()), batch, events
}

// waitForState polls until rec reaches want or the deadline passes.
func waitForState(t *testing.T, rec *Recorder, want CaptureState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("recorder never reached state %s (last %s)", want, rec.State())
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func labelsOf(sessions []*Session) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Label)
	}
	return out
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
