package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/emocapture/internal/capture"
	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// Recorder runs one capture round at a time: countdown, device recording for a fixed
// duration, then finalization into a Session appended to the batch.
type Recorder struct {
	mu    sync.Mutex
	state CaptureState

	device    capture.Device
	batch     *Batch
	events    *EventBus
	countdown *Countdown
	timing    config.CaptureConfig
	labels    []string
	log       recorderlog.Logger

	// per-round control, valid while state != CaptureIdle
	label       string
	cancelRound context.CancelFunc
	stop        chan struct{}
	stopOnce    *sync.Once

	recorded map[string]bool
}

// NewRecorder creates a recorder bound to device. Finalized sessions go to batch.
func NewRecorder(cfg *config.Config, device capture.Device, batch *Batch, events *EventBus, log recorderlog.Logger) *Recorder {
	if log == nil {
		log = recorderlog.L()
	}
	return &Recorder{
		state:     CaptureIdle,
		device:    device,
		batch:     batch,
		events:    events,
		countdown: NewCountdown(cfg.Capture.CountdownDuration, cfg.Glyphs(), events),
		timing:    cfg.Capture,
		labels:    cfg.LabelOrder(),
		log:       log.Named("recorder"),
		recorded:  make(map[string]bool),
	}
}

// State returns the current capture state.
func (r *Recorder) State() CaptureState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CurrentLabel returns the label of the in-flight round, if any.
func (r *Recorder) CurrentLabel() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == CaptureIdle {
		return "", false
	}
	return r.label, true
}

// Recorded returns the labels captured since the last reset, in configured order.
func (r *Recorder) Recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.recorded))
	for _, l := range r.labels {
		if r.recorded[l] {
			out = append(out, l)
		}
	}
	return out
}

// ResetRecorded clears the per-round recorded markers.
func (r *Recorder) ResetRecorded() {
	r.mu.Lock()
	r.recorded = make(map[string]bool)
	r.mu.Unlock()
}

// BeginCapture runs a full round for label and returns the finalized session.
// A zero override selects the pool or standard duration. It fails fast with
// ErrCaptureInFlight when another round is active.
func (r *Recorder) BeginCapture(ctx context.Context, label string, pool bool, override time.Duration) (*Session, error) {
	r.mu.Lock()
	if r.state != CaptureIdle {
		state := r.state
		r.mu.Unlock()
		r.log.Debug("capture rejected", recorderlog.String("label", label), recorderlog.String("state", state.String()))
		return nil, ErrCaptureInFlight
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.label = label
	r.cancelRound = cancel
	r.stop = make(chan struct{})
	r.stopOnce = &sync.Once{}
	stop := r.stop
	r.setStateLocked(CaptureCountingDown)
	r.mu.Unlock()

	r.log.Debug("capture round starting", recorderlog.String("label", label), recorderlog.Bool("pool", pool))

	if err := r.countdown.Run(roundCtx, label); err != nil {
		r.endRound()
		r.log.Info("capture aborted during countdown", recorderlog.String("label", label))
		return nil, ErrCaptureAborted
	}

	r.mu.Lock()
	if roundCtx.Err() != nil {
		r.setStateLocked(CaptureIdle)
		r.clearRoundLocked()
		r.mu.Unlock()
		return nil, ErrCaptureAborted
	}
	r.setStateLocked(CaptureCapturing)
	r.mu.Unlock()

	var (
		chunkMu sync.Mutex
		chunks  [][]byte
	)
	onChunk := func(b []byte) {
		if len(b) == 0 {
			return
		}
		chunkMu.Lock()
		chunks = append(chunks, b)
		chunkMu.Unlock()
	}

	if err := r.device.Start(roundCtx, onChunk); err != nil {
		r.countdown.Hide(label)
		r.endRound()
		derr := &DeviceAccessError{Label: label, Err: err}
		r.log.Error("failed to start capture device", recorderlog.String("label", label), recorderlog.Error(err))
		r.publish(Event{Type: EventError, Label: label, Message: derr.Error()})
		return nil, derr
	}

	startedAt := time.Now()
	duration := r.durationFor(pool, override)
	r.publish(Event{Type: EventCaptureStarted, Label: label, Message: duration.String()})

	partial := false
	timer := time.NewTimer(duration)
	select {
	case <-timer.C:
	case <-stop:
		partial = true
	case <-roundCtx.Done():
		partial = true
	}
	timer.Stop()

	r.mu.Lock()
	r.setStateLocked(CaptureFinalizing)
	r.mu.Unlock()

	if err := r.device.RequestFlush(); err != nil {
		r.log.Warn("device flush request failed", recorderlog.Error(err))
	}
	if err := r.device.Stop(); err != nil {
		r.log.Warn("device stop failed", recorderlog.Error(err))
	}

	timedOut := false
	finalizeTimer := time.NewTimer(r.timing.FinalizeTimeout)
	select {
	case <-r.device.Done():
	case <-finalizeTimer.C:
		timedOut = true
	}
	finalizeTimer.Stop()
	endedAt := time.Now()

	chunkMu.Lock()
	payload := bytes.Join(chunks, nil)
	chunkMu.Unlock()

	s := &Session{
		ID:        uuid.NewString(),
		Label:     NormalizeLabel(label),
		Payload:   payload,
		Unlabeled: IsUnlabeled(label),
		Pool:      pool,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Partial:   partial,
	}
	r.batch.Add(s)

	r.mu.Lock()
	if !s.Unlabeled {
		r.recorded[s.Label] = true
	}
	r.setStateLocked(CaptureIdle)
	r.clearRoundLocked()
	r.mu.Unlock()

	r.log.Info("session recorded",
		recorderlog.String("session_id", s.ID),
		recorderlog.String("label", s.Label),
		recorderlog.Bool("pool", s.Pool),
		recorderlog.Bool("partial", s.Partial),
		recorderlog.Int("bytes", s.Size()),
		recorderlog.Duration("duration", s.Duration()),
	)

	r.countdown.Hide(label)
	r.publish(Event{Type: EventCaptureStopped, Label: s.Label, SessionID: s.ID})
	r.publish(Event{Type: EventSessionRecorded, Label: s.Label, SessionID: s.ID, Bytes: s.Size(), Count: r.batch.Len()})

	switch {
	case timedOut:
		r.log.Warn("device did not confirm stop, finalized with buffered data",
			recorderlog.String("label", s.Label), recorderlog.Duration("timeout", r.timing.FinalizeTimeout))
		r.publish(Event{Type: EventWarning, Label: s.Label, SessionID: s.ID,
			Message: fmt.Sprintf("device did not confirm stop within %s", r.timing.FinalizeTimeout)})
	case s.Empty():
		r.log.Warn("recorded session is empty", recorderlog.String("label", s.Label))
		r.publish(Event{Type: EventWarning, Label: s.Label, SessionID: s.ID, Message: "recording produced no data"})
	case s.Size() < SmallPayloadThreshold:
		r.log.Warn("recorded session is very small", recorderlog.String("label", s.Label), recorderlog.Int("bytes", s.Size()))
		r.publish(Event{Type: EventWarning, Label: s.Label, SessionID: s.ID, Bytes: s.Size(),
			Message: "recording is very small, possible capture issue"})
	}

	return s, nil
}

// ForceStop ends the in-flight round early. A round still counting down is aborted
// and produces no session; a capturing round is finalized with what it has.
// It reports whether there was anything to stop.
func (r *Recorder) ForceStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case CaptureCountingDown:
		r.cancelRound()
		return true
	case CaptureCapturing:
		r.stopOnce.Do(func() { close(r.stop) })
		return true
	default:
		return false
	}
}

func (r *Recorder) durationFor(pool bool, override time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case pool:
		return r.timing.PoolDuration
	default:
		return r.timing.StandardDuration
	}
}

func (r *Recorder) endRound() {
	r.mu.Lock()
	r.setStateLocked(CaptureIdle)
	r.clearRoundLocked()
	r.mu.Unlock()
}

func (r *Recorder) clearRoundLocked() {
	r.label = ""
	r.cancelRound = nil
	r.stop = nil
	r.stopOnce = nil
}

// setStateLocked applies a transition; r.mu must be held.
func (r *Recorder) setStateLocked(to CaptureState) {
	if r.state == to {
		return
	}
	if !isValidTransition(r.state, to) {
		r.log.Error("invalid capture transition",
			recorderlog.String("from", r.state.String()), recorderlog.String("to", to.String()))
	}
	r.state = to
}

func (r *Recorder) publish(e Event) {
	if r.events != nil {
		r.events.Publish(e)
	}
}
