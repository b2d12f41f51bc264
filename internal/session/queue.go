package session

import (
	"context"
	"errors"
	"sync"

	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// QueueController captures a list of labels one after another. Exactly one dispatch
// loop runs at a time and it waits for each round to finalize before popping the next.
type QueueController struct {
	rec    *Recorder
	labels []string
	events *EventBus
	log    recorderlog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// owner is shared with the pool recorder; nil when the queue runs alone.
	owner *deviceOwner
	// loopExited runs after a dispatch loop has gone idle.
	loopExited func()

	mu          sync.Mutex
	queue       []string
	state       QueueState
	dispatching bool
	idle        chan struct{}
	generation  uint64
	lastErr     error
}

// NewQueueController creates a controller that captures labels through rec.
// labels is the order used by Start.
func NewQueueController(rec *Recorder, labels []string, events *EventBus, log recorderlog.Logger) *QueueController {
	if log == nil {
		log = recorderlog.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &QueueController{
		rec:    rec,
		labels: append([]string(nil), labels...),
		events: events,
		log:    log.Named("queue"),
		ctx:    ctx,
		cancel: cancel,
		state:  QueueRunning,
		idle:   idle,
	}
}

// Start queues every configured label and begins capturing. It is refused while a
// capture or a pool recording is in progress.
func (q *QueueController) Start() error {
	if q.rec.State().Recording() {
		return ErrCaptureInFlight
	}

	q.mu.Lock()
	if len(q.queue) > 0 || q.dispatching {
		q.mu.Unlock()
		return ErrQueueBusy
	}
	if err := q.owner.acquire(ownerQueue); err != nil {
		q.mu.Unlock()
		return err
	}
	q.state = QueueRunning
	q.lastErr = nil
	q.beginLoopLocked()
	q.mu.Unlock()

	q.EnqueueAll(q.labels...)
	q.rec.ResetRecorded()
	q.log.Info("emotion queue started", recorderlog.Strings("labels", q.labels))
	go q.loop("")
	return nil
}

// EnqueueAll appends labels to the queue without dispatching.
func (q *QueueController) EnqueueAll(labels ...string) {
	q.mu.Lock()
	for _, l := range labels {
		q.queue = append(q.queue, NormalizeLabel(l))
	}
	q.mu.Unlock()
}

// DispatchNext starts the dispatch loop when the queue is running, non-empty and
// no loop is active. It reports whether a loop was started.
func (q *QueueController) DispatchNext() bool {
	q.mu.Lock()
	if q.dispatching || q.state != QueueRunning || len(q.queue) == 0 {
		q.mu.Unlock()
		return false
	}
	if err := q.owner.acquire(ownerQueue); err != nil {
		q.mu.Unlock()
		q.log.Debug("dispatch deferred", recorderlog.Error(err))
		return false
	}
	q.beginLoopLocked()
	q.mu.Unlock()

	go q.loop("")
	return true
}

// CaptureLabel records a single label outside the queue. The queue continues
// afterwards if it is running.
func (q *QueueController) CaptureLabel(label string) error {
	label = NormalizeLabel(label)
	if !q.known(label) {
		return ErrUnknownLabel
	}
	if q.rec.State().Recording() {
		return ErrCaptureInFlight
	}

	q.mu.Lock()
	if q.dispatching {
		q.mu.Unlock()
		return ErrCaptureInFlight
	}
	if err := q.owner.acquire(ownerQueue); err != nil {
		q.mu.Unlock()
		return err
	}
	q.beginLoopLocked()
	q.mu.Unlock()

	go q.loop(label)
	return nil
}

// Pause stops the in-flight round, keeping its data, and holds the rest of the queue.
func (q *QueueController) Pause() {
	q.mu.Lock()
	q.state = QueuePaused
	pending := len(q.queue)
	dispatching := q.dispatching
	q.mu.Unlock()

	if dispatching {
		q.rec.ForceStop()
	}
	q.log.Info("emotion queue paused", recorderlog.Int("pending", pending))
	q.publish(Event{Type: EventQueuePaused, Count: pending})
}

// Resume continues a paused queue. It fails with ErrPoolInFlight, leaving the
// queue paused, while a pool recording holds the device.
func (q *QueueController) Resume() error {
	q.mu.Lock()
	start := !q.dispatching && len(q.queue) > 0
	if start {
		if err := q.owner.acquire(ownerQueue); err != nil {
			q.mu.Unlock()
			return err
		}
		q.beginLoopLocked()
	}
	q.state = QueueRunning
	pending := len(q.queue)
	q.mu.Unlock()

	q.log.Info("emotion queue resumed", recorderlog.Int("pending", pending))
	q.publish(Event{Type: EventQueueResumed, Count: pending})
	if start {
		go q.loop("")
	}
	return nil
}

// StopAll clears the queue and stops the in-flight round. Nothing further is captured.
func (q *QueueController) StopAll() {
	q.mu.Lock()
	q.state = QueuePaused
	dropped := len(q.queue)
	q.queue = nil
	q.generation++
	dispatching := q.dispatching
	q.mu.Unlock()

	if dispatching {
		q.rec.ForceStop()
	}
	q.log.Info("emotion queue stopped", recorderlog.Int("dropped", dropped))
	q.publish(Event{Type: EventQueueStopped, Count: dropped})
}

// Wait blocks until no dispatch loop is running.
func (q *QueueController) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops everything and cancels rounds started by the controller.
func (q *QueueController) Close() {
	q.StopAll()
	q.cancel()
}

// State returns the queue state.
func (q *QueueController) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Pending returns the labels still to capture.
func (q *QueueController) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queue...)
}

// Len returns the number of pending labels.
func (q *QueueController) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Dispatching reports whether the dispatch loop is active.
func (q *QueueController) Dispatching() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dispatching
}

// Err returns the error that last paused the queue, if any.
func (q *QueueController) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr
}

func (q *QueueController) beginLoopLocked() {
	q.dispatching = true
	q.idle = make(chan struct{})
}

// endLoopLocked marks the loop gone in the same critical section that decided to
// stop, so a Resume that follows always finds dispatching false.
func (q *QueueController) endLoopLocked() {
	q.dispatching = false
	close(q.idle)
	q.owner.release(ownerQueue)
}

func (q *QueueController) loop(first string) {
	label := first
	captured := 0
	for {
		q.mu.Lock()
		gen := q.generation
		fromQueue := label == ""
		if fromQueue {
			if q.state != QueueRunning || len(q.queue) == 0 {
				drained := q.state == QueueRunning && captured > 0
				q.endLoopLocked()
				q.mu.Unlock()
				if drained {
					q.log.Info("emotion queue drained", recorderlog.Int("captured", captured))
					q.publish(Event{Type: EventQueueDrained, Count: captured})
				}
				if q.loopExited != nil {
					q.loopExited()
				}
				return
			}
			label = q.queue[0]
			q.queue = q.queue[1:]
		}
		q.mu.Unlock()

		q.log.Debug("dispatching label", recorderlog.String("label", label))
		_, err := q.rec.BeginCapture(q.ctx, label, false, 0)
		switch {
		case err == nil:
			captured++
		case errors.Is(err, ErrCaptureAborted):
			if fromQueue {
				q.requeue(label, gen)
			}
		case IsDeviceAccess(err), errors.Is(err, ErrCaptureInFlight):
			q.mu.Lock()
			if fromQueue && q.generation == gen {
				q.queue = append([]string{label}, q.queue...)
			}
			q.state = QueuePaused
			q.lastErr = err
			pending := len(q.queue)
			q.mu.Unlock()

			q.log.Error("emotion queue paused after capture failure", recorderlog.String("label", label), recorderlog.Error(err))
			q.publish(Event{Type: EventQueuePaused, Label: label, Count: pending, Message: err.Error()})
		default:
			q.log.Error("capture failed", recorderlog.String("label", label), recorderlog.Error(err))
		}
		label = ""
	}
}

// requeue puts an aborted label back at the front unless the queue was cleared since.
func (q *QueueController) requeue(label string, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.generation != gen || q.ctx.Err() != nil {
		return
	}
	q.queue = append([]string{label}, q.queue...)
}

func (q *QueueController) known(label string) bool {
	for _, l := range q.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (q *QueueController) publish(e Event) {
	if q.events != nil {
		q.events.Publish(e)
	}
}
