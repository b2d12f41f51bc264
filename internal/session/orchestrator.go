package session

import (
	"context"

	"github.com/mikeyg42/emocapture/internal/capture"
	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// Orchestrator wires the recorder, queue, pool recorder and flusher around one
// device and one batch. It is what the CLI and the HTTP API drive.
type Orchestrator struct {
	Events   *EventBus
	Batch    *Batch
	Recorder *Recorder
	Queue    *QueueController
	Pool     *PoolRecorder
	Flusher  *Flusher

	log recorderlog.Logger
}

// Snapshot is the state shown to the operator.
type Snapshot struct {
	Capture      CaptureState `json:"capture"`
	Queue        QueueState   `json:"queue"`
	CurrentLabel string       `json:"currentLabel,omitempty"`
	Pending      []string     `json:"pending"`
	Recorded     []string     `json:"recorded"`
	BatchLen     int          `json:"batchLen"`
	BatchBytes   int          `json:"batchBytes"`
	Flushing     bool         `json:"flushing"`
	PoolRunning  bool         `json:"poolRunning"`
	Controls     Controls     `json:"controls"`
	LastError    string       `json:"lastError,omitempty"`
	LastSeq      int64        `json:"lastSeq"`
}

// New builds an orchestrator. archiver may be nil.
func New(cfg *config.Config, device capture.Device, dispatcher Dispatcher, archiver Archiver, log recorderlog.Logger) (*Orchestrator, error) {
	if log == nil {
		log = recorderlog.L()
	}
	log = log.Named("session")

	events := NewEventBus(cfg.Capture.EventBufferSize)
	batch := NewBatch()
	rec := NewRecorder(cfg, device, batch, events, log)

	flusher, err := NewFlusher(cfg, batch, dispatcher, archiver, events, log)
	if err != nil {
		return nil, err
	}

	owner := newDeviceOwner()
	queue := NewQueueController(rec, cfg.LabelOrder(), events, log)
	queue.owner = owner
	pool := NewPoolRecorder(cfg, rec, events, log)
	pool.owner = owner

	return &Orchestrator{
		Events:   events,
		Batch:    batch,
		Recorder: rec,
		Queue:    queue,
		Pool:     pool,
		Flusher:  flusher,
		log:      log,
	}, nil
}

// StopAll clears the queue, cancels a pool recording and stops the in-flight round.
func (o *Orchestrator) StopAll() {
	o.Pool.Cancel()
	o.Queue.StopAll()
}

// Wait blocks until neither the queue nor the pool recorder is active.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if err := o.Queue.Wait(ctx); err != nil {
		return err
	}
	return o.Pool.Wait(ctx)
}

// Close stops all activity.
func (o *Orchestrator) Close() {
	o.Pool.Cancel()
	o.Queue.Close()
}

// Snapshot captures the current state and the derived control enablement.
func (o *Orchestrator) Snapshot() Snapshot {
	captureState := o.Recorder.State()
	label, _ := o.Recorder.CurrentLabel()
	pending := o.Queue.Pending()
	queueState := o.Queue.State()
	batchLen := o.Batch.Len()
	flushing := o.Flusher.InFlight()
	poolRunning := o.Pool.Running()

	s := Snapshot{
		Capture:      captureState,
		Queue:        queueState,
		CurrentLabel: label,
		Pending:      pending,
		Recorded:     o.Recorder.Recorded(),
		BatchLen:     batchLen,
		BatchBytes:   o.Batch.Bytes(),
		Flushing:     flushing,
		PoolRunning:  poolRunning,
		LastSeq:      o.Events.LastSeq(),
		Controls: ComputeControls(ControlInputs{
			Capture:  captureState,
			Queue:    queueState,
			QueueLen: len(pending),
			BatchLen:    batchLen,
			Flushing:    flushing,
			PoolRunning: poolRunning,
		}),
	}
	if err := o.Queue.Err(); err != nil {
		s.LastError = err.Error()
	}
	return s
}
