package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// StampLayout formats the batch timestamp shared by every item of an upload.
const StampLayout = "2006-01-02-15-04-05"

// Payload is the upload message understood by the backend.
type Payload struct {
	UserID     string   `json:"user_id"`
	Username   string   `json:"username"`
	ImageBlobs [][]byte `json:"image_blobs"`
	Emotions   []string `json:"emotions"`
	Timestamps []string `json:"timestamps"`
	IsPool     bool     `json:"is_pool,omitempty"`
}

// Bytes returns the combined size of all blobs.
func (p *Payload) Bytes() int {
	total := 0
	for _, b := range p.ImageBlobs {
		total += len(b)
	}
	return total
}

// Ack is the backend's reply to a dispatched payload. Fire-and-forget dispatchers
// return an Ack with Status "sent" and no raw body.
type Ack struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Dispatcher hands a payload to the backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload *Payload) (*Ack, error)
}

// Record describes a dispatched batch for archival.
type Record struct {
	BatchID      string
	Dataset      string
	Stamp        string
	Payload      *Payload
	Sessions     []*Session
	Ack          *Ack
	DispatchedAt time.Time
}

// Archiver keeps a durable copy of dispatched batches.
type Archiver interface {
	Archive(ctx context.Context, rec *Record) error
}

// FlushResult summarizes a successful upload.
type FlushResult struct {
	BatchID string `json:"batchId"`
	Dataset string `json:"dataset"`
	Count   int    `json:"count"`
	Pool    bool   `json:"pool"`
	Bytes   int    `json:"bytes"`
	Ack     *Ack   `json:"ack,omitempty"`
}

// Stamp formats t in loc for use in upload timestamps.
func Stamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(StampLayout)
}

// DatasetName mirrors the backend's calibration dataset naming. fallbackID is used
// when the operator has no user id.
func DatasetName(username, stamp, userID, fallbackID string) string {
	if userID == "" {
		userID = fallbackID
	}
	return fmt.Sprintf("calibration_%s_%s_%s", username, stamp, userID)
}

// BuildPayload assembles the upload message for sessions in order.
func BuildPayload(sessions []*Session, username, userID, stamp string) *Payload {
	p := &Payload{
		UserID:     userID,
		Username:   username,
		ImageBlobs: make([][]byte, 0, len(sessions)),
		Emotions:   make([]string, 0, len(sessions)),
		Timestamps: make([]string, 0, len(sessions)),
	}
	for i, s := range sessions {
		label := s.Label
		if s.Unlabeled {
			label = UnlabeledLabel
		}
		p.ImageBlobs = append(p.ImageBlobs, s.Payload)
		p.Emotions = append(p.Emotions, NormalizeLabel(label))
		p.Timestamps = append(p.Timestamps, fmt.Sprintf("%s-%d", stamp, i))
		if s.Pool {
			p.IsPool = true
		}
	}
	return p
}

// Flusher turns the batch into one upload.
type Flusher struct {
	batch      *Batch
	dispatcher Dispatcher
	archiver   Archiver
	events     *EventBus
	log        recorderlog.Logger

	username string
	userID   string
	loc      *time.Location
	now      func() time.Time

	mu       sync.Mutex
	inFlight bool
}

// NewFlusher creates a flusher for batch. archiver may be nil.
func NewFlusher(cfg *config.Config, batch *Batch, dispatcher Dispatcher, archiver Archiver, events *EventBus, log recorderlog.Logger) (*Flusher, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = recorderlog.L()
	}
	return &Flusher{
		batch:      batch,
		dispatcher: dispatcher,
		archiver:   archiver,
		events:     events,
		log:        log.Named("flush"),
		username:   cfg.Operator.Username,
		userID:     cfg.Operator.UserID,
		loc:        loc,
		now:        time.Now,
	}, nil
}

// InFlight reports whether an upload is running.
func (f *Flusher) InFlight() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Flush dispatches every recorded session as one payload. On dispatch failure the
// sessions are put back in the batch and an *UploadDispatchError is returned.
func (f *Flusher) Flush(ctx context.Context) (*FlushResult, error) {
	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		return nil, ErrFlushInProgress
	}
	f.inFlight = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	sessions := f.batch.take()
	if len(sessions) == 0 {
		f.log.Warn("upload requested with no recorded sessions")
		return nil, ErrEmptyBatch
	}

	batchID := uuid.NewString()
	stamp := Stamp(f.now(), f.loc)
	payload := BuildPayload(sessions, f.username, f.userID, stamp)
	dataset := DatasetName(f.username, stamp, f.userID, batchID)

	log := f.log.With(recorderlog.String("batch_id", batchID))
	log.Debug("upload prepared",
		recorderlog.Int("sessions", len(sessions)),
		recorderlog.Strings("emotions", payload.Emotions),
		recorderlog.Int("total_bytes", payload.Bytes()),
		recorderlog.Bool("pool", payload.IsPool),
	)
	for i, s := range sessions {
		log.Debug("upload item",
			recorderlog.Int("index", i),
			recorderlog.String("label", payload.Emotions[i]),
			recorderlog.Bool("pool", s.Pool),
			recorderlog.Int("bytes", s.Size()),
		)
	}

	ack, err := f.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		f.batch.Restore(sessions)
		derr := &UploadDispatchError{BatchID: batchID, Count: len(sessions), Err: err}
		log.Error("upload dispatch failed, batch restored", recorderlog.Error(err))
		f.publish(Event{Type: EventFlushFailed, BatchID: batchID, Count: len(sessions), Message: derr.Error()})
		return nil, derr
	}

	result := &FlushResult{
		BatchID: batchID,
		Dataset: dataset,
		Count:   len(sessions),
		Pool:    payload.IsPool,
		Bytes:   payload.Bytes(),
		Ack:     ack,
	}

	log.Info("upload dispatched",
		recorderlog.Int("sessions", result.Count),
		recorderlog.Int("bytes", result.Bytes),
		recorderlog.Bool("pool", result.Pool),
	)
	f.publish(Event{Type: EventFlushDispatched, BatchID: batchID, Count: result.Count, Bytes: result.Bytes})

	if f.archiver != nil {
		rec := &Record{
			BatchID:      batchID,
			Dataset:      dataset,
			Stamp:        stamp,
			Payload:      payload,
			Sessions:     sessions,
			Ack:          ack,
			DispatchedAt: f.now(),
		}
		if err := f.archiver.Archive(ctx, rec); err != nil {
			log.Error("failed to archive dispatched batch", recorderlog.Error(err))
			f.publish(Event{Type: EventWarning, BatchID: batchID, Message: "archive failed: " + err.Error()})
		}
	}

	return result, nil
}

// Discard drops every recorded session without uploading.
func (f *Flusher) Discard() int {
	n := f.batch.Discard()
	if n > 0 {
		f.log.Info("batch discarded", recorderlog.Int("sessions", n))
		f.publish(Event{Type: EventBatchDiscarded, Count: n})
	}
	return n
}

func (f *Flusher) publish(e Event) {
	if f.events != nil {
		f.events.Publish(e)
	}
}
