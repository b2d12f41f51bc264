package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// PoolRecorder captures a long unlabeled recording as a series of bounded segments,
// each of which becomes its own pool session.
type PoolRecorder struct {
	rec     *Recorder
	total   time.Duration
	segment time.Duration
	settle  time.Duration
	events  *EventBus
	log     recorderlog.Logger
	owner   *deviceOwner

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPoolRecorder creates a pool recorder using the configured pool timing.
func NewPoolRecorder(cfg *config.Config, rec *Recorder, events *EventBus, log recorderlog.Logger) *PoolRecorder {
	if log == nil {
		log = recorderlog.L()
	}
	done := make(chan struct{})
	close(done)
	return &PoolRecorder{
		rec:     rec,
		total:   cfg.Capture.PoolDuration,
		segment: cfg.Capture.SegmentDuration,
		settle:  cfg.Capture.SettleDelay,
		events:  events,
		log:     log.Named("pool"),
		done:    done,
	}
}

// Segments returns how many whole segments fit in the pool duration and the
// remainder that will not be captured.
func (p *PoolRecorder) Segments() (int, time.Duration) {
	if p.segment <= 0 {
		return 0, p.total
	}
	n := int(p.total / p.segment)
	return n, p.total - time.Duration(n)*p.segment
}

// Run captures every segment and returns how many were recorded.
func (p *PoolRecorder) Run(ctx context.Context) (int, error) {
	ctx, err := p.reserve(ctx)
	if err != nil {
		return 0, err
	}
	defer p.release()
	return p.run(ctx)
}

// Start reserves the pool recorder and runs it in the background.
// Use Wait to block until it finishes.
func (p *PoolRecorder) Start(ctx context.Context) error {
	ctx, err := p.reserve(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer p.release()
		if n, err := p.run(ctx); err != nil {
			p.log.Warn("pool recording ended early", recorderlog.Int("segments", n), recorderlog.Error(err))
		}
	}()
	return nil
}

// Cancel stops the pool recording, finalizing the segment in progress.
func (p *PoolRecorder) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.rec.ForceStop()
	}
}

// Running reports whether a pool recording is in progress.
func (p *PoolRecorder) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until the current pool recording, if any, returns.
func (p *PoolRecorder) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PoolRecorder) reserve(ctx context.Context) (context.Context, error) {
	if p.rec.State().Recording() {
		return nil, ErrCaptureInFlight
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil, ErrPoolInFlight
	}
	if err := p.owner.acquire(ownerPool); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	return ctx, nil
}

func (p *PoolRecorder) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
	p.cancel = nil
	p.owner.release(ownerPool)
	close(p.done)
}

func (p *PoolRecorder) run(ctx context.Context) (int, error) {
	segments, remainder := p.Segments()
	if remainder > 0 {
		p.log.Info("pool duration is not a whole number of segments, remainder not captured",
			recorderlog.Duration("remainder", remainder))
	}
	p.log.Info("pool recording starting",
		recorderlog.Int("segments", segments), recorderlog.Duration("segment", p.segment))

	recorded := 0
	for i := 0; i < segments; i++ {
		p.log.Debug("pool segment starting", recorderlog.Int("segment", i+1), recorderlog.Int("of", segments))
		p.publish(Event{Type: EventPoolProgress, Count: i + 1, Message: fmt.Sprintf("segment %d/%d", i+1, segments)})

		if _, err := p.rec.BeginCapture(ctx, "", true, p.segment); err != nil {
			if ctx.Err() != nil && errors.Is(err, ErrCaptureAborted) {
				return recorded, ctx.Err()
			}
			return recorded, fmt.Errorf("pool segment %d/%d: %w", i+1, segments, err)
		}
		recorded++

		if ctx.Err() != nil {
			return recorded, ctx.Err()
		}
		if i == segments-1 {
			break
		}

		settle := time.NewTimer(p.settle)
		select {
		case <-settle.C:
		case <-ctx.Done():
			settle.Stop()
			return recorded, ctx.Err()
		}
	}

	p.log.Info("pool recording finished", recorderlog.Int("segments", recorded))
	return recorded, nil
}

func (p *PoolRecorder) publish(e Event) {
	if p.events != nil {
		p.events.Publish(e)
	}
}
