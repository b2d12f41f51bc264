package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mikeyg42/emocapture/internal/archive"
	"github.com/mikeyg42/emocapture/internal/capture"
	"github.com/mikeyg42/emocapture/internal/channel"
	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
	"github.com/mikeyg42/emocapture/internal/session"
)

// Application holds every long-lived component.
type Application struct {
	config   *config.Config
	log      recorderlog.Logger
	camera   *capture.MediaDevicesCamera
	client   *channel.Client
	archiver *archive.Archiver
	orch     *session.Orchestrator
}

// NewApplication wires the camera, the backend client, the optional archive and the
// session orchestrator.
func NewApplication(ctx context.Context, cfg *config.Config, log recorderlog.Logger) (*Application, error) {
	app := &Application{
		config: cfg,
		log:    log,
		camera: capture.NewMediaDevicesCamera(cfg.Video, log),
		client: channel.NewClient(cfg.Channel, log),
	}

	var archiver session.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.Open(ctx, cfg.Archive, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		app.archiver = a
		archiver = a
	}

	orch, err := session.New(cfg, app.camera, app.client, archiver, log)
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create session orchestrator: %w", err)
	}
	app.orch = orch
	return app, nil
}

// Cleanup stops recording and releases the camera and connections.
func (app *Application) Cleanup() {
	if app.orch != nil {
		app.orch.Close()
	}
	if err := app.camera.Close(); err != nil {
		app.log.Warn("failed to release camera", recorderlog.Error(err))
	}
	if err := app.client.Close(); err != nil {
		app.log.Debug("failed to close backend connection", recorderlog.Error(err))
	}
	if app.archiver != nil {
		if err := app.archiver.Close(); err != nil {
			app.log.Warn("failed to close archive", recorderlog.Error(err))
		}
	}
}

// save uploads the batch. An empty batch is reported but is not an error.
func (app *Application) save(ctx context.Context, out io.Writer) error {
	res, err := app.orch.Flusher.Flush(ctx)
	if errors.Is(err, session.ErrEmptyBatch) {
		fmt.Fprintln(out, "nothing recorded, nothing uploaded")
		return nil
	}
	if err != nil {
		return err
	}
	status := "sent"
	if res.Ack != nil {
		status = res.Ack.Status
	}
	fmt.Fprintf(out, "uploaded %d clips (%d bytes) as %s: %s\n", res.Count, res.Bytes, res.Dataset, status)
	return nil
}

// printEvents writes progress to out until the returned stop func is called.
func (app *Application) printEvents(out io.Writer) func() {
	events, cancel := app.orch.Events.Subscribe(128)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			if line := formatEvent(e); line != "" {
				fmt.Fprintln(out, line)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func formatEvent(e session.Event) string {
	switch e.Type {
	case session.EventCountdown:
		if !e.Visible {
			return ""
		}
		return e.Text
	case session.EventCaptureStarted:
		return fmt.Sprintf("recording %s", labelOrPool(e.Label))
	case session.EventSessionRecorded:
		return fmt.Sprintf("recorded %s (%d bytes, %d in batch)", labelOrPool(e.Label), e.Bytes, e.Count)
	case session.EventPoolProgress:
		return "pool " + e.Message
	case session.EventQueuePaused:
		return fmt.Sprintf("queue paused, %d pending", e.Count)
	case session.EventQueueStopped:
		return fmt.Sprintf("queue stopped, %d labels dropped", e.Count)
	case session.EventWarning, session.EventError, session.EventFlushFailed:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	default:
		return ""
	}
}

func labelOrPool(label string) string {
	if label == "" || session.IsUnlabeled(label) {
		return "pool segment"
	}
	return label
}
