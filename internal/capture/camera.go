package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"

	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter

	"github.com/mikeyg42/emocapture/internal/config"
	"github.com/mikeyg42/emocapture/internal/recorderlog"
)

// encodedReader is the part of mediadevices.EncodedReadCloser the camera uses.
type encodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
	Close() error
}

// MediaDevicesCamera records VP8 video from a local camera into WebM chunks.
type MediaDevicesCamera struct {
	cfg config.VideoConfig
	log recorderlog.Logger

	mu        sync.Mutex
	stream    mediadevices.MediaStream
	track     *mediadevices.VideoTrack
	mimeType  string
	recording bool
	reader    encodedReader
	chunks    *chunkWriter
	stop      chan struct{}
	done      chan struct{}
}

// NewMediaDevicesCamera creates a camera adapter. The device is opened on the first Start.
func NewMediaDevicesCamera(cfg config.VideoConfig, log recorderlog.Logger) *MediaDevicesCamera {
	if log == nil {
		log = recorderlog.L()
	}
	return &MediaDevicesCamera{
		cfg:  cfg,
		log:  log.Named("camera"),
		done: closedChan,
	}
}

// ListCameras returns the video input devices known to the driver.
func ListCameras() []mediadevices.MediaDeviceInfo {
	var out []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			out = append(out, d)
		}
	}
	return out
}

// Open acquires the camera and sets up the VP8 encoder.
func (c *MediaDevicesCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ctx)
}

func (c *MediaDevicesCamera) openLocked(ctx context.Context) error {
	if c.track != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = c.cfg.BitRate
	vpxParams.KeyFrameInterval = c.cfg.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if c.cfg.DeviceID != "" {
				mc.DeviceID = prop.String(c.cfg.DeviceID)
			}
			mc.Width = prop.Int(c.cfg.Width)
			mc.Height = prop.Int(c.cfg.Height)
			mc.FrameRate = prop.Float(c.cfg.FrameRate)
		},
		Codec: codecSelector,
	})
	if err != nil {
		return fmt.Errorf("failed to get user media: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return errors.New("camera stream has no video track")
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return fmt.Errorf("unexpected track type %T", tracks[0])
	}

	c.stream = stream
	c.track = track
	c.mimeType = vpxParams.RTPCodec().MimeType
	c.log.Info("camera opened",
		recorderlog.String("track", track.ID()),
		recorderlog.Int("width", c.cfg.Width),
		recorderlog.Int("height", c.cfg.Height),
		recorderlog.Float64("frame_rate", c.cfg.FrameRate),
	)
	return nil
}

// Start begins a new WebM recording; each flush delivers the bytes muxed so far.
func (c *MediaDevicesCamera) Start(ctx context.Context, onChunk ChunkFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recording {
		return ErrAlreadyRecording
	}
	if err := c.openLocked(ctx); err != nil {
		return err
	}

	reader, err := c.track.NewEncodedReader(c.mimeType)
	if err != nil {
		return fmt.Errorf("failed to create encoded reader: %w", err)
	}
	return c.startLocked(reader, onChunk)
}

func (c *MediaDevicesCamera) startLocked(reader encodedReader, onChunk ChunkFunc) error {
	chunks := newChunkWriter(onChunk)
	writer, err := newWebMWriter(chunks, c.cfg)
	if err != nil {
		reader.Close()
		return err
	}

	c.recording = true
	c.reader = reader
	c.chunks = chunks
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.pump(reader, writer, chunks, c.stop, c.done)
	return nil
}

// pump muxes encoded frames until stop is closed or the reader fails.
func (c *MediaDevicesCamera) pump(reader encodedReader, writer blockWriteCloser, chunks *chunkWriter, stop, done chan struct{}) {
	defer close(done)

	var (
		clock   frameClock
		frames  int
		started bool
	)

	for {
		select {
		case <-stop:
			c.finish(writer, chunks, frames)
			return
		default:
		}

		buf, release, err := reader.Read()
		if err != nil {
			select {
			case <-stop:
			default:
				c.log.Warn("encoded reader failed", recorderlog.Error(err))
			}
			c.finish(writer, chunks, frames)
			return
		}

		keyframe := isVP8Keyframe(buf.Data)
		// WebM players need the stream to open on a key frame.
		if !started && !keyframe {
			release()
			continue
		}
		started = true

		if _, err := writer.Write(keyframe, clock.advance(buf.Samples), buf.Data); err != nil {
			c.log.Warn("failed to write video frame", recorderlog.Error(err))
		} else {
			frames++
		}
		release()
	}
}

func (c *MediaDevicesCamera) finish(writer blockWriteCloser, chunks *chunkWriter, frames int) {
	if err := writer.Close(); err != nil {
		c.log.Warn("failed to close WebM writer", recorderlog.Error(err))
	}
	// The WebM writer normally closes chunks itself; this covers writer errors.
	chunks.Close()
	c.log.Debug("recording finished", recorderlog.Int("frames", frames), recorderlog.Int64("bytes", chunks.Written()))
}

// RequestFlush emits the bytes muxed so far.
func (c *MediaDevicesCamera) RequestFlush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording {
		return ErrNotRecording
	}
	return c.chunks.Flush()
}

// Stop ends the recording. Done is closed once the final chunk has been emitted.
func (c *MediaDevicesCamera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.recording {
		return ErrNotRecording
	}
	c.recording = false
	close(c.stop)
	if err := c.reader.Close(); err != nil {
		c.log.Debug("encoded reader close", recorderlog.Error(err))
	}
	c.reader = nil
	c.chunks = nil
	return nil
}

// Done returns the stop-completion channel of the current or last recording.
func (c *MediaDevicesCamera) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Close stops any recording and releases the camera.
func (c *MediaDevicesCamera) Close() error {
	c.mu.Lock()
	if c.recording {
		c.recording = false
		close(c.stop)
		c.reader.Close()
	}
	stream := c.stream
	c.stream = nil
	c.track = nil
	c.mu.Unlock()

	if stream != nil {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		c.log.Info("camera released")
	}
	return nil
}
