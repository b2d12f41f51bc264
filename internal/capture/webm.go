package capture

import (
	"fmt"
	"io"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/mikeyg42/emocapture/internal/config"
)

type blockWriteCloser = webm.BlockWriteCloser

// vp8ClockRate is the RTP clock rate of VP8 sample counts.
const vp8ClockRate = 90000

// newWebMWriter opens a single-track VP8 WebM stream on w.
func newWebMWriter(w io.WriteCloser, v config.VideoConfig) (blockWriteCloser, error) {
	frameRate := v.FrameRate
	if frameRate <= 0 {
		frameRate = 30
	}

	ws, err := webm.NewSimpleBlockWriter(w,
		[]webm.TrackEntry{
			{
				Name:            "Video",
				TrackNumber:     1,
				TrackUID:        12345,
				CodecID:         "V_VP8",
				TrackType:       1,
				DefaultDuration: uint64(float64(time.Second) / frameRate),
				Video: &webm.Video{
					PixelWidth:  uint64(v.Width),
					PixelHeight: uint64(v.Height),
				},
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebM writer: %w", err)
	}
	return ws[0], nil
}

// isVP8Keyframe reports whether frame starts a VP8 key frame
// (the inverse key frame flag in the first byte is clear).
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// frameClock converts VP8 sample counts to WebM block timestamps in milliseconds.
type frameClock struct {
	samples uint64
}

func (c *frameClock) advance(samples uint32) int64 {
	tc := int64(c.samples * 1000 / vp8ClockRate)
	c.samples += uint64(samples)
	return tc
}
