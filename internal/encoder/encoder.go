// Package encoder provides the sinks that turn raw RGB24 frames into an
// encoded video file.
//
// Two backends are available:
//   - ffmpeg: an external ffmpeg process fed through stdin, with optional
//     audio muxing (default)
//   - gstreamer: an in-process appsrc → x264enc → mp4mux pipeline,
//     video-only
package encoder

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// Backend selects the encoder implementation.
type Backend string

const (
	BackendFFmpeg    Backend = "ffmpeg"
	BackendGStreamer Backend = "gstreamer"
)

// Sink consumes raw frames and produces the output file.
//
// Lifecycle: Write once per frame in order, then Finish exactly once. Abort
// may be called instead of Finish (or after a failed Finish) to tear the
// encoder down without waiting for a clean exit.
type Sink interface {
	io.Writer
	// Dimensions returns the frame size the encoder was opened with.
	Dimensions() (width, height int)
	// Finish closes the input and waits for the encoder to exit. A failed
	// exit is reported as *rendererr.ExternalProcessError.
	Finish(ctx context.Context) error
	// Abort stops the encoder immediately.
	Abort()
}

// AudioInput is an audio track muxed against the video, sliced to
// [Offset, Offset+duration].
type AudioInput struct {
	Path   string
	Offset float64 // seconds
}

// Params describes one encode.
type Params struct {
	Output     string
	Resolution types.Resolution
	Frames     int
	// Duration of the clip in seconds; the frame rate is Frames/Duration.
	Duration float64
	Audio    *AudioInput

	Binary        string
	VCodec        string
	Preset        string
	AudioBitrate  string
	AudioChannels int
	LogLevel      string
	GlobalArgs    []string
}

// DefaultParams returns libx264/slow with 320K stereo audio, the stock
// settings for rendered clips.
func DefaultParams() Params {
	return Params{
		Resolution:    types.Res1080p,
		Binary:        "ffmpeg",
		VCodec:        "libx264",
		Preset:        "slow",
		AudioBitrate:  "320K",
		AudioChannels: 2,
		LogLevel:      "warning",
		GlobalArgs:    []string{"-benchmark", "-stats", "-hide_banner"},
	}
}

// Framerate returns Frames / Duration.
func (p Params) Framerate() float64 {
	return float64(p.Frames) / p.Duration
}

// Validate checks the fields every backend needs.
func (p Params) Validate() error {
	if p.Output == "" {
		return fmt.Errorf("encoder: output path is required")
	}
	if p.Frames <= 0 {
		return fmt.Errorf("encoder: frame count must be positive, got %d", p.Frames)
	}
	if p.Duration <= 0 {
		return fmt.Errorf("encoder: duration must be positive, got %v", p.Duration)
	}
	if p.Audio != nil && p.Audio.Offset < 0 {
		return fmt.Errorf("encoder: audio offset must not be negative, got %v", p.Audio.Offset)
	}
	return nil
}

// Open starts the encoder for backend.
func Open(ctx context.Context, backend Backend, p Params) (Sink, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch backend {
	case BackendFFmpeg, "":
		return StartFFmpeg(ctx, p)
	case BackendGStreamer:
		if p.Audio != nil {
			return nil, fmt.Errorf("encoder: gstreamer backend is video-only, audio %q cannot be muxed", p.Audio.Path)
		}
		return StartGst(ctx, p)
	default:
		return nil, fmt.Errorf("encoder: unknown backend %q (must be ffmpeg or gstreamer)", backend)
	}
}

// stopTimeout bounds how long Abort waits for the encoder to exit after
// being killed.
const stopTimeout = 3 * time.Second
