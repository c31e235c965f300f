package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
)

// GstSink encodes frames in-process with GStreamer.
//
// Pipeline structure:
//
//	appsrc → videoconvert → x264enc → h264parse → mp4mux → filesink
//
// appsrc blocks when its internal queue is full, so Write applies the same
// backpressure an ffmpeg pipe would.
type GstSink struct {
	pipeline *gst.Pipeline
	src      *app.Source

	width, height int
	frameDur      time.Duration
	pushed        atomic.Uint64

	busDone chan error
	cancel  context.CancelFunc
	done    atomic.Bool
}

// x264Presets maps preset names to x264enc speed-preset enum values.
var x264Presets = map[string]int{
	"ultrafast": 1,
	"superfast": 2,
	"veryfast":  3,
	"faster":    4,
	"fast":      5,
	"medium":    6,
	"slow":      7,
	"slower":    8,
	"veryslow":  9,
}

// StartGst builds and starts the pipeline for p. Audio is not supported.
func StartGst(ctx context.Context, p Params) (*GstSink, error) {
	gst.Init(nil)

	w, h := p.Resolution.Dimensions()
	num, den := framerateFraction(p.Frames, p.Duration)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(rawCaps(w, h, num, den)))
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("block", true)
	src.SetProperty("max-bytes", uint64(8*w*h*3))

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create videoconvert: %w", err)
	}
	convert.SetProperty("n-threads", 0)

	enc, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create x264enc: %w", err)
	}
	if preset, ok := x264Presets[p.Preset]; ok {
		enc.SetProperty("speed-preset", preset)
	}

	parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create h264parse: %w", err)
	}
	mux, err := gst.NewElement("mp4mux")
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create mp4mux: %w", err)
	}
	sink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("encoder: failed to create filesink: %w", err)
	}
	sink.SetProperty("location", p.Output)

	if err := pipeline.AddMany(src.Element, convert, enc, parse, mux, sink); err != nil {
		return nil, fmt.Errorf("encoder: failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, convert, enc, parse, mux, sink); err != nil {
		return nil, fmt.Errorf("encoder: failed to link pipeline elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("encoder: failed to start pipeline: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	s := &GstSink{
		pipeline: pipeline,
		src:      src,
		width:    w,
		height:   h,
		frameDur: time.Duration(float64(time.Second) * float64(den) / float64(num)),
		busDone:  make(chan error, 1),
		cancel:   cancel,
	}
	go func() { s.busDone <- s.monitorBus(bctx) }()

	slog.Info("encoder: gstreamer pipeline started",
		"output", p.Output,
		"caps", rawCaps(w, h, num, den),
		"preset", p.Preset,
	)
	return s, nil
}

func (s *GstSink) Dimensions() (int, int) { return s.width, s.height }

// Write pushes one frame with its presentation timestamp.
func (s *GstSink) Write(b []byte) (int, error) {
	n := s.pushed.Load()
	buf := gst.NewBufferFromBytes(b)
	buf.SetPresentationTimestamp(time.Duration(n) * s.frameDur)
	buf.SetDuration(s.frameDur)

	if ret := s.src.PushBuffer(buf); ret != gst.FlowOK {
		select {
		case err := <-s.busDone:
			s.busDone <- err
			if err != nil {
				return 0, err
			}
		default:
		}
		return 0, fmt.Errorf("encoder: push frame %d: flow %v", n, ret)
	}
	s.pushed.Add(1)
	return len(b), nil
}

// Finish sends end-of-stream and waits for the muxer to finalize the file.
func (s *GstSink) Finish(ctx context.Context) error {
	if !s.done.CompareAndSwap(false, true) {
		return fmt.Errorf("encoder: finish called twice")
	}
	defer s.teardown()

	s.src.EndStream()

	select {
	case err := <-s.busDone:
		if err != nil {
			return err
		}
		slog.Info("encoder: gstreamer pipeline finished", "frames", s.pushed.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the pipeline without waiting for end-of-stream.
func (s *GstSink) Abort() {
	if s.done.CompareAndSwap(false, true) {
		s.teardown()
	}
}

func (s *GstSink) teardown() {
	s.cancel()
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		slog.Warn("encoder: failed to set pipeline to NULL", "error", err)
	}
}

// monitorBus waits for EOS (nil) or the first pipeline error.
func (s *GstSink) monitorBus(ctx context.Context) error {
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGstError(gerr.Error(), gerr.DebugString())
			slog.Error("encoder: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category,
				"frames", s.pushed.Load(),
			)
			return &rendererr.ExternalProcessError{
				Command:  "gstreamer",
				ExitCode: -1,
				Stderr:   gerr.DebugString(),
				Err:      fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error()),
			}
		case gst.MessageWarning:
			if gw := msg.ParseWarning(); gw != nil {
				slog.Warn("encoder: pipeline warning", "warning", gw.Error(), "debug", gw.DebugString())
			}
		}
	}
}

// classifyGstError buckets an error message for logs: "io" for sink and
// filesystem failures, "format" for caps negotiation problems.
func classifyGstError(msg, debug string) string {
	combined := strings.ToLower(msg + " " + debug)
	for _, kw := range []string{"no space", "permission", "could not open", "write", "resource"} {
		if strings.Contains(combined, kw) {
			return "io"
		}
	}
	for _, kw := range []string{"not-negotiated", "negotiat", "caps", "format"} {
		if strings.Contains(combined, kw) {
			return "format"
		}
	}
	return "unknown"
}

func rawCaps(w, h, num, den int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d", w, h, num, den)
}

// framerateFraction expresses frames/duration as a reduced integer fraction
// at millisecond precision.
func framerateFraction(frames int, duration float64) (num, den int) {
	num = frames * 1000
	den = int(math.Round(duration * 1000))
	if den <= 0 {
		return frames, 1
	}
	g := gcd(num, den)
	return num / g, den / g
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
