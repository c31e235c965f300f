package encoder

import (
	"context"
	"fmt"
	"log/slog"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FFmpegArgs builds the ffmpeg argument list (without the binary) for p.
//
// Video arrives as rawvideo rgb24 on stdin at Frames/Duration fps. With an
// audio input, the audio is sliced to [Offset, Offset+Duration] and muxed.
func FFmpegArgs(p Params) []string {
	rate := p.Framerate()

	video := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"format":    "rawvideo",
		"pix_fmt":   "rgb24",
		"framerate": rate,
		"s":         p.Resolution.Size(),
	})

	out := ffmpeg.KwArgs{
		"framerate": rate,
		"vcodec":    p.VCodec,
		"preset":    p.Preset,
		"v":         p.LogLevel,
	}

	var stream *ffmpeg.Stream
	if p.Audio != nil {
		audio := ffmpeg.Input(p.Audio.Path, ffmpeg.KwArgs{
			"ss":               p.Audio.Offset,
			"to":               p.Audio.Offset + p.Duration,
			"guess_layout_max": 0,
		})
		out["b:a"] = p.AudioBitrate
		out["ac"] = p.AudioChannels
		stream = ffmpeg.Output([]*ffmpeg.Stream{video, audio}, p.Output, out)
	} else {
		stream = video.Output(p.Output, out)
	}

	stream = stream.GlobalArgs(p.GlobalArgs...).OverWriteOutput()

	// Compile prefixes the default binary name; the configured binary is
	// substituted when the process is started.
	return stream.Compile().Args[1:]
}

// StartFFmpeg launches ffmpeg for p and returns its stdin sink.
func StartFFmpeg(ctx context.Context, p Params) (*Process, error) {
	binary := p.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	args := FFmpegArgs(p)
	w, h := p.Resolution.Dimensions()

	slog.Info("encoder: starting ffmpeg",
		"output", p.Output,
		"size", p.Resolution.Size(),
		"framerate", fmt.Sprintf("%.3f", p.Framerate()),
		"audio", p.Audio != nil,
	)
	return StartProcess(ctx, binary, args, w, h)
}
