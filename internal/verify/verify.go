// Package verify checks a finished MP4 against what was rendered.
package verify

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/abema/go-mp4"
)

// Report summarizes the container contents.
type Report struct {
	Path         string
	VideoSamples int
	VideoCodec   string
	HasAudio     bool
	// Duration of the video track in seconds.
	Duration float64
}

// File probes path and checks that its video track holds exactly frames
// samples, and that an audio track is present when wantAudio is set.
func File(path string, frames int, wantAudio bool) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("verify: %w", err)
	}
	defer f.Close()

	info, err := mp4.Probe(f)
	if err != nil {
		return Report{}, fmt.Errorf("verify: probe %s: %w", path, err)
	}

	report, err := check(info, frames, wantAudio)
	report.Path = path
	if err != nil {
		return report, fmt.Errorf("verify: %s: %w", path, err)
	}
	slog.Info("verify: output ok",
		"path", path,
		"frames", report.VideoSamples,
		"codec", report.VideoCodec,
		"audio", report.HasAudio,
		"duration", report.Duration,
	)
	return report, nil
}

func check(info *mp4.ProbeInfo, frames int, wantAudio bool) (Report, error) {
	var report Report
	var video *mp4.Track
	for _, tr := range info.Tracks {
		switch tr.Codec {
		case mp4.CodecAVC1:
			if video == nil {
				video = tr
			}
		case mp4.CodecMP4A:
			report.HasAudio = true
		}
	}
	if video == nil {
		return report, fmt.Errorf("no H.264 video track")
	}

	report.VideoCodec = "avc1"
	report.VideoSamples = len(video.Samples)
	if video.Timescale > 0 {
		report.Duration = float64(video.Duration) / float64(video.Timescale)
	}

	if report.VideoSamples != frames {
		return report, fmt.Errorf("video track has %d samples, rendered %d frames", report.VideoSamples, frames)
	}
	if wantAudio && !report.HasAudio {
		return report, fmt.Errorf("audio track missing")
	}
	return report, nil
}
