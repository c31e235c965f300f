// Package audio inspects the soundtrack before an encode starts, so a bad
// audio slice fails fast instead of after minutes of rendering.
package audio

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/h2non/filetype"
	"github.com/tidwall/gjson"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.senan.xyz/taglib"
)

// Info describes an audio file.
type Info struct {
	Path     string
	Kind     string // file type extension as sniffed from content, e.g. "flac"
	Duration time.Duration
	// Source names the probe that produced Duration: "ffprobe", "taglib" or
	// "wav".
	Source string
}

// headerSize is how many leading bytes are read for type sniffing.
const headerSize = 261

// Probe identifies path as audio and reads its duration. ffprobe is tried
// first; taglib (or the WAV header) is the fallback when ffprobe is missing
// or reports nothing.
func Probe(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("audio: %w", err)
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Info{}, fmt.Errorf("audio: read header of %s: %w", path, err)
	}
	head = head[:n]

	if !filetype.IsAudio(head) {
		return Info{}, fmt.Errorf("audio: %s is not a recognized audio file", path)
	}
	kind, _ := filetype.Match(head)
	info := Info{Path: path, Kind: kind.Extension}

	if d, err := probeFFmpeg(path); err == nil && d > 0 {
		info.Duration, info.Source = d, "ffprobe"
		return info, nil
	} else if err != nil {
		slog.Debug("audio: ffprobe unavailable, falling back", "path", path, "error", err)
	}

	if info.Kind == "wav" {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			if d, err := wav.NewDecoder(f).Duration(); err == nil && d > 0 {
				info.Duration, info.Source = d, "wav"
				return info, nil
			}
		}
	}

	props, err := taglib.ReadProperties(path)
	if err != nil {
		return Info{}, fmt.Errorf("audio: read properties of %s: %w", path, err)
	}
	if props.Length <= 0 {
		return Info{}, fmt.Errorf("audio: could not determine duration of %s", path)
	}
	info.Duration, info.Source = props.Length, "taglib"
	return info, nil
}

func probeFFmpeg(path string) (time.Duration, error) {
	data, err := ffmpeg.Probe(path)
	if err != nil {
		return 0, err
	}
	return parseProbeDuration(data)
}

// parseProbeDuration reads format.duration (seconds) from ffprobe JSON.
func parseProbeDuration(data string) (time.Duration, error) {
	d := gjson.Get(data, "format.duration")
	if !d.Exists() {
		return 0, fmt.Errorf("ffprobe output has no format.duration")
	}
	return time.Duration(d.Float() * float64(time.Second)), nil
}

// CheckSlice verifies that [offset, offset+duration] seconds lies within the
// track. The slice may overrun the end by up to slack; the encoder ends the
// audio early in that case.
func (i Info) CheckSlice(offset, duration float64, slack time.Duration) error {
	if offset < 0 {
		return fmt.Errorf("audio: offset must not be negative, got %v", offset)
	}
	end := time.Duration((offset + duration) * float64(time.Second))
	if end > i.Duration+slack {
		return fmt.Errorf("audio: slice [%.3fs, %.3fs] exceeds %s length %.3fs",
			offset, offset+duration, i.Path, i.Duration.Seconds())
	}
	return nil
}
