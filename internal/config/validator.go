package config

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/envelope"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/modulate"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Render
	if cfg.Render.BatchSize <= 0 {
		return fmt.Errorf("render.batch_size must be > 0")
	}
	if cfg.Render.DurationS <= 0 {
		return fmt.Errorf("render.duration_s must be > 0")
	}
	if cfg.Render.OffsetS < 0 {
		return fmt.Errorf("render.offset_s must be >= 0")
	}
	if cfg.Render.Resolution == "" {
		cfg.Render.Resolution = "1080p"
	}
	if _, err := types.ParseResolution(cfg.Render.Resolution); err != nil {
		return fmt.Errorf("render.resolution: %w", err)
	}
	if cfg.Render.Truncation == 0 {
		cfg.Render.Truncation = 1
	}
	if cfg.Render.IdleTimeoutS <= 0 {
		cfg.Render.IdleTimeoutS = 10
	}
	if cfg.Render.SplitQueue <= 0 {
		cfg.Render.SplitQueue = 4
	}
	if cfg.Render.FeedQueue <= 0 {
		cfg.Render.FeedQueue = 32
	}

	if cfg.Inputs.File == "" {
		return fmt.Errorf("inputs.file is required")
	}

	if cfg.Output.Path == "" && cfg.Output.Dir == "" {
		cfg.Output.Dir = "."
	}

	// Encoder
	defaults := encoder.DefaultParams()
	switch encoder.Backend(cfg.Encoder.Backend) {
	case "":
		cfg.Encoder.Backend = string(encoder.BackendFFmpeg)
	case encoder.BackendFFmpeg:
	case encoder.BackendGStreamer:
		if cfg.Audio.File != "" {
			return fmt.Errorf("encoder.backend gstreamer cannot mux audio.file (use ffmpeg)")
		}
	default:
		return fmt.Errorf("encoder.backend: unknown backend '%s' (must be 'ffmpeg' or 'gstreamer')", cfg.Encoder.Backend)
	}
	if cfg.Encoder.Binary == "" {
		cfg.Encoder.Binary = defaults.Binary
	}
	if cfg.Encoder.VCodec == "" {
		cfg.Encoder.VCodec = defaults.VCodec
	}
	if cfg.Encoder.Preset == "" {
		cfg.Encoder.Preset = defaults.Preset
	}
	if cfg.Encoder.AudioBitrate == "" {
		cfg.Encoder.AudioBitrate = defaults.AudioBitrate
	}
	if cfg.Encoder.GlobalArgs == nil {
		cfg.Encoder.GlobalArgs = defaults.GlobalArgs
	}

	// Envelope
	if cfg.Envelope == nil {
		s := envelope.DefaultSchedule()
		cfg.Envelope = &s
	}
	if cfg.Envelope.Exponent == 0 {
		cfg.Envelope.Exponent = 1.5
	}
	if err := cfg.Envelope.Validate(); err != nil {
		return err
	}

	// Noise
	if cfg.Noise.Sigma < 0 {
		return fmt.Errorf("noise.sigma must be >= 0")
	}
	if cfg.Noise.Sigma == 0 {
		cfg.Noise.Sigma = 3
	}
	if cfg.Noise.Seed == nil {
		seed := rand.Uint64()
		cfg.Noise.Seed = &seed
		slog.Info("config: noise seed not set, drew a random one", "seed", seed)
	}
	if cfg.Noise.MaxLayer == nil {
		n := modulate.DefaultMaxLayer
		cfg.Noise.MaxLayer = &n
	}
	if *cfg.Noise.MaxLayer < 0 {
		return fmt.Errorf("noise.max_layer must be >= 0")
	}

	// Generator
	if cfg.Generator.Command == "" {
		return fmt.Errorf("generator.command is required")
	}
	if cfg.Generator.CallTimeoutS < 0 {
		return fmt.Errorf("generator.call_timeout_s must be >= 0")
	}
	if cfg.Generator.Settings == nil {
		s := generator.DefaultSettings()
		cfg.Generator.Settings = &s
	}

	return nil
}

// Resolution returns the parsed delivery resolution. Only valid after
// Validate.
func (c *Config) Resolution() types.Resolution {
	r, _ := types.ParseResolution(c.Render.Resolution)
	return r
}

// IdleTimeout returns render.idle_timeout_s as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return seconds(c.Render.IdleTimeoutS)
}

// CallTimeout returns generator.call_timeout_s as a duration.
func (c *Config) CallTimeout() time.Duration {
	return seconds(c.Generator.CallTimeoutS)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
