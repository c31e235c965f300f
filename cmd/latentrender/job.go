package main

import (
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/inputs"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/noisefield"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/orchestrator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// buildJob maps a validated config and the loaded inputs onto a render job.
func buildJob(cfg *config.Config, in *inputs.Inputs, out string) orchestrator.Job {
	params := encoder.DefaultParams()
	params.Resolution = cfg.Resolution()
	params.Duration = cfg.Render.DurationS
	params.Binary = cfg.Encoder.Binary
	params.VCodec = cfg.Encoder.VCodec
	params.Preset = cfg.Encoder.Preset
	params.AudioBitrate = cfg.Encoder.AudioBitrate
	params.GlobalArgs = cfg.Encoder.GlobalArgs

	noise := noisefield.DefaultOptions()
	noise.Seed = *cfg.Noise.Seed
	noise.Sigma = cfg.Noise.Sigma

	job := orchestrator.Job{
		Latents:       in.Latents,
		Noise:         in.Noise,
		Manipulations: in.Manipulations,
		BatchSize:     cfg.Render.BatchSize,
		Truncation:    cfg.Render.Truncation,
		Envelope:      *cfg.Envelope,
		NoiseOpts:     noise,
		MaxLayer:      *cfg.Noise.MaxLayer,
		Settings:      *cfg.Generator.Settings,
		Encoder:       params,
		Backend:       encoder.Backend(cfg.Encoder.Backend),
		Output:        out,
		Mappings:      types.DefaultMappings(),
		Idle:          cfg.IdleTimeout(),
		SplitQueue:    cfg.Render.SplitQueue,
		FeedQueue:     cfg.Render.FeedQueue,
		Verify:        cfg.Output.Verify,
	}
	if cfg.Audio.File != "" {
		job.Audio = &encoder.AudioInput{Path: cfg.Audio.File, Offset: cfg.Render.OffsetS}
	}
	return job
}
