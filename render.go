package latentrender

import (
	"context"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/orchestrator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// Error taxonomy.
type (
	StallError           = rendererr.StallError
	ShapeMismatchError   = rendererr.ShapeMismatchError
	ExternalProcessError = rendererr.ExternalProcessError
)

// Render inputs and results.
type (
	Job      = orchestrator.Job
	Result   = orchestrator.Result
	Stats    = orchestrator.Stats
	Renderer = orchestrator.Renderer

	Tensor     = tensor.Tensor
	Frame      = types.Frame
	Resolution = types.Resolution

	Manipulation            = types.Manipulation
	ConstantManipulation    = types.ConstantManipulation
	TimeVaryingManipulation = types.TimeVaryingManipulation
	NamedTransform          = types.NamedTransform
)

// Generator contract.
type (
	Generator         = generator.Generator
	GeneratorSettings = generator.Settings
	Request           = generator.Request
)

// Delivery resolutions.
const (
	Res512   = types.Res512
	Res1024  = types.Res1024
	Res1080p = types.Res1080p
)

// NewRenderer returns a renderer that reuses gen across renders and exposes
// progress through Stats.
func NewRenderer(gen Generator) *Renderer {
	return orchestrator.New(gen)
}

// Render runs a single render on gen.
func Render(ctx context.Context, gen Generator, job Job) (Result, error) {
	return orchestrator.New(gen).Render(ctx, job)
}
