// Package generator defines the contract between the renderer and the
// generative image model.
//
// The renderer never looks inside the model. It reads and writes layer
// weights (for modulation) and asks for one batch of images at a time.
package generator

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// ErrConfigureAfterGenerate is returned when process settings are changed
// after the first Generate call.
var ErrConfigureAfterGenerate = errors.New("generator: settings must be applied before the first generate call")

// Settings are process-wide model runtime switches. They are applied once,
// before any Generate call, and stay fixed for the rest of the run.
type Settings struct {
	// DisableGrad turns off gradient tracking in the model runtime.
	DisableGrad bool `yaml:"disable_grad" msgpack:"disable_grad"`
	// Autotune enables kernel autotuning (benchmark mode) for fixed input
	// shapes.
	Autotune bool `yaml:"autotune" msgpack:"autotune"`
}

// DefaultSettings is inference mode with autotuning on.
func DefaultSettings() Settings {
	return Settings{DisableGrad: true, Autotune: true}
}

// Request is one forward pass over a batch of b latents.
type Request struct {
	// Latents has shape (b, ...).
	Latents tensor.Tensor
	// Noise holds one entry per noise layer. A nil entry means the layer gets
	// no injected noise and must be forwarded as absent, not zero-filled.
	Noise []*tensor.Tensor
	// Truncation moderates the diversity/fidelity trade-off.
	Truncation float64
	// Manipulations are the transforms resolved for this batch.
	Manipulations []types.AppliedManipulation
	// RandomizeNoise asks the model to draw its own noise. The renderer
	// always sends false.
	RandomizeNoise bool
	// InputIsLatent marks Latents as already mapped to latent space.
	InputIsLatent bool
}

// Generator is a model handle. All methods are called from a single
// goroutine; implementations need not be safe for concurrent use.
type Generator interface {
	// Configure applies process settings. Must precede the first Generate;
	// afterwards, repeating the settings already in force is a no-op and any
	// change fails with ErrConfigureAfterGenerate.
	Configure(ctx context.Context, s Settings) error

	// NumLayers returns the number of convolution layers.
	NumLayers() int
	// LayerWeight returns the live weight of layer i.
	LayerWeight(i int) (tensor.Tensor, error)
	// SetLayerWeight replaces the live weight of layer i.
	SetLayerWeight(i int, w tensor.Tensor) error

	// Generate runs one forward pass and returns images of shape
	// (b, 3, H, W) with values in [-1, 1].
	Generate(ctx context.Context, req Request) (tensor.Tensor, error)
}
