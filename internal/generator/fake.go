package generator

import (
	"context"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
)

// Fake is an in-process Generator for tests and dry runs.
//
// Each output frame is a solid image whose value encodes the first latent
// component, so tests can recover frame order from pixels. Every request is
// recorded.
type Fake struct {
	Width, Height int
	// WeightShape is the per-layer weight shape (1, in, out, kh, kw).
	WeightShape []int
	Layers      int
	// FailAt makes the n-th Generate call (0-based) fail when >= 0.
	FailAt int

	mu         sync.Mutex
	weights    []tensor.Tensor
	settings   *Settings
	generated  bool
	Requests   []Request
	LayerCalls int
	// Live holds a copy of the layer 0 weight in force at each Generate call.
	Live []tensor.Tensor
}

// NewFake builds a fake with layers layers of weight shape (1, 1, 1, 3, 3).
func NewFake(width, height, layers int) *Fake {
	f := &Fake{
		Width:       width,
		Height:      height,
		WeightShape: []int{1, 1, 1, 3, 3},
		Layers:      layers,
		FailAt:      -1,
	}
	for i := 0; i < layers; i++ {
		w := tensor.New(f.WeightShape...)
		for j := range w.Data {
			w.Data[j] = float32(i+1) / float32(j+1)
		}
		f.weights = append(f.weights, w)
	}
	return f
}

func (f *Fake) Configure(_ context.Context, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generated {
		if f.settings != nil && *f.settings == s {
			return nil
		}
		return ErrConfigureAfterGenerate
	}
	f.settings = &s
	return nil
}

// Settings returns the applied settings, or nil if Configure was never called.
func (f *Fake) Settings() *Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *Fake) NumLayers() int { return f.Layers }

func (f *Fake) LayerWeight(i int) (tensor.Tensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.weights) {
		return tensor.Tensor{}, fmt.Errorf("fake: no layer %d", i)
	}
	return f.weights[i], nil
}

func (f *Fake) SetLayerWeight(i int, w tensor.Tensor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.weights) {
		return fmt.Errorf("fake: no layer %d", i)
	}
	f.weights[i] = w
	f.LayerCalls++
	return nil
}

func (f *Fake) Generate(ctx context.Context, req Request) (tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return tensor.Tensor{}, err
	}

	f.mu.Lock()
	call := len(f.Requests)
	f.generated = true
	f.Requests = append(f.Requests, req)
	if len(f.weights) > 0 {
		f.Live = append(f.Live, f.weights[0].Clone())
	}
	f.mu.Unlock()

	if f.FailAt >= 0 && call >= f.FailAt {
		return tensor.Tensor{}, fmt.Errorf("fake: generate call %d failed", call)
	}

	b := req.Latents.Len()
	out := tensor.New(b, 3, f.Height, f.Width)
	plane := f.Height * f.Width
	for i := 0; i < b; i++ {
		row, err := req.Latents.Row(i)
		if err != nil {
			return tensor.Tensor{}, err
		}
		var v float32
		if len(row.Data) > 0 {
			v = row.Data[0]
		}
		img := out.Data[i*3*plane : (i+1)*3*plane]
		for j := range img {
			img[j] = v
		}
	}
	return out, nil
}
