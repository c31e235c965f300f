// Package noisefield builds the temporally smoothed noise used to perturb
// generator weights.
//
// The field has one slice per frame with the shape of a managed layer's
// weight (in, out, kh, kw). Each element is standard normal noise shifted by
// Shift, then low-pass filtered along the frame axis with a gaussian so the
// perturbation drifts smoothly from frame to frame.
package noisefield

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
)

// Options control field generation.
type Options struct {
	// Seed makes the field reproducible. Frame t draws from a generator
	// seeded with (Seed, t).
	Seed uint64
	// Sigma is the gaussian standard deviation in frames.
	Sigma float64
	// Truncate is the kernel radius in units of Sigma.
	Truncate float64
	// Shift is added to every sample before filtering.
	Shift float64
}

// DefaultOptions matches the stock renderer: sigma 3, truncated at 4 sigma,
// noise centred on -1.
func DefaultOptions() Options {
	return Options{Seed: 0, Sigma: 3, Truncate: 4, Shift: -1}
}

// chunk is the number of per-frame elements filtered by one worker task.
const chunk = 1 << 14

// Build generates a field of shape (frames, shape...).
func Build(ctx context.Context, frames int, shape []int, opts Options) (tensor.Tensor, error) {
	if frames <= 0 {
		return tensor.Tensor{}, fmt.Errorf("noisefield: frame count must be positive, got %d", frames)
	}
	per := tensor.Numel(shape)
	if per <= 0 {
		return tensor.Tensor{}, fmt.Errorf("noisefield: invalid slice shape %v", shape)
	}
	if opts.Sigma < 0 || opts.Truncate < 0 {
		return tensor.Tensor{}, fmt.Errorf("noisefield: sigma and truncate must not be negative")
	}

	raw := make([]float32, frames*per)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for t := 0; t < frames; t++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(t)))
			row := raw[t*per : (t+1)*per]
			for i := range row {
				row[i] = float32(rng.NormFloat64() + opts.Shift)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tensor.Tensor{}, err
	}

	out := raw
	if opts.Sigma > 0 {
		out = make([]float32, len(raw))
		kernel := Kernel(opts.Sigma, opts.Truncate)
		g, gctx = errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for lo := 0; lo < per; lo += chunk {
			hi := min(lo+chunk, per)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				filterTime(out, raw, frames, per, lo, hi, kernel)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return tensor.Tensor{}, err
		}
	}

	field, err := tensor.FromData(out, append([]int{frames}, shape...)...)
	if err != nil {
		return tensor.Tensor{}, err
	}

	fmin, fmean, fmax := field.Stats()
	slog.Info("noisefield: built",
		"shape", field.String(),
		"seed", opts.Seed,
		"sigma", opts.Sigma,
		"min", fmin,
		"mean", fmean,
		"max", fmax,
	)
	return field, nil
}

// Kernel returns the normalized gaussian weights for offsets -r..r where
// r = int(truncate*sigma + 0.5).
func Kernel(sigma, truncate float64) []float64 {
	radius := int(truncate*sigma + 0.5)
	w := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		w[i+radius] = v
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// filterTime convolves columns [lo, hi) of src (frames x per, row-major)
// with kernel along the frame axis, writing into dst.
func filterTime(dst, src []float32, frames, per, lo, hi int, kernel []float64) {
	radius := len(kernel) / 2
	acc := make([]float64, hi-lo)
	for t := 0; t < frames; t++ {
		clear(acc)
		for k, w := range kernel {
			row := reflect(t+k-radius, frames) * per
			s := src[row+lo : row+hi]
			for j, v := range s {
				acc[j] += w * float64(v)
			}
		}
		d := dst[t*per+lo : t*per+hi]
		for j := range d {
			d[j] = float32(acc[j])
		}
	}
}

// reflect maps an out-of-range index back into [0, n) by mirroring about
// the edges, repeating the edge sample (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}
