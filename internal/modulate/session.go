// Package modulate rewrites generator convolution weights per batch.
//
// For each managed layer i and each frame t of a batch:
//
//	w_i(t) = (1 - e_t) * w_i,orig + 2 * e_t * w_i,orig * z_t
//
// where e_t is the envelope value and z_t the noise field slice for frame t.
// The stored weight gains a leading batch axis: a (1, in, out, kh, kw)
// original becomes (b, in, out, kh, kw).
//
// Design:
//   - Originals are snapshotted once in Open and never written again, so
//     every rewrite starts from the same values (no drift across batches).
//   - A Session holds an exclusive lease on its weight store. Opening a
//     second session on the same store fails with ErrSessionOwned until the
//     first is closed; overlapping Apply calls fail with ErrSessionBusy.
//   - Close writes the originals back and releases the lease.
package modulate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
)

var (
	// ErrSessionOwned is returned by Open when another session already holds
	// the weight store.
	ErrSessionOwned = errors.New("modulate: weight store already owned by another session")

	// ErrSessionBusy is returned by Apply when a rewrite is already running.
	ErrSessionBusy = errors.New("modulate: concurrent apply rejected")

	// ErrSessionClosed is returned by Apply after Close.
	ErrSessionClosed = errors.New("modulate: session closed")
)

// DefaultMaxLayer is the deepest layer index that gets modulated.
const DefaultMaxLayer = 7

// WeightStore exposes the live layer weights of a generator. Implementations
// must be comparable (pointer types) so leases can be tracked per store.
type WeightStore interface {
	NumLayers() int
	LayerWeight(i int) (tensor.Tensor, error)
	SetLayerWeight(i int, w tensor.Tensor) error
}

var (
	leasesMu sync.Mutex
	leases   = make(map[WeightStore]*Session)
)

// Session owns write access to a store's managed layers.
type Session struct {
	store    WeightStore
	layers   []int
	orig     []tensor.Tensor // per managed layer, shape (1, in, out, kh, kw)
	envelope []float32
	noise    tensor.Tensor // (F, in, out, kh, kw)
	per      int

	busy    atomic.Bool
	closed  atomic.Bool
	applies atomic.Uint64
}

// Open snapshots layers 0..maxLayer of store and takes the lease.
//
// envelope and noise must both have one entry per frame, and every managed
// layer must have the shape (1, noise.Shape[1:]...).
func Open(store WeightStore, envelope []float32, noise tensor.Tensor, maxLayer int) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("modulate: nil weight store")
	}
	if len(envelope) != noise.Len() {
		return nil, rendererr.Mismatch("noise field frames vs envelope length", len(envelope), noise.Len())
	}
	if len(noise.Shape) < 2 {
		return nil, rendererr.Mismatch("noise field rank", "(F, in, out, kh, kw)", noise.String())
	}

	n := min(store.NumLayers(), maxLayer+1)
	if n <= 0 {
		return nil, fmt.Errorf("modulate: no layers to manage (store has %d, max layer %d)", store.NumLayers(), maxLayer)
	}

	want := append([]int{1}, noise.Shape[1:]...)
	s := &Session{
		store:    store,
		layers:   make([]int, 0, n),
		orig:     make([]tensor.Tensor, 0, n),
		envelope: envelope,
		noise:    noise,
		per:      noise.RowSize(),
	}
	for i := 0; i < n; i++ {
		w, err := store.LayerWeight(i)
		if err != nil {
			return nil, fmt.Errorf("modulate: read layer %d: %w", i, err)
		}
		if !tensor.SameShape(w.Shape, want) {
			return nil, rendererr.Mismatch(fmt.Sprintf("layer %d weight", i), shapeString(want), w.String())
		}
		s.layers = append(s.layers, i)
		s.orig = append(s.orig, w.Clone())
		slog.Debug("modulate: snapshot layer", "layer", i, "shape", w.String())
	}

	leasesMu.Lock()
	defer leasesMu.Unlock()
	if _, taken := leases[store]; taken {
		return nil, ErrSessionOwned
	}
	leases[store] = s

	slog.Info("modulate: session opened", "layers", len(s.layers), "frames", len(envelope), "weight_shape", shapeString(want))
	return s, nil
}

// Layers returns the managed layer indices.
func (s *Session) Layers() []int { return append([]int(nil), s.layers...) }

// Original returns a copy of the snapshot for managed layer i.
func (s *Session) Original(i int) (tensor.Tensor, error) {
	if i < 0 || i >= len(s.orig) {
		return tensor.Tensor{}, fmt.Errorf("modulate: layer %d is not managed", i)
	}
	return s.orig[i].Clone(), nil
}

// Apply rewrites every managed layer for frames [lo, hi). hi is clamped to
// the frame count so the final short batch can be requested as lo+B.
func (s *Session) Apply(lo, hi int) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	defer s.busy.Store(false)

	env := s.envelope
	if hi > len(env) {
		hi = len(env)
	}
	if lo < 0 || lo >= hi {
		return fmt.Errorf("modulate: batch [%d, %d) out of range for %d frames", lo, hi, len(env))
	}
	z, err := s.noise.Rows(lo, hi)
	if err != nil {
		return fmt.Errorf("modulate: %w", err)
	}

	for k, layer := range s.layers {
		w := Blend(s.orig[k], env[lo:hi], z)
		if err := s.store.SetLayerWeight(layer, w); err != nil {
			return fmt.Errorf("modulate: write layer %d: %w", layer, err)
		}
	}
	s.applies.Add(1)
	return nil
}

// Blend computes the modulated weight for every frame of a batch. orig has
// shape (1, ...), z has shape (len(env), ...); the result is (len(env), ...).
func Blend(orig tensor.Tensor, env []float32, z tensor.Tensor) tensor.Tensor {
	per := orig.Numel()
	out := tensor.New(append([]int{len(env)}, orig.Shape[1:]...)...)
	o := orig.Data
	for t, e := range env {
		dst := out.Data[t*per : (t+1)*per]
		zt := z.Data[t*per : (t+1)*per]
		switch e {
		case 0:
			copy(dst, o)
		case 1:
			for j := range dst {
				dst[j] = 2 * o[j] * zt[j]
			}
		default:
			a, b := 1-e, 2*e
			for j := range dst {
				dst[j] = a*o[j] + b*o[j]*zt[j]
			}
		}
	}
	return out
}

// Applies returns how many batches have been rewritten.
func (s *Session) Applies() uint64 { return s.applies.Load() }

// Close restores the original weights and releases the lease. Safe to call
// more than once; only the first call restores.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for k, layer := range s.layers {
		if err := s.store.SetLayerWeight(layer, s.orig[k].Clone()); err != nil {
			errs = append(errs, fmt.Errorf("modulate: restore layer %d: %w", layer, err))
		}
	}

	leasesMu.Lock()
	if leases[s.store] == s {
		delete(leases, s.store)
	}
	leasesMu.Unlock()

	slog.Debug("modulate: session closed", "applies", s.applies.Load())
	return errors.Join(errs...)
}

func shapeString(shape []int) string {
	return tensor.Tensor{Shape: shape}.String()
}
