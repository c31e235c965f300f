package modulate

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
)

// fakeStore holds layer weights in memory.
type fakeStore struct {
	mu      sync.Mutex
	weights []tensor.Tensor
}

func newFakeStore(layers int, shape ...int) *fakeStore {
	s := &fakeStore{}
	for i := 0; i < layers; i++ {
		w := tensor.New(append([]int{1}, shape...)...)
		for j := range w.Data {
			w.Data[j] = float32(i+1) * (0.25 + float32(j)*0.5)
		}
		s.weights = append(s.weights, w)
	}
	return s
}

func (s *fakeStore) NumLayers() int { return len(s.weights) }

func (s *fakeStore) LayerWeight(i int) (tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.weights) {
		return tensor.Tensor{}, fmt.Errorf("no layer %d", i)
	}
	return s.weights[i], nil
}

func (s *fakeStore) SetLayerWeight(i int, w tensor.Tensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[i] = w
	return nil
}

func testNoise(frames int, shape ...int) tensor.Tensor {
	z := tensor.New(append([]int{frames}, shape...)...)
	for i := range z.Data {
		z.Data[i] = float32(i%7) - 2.5
	}
	return z
}

func TestBatchScenario(t *testing.T) {
	const frames, batch = 12, 4
	env := []float32{0, 0, 0, 0, 0.5, 0.5, 0.5, 0.5, 1, 1, 1, 1}
	store := newFakeStore(10, 2, 2, 3, 3)
	noise := testNoise(frames, 2, 2, 3, 3)

	s, err := Open(store, env, noise, DefaultMaxLayer)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if got := len(s.Layers()); got != 8 {
		t.Fatalf("managed layers = %d, want 8", got)
	}

	for lo := 0; lo < frames; lo += batch {
		if err := s.Apply(lo, lo+batch); err != nil {
			t.Fatalf("Apply(%d) error = %v", lo, err)
		}

		for _, layer := range s.Layers() {
			orig, _ := s.Original(layer)
			w, _ := store.LayerWeight(layer)
			if w.String() != "(4, 2, 2, 3, 3)" {
				t.Fatalf("layer %d shape = %s, want (4, 2, 2, 3, 3)", layer, w)
			}
			per := orig.Numel()
			for f := 0; f < batch; f++ {
				z := noise.Data[(lo+f)*per : (lo+f+1)*per]
				for j := 0; j < per; j++ {
					o := orig.Data[j]
					got := w.Data[f*per+j]
					switch lo {
					case 0:
						if got != o {
							t.Fatalf("batch 0 layer %d: weight %v, want original %v", layer, got, o)
						}
					case 4:
						want := 0.5*o + o*z[j]
						if math.Abs(float64(got-want)) > 1e-5*math.Max(1, math.Abs(float64(want))) {
							t.Fatalf("batch 1 layer %d: weight %v, want blend %v", layer, got, want)
						}
					case 8:
						if got != 2*o*z[j] {
							t.Fatalf("batch 2 layer %d: weight %v, want %v", layer, got, 2*o*z[j])
						}
					}
				}
			}
		}
	}

	// deeper layers untouched
	for layer := 8; layer < 10; layer++ {
		w, _ := store.LayerWeight(layer)
		if w.Len() != 1 {
			t.Errorf("layer %d was modulated: %s", layer, w)
		}
	}
}

func TestApplyIdempotent(t *testing.T) {
	env := []float32{0.3, 0.7, 0.9}
	store := newFakeStore(2, 1, 1, 3, 3)
	s, err := Open(store, env, testNoise(3, 1, 1, 3, 3), DefaultMaxLayer)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Apply(0, 3); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	first, _ := store.LayerWeight(1)
	first = first.Clone()

	if err := s.Apply(0, 3); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	second, _ := store.LayerWeight(1)

	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("Apply() drifted at %d: %v then %v", i, first.Data[i], second.Data[i])
		}
	}
	if s.Applies() != 2 {
		t.Errorf("Applies() = %d, want 2", s.Applies())
	}
}

func TestApplyClampsFinalBatch(t *testing.T) {
	store := newFakeStore(1, 1, 1, 1, 1)
	s, err := Open(store, []float32{0, 0, 0, 0, 0}, testNoise(5, 1, 1, 1, 1), DefaultMaxLayer)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if err := s.Apply(4, 8); err != nil {
		t.Fatalf("Apply(4, 8) error = %v", err)
	}
	w, _ := store.LayerWeight(0)
	if w.Len() != 1 {
		t.Errorf("final batch weight rows = %d, want 1", w.Len())
	}
	if err := s.Apply(5, 9); err == nil {
		t.Error("Apply(5, 9) past the end expected error")
	}
}

func TestSessionExclusive(t *testing.T) {
	store := newFakeStore(1, 1, 1, 1, 1)
	env := []float32{1}
	noise := testNoise(1, 1, 1, 1, 1)

	s, err := Open(store, env, noise, DefaultMaxLayer)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := Open(store, env, noise, DefaultMaxLayer); !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("second Open() error = %v, want ErrSessionOwned", err)
	}

	s.busy.Store(true)
	if err := s.Apply(0, 1); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("overlapping Apply() error = %v, want ErrSessionBusy", err)
	}
	s.busy.Store(false)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Apply(0, 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Apply() after Close error = %v, want ErrSessionClosed", err)
	}

	again, err := Open(store, env, noise, DefaultMaxLayer)
	if err != nil {
		t.Fatalf("Open() after Close error = %v", err)
	}
	again.Close()
}

func TestCloseRestoresOriginals(t *testing.T) {
	store := newFakeStore(3, 1, 2, 1, 1)
	before, _ := store.LayerWeight(2)
	before = before.Clone()

	s, err := Open(store, []float32{1, 1}, testNoise(2, 1, 2, 1, 1), DefaultMaxLayer)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Apply(0, 2); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	after, _ := store.LayerWeight(2)
	if after.String() != before.String() {
		t.Fatalf("restored shape = %s, want %s", after, before)
	}
	for i := range before.Data {
		if after.Data[i] != before.Data[i] {
			t.Fatalf("restored weight %d = %v, want %v", i, after.Data[i], before.Data[i])
		}
	}
}

func TestOpenValidatesShapes(t *testing.T) {
	store := newFakeStore(2, 1, 1, 3, 3)

	_, err := Open(store, []float32{0, 0}, testNoise(3, 1, 1, 3, 3), DefaultMaxLayer)
	var mismatch *rendererr.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Errorf("Open() envelope/noise mismatch error = %v, want ShapeMismatchError", err)
	}

	_, err = Open(store, []float32{0, 0}, testNoise(2, 1, 1, 1, 1), DefaultMaxLayer)
	if !errors.As(err, &mismatch) {
		t.Errorf("Open() weight/noise mismatch error = %v, want ShapeMismatchError", err)
	}
}
