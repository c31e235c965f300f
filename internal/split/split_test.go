package split

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

func TestToByte(t *testing.T) {
	tests := []struct {
		in   float32
		want byte
	}{
		{-2, 0},
		{-1, 0},
		{0, 127},
		{0.5, 191},
		{1, 255},
		{3, 255},
	}
	for _, tt := range tests {
		if got := toByte(tt.in); got != tt.want {
			t.Errorf("toByte(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestToRGB24Interleaves(t *testing.T) {
	// 1x2 image: R plane [1, -1], G plane [0, 0], B plane [-1, 1]
	chw := []float32{1, -1, 0, 0, -1, 1}
	got := ToRGB24(chw, 1, 2)
	want := []byte{255, 127, 0, 0, 127, 255}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ToRGB24() = %v, want %v", got, want)
		}
	}
}

func TestStageSplitsBatchesInOrder(t *testing.T) {
	ctx := context.Background()
	in := pipeline.NewQueue[tensor.Tensor]("batches", 2)
	out := pipeline.NewQueue[types.Frame]("frames", 16)
	stage := NewStage(in, out, 5, time.Second)

	go func() {
		for _, b := range []int{2, 2, 1} {
			_ = in.Put(ctx, tensor.New(b, 3, 2, 4))
		}
		in.Close()
	}()

	if err := stage.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for want := 0; want < 5; want++ {
		f, err := out.Get(ctx, time.Second)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if f.Index != want || f.Width != 4 || f.Height != 2 || !f.Valid() {
			t.Errorf("frame %d = index %d, %dx%d valid=%v", want, f.Index, f.Width, f.Height, f.Valid())
		}
	}
}

func TestHandleRejectsBadShapes(t *testing.T) {
	s := New()
	emit := func(types.Frame) error { return nil }
	var mismatch *rendererr.ShapeMismatchError

	if err := s.Handle(context.Background(), tensor.New(1, 4, 2, 2), emit); !errors.As(err, &mismatch) {
		t.Errorf("Handle(4 channels) error = %v, want ShapeMismatchError", err)
	}
	if err := s.Handle(context.Background(), tensor.New(1, 3, 2, 2), emit); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := s.Handle(context.Background(), tensor.New(1, 3, 4, 4), emit); !errors.As(err, &mismatch) {
		t.Errorf("Handle(size change) error = %v, want ShapeMismatchError", err)
	}
}
