// Package split turns generator output batches into individual 8-bit frames.
package split

import (
	"context"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// Splitter converts (b, 3, H, W) batches in [-1, 1] to packed RGB24 frames.
// It numbers frames in arrival order and rejects batches whose image size
// changes mid-run.
type Splitter struct {
	next          int
	width, height int
}

// New returns a splitter that starts numbering at frame 0.
func New() *Splitter { return &Splitter{} }

// Handle is a pipeline.Handler: it emits one frame per image in batch.
func (s *Splitter) Handle(_ context.Context, batch tensor.Tensor, emit func(types.Frame) error) error {
	if len(batch.Shape) != 4 || batch.Shape[1] != types.Channels {
		return rendererr.Mismatch("generator output", "(b, 3, H, W)", batch.String())
	}
	h, w := batch.Shape[2], batch.Shape[3]
	if s.width == 0 {
		s.width, s.height = w, h
	} else if w != s.width || h != s.height {
		return rendererr.Mismatch("generator output size", [2]int{s.height, s.width}, [2]int{h, w})
	}

	plane := h * w
	for i := 0; i < batch.Len(); i++ {
		img := batch.Data[i*3*plane : (i+1)*3*plane]
		frame := types.Frame{
			Index:  s.next,
			Width:  w,
			Height: h,
			Data:   ToRGB24(img, h, w),
		}
		s.next++
		if err := emit(frame); err != nil {
			return err
		}
	}
	return nil
}

// ToRGB24 clamps a channel-first (3, h, w) image to [-1, 1], maps it to
// [0, 255] by (x+1)*127.5 with truncation, and interleaves it as HWC.
func ToRGB24(chw []float32, h, w int) []byte {
	plane := h * w
	out := make([]byte, plane*3)
	for c := 0; c < 3; c++ {
		src := chw[c*plane : (c+1)*plane]
		for p, v := range src {
			out[p*3+c] = toByte(v)
		}
	}
	return out
}

func toByte(v float32) byte {
	switch {
	case v != v:
		return 0
	case v < -1:
		v = -1
	case v > 1:
		v = 1
	}
	return byte((v + 1) * 127.5)
}

// NewStage wires a splitter between the batch queue and the frame queue.
// It expects exactly frames frames in total.
func NewStage(in *pipeline.Queue[tensor.Tensor], out *pipeline.Queue[types.Frame], frames int, idle time.Duration) *pipeline.Stage[tensor.Tensor, types.Frame] {
	return &pipeline.Stage[tensor.Tensor, types.Frame]{
		Name:     "split",
		In:       in,
		Out:      out,
		Idle:     idle,
		Expected: frames,
		Handle:   New().Handle,
	}
}
