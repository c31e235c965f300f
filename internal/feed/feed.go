// Package feed writes frames to the encoder in order, converting working
// resolution frames to the delivery resolution on the way.
package feed

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// Feeder is the encoder-side stage handler.
type Feeder struct {
	sink     encoder.Sink
	mappings types.MappingTable
	next     int
	mapped   int
}

// New returns a feeder writing into sink. A nil table disables conversion.
func New(sink encoder.Sink, mappings types.MappingTable) *Feeder {
	return &Feeder{sink: sink, mappings: mappings}
}

// Handle converts and writes one frame, then emits its index.
func (f *Feeder) Handle(_ context.Context, frame types.Frame, emit func(int) error) error {
	if frame.Index != f.next {
		return fmt.Errorf("feed: frame %d arrived out of order, want %d", frame.Index, f.next)
	}
	if !frame.Valid() {
		return rendererr.Mismatch(fmt.Sprintf("frame %d data length", frame.Index), frame.Width*frame.Height*types.Channels, len(frame.Data))
	}

	if m, ok := f.mappings.Lookup(frame.Width); ok {
		converted, err := Convert(frame, m)
		if err != nil {
			return err
		}
		if f.mapped == 0 {
			slog.Debug("feed: converting working resolution", "mapping", m.Name, "from", fmt.Sprintf("%dx%d", frame.Width, frame.Height), "to", m.Target.Size())
		}
		f.mapped++
		frame = converted
	}

	w, h := f.sink.Dimensions()
	if frame.Width != w || frame.Height != h {
		return rendererr.Mismatch(fmt.Sprintf("frame %d size", frame.Index), fmt.Sprintf("%dx%d", w, h), fmt.Sprintf("%dx%d", frame.Width, frame.Height))
	}

	if _, err := f.sink.Write(frame.Data); err != nil {
		return err
	}
	f.next++
	return emit(frame.Index)
}

// Convert crops m.CropX columns from each side of frame and resizes the rest
// to m.Target with a bilinear filter.
func Convert(frame types.Frame, m types.Mapping) (types.Frame, error) {
	if frame.Width != m.WorkingWidth || frame.Height != m.WorkingHeight {
		return types.Frame{}, rendererr.Mismatch("working frame for "+m.Name,
			fmt.Sprintf("%dx%d", m.WorkingWidth, m.WorkingHeight),
			fmt.Sprintf("%dx%d", frame.Width, frame.Height))
	}

	cw := m.CroppedWidth()
	src := image.NewRGBA(image.Rect(0, 0, cw, frame.Height))
	for y := 0; y < frame.Height; y++ {
		row := frame.Data[(y*frame.Width+m.CropX)*3 : (y*frame.Width+m.CropX+cw)*3]
		dst := src.Pix[y*src.Stride : y*src.Stride+cw*4]
		for x := 0; x < cw; x++ {
			dst[x*4] = row[x*3]
			dst[x*4+1] = row[x*3+1]
			dst[x*4+2] = row[x*3+2]
			dst[x*4+3] = 0xff
		}
	}

	tw, th := m.Target.Dimensions()
	out := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.BiLinear.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)

	return types.Frame{
		Index:  frame.Index,
		Width:  tw,
		Height: th,
		Data:   packRGB(out),
	}, nil
}

func packRGB(img *image.RGBA) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(out[(y*w+x)*3:(y*w+x)*3+3], row[x*4:x*4+3])
		}
	}
	return out
}

// NewStage wires a feeder as the sink stage: it consumes exactly frames
// frames, then finishes the encoder.
func NewStage(in *pipeline.Queue[types.Frame], sink encoder.Sink, mappings types.MappingTable, frames int, idle time.Duration) *pipeline.Stage[types.Frame, int] {
	f := New(sink, mappings)
	return &pipeline.Stage[types.Frame, int]{
		Name:     "feed",
		In:       in,
		Idle:     idle,
		Expected: frames,
		Handle:   f.Handle,
		OnFinish: sink.Finish,
	}
}
