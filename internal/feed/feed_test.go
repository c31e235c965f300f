package feed

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// memSink records every frame written to it.
type memSink struct {
	width, height int
	frames        [][]byte
	finished      bool
}

func (s *memSink) Write(b []byte) (int, error) {
	s.frames = append(s.frames, append([]byte(nil), b...))
	return len(b), nil
}

func (s *memSink) Dimensions() (int, int) { return s.width, s.height }

func (s *memSink) Finish(context.Context) error {
	s.finished = true
	return nil
}

func (s *memSink) Abort() {}

func solidFrame(index, w, h int, rgb [3]byte) types.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		copy(data[i*3:], rgb[:])
	}
	return types.Frame{Index: index, Width: w, Height: h, Data: data}
}

func TestStageWritesFramesInOrder(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{width: 4, height: 2}
	in := pipeline.NewQueue[types.Frame]("frames", 2)
	stage := NewStage(in, sink, types.DefaultMappings(), 5, time.Second)

	go func() {
		for i := 0; i < 5; i++ {
			_ = in.Put(ctx, solidFrame(i, 4, 2, [3]byte{byte(i), 0, 0}))
		}
	}()

	if err := stage.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.frames) != 5 {
		t.Fatalf("frames written = %d, want 5", len(sink.frames))
	}
	for i, f := range sink.frames {
		if f[0] != byte(i) {
			t.Errorf("frame %d starts with %d", i, f[0])
		}
	}
	if !sink.finished {
		t.Error("encoder not finished after the last frame")
	}
}

func TestHandleRejectsSizeMismatch(t *testing.T) {
	f := New(&memSink{width: 4, height: 4}, nil)
	err := f.Handle(context.Background(), solidFrame(0, 4, 2, [3]byte{}), func(int) error { return nil })
	var mismatch *rendererr.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Handle() error = %v, want ShapeMismatchError", err)
	}
}

func TestHandleRejectsOutOfOrder(t *testing.T) {
	f := New(&memSink{width: 1, height: 1}, nil)
	if err := f.Handle(context.Background(), solidFrame(1, 1, 1, [3]byte{}), func(int) error { return nil }); err == nil {
		t.Fatal("Handle() of frame 1 before frame 0 expected error")
	}
}

func TestConvertCropsAndResizes(t *testing.T) {
	m, _ := types.DefaultMappings().Lookup(2048)
	green := [3]byte{10, 200, 30}
	frame := solidFrame(7, 2048, 1024, green)

	// paint the columns that must be cropped away
	for y := 0; y < 1024; y++ {
		for x := 0; x < m.CropX; x++ {
			copy(frame.Data[(y*2048+x)*3:], []byte{255, 0, 0})
			copy(frame.Data[(y*2048+2047-x)*3:], []byte{255, 0, 0})
		}
	}

	out, err := Convert(frame, m)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if out.Width != 1920 || out.Height != 1080 || out.Index != 7 || !out.Valid() {
		t.Fatalf("Convert() = index %d %dx%d valid=%v", out.Index, out.Width, out.Height, out.Valid())
	}
	for _, px := range []int{0, 1919, 1080*1920 - 1, 540*1920 + 960} {
		if got := out.Data[px*3 : px*3+3]; !bytes.Equal(got, green[:]) {
			t.Errorf("pixel %d = %v, want %v", px, got, green)
		}
	}
}

func TestConvertRejectsWrongWorkingSize(t *testing.T) {
	m, _ := types.DefaultMappings().Lookup(2048)
	if _, err := Convert(solidFrame(0, 2048, 512, [3]byte{}), m); err == nil {
		t.Error("Convert() of 2048x512 expected error")
	}
}
