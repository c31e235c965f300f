package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/envelope"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/modulate"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/noisefield"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/output"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/split"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

const side = 4

// memSink records every frame written to it.
type memSink struct {
	mu       sync.Mutex
	frames   [][]byte
	finished bool
	aborted  bool
}

func (s *memSink) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), b...))
	return len(b), nil
}

func (s *memSink) Dimensions() (int, int) { return side, side }

func (s *memSink) Finish(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *memSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}

func openMem(sink *memSink) SinkOpener {
	return func(context.Context, encoder.Backend, encoder.Params) (encoder.Sink, error) {
		return sink, nil
	}
}

// latentValue is distinct per frame after 8-bit quantization for i < 200.
func latentValue(i int) float32 {
	return -1 + 2*float32(i)/200
}

func latents(frames int) tensor.Tensor {
	t := tensor.New(frames, 2)
	for i := 0; i < frames; i++ {
		t.Data[2*i] = latentValue(i)
	}
	return t
}

func newJob(t *testing.T, frames, batch int) Job {
	t.Helper()
	return Job{
		Latents:   latents(frames),
		BatchSize: batch,
		Output:    filepath.Join(t.TempDir(), "out.mp4"),
		Encoder:   encoder.Params{Resolution: types.Res512, Duration: 1},
		Settings:  generator.DefaultSettings(),
		MaxLayer:  7,
		Idle:      2 * time.Second,
	}
}

func TestRenderDeliversFramesInOrder(t *testing.T) {
	tests := []struct {
		frames, batch int
	}{
		{1, 1},
		{1, 8},
		{7, 3},
		{12, 4},
		{24, 5},
		{48, 48},
		{50, 64},
		{97, 8},
		{150, 16},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("F=%d/B=%d", tt.frames, tt.batch), func(t *testing.T) {
			gen := generator.NewFake(side, side, 10)
			sink := &memSink{}
			job := newJob(t, tt.frames, tt.batch)
			job.OpenSink = openMem(sink)
			job.SplitQueue = 2
			job.FeedQueue = 3

			res, err := New(gen).Render(context.Background(), job)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}

			if len(sink.frames) != tt.frames {
				t.Fatalf("frames written = %d, want %d", len(sink.frames), tt.frames)
			}
			for i, f := range sink.frames {
				want := split.ToRGB24([]float32{latentValue(i), latentValue(i), latentValue(i)}, 1, 1)[0]
				if f[0] != want || f[len(f)-1] != want {
					t.Fatalf("frame %d starts with %d, want %d (order broken)", i, f[0], want)
				}
			}
			if !sink.finished || sink.aborted {
				t.Errorf("sink finished = %v aborted = %v, want finished only", sink.finished, sink.aborted)
			}

			wantBatches := (tt.frames + tt.batch - 1) / tt.batch
			if res.Batches != wantBatches || len(gen.Requests) != wantBatches {
				t.Errorf("batches = %d (requests %d), want %d", res.Batches, len(gen.Requests), wantBatches)
			}
			if res.Stats.Delivered != tt.frames || res.Stats.State != StateDone {
				t.Errorf("Stats = %+v, want %d delivered and done", res.Stats, tt.frames)
			}
		})
	}
}

func TestRenderRequests(t *testing.T) {
	const frames, batch = 12, 4

	gen := generator.NewFake(side, side, 10)
	orig, _ := gen.LayerWeight(0)
	orig = orig.Clone()

	n0 := tensor.New(frames, 1, 2, 2)
	params := tensor.New(frames, 3)
	for i := 0; i < frames; i++ {
		params.Data[3*i] = float32(i)
	}

	job := newJob(t, frames, batch)
	job.OpenSink = openMem(&memSink{})
	job.Truncation = 0.7
	job.Noise = []*tensor.Tensor{&n0, nil}
	job.Manipulations = []types.Manipulation{
		types.TimeVaryingManipulation{Layer: 3, Factory: types.NamedFactory("zoom"), Params: params},
		types.ConstantManipulation{Layer: 6, Transform: "flip"},
	}

	if _, err := New(gen).Render(context.Background(), job); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if s := gen.Settings(); s == nil || *s != generator.DefaultSettings() {
		t.Errorf("Settings() = %v, want defaults applied", s)
	}
	if len(gen.Requests) != 3 {
		t.Fatalf("requests = %d, want 3", len(gen.Requests))
	}
	for k, req := range gen.Requests {
		if req.Latents.Len() != batch {
			t.Errorf("request %d latents = %s, want %d rows", k, req.Latents, batch)
		}
		if len(req.Noise) != 2 || req.Noise[0] == nil || req.Noise[0].Len() != batch {
			t.Errorf("request %d noise[0] = %v, want %d rows", k, req.Noise, batch)
		}
		if req.Noise[1] != nil {
			t.Errorf("request %d noise[1] = %v, want nil", k, req.Noise[1])
		}
		if req.RandomizeNoise || !req.InputIsLatent || req.Truncation != 0.7 {
			t.Errorf("request %d flags = %v/%v/%v", k, req.RandomizeNoise, req.InputIsLatent, req.Truncation)
		}
		if len(req.Manipulations) != 2 {
			t.Fatalf("request %d manipulations = %d, want 2", k, len(req.Manipulations))
		}
		nt := req.Manipulations[0].Transform.(types.NamedTransform)
		if req.Manipulations[0].Layer != 3 || nt.Params.Len() != batch || nt.Params.Data[0] != float32(k*batch) {
			t.Errorf("request %d time-varying manipulation = %+v", k, nt)
		}
		if req.Manipulations[1].Transform != "flip" {
			t.Errorf("request %d constant manipulation = %v", k, req.Manipulations[1].Transform)
		}
	}

	// 8 managed layers rewritten per batch, then restored on close.
	if gen.LayerCalls != 3*8+8 {
		t.Errorf("LayerCalls = %d, want %d", gen.LayerCalls, 3*8+8)
	}
	got, _ := gen.LayerWeight(0)
	if !tensor.SameShape(got.Shape, orig.Shape) {
		t.Fatalf("restored shape = %s, want %s", got, orig)
	}
	for i := range orig.Data {
		if got.Data[i] != orig.Data[i] {
			t.Fatalf("layer 0 not restored: %v, want %v", got.Data, orig.Data)
		}
	}
}

// TestRenderModulatesPerBatch checks the weight each Generate call ran
// with: zero envelope for the first batch, half for the second, full for
// the third, and nothing carried over from the previous batch.
func TestRenderModulatesPerBatch(t *testing.T) {
	const frames, batch = 12, 4

	gen := generator.NewFake(side, side, 10)
	orig, _ := gen.LayerWeight(0)
	orig = orig.Clone()

	job := newJob(t, frames, batch)
	job.OpenSink = openMem(&memSink{})
	job.Envelope = envelope.Schedule{
		Segments: []envelope.Segment{
			{Kind: envelope.Zeros, Num: 1, Den: 3},
			{Kind: envelope.Ramp, From: 0.5, To: 0.5, Power: 1, Num: 1, Den: 3},
			{Kind: envelope.Ramp, From: 1, To: 1, Power: 1, Num: 1, Den: 3},
		},
		Exponent: 1,
	}
	job.NoiseOpts = noisefield.DefaultOptions()
	job.NoiseOpts.Seed = 7

	if _, err := New(gen).Render(context.Background(), job); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	env, err := job.Envelope.Build(frames)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	field, err := noisefield.Build(context.Background(), frames, orig.Shape[1:], job.NoiseOpts)
	if err != nil {
		t.Fatalf("noisefield.Build() error = %v", err)
	}

	if len(gen.Live) != 3 {
		t.Fatalf("live weights recorded = %d, want 3", len(gen.Live))
	}
	per := orig.Numel()
	for k, got := range gen.Live {
		lo, hi := k*batch, (k+1)*batch
		if got.Len() != batch {
			t.Fatalf("batch %d weight = %s, want %d rows", k, got, batch)
		}
		z, _ := field.Rows(lo, hi)
		want := modulate.Blend(orig, env[lo:hi], z)
		for i := range want.Data {
			if got.Data[i] != want.Data[i] {
				t.Fatalf("batch %d element %d = %v, want %v", k, i, got.Data[i], want.Data[i])
			}
		}
		if k == 0 {
			for i, v := range got.Data {
				if v != orig.Data[i%per] {
					t.Fatalf("batch 0 element %d = %v, want original %v", i, v, orig.Data[i%per])
				}
			}
		}
	}
}

func TestRenderMarksUnverifiedOutput(t *testing.T) {
	sink := &memSink{}
	job := newJob(t, 12, 4)
	job.Verify = true
	job.OpenSink = func(_ context.Context, _ encoder.Backend, p encoder.Params) (encoder.Sink, error) {
		if err := os.WriteFile(p.Output, []byte("not a container"), 0o644); err != nil {
			return nil, err
		}
		return sink, nil
	}

	_, err := New(generator.NewFake(side, side, 10)).Render(context.Background(), job)
	if err == nil {
		t.Fatal("Render() expected verification error")
	}
	if !sink.finished || sink.aborted {
		t.Errorf("sink finished = %v aborted = %v, want finished only", sink.finished, sink.aborted)
	}
	if _, err := os.Stat(job.Output); !os.IsNotExist(err) {
		t.Errorf("unverified output still at %s: %v", job.Output, err)
	}
	if _, err := os.Stat(job.Output + output.IncompleteSuffix); err != nil {
		t.Errorf("marked output missing: %v", err)
	}
}

func TestRenderRejectsMismatchedInputs(t *testing.T) {
	short := tensor.New(9, 1)
	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"noise frames", func(j *Job) { j.Noise = []*tensor.Tensor{nil, &short} }},
		{"manipulation frames", func(j *Job) {
			j.Manipulations = []types.Manipulation{types.TimeVaryingManipulation{Factory: types.NamedFactory("x"), Params: short}}
		}},
		{"empty latents", func(j *Job) { j.Latents = tensor.New(0, 2) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := generator.NewFake(side, side, 10)
			opened := false
			job := newJob(t, 12, 4)
			job.OpenSink = func(context.Context, encoder.Backend, encoder.Params) (encoder.Sink, error) {
				opened = true
				return &memSink{}, nil
			}
			tt.mutate(&job)

			_, err := New(gen).Render(context.Background(), job)
			var mismatch *rendererr.ShapeMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("Render() error = %v, want ShapeMismatchError", err)
			}
			if opened || len(gen.Requests) != 0 {
				t.Errorf("render started despite mismatch (sink opened %v, requests %d)", opened, len(gen.Requests))
			}
		})
	}
}

func TestRenderRejectsWrongOutputBatch(t *testing.T) {
	gen := &shortGen{Fake: generator.NewFake(side, side, 10)}
	job := newJob(t, 8, 4)
	sink := &memSink{}
	job.OpenSink = openMem(sink)

	_, err := New(gen).Render(context.Background(), job)
	var mismatch *rendererr.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Render() error = %v, want ShapeMismatchError", err)
	}
	if !sink.aborted {
		t.Error("sink not aborted")
	}
}

// shortGen drops the last image of every batch.
type shortGen struct{ *generator.Fake }

func (g *shortGen) Generate(ctx context.Context, req generator.Request) (tensor.Tensor, error) {
	out, err := g.Fake.Generate(ctx, req)
	if err != nil {
		return out, err
	}
	return out.Rows(0, out.Len()-1)
}

func TestRenderEncoderFailure(t *testing.T) {
	job := newJob(t, 12, 4)
	if err := os.WriteFile(job.Output, []byte("partial"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	job.OpenSink = func(ctx context.Context, _ encoder.Backend, _ encoder.Params) (encoder.Sink, error) {
		return encoder.StartProcess(ctx, "sh", []string{"-c", "cat > /dev/null; echo 'muxer exploded' >&2; exit 1"}, side, side)
	}

	_, err := New(generator.NewFake(side, side, 10)).Render(context.Background(), job)
	var procErr *rendererr.ExternalProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("Render() error = %v, want ExternalProcessError", err)
	}
	if procErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", procErr.ExitCode)
	}
	if _, err := os.Stat(job.Output); !os.IsNotExist(err) {
		t.Errorf("partial output not removed: %v", err)
	}
}

func TestRenderGeneratorFailure(t *testing.T) {
	gen := generator.NewFake(side, side, 10)
	gen.FailAt = 2
	sink := &memSink{}
	job := newJob(t, 40, 4)
	job.OpenSink = openMem(sink)

	r := New(gen)
	_, err := r.Render(context.Background(), job)
	if err == nil {
		t.Fatal("Render() error = nil, want generator failure")
	}
	if !sink.aborted {
		t.Error("sink not aborted after generator failure")
	}
	if st := r.Stats(); st.State != StateFailed || st.Error == "" {
		t.Errorf("Stats() = %+v, want failed with error", st)
	}
}

// stallGen hangs on every call after the first until its context ends.
type stallGen struct{ *generator.Fake }

func (g *stallGen) Generate(ctx context.Context, req generator.Request) (tensor.Tensor, error) {
	if len(g.Fake.Requests) >= 1 {
		select {
		case <-ctx.Done():
			return tensor.Tensor{}, ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
	return g.Fake.Generate(ctx, req)
}

func TestRenderStall(t *testing.T) {
	job := newJob(t, 16, 4)
	sink := &memSink{}
	job.OpenSink = openMem(sink)
	job.Idle = 100 * time.Millisecond

	start := time.Now()
	_, err := New(&stallGen{Fake: generator.NewFake(side, side, 10)}).Render(context.Background(), job)
	var stall *rendererr.StallError
	if !errors.As(err, &stall) {
		t.Fatalf("Render() error = %v, want StallError", err)
	}
	if stall.Expected != 16 || stall.Seen > 4 {
		t.Errorf("StallError = %+v, want expected 16 and at most 4 seen", stall)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("stall detected after %v, want about the idle bound", time.Since(start))
	}
	if !sink.aborted {
		t.Error("sink not aborted after stall")
	}
}

func TestRenderSequentialRunsShareGenerator(t *testing.T) {
	gen := generator.NewFake(side, side, 10)
	r := New(gen)
	for run := 0; run < 2; run++ {
		job := newJob(t, 6, 4)
		job.OpenSink = openMem(&memSink{})
		res, err := r.Render(context.Background(), job)
		if err != nil {
			t.Fatalf("run %d: Render() error = %v", run, err)
		}
		if res.RunID == "" || res.Frames != 6 {
			t.Errorf("run %d: Result = %+v", run, res)
		}
	}
}
