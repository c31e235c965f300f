// Package orchestrator drives a render: it feeds batches of latents through
// the weight-modulated generator and hands the output to the split and feed
// stages, which run concurrently and deliver frames to the encoder.
//
// Design:
//   - Only the Render goroutine talks to the generator, including weight
//     rewrites through the modulation session.
//   - The split and feed stages start after the first batch is queued and
//     run under one errgroup; the first failure cancels everything.
//   - On failure the encoder is aborted and the partial output removed. A
//     file that fails verification is renamed with an .incomplete suffix.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/audio"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/encoder"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/envelope"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/feed"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/modulate"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/noisefield"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/output"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/pipeline"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/split"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/verify"
)

// ErrRunning is returned when Render is called while a render is in progress.
var ErrRunning = errors.New("orchestrator: render already in progress")

// Default queue capacities: batches ahead of the splitter and frames ahead
// of the encoder.
const (
	DefaultSplitQueue = 4
	DefaultFeedQueue  = 32
	DefaultIdle       = 10 * time.Second
)

// SinkOpener starts the encoder for a render.
type SinkOpener func(ctx context.Context, backend encoder.Backend, p encoder.Params) (encoder.Sink, error)

// Job describes one render.
type Job struct {
	Latents       tensor.Tensor
	Noise         []*tensor.Tensor
	Manipulations []types.Manipulation
	BatchSize     int
	Truncation    float64

	Envelope  envelope.Schedule
	NoiseOpts noisefield.Options
	MaxLayer  int
	Settings  generator.Settings

	// Encoder carries the encode settings. Output, Frames and Audio are
	// filled from the job.
	Encoder  encoder.Params
	Backend  encoder.Backend
	Output   string
	Audio    *encoder.AudioInput
	Mappings types.MappingTable

	Idle       time.Duration
	SplitQueue int
	FeedQueue  int

	// Verify probes the finished file.
	Verify bool
	// OpenSink overrides encoder.Open.
	OpenSink SinkOpener
}

// Frames returns the sequence length F.
func (j *Job) Frames() int { return j.Latents.Len() }

// Result describes a finished render.
type Result struct {
	RunID   string
	Output  string
	Frames  int
	Batches int
	Elapsed time.Duration
	Report  *verify.Report
	Stats   Stats
}

// State is the lifecycle phase of the current render.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateRendering State = "rendering"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Stats is a snapshot of render progress.
type Stats struct {
	RunID       string                `json:"run_id"`
	State       State                 `json:"state"`
	Output      string                `json:"output"`
	Frames      int                   `json:"frames"`
	BatchSize   int                   `json:"batch_size"`
	Batches     int                   `json:"batches"`
	BatchesDone int                   `json:"batches_done"`
	Delivered   int                   `json:"frames_delivered"`
	Queues      []pipeline.QueueStats `json:"queues,omitempty"`
	Stages      []pipeline.StageStats `json:"stages,omitempty"`
	Elapsed     time.Duration         `json:"elapsed_ns"`
	Error       string                `json:"error,omitempty"`
}

// Renderer runs renders on one generator, one at a time.
type Renderer struct {
	gen generator.Generator

	running atomic.Bool

	mu          sync.RWMutex
	runID       string
	state       State
	out         string
	frames      int
	batchSize   int
	batches     int
	batchesDone int
	started     time.Time
	finished    time.Time
	lastErr     error
	splitQ      *pipeline.Queue[tensor.Tensor]
	feedQ       *pipeline.Queue[types.Frame]
	splitStage  *pipeline.Stage[tensor.Tensor, types.Frame]
	feedStage   *pipeline.Stage[types.Frame, int]
}

// New returns a renderer driving gen.
func New(gen generator.Generator) *Renderer {
	return &Renderer{gen: gen, state: StateIdle}
}

// Render produces job.Frames() frames into job.Output. It blocks until the
// encoder has exited. The output file is removed if the render fails, or
// renamed with output.IncompleteSuffix if it fails verification.
func (r *Renderer) Render(ctx context.Context, job Job) (Result, error) {
	if !r.running.CompareAndSwap(false, true) {
		return Result{}, ErrRunning
	}
	defer r.running.Store(false)

	r.begin(job)
	res, err := r.render(ctx, &job)
	r.end(err)
	if err != nil {
		slog.Error("render: failed", "run_id", r.RunID(), "error", err)
		return Result{}, err
	}
	res.Stats = r.Stats()
	return res, nil
}

func (r *Renderer) render(ctx context.Context, job *Job) (Result, error) {
	start := time.Now()
	runID := r.RunID()

	if err := Validate(job); err != nil {
		return Result{}, err
	}
	applyDefaults(job)

	frames := job.Frames()
	slog.Info("render: starting",
		"run_id", runID,
		"frames", frames,
		"batch", job.BatchSize,
		"output", job.Output,
		"resolution", job.Encoder.Resolution.String(),
	)

	if job.Audio != nil {
		info, err := audio.Probe(job.Audio.Path)
		if err != nil {
			return Result{}, err
		}
		period := time.Duration(job.Encoder.Duration / float64(frames) * float64(time.Second))
		if err := info.CheckSlice(job.Audio.Offset, job.Encoder.Duration, period); err != nil {
			return Result{}, err
		}
	}

	if err := r.gen.Configure(ctx, job.Settings); err != nil {
		return Result{}, fmt.Errorf("render: configure generator: %w", err)
	}

	session, err := r.openSession(ctx, job)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("render: restore weights", "error", err)
		}
	}()

	params := job.Encoder
	params.Output = job.Output
	params.Frames = frames
	params.Audio = job.Audio
	sink, err := job.OpenSink(ctx, job.Backend, params)
	if err != nil {
		r.cleanup(job.Output)
		return Result{}, err
	}

	batches, err := r.run(ctx, job, session, sink)
	if err != nil {
		sink.Abort()
		r.cleanup(job.Output)
		return Result{}, err
	}

	res := Result{
		RunID:   runID,
		Output:  job.Output,
		Frames:  frames,
		Batches: batches,
		Elapsed: time.Since(start),
	}

	if job.Verify {
		report, err := verify.File(job.Output, frames, job.Audio != nil)
		if err != nil {
			if marked, mErr := output.MarkIncomplete(job.Output); mErr != nil {
				slog.Warn("render: mark unverified output", "error", mErr)
				r.cleanup(job.Output)
			} else {
				slog.Warn("render: output failed verification", "run_id", runID, "path", marked)
			}
			return Result{}, err
		}
		res.Report = &report
	}

	slog.Info("render: complete",
		"run_id", runID,
		"output", job.Output,
		"frames", frames,
		"batches", batches,
		"elapsed", res.Elapsed,
		"fps", fmt.Sprintf("%.2f", float64(frames)/res.Elapsed.Seconds()),
	)
	return res, nil
}

func (r *Renderer) cleanup(path string) {
	if err := output.Remove(path); err != nil {
		slog.Warn("render: cleanup", "error", err)
	}
}

// openSession builds the envelope and the noise field and takes the weight
// lease on the generator.
func (r *Renderer) openSession(ctx context.Context, job *Job) (*modulate.Session, error) {
	frames := job.Frames()

	env, err := job.Envelope.Build(frames)
	if err != nil {
		return nil, err
	}
	if err := envelope.Check(env, frames); err != nil {
		return nil, err
	}

	w, err := r.gen.LayerWeight(0)
	if err != nil {
		return nil, fmt.Errorf("render: read layer 0 weight: %w", err)
	}
	if len(w.Shape) != 5 || w.Shape[0] != 1 {
		return nil, rendererr.Mismatch("layer 0 weight", "(1, in, out, kh, kw)", w.String())
	}

	field, err := noisefield.Build(ctx, frames, w.Shape[1:], job.NoiseOpts)
	if err != nil {
		return nil, err
	}

	return modulate.Open(r.gen, env, field, job.MaxLayer)
}

// run is the batch loop plus the stage group. It returns the number of
// batches generated.
func (r *Renderer) run(ctx context.Context, job *Job, session *modulate.Session, sink encoder.Sink) (int, error) {
	frames := job.Frames()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	splitQ := pipeline.NewQueue[tensor.Tensor]("split", job.SplitQueue)
	feedQ := pipeline.NewQueue[types.Frame]("feed", job.FeedQueue)
	splitStage := split.NewStage(splitQ, feedQ, frames, job.Idle)
	feedStage := feed.NewStage(feedQ, sink, job.Mappings, frames, job.Idle)
	r.attach(splitQ, feedQ, splitStage, feedStage)

	batches := 0
	produce := func() error {
		for lo := 0; lo < frames; lo += job.BatchSize {
			hi := min(lo+job.BatchSize, frames)

			req, err := batchRequest(job, lo, hi)
			if err != nil {
				return err
			}
			if err := session.Apply(lo, hi); err != nil {
				return err
			}

			started := time.Now()
			out, err := r.gen.Generate(gctx, req)
			if err != nil {
				return fmt.Errorf("render: generate batch [%d, %d): %w", lo, hi, err)
			}
			if out.Len() != hi-lo {
				return rendererr.Mismatch(fmt.Sprintf("generator output for batch [%d, %d)", lo, hi), hi-lo, out.Len())
			}
			slog.Debug("render: batch generated", "seq", batches, "lo", lo, "hi", hi, "elapsed", time.Since(started))

			if err := splitQ.Put(gctx, out); err != nil {
				return err
			}
			batches++
			r.batchDone()

			if lo == 0 {
				g.Go(func() error { return splitStage.Run(gctx) })
				g.Go(func() error { return feedStage.Run(gctx) })
			}
		}
		return nil
	}

	produceErr := produce()
	if produceErr != nil {
		cancel()
	} else {
		splitQ.Close()
	}
	waitErr := g.Wait()

	switch {
	case produceErr == nil:
		return batches, waitErr
	case waitErr != nil && errors.Is(produceErr, context.Canceled):
		// The producer only saw the cancellation a failed stage caused.
		return batches, waitErr
	default:
		return batches, produceErr
	}
}

// batchRequest slices every batched input to [lo, hi).
func batchRequest(job *Job, lo, hi int) (generator.Request, error) {
	lat, err := job.Latents.Rows(lo, hi)
	if err != nil {
		return generator.Request{}, err
	}

	noise := make([]*tensor.Tensor, len(job.Noise))
	for i, n := range job.Noise {
		if n == nil {
			continue
		}
		s, err := n.Rows(lo, hi)
		if err != nil {
			return generator.Request{}, fmt.Errorf("noise layer %d: %w", i, err)
		}
		noise[i] = &s
	}

	manips := make([]types.AppliedManipulation, 0, len(job.Manipulations))
	for _, m := range job.Manipulations {
		applied, err := m.Resolve(lo, hi)
		if err != nil {
			return generator.Request{}, err
		}
		manips = append(manips, applied)
	}

	return generator.Request{
		Latents:        lat,
		Noise:          noise,
		Truncation:     job.Truncation,
		Manipulations:  manips,
		RandomizeNoise: false,
		InputIsLatent:  true,
	}, nil
}

// Validate checks that every batched input has one row per latent.
func Validate(job *Job) error {
	frames := job.Frames()
	if frames <= 0 {
		return rendererr.Mismatch("latent frames", "> 0", frames)
	}
	if job.BatchSize <= 0 {
		return fmt.Errorf("render: batch size must be positive, got %d", job.BatchSize)
	}
	if job.Output == "" {
		return fmt.Errorf("render: output path is required")
	}
	for i, n := range job.Noise {
		if n != nil && n.Len() != frames {
			return rendererr.Mismatch(fmt.Sprintf("noise layer %d frames", i), frames, n.Len())
		}
	}
	for i, m := range job.Manipulations {
		if m == nil {
			return fmt.Errorf("render: manipulation %d is nil", i)
		}
		if n := m.Frames(); n >= 0 && n != frames {
			return rendererr.Mismatch(fmt.Sprintf("manipulation %d params frames", i), frames, n)
		}
	}
	return nil
}

func applyDefaults(job *Job) {
	if job.Idle <= 0 {
		job.Idle = DefaultIdle
	}
	if job.SplitQueue <= 0 {
		job.SplitQueue = DefaultSplitQueue
	}
	if job.FeedQueue <= 0 {
		job.FeedQueue = DefaultFeedQueue
	}
	if job.Mappings == nil {
		job.Mappings = types.DefaultMappings()
	}
	if job.OpenSink == nil {
		job.OpenSink = func(ctx context.Context, backend encoder.Backend, p encoder.Params) (encoder.Sink, error) {
			return encoder.Open(ctx, backend, p)
		}
	}
	if job.Envelope.Segments == nil {
		job.Envelope = envelope.DefaultSchedule()
	}
}

func (r *Renderer) begin(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID = uuid.NewString()
	r.state = StatePreparing
	r.out = job.Output
	r.frames = job.Frames()
	r.batchSize = job.BatchSize
	r.batches = 0
	if job.BatchSize > 0 {
		r.batches = (r.frames + job.BatchSize - 1) / job.BatchSize
	}
	r.batchesDone = 0
	r.started = time.Now()
	r.finished = time.Time{}
	r.lastErr = nil
	r.splitQ, r.feedQ, r.splitStage, r.feedStage = nil, nil, nil, nil
}

func (r *Renderer) attach(splitQ *pipeline.Queue[tensor.Tensor], feedQ *pipeline.Queue[types.Frame],
	splitStage *pipeline.Stage[tensor.Tensor, types.Frame], feedStage *pipeline.Stage[types.Frame, int]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateRendering
	r.splitQ, r.feedQ = splitQ, feedQ
	r.splitStage, r.feedStage = splitStage, feedStage
}

func (r *Renderer) batchDone() {
	r.mu.Lock()
	r.batchesDone++
	r.mu.Unlock()
}

func (r *Renderer) end(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = time.Now()
	r.lastErr = err
	if err != nil {
		r.state = StateFailed
	} else {
		r.state = StateDone
	}
}

// RunID returns the ID of the current or last render.
func (r *Renderer) RunID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runID
}

// Stats returns a snapshot of the current or last render. Safe to call from
// any goroutine.
func (r *Renderer) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		RunID:       r.runID,
		State:       r.state,
		Output:      r.out,
		Frames:      r.frames,
		BatchSize:   r.batchSize,
		Batches:     r.batches,
		BatchesDone: r.batchesDone,
	}
	if !r.started.IsZero() {
		end := r.finished
		if end.IsZero() {
			end = time.Now()
		}
		s.Elapsed = end.Sub(r.started)
	}
	if r.lastErr != nil {
		s.Error = r.lastErr.Error()
	}
	if r.splitQ != nil {
		s.Queues = []pipeline.QueueStats{r.splitQ.Stats(), r.feedQ.Stats()}
	}
	if r.splitStage != nil {
		s.Stages = []pipeline.StageStats{r.splitStage.Stats(), r.feedStage.Stats()}
		s.Delivered = s.Stages[1].Emitted
	}
	return s
}
