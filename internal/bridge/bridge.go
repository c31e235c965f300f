// Package bridge drives a generative model that lives in a separate process.
//
// Protocol: every message is msgpack with a 4-byte big-endian length prefix,
// requests on the child's stdin and responses on its stdout. Calls are
// strictly request/response; the bridge never pipelines. Tensors travel as
// {shape, little-endian float32 bytes}. Only the current batch is ever
// serialized, never the whole latent sequence.
//
// Commands:
//
//	hello        → {layers}
//	configure    {settings}
//	weights      {layer} → {tensor}
//	set_weights  {layer, weight}
//	generate     {latents, noise, truncation, manipulations,
//	              randomize_noise, input_is_latent} → {tensor}
//
// stderr lines are forwarded to slog with the child's log level mapped to
// slog levels.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
)

// ErrBroken is returned once a call timed out or the stream lost framing.
// The process is killed and the bridge cannot be reused.
var ErrBroken = errors.New("bridge: model process unusable after failed call")

// Config describes how to launch the model process.
type Config struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the current environment.
	Env []string
	// CallTimeout bounds a single request/response round trip. Zero means no
	// bound beyond the call context.
	CallTimeout time.Duration
	// StopTimeout is how long Close waits for a clean exit before killing.
	StopTimeout time.Duration
}

// Generator is a generator.Generator backed by a child process.
type Generator struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	exited  chan struct{}
	waitMu  sync.Mutex
	waitErr error

	// mu serializes calls; the wire protocol carries no request IDs.
	mu        sync.Mutex
	broken    atomic.Bool
	layers    int
	settings  *generator.Settings
	generated bool

	calls     atomic.Uint64
	latencyNs atomic.Int64
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Calls      uint64
	AvgLatency time.Duration
}

// Start spawns the model process and performs the hello handshake.
func Start(ctx context.Context, cfg Config) (*Generator, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("bridge: command is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	g := &Generator{cfg: cfg, exited: make(chan struct{})}
	g.ctx, g.cancel = context.WithCancel(context.Background())

	if err := g.spawn(); err != nil {
		g.cancel()
		return nil, fmt.Errorf("bridge: failed to spawn model process: %w", err)
	}

	var resp response
	if err := g.call(ctx, request{Cmd: "hello"}, &resp); err != nil {
		g.Close()
		return nil, fmt.Errorf("bridge: handshake: %w", err)
	}
	g.layers = resp.Layers

	slog.Info("bridge: model process ready",
		"command", cfg.Command,
		"pid", g.cmd.Process.Pid,
		"layers", g.layers,
	)
	return g, nil
}

func (g *Generator) spawn() error {
	g.cmd = exec.CommandContext(g.ctx, g.cfg.Command, g.cfg.Args...)
	g.cmd.Dir = g.cfg.Dir
	if len(g.cfg.Env) > 0 {
		g.cmd.Env = append(os.Environ(), g.cfg.Env...)
	}

	stdin, err := g.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := g.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := g.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	g.stdin = stdin
	g.stdout = bufio.NewReaderSize(stdout, 1<<20)

	if err := g.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start model process: %w", err)
	}

	g.wg.Add(2)
	go g.logStderr(stderr)
	go g.waitProcess()
	return nil
}

// logStderr forwards child log lines, mapping "[ERROR]"-style level tags.
func (g *Generator) logStderr(r io.Reader) {
	defer g.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
			slog.Error("bridge: model process error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			slog.Warn("bridge: model process warning", "log", line)
		default:
			slog.Debug("bridge: model process log", "log", line)
		}
	}
}

// waitProcess reaps the child and records its exit status.
func (g *Generator) waitProcess() {
	defer g.wg.Done()
	defer close(g.exited)

	err := g.cmd.Wait()
	g.waitMu.Lock()
	g.waitErr = err
	g.waitMu.Unlock()

	select {
	case <-g.ctx.Done():
		slog.Debug("bridge: model process exited (shutdown)", "pid", g.cmd.Process.Pid)
	default:
		if err != nil {
			slog.Error("bridge: model process exited unexpectedly", "pid", g.cmd.Process.Pid, "error", err)
		} else {
			slog.Info("bridge: model process exited", "pid", g.cmd.Process.Pid)
		}
	}
}

// call performs one round trip. The caller must not hold g.mu.
func (g *Generator) call(ctx context.Context, req request, resp *response) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.callLocked(ctx, req, resp)
}

func (g *Generator) callLocked(ctx context.Context, req request, resp *response) error {
	if g.broken.Load() {
		return ErrBroken
	}

	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		if err := writeFrame(g.stdin, req); err != nil {
			done <- err
			return
		}
		done <- readFrame(g.stdout, resp)
	}()

	select {
	case err := <-done:
		if err != nil {
			g.breakLocked()
			return g.exitError(fmt.Errorf("%s: %w", req.Cmd, err))
		}
	case <-ctx.Done():
		g.breakLocked()
		return fmt.Errorf("%s: %w", req.Cmd, ctx.Err())
	case <-g.exited:
		g.breakLocked()
		return g.exitError(fmt.Errorf("%s: model process exited", req.Cmd))
	}

	g.calls.Add(1)
	g.latencyNs.Add(int64(time.Since(start)))

	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Errorf("%s: model process: %s", req.Cmd, msg)
	}
	return nil
}

// breakLocked kills the child; a half-read frame cannot be resynchronized.
func (g *Generator) breakLocked() {
	g.broken.Store(true)
	g.cancel()
}

func (g *Generator) exitError(err error) error {
	select {
	case <-g.exited:
	case <-time.After(100 * time.Millisecond):
		return err
	}
	g.waitMu.Lock()
	defer g.waitMu.Unlock()
	if g.waitErr != nil {
		return fmt.Errorf("%w (process: %v)", err, g.waitErr)
	}
	return err
}

// Configure sends process settings. See generator.Generator.
func (g *Generator) Configure(ctx context.Context, s generator.Settings) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.generated {
		if g.settings != nil && *g.settings == s {
			return nil
		}
		return generator.ErrConfigureAfterGenerate
	}

	var resp response
	req := request{Cmd: "configure", Settings: &generatorSettings{DisableGrad: s.DisableGrad, Autotune: s.Autotune}}
	if err := g.callLocked(ctx, req, &resp); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	g.settings = &s
	slog.Debug("bridge: settings applied", "disable_grad", s.DisableGrad, "autotune", s.Autotune)
	return nil
}

// NumLayers returns the layer count reported in the handshake.
func (g *Generator) NumLayers() int { return g.layers }

func (g *Generator) LayerWeight(i int) (tensor.Tensor, error) {
	var resp response
	if err := g.call(g.ctx, request{Cmd: "weights", Layer: i}, &resp); err != nil {
		return tensor.Tensor{}, fmt.Errorf("bridge: %w", err)
	}
	w, err := decodeTensor(resp.Tensor)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("bridge: weights for layer %d: %w", i, err)
	}
	return w, nil
}

func (g *Generator) SetLayerWeight(i int, w tensor.Tensor) error {
	var resp response
	if err := g.call(g.ctx, request{Cmd: "set_weights", Layer: i, Weight: encodeTensor(w)}, &resp); err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	return nil
}

func (g *Generator) Generate(ctx context.Context, req generator.Request) (tensor.Tensor, error) {
	wire := request{
		Cmd:            "generate",
		Latents:        encodeTensor(req.Latents),
		Noise:          make([]*wireTensor, len(req.Noise)),
		Truncation:     req.Truncation,
		RandomizeNoise: req.RandomizeNoise,
		InputIsLatent:  req.InputIsLatent,
	}
	for i, n := range req.Noise {
		if n != nil {
			wire.Noise[i] = encodeTensor(*n)
		}
	}
	for _, m := range req.Manipulations {
		wm, err := encodeManipulation(m)
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("bridge: %w", err)
		}
		wire.Manipulations = append(wire.Manipulations, wm)
	}

	g.mu.Lock()
	g.generated = true
	var resp response
	err := g.callLocked(ctx, wire, &resp)
	g.mu.Unlock()
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("bridge: %w", err)
	}

	out, err := decodeTensor(resp.Tensor)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("bridge: generate output: %w", err)
	}
	if len(out.Shape) != 4 || out.Len() != req.Latents.Len() {
		return tensor.Tensor{}, fmt.Errorf("bridge: generate returned %s for a batch of %d", out.String(), req.Latents.Len())
	}
	return out, nil
}

// Stats returns call counters.
func (g *Generator) Stats() Stats {
	calls := g.calls.Load()
	var avg time.Duration
	if calls > 0 {
		avg = time.Duration(g.latencyNs.Load() / int64(calls))
	}
	return Stats{Calls: calls, AvgLatency: avg}
}

// Close closes the child's stdin and waits for it to exit, killing it after
// StopTimeout.
func (g *Generator) Close() error {
	if g.stdin != nil {
		g.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("bridge: model process stopped cleanly")
	case <-time.After(g.cfg.StopTimeout):
		slog.Warn("bridge: stop timeout, killing model process")
		g.cancel()
		<-done
	}
	g.cancel()

	g.waitMu.Lock()
	defer g.waitMu.Unlock()
	if g.waitErr != nil && !g.broken.Load() {
		var exitErr *exec.ExitError
		if errors.As(g.waitErr, &exitErr) {
			return fmt.Errorf("bridge: model process exited with status %d", exitErr.ExitCode())
		}
	}
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
