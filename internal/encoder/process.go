package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
)

// tailLines is how many stderr lines an ExternalProcessError carries.
const tailLines = 20

// Process is a Sink backed by an external program reading raw frames on
// stdin.
type Process struct {
	name          string
	width, height int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	wg      sync.WaitGroup
	exited  chan struct{}
	waitErr error

	tailMu sync.Mutex
	tail   []string

	finished atomic.Bool
	written  atomic.Uint64
}

// StartProcess launches binary with args and returns a sink that writes to
// its stdin. stderr lines are forwarded to slog and the last few are kept
// for error reports.
func StartProcess(ctx context.Context, binary string, args []string, width, height int) (*Process, error) {
	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder: failed to create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder: failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("encoder: failed to start %s: %w", binary, err)
	}

	p := &Process{
		name:   binary,
		width:  width,
		height: height,
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	// stderr must be drained before Wait returns its result.
	p.wg.Add(1)
	go p.logStderr(stderr)
	go p.waitProcess()

	slog.Info("encoder: process started",
		"binary", binary,
		"pid", cmd.Process.Pid,
		"size", fmt.Sprintf("%dx%d", width, height),
	)
	slog.Debug("encoder: command line", "args", strings.Join(args, " "))
	return p, nil
}

func (p *Process) Dimensions() (int, int) { return p.width, p.height }

// Write sends one frame. If the encoder already died, its exit status is
// reported instead of the broken pipe.
func (p *Process) Write(b []byte) (int, error) {
	n, err := p.stdin.Write(b)
	if err != nil {
		select {
		case <-p.exited:
			if exitErr := p.exitError(); exitErr != nil {
				return n, exitErr
			}
		case <-time.After(stopTimeout):
		}
		return n, fmt.Errorf("encoder: write frame: %w", err)
	}
	p.written.Add(1)
	return n, nil
}

// Finish closes stdin and waits for the process to exit.
func (p *Process) Finish(ctx context.Context) error {
	if !p.finished.CompareAndSwap(false, true) {
		return fmt.Errorf("encoder: finish called twice")
	}
	if err := p.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Debug("encoder: close stdin", "error", err)
	}

	select {
	case <-p.exited:
	case <-ctx.Done():
		p.Abort()
		return ctx.Err()
	}

	if err := p.exitError(); err != nil {
		return err
	}
	slog.Info("encoder: process exited cleanly", "binary", p.name, "frames", p.written.Load())
	return nil
}

// Abort kills the process and waits briefly for it to be reaped.
func (p *Process) Abort() {
	p.cancel()
	select {
	case <-p.exited:
	case <-time.After(stopTimeout):
		slog.Warn("encoder: process did not exit after kill", "binary", p.name)
	}
}

func (p *Process) waitProcess() {
	p.wg.Wait()
	p.waitErr = p.cmd.Wait()
	p.cancel()
	close(p.exited)
}

// exitError converts a failed wait into an ExternalProcessError. Must only
// be called after exited is closed.
func (p *Process) exitError() error {
	if p.waitErr == nil {
		return nil
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &rendererr.ExternalProcessError{
		Command:  p.name,
		ExitCode: code,
		Stderr:   p.Stderr(),
		Err:      p.waitErr,
	}
}

// Stderr returns the retained tail of the diagnostic output.
func (p *Process) Stderr() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

func (p *Process) logStderr(r io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p.tailMu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > tailLines {
			p.tail = p.tail[len(p.tail)-tailLines:]
		}
		p.tailMu.Unlock()

		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error"), strings.Contains(lower, "invalid"):
			slog.Error("encoder: "+line, "binary", p.name)
		case strings.Contains(lower, "warning"):
			slog.Warn("encoder: "+line, "binary", p.name)
		default:
			slog.Debug("encoder: "+line, "binary", p.name)
		}
	}
}

// scanLinesOrCR splits on '\n' or '\r'; progress lines are
// carriage-return terminated.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
