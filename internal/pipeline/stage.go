package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
)

// Handler processes one input item and calls emit once per produced unit, in
// order. Returning an error fails the stage.
type Handler[In, Out any] func(ctx context.Context, item In, emit func(Out) error) error

// Stage is a single-consumer worker between two queues.
//
// The stage knows how many units it must produce (Expected). It finishes
// cleanly once that many units were emitted, and fails with:
//   - *rendererr.StallError if In stays empty past Idle
//   - *rendererr.ShapeMismatchError if In is closed early, or the handler
//     emits more than Expected
//
// Out may be nil for a sink stage; emitted units are then only counted.
// When Out is set the stage closes it after the last unit.
type Stage[In, Out any] struct {
	Name     string
	In       *Queue[In]
	Out      *Queue[Out]
	Idle     time.Duration
	Expected int
	Handle   Handler[In, Out]

	// OnFinish runs after the last unit and before Run returns nil. Sinks use
	// it to flush and wait on whatever they write into.
	OnFinish func(ctx context.Context) error

	received atomic.Int64
	emitted  atomic.Int64
	doneOnce sync.Once
	done     chan struct{}
}

// StageStats is a snapshot of stage progress.
type StageStats struct {
	Name     string
	Received int
	Emitted  int
	Expected int
}

// Done is closed when Run returns, successfully or not.
func (s *Stage[In, Out]) Done() <-chan struct{} {
	s.initDone()
	return s.done
}

func (s *Stage[In, Out]) initDone() {
	s.doneOnce.Do(func() { s.done = make(chan struct{}) })
}

// Run drives the stage until Expected units have been emitted or it fails.
// It must be called at most once.
func (s *Stage[In, Out]) Run(ctx context.Context) error {
	s.initDone()
	defer close(s.done)

	if s.In == nil || s.Handle == nil {
		return fmt.Errorf("%s: stage requires an input queue and a handler", s.Name)
	}

	start := time.Now()
	slog.Debug(s.Name+": stage started", "expected", s.Expected, "idle", s.Idle)

	emit := func(v Out) error {
		n := int(s.emitted.Load())
		if n >= s.Expected {
			return rendererr.Mismatch(s.Name+": units produced", s.Expected, n+1)
		}
		if s.Out != nil {
			if err := s.Out.Put(ctx, v); err != nil {
				return err
			}
		}
		s.emitted.Add(1)
		return nil
	}

	for int(s.emitted.Load()) < s.Expected {
		item, err := s.In.Get(ctx, s.Idle)
		switch {
		case err == nil:
		case errors.Is(err, ErrIdle):
			return &rendererr.StallError{
				Stage:    s.Name,
				Waited:   s.Idle,
				Seen:     int(s.emitted.Load()),
				Expected: s.Expected,
			}
		case errors.Is(err, ErrClosed):
			return rendererr.Mismatch(s.Name+": units before input closed", s.Expected, s.emitted.Load())
		default:
			return err
		}

		s.received.Add(1)
		if err := s.Handle(ctx, item, emit); err != nil {
			return err
		}
	}

	if s.Out != nil {
		s.Out.Close()
	}
	if s.OnFinish != nil {
		if err := s.OnFinish(ctx); err != nil {
			return err
		}
	}

	slog.Debug(s.Name+": stage finished",
		"units", s.emitted.Load(),
		"items", s.received.Load(),
		"elapsed", time.Since(start),
	)
	return nil
}

// Stats returns a snapshot of stage progress.
func (s *Stage[In, Out]) Stats() StageStats {
	return StageStats{
		Name:     s.Name,
		Received: int(s.received.Load()),
		Emitted:  int(s.emitted.Load()),
		Expected: s.Expected,
	}
}
