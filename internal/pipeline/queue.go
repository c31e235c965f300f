// Package pipeline provides the bounded FIFO queue and the generic stage
// worker that connect the render stages.
//
// Design:
//   - Queue: buffered channel with blocking Put (backpressure) and
//     idle-bounded Get. FIFO order is the only ordering mechanism.
//   - Stage: single consumer of one queue, optional single producer of the
//     next. Knows how many units it must produce and fails loudly if the
//     upstream stalls or ends early.
//
// Thread-safety: one producer and one consumer per queue. Close belongs to
// the producer and must follow its final Put.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrClosed is returned by Get once the queue is closed and drained.
	ErrClosed = errors.New("pipeline: queue closed")

	// ErrIdle is returned by Get when nothing arrived within the idle bound.
	ErrIdle = errors.New("pipeline: idle timeout")
)

// Queue is a bounded FIFO handoff between two stages.
type Queue[T any] struct {
	name string
	ch   chan T

	closeOnce sync.Once

	puts      atomic.Uint64
	gets      atomic.Uint64
	maxDepth  atomic.Int64
	blockedNs atomic.Int64
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Name     string
	Capacity int
	Depth    int
	Puts     uint64
	Gets     uint64
	MaxDepth int
	// Blocked is the total time the producer spent waiting on a full queue.
	Blocked time.Duration
}

// NewQueue creates a queue holding at most capacity items. A capacity below
// one is raised to one; an unbuffered handoff would serialize the stages.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{name: name, ch: make(chan T, capacity)}
}

// Name returns the queue name used in logs and stats.
func (q *Queue[T]) Name() string { return q.name }

// Put enqueues v, blocking while the queue is full.
//
// Returns ctx.Err() if the context is cancelled first (a downstream stage
// failed and the errgroup tore the pipeline down).
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		q.afterPut()
		return nil
	default:
	}

	start := time.Now()
	select {
	case q.ch <- v:
		q.blockedNs.Add(int64(time.Since(start)))
		q.afterPut()
		return nil
	case <-ctx.Done():
		q.blockedNs.Add(int64(time.Since(start)))
		return ctx.Err()
	}
}

func (q *Queue[T]) afterPut() {
	q.puts.Add(1)
	depth := int64(len(q.ch))
	for {
		cur := q.maxDepth.Load()
		if depth <= cur || q.maxDepth.CompareAndSwap(cur, depth) {
			return
		}
	}
}

// Get dequeues the next item, waiting at most idle for one to arrive.
//
// Returns:
//   - ErrIdle: nothing arrived within idle
//   - ErrClosed: the producer closed the queue and every item was consumed
//   - ctx.Err(): the pipeline was cancelled
//
// An idle of zero or less waits without bound.
func (q *Queue[T]) Get(ctx context.Context, idle time.Duration) (T, error) {
	var zero T

	var timeout <-chan time.Time
	if idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case v, ok := <-q.ch:
		if !ok {
			return zero, ErrClosed
		}
		q.gets.Add(1)
		return v, nil
	case <-timeout:
		return zero, ErrIdle
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close marks the end of the stream. Items already queued remain readable.
// Safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Name:     q.name,
		Capacity: cap(q.ch),
		Depth:    len(q.ch),
		Puts:     q.puts.Load(),
		Gets:     q.gets.Load(),
		MaxDepth: int(q.maxDepth.Load()),
		Blocked:  time.Duration(q.blockedNs.Load()),
	}
}
