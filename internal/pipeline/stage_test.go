package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
)

// splitInts emits every element of a batch in order.
func splitInts(_ context.Context, batch []int, emit func(int) error) error {
	for _, v := range batch {
		if err := emit(v); err != nil {
			return err
		}
	}
	return nil
}

func TestStageEmitsInOrderAndClosesOutput(t *testing.T) {
	ctx := context.Background()
	in := NewQueue[[]int]("in", 2)
	out := NewQueue[int]("out", 16)

	stage := &Stage[[]int, int]{
		Name:     "split",
		In:       in,
		Out:      out,
		Idle:     time.Second,
		Expected: 7,
		Handle:   splitInts,
	}

	go func() {
		_ = in.Put(ctx, []int{0, 1, 2})
		_ = in.Put(ctx, []int{3, 4, 5})
		_ = in.Put(ctx, []int{6})
		in.Close()
	}()

	if err := stage.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	select {
	case <-stage.Done():
	default:
		t.Error("Done() not closed after Run returned")
	}

	for want := 0; want < 7; want++ {
		got, err := out.Get(ctx, time.Second)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != want {
			t.Errorf("frame %d = %d", want, got)
		}
	}
	if _, err := out.Get(ctx, time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("output not closed: %v", err)
	}

	if s := stage.Stats(); s.Received != 3 || s.Emitted != 7 {
		t.Errorf("Stats() = %+v, want 3 received, 7 emitted", s)
	}
}

func TestStageStall(t *testing.T) {
	in := NewQueue[[]int]("in", 1)
	stage := &Stage[[]int, int]{
		Name:     "feed",
		In:       in,
		Idle:     20 * time.Millisecond,
		Expected: 3,
		Handle:   splitInts,
	}
	_ = in.Put(context.Background(), []int{0})

	err := stage.Run(context.Background())
	var stall *rendererr.StallError
	if !errors.As(err, &stall) {
		t.Fatalf("Run() error = %v, want StallError", err)
	}
	if stall.Stage != "feed" || stall.Seen != 1 || stall.Expected != 3 {
		t.Errorf("StallError = %+v, want feed seen 1 of 3", stall)
	}
}

func TestStageInputClosedEarly(t *testing.T) {
	in := NewQueue[[]int]("in", 1)
	stage := &Stage[[]int, int]{
		Name:     "split",
		In:       in,
		Idle:     time.Second,
		Expected: 4,
		Handle:   splitInts,
	}
	_ = in.Put(context.Background(), []int{0, 1})
	in.Close()

	err := stage.Run(context.Background())
	var mismatch *rendererr.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Run() error = %v, want ShapeMismatchError", err)
	}
}

func TestStageRejectsExtraUnits(t *testing.T) {
	in := NewQueue[[]int]("in", 1)
	stage := &Stage[[]int, int]{
		Name:     "split",
		In:       in,
		Idle:     time.Second,
		Expected: 2,
		Handle:   splitInts,
	}
	_ = in.Put(context.Background(), []int{0, 1, 2})

	err := stage.Run(context.Background())
	var mismatch *rendererr.ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Run() error = %v, want ShapeMismatchError", err)
	}
}

func TestStageOnFinish(t *testing.T) {
	in := NewQueue[[]int]("in", 1)
	finishErr := errors.New("encoder exited")
	stage := &Stage[[]int, int]{
		Name:     "feed",
		In:       in,
		Idle:     time.Second,
		Expected: 1,
		Handle:   splitInts,
		OnFinish: func(context.Context) error { return finishErr },
	}
	_ = in.Put(context.Background(), []int{0})

	if err := stage.Run(context.Background()); !errors.Is(err, finishErr) {
		t.Errorf("Run() error = %v, want %v", err, finishErr)
	}
}
