// Package rendererr defines the fatal error taxonomy shared by every render
// stage. The root package re-exports these types so callers can match them
// with errors.As without importing internal packages.
package rendererr

import (
	"fmt"
	"strings"
	"time"
)

// StallError reports a stage that waited past its idle bound for input that
// never arrived. It signals a stuck upstream (hung generator call) or an
// encoder that died. Never retried.
type StallError struct {
	Stage    string        // "split" or "feed"
	Waited   time.Duration // idle bound that elapsed
	Seen     int           // items received before the stall
	Expected int           // items the stage was told to expect
}

func (e *StallError) Error() string {
	return fmt.Sprintf("%s: stalled after %s waiting for input (seen %d of %d)",
		e.Stage, e.Waited, e.Seen, e.Expected)
}

// ShapeMismatchError reports batched inputs that do not line up: envelope or
// noise-field length differs from the latent count, a batch slice differs in
// length across inputs, or a tensor has the wrong per-frame shape.
type ShapeMismatchError struct {
	What string
	Want string
	Got  string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s: want %s, got %s", e.What, e.Want, e.Got)
}

// Mismatch builds a ShapeMismatchError with formatted want/got values.
func Mismatch(what string, want, got any) *ShapeMismatchError {
	return &ShapeMismatchError{What: what, Want: fmt.Sprint(want), Got: fmt.Sprint(got)}
}

// ExternalProcessError reports an encoder that exited with a non-zero status
// (or, for in-process encoders, an error posted on the pipeline bus).
type ExternalProcessError struct {
	Command  string
	ExitCode int
	Stderr   string // tail of the diagnostic output
	Err      error
}

func (e *ExternalProcessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "encoder %q exited with status %d", e.Command, e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\n%s", s)
	}
	return b.String()
}

func (e *ExternalProcessError) Unwrap() error { return e.Err }
