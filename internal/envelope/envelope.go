// Package envelope builds the per-frame modulation strength curve.
//
// An envelope is a concatenation of ramp segments, each sized as a fraction
// of the frame count F. Integer truncation of the fractions means the
// segments rarely add up to F exactly, so the result is zero-padded (or
// truncated) to length F before the final exponent is applied.
package envelope

import (
	"fmt"
	"math"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
)

// Kind selects the segment shape.
type Kind string

const (
	// Zeros holds the envelope at zero.
	Zeros Kind = "zeros"
	// Ramp is linspace(From, To)^Power.
	Ramp Kind = "ramp"
	// InverseRamp is 1 - linspace(From, To)^Power.
	InverseRamp Kind = "inverse-ramp"
)

// Segment is one piece of the envelope, Num/Den of the frame count long.
type Segment struct {
	Kind  Kind    `yaml:"kind"`
	From  float64 `yaml:"from"`
	To    float64 `yaml:"to"`
	Power float64 `yaml:"power"`
	Num   int     `yaml:"num"`
	Den   int     `yaml:"den"`
}

// Length returns the segment length for a sequence of frames frames.
func (s Segment) Length(frames int) int {
	return frames * s.Num / s.Den
}

func (s Segment) values(n int) []float64 {
	out := make([]float64, n)
	if s.Kind == Zeros {
		return out
	}
	power := s.Power
	if power == 0 {
		power = 1
	}
	for i, v := range linspace(s.From, s.To, n) {
		v = math.Pow(v, power)
		if s.Kind == InverseRamp {
			v = 1 - v
		}
		out[i] = v
	}
	return out
}

// Schedule is an ordered list of segments plus the exponent applied to the
// padded result.
type Schedule struct {
	Segments []Segment `yaml:"segments"`
	Exponent float64   `yaml:"exponent"`
}

// DefaultSchedule returns the stock schedule: a quiet intro, a swell, a
// long rest with two short pulses, then a crescendo that decays over the
// last third.
func DefaultSchedule() Schedule {
	return Schedule{
		Segments: []Segment{
			{Kind: Zeros, Num: 1, Den: 12},
			{Kind: Ramp, From: 0, To: 1, Power: 1.75, Num: 1, Den: 12},
			{Kind: Ramp, From: 1, To: 0, Power: 3, Num: 1, Den: 12},
			{Kind: Ramp, From: 0, To: 0.3, Power: 1, Num: 1, Den: 24},
			{Kind: Ramp, From: 0.3, To: 1, Power: 1, Num: 1, Den: 48},
			{Kind: Ramp, From: 1, To: 0, Power: 1, Num: 1, Den: 48},
			{Kind: Zeros, Num: 3, Den: 24},
			{Kind: Ramp, From: 0, To: 1, Power: 1, Num: 1, Den: 48},
			{Kind: Ramp, From: 1, To: 0, Power: 1, Num: 1, Den: 48},
			{Kind: Zeros, Num: 1, Den: 12},
			{Kind: InverseRamp, From: 1, To: 0, Power: 2, Num: 1, Den: 12},
			{Kind: Ramp, From: 1, To: 0, Power: 1, Num: 1, Den: 3},
		},
		Exponent: 1.5,
	}
}

// Validate checks that every segment is well formed and that the schedule
// can only produce values in [0, 1].
func (s Schedule) Validate() error {
	if s.Exponent <= 0 {
		return fmt.Errorf("envelope: exponent must be positive, got %v", s.Exponent)
	}
	for i, seg := range s.Segments {
		switch seg.Kind {
		case Zeros, Ramp, InverseRamp:
		default:
			return fmt.Errorf("envelope: segment %d: unknown kind %q", i, seg.Kind)
		}
		if seg.Num < 0 || seg.Den <= 0 {
			return fmt.Errorf("envelope: segment %d: invalid fraction %d/%d", i, seg.Num, seg.Den)
		}
		if seg.Kind == Zeros {
			continue
		}
		if seg.From < 0 || seg.From > 1 || seg.To < 0 || seg.To > 1 {
			return fmt.Errorf("envelope: segment %d: endpoints must lie in [0, 1], got %v..%v", i, seg.From, seg.To)
		}
		if seg.Power < 0 {
			return fmt.Errorf("envelope: segment %d: power must not be negative, got %v", i, seg.Power)
		}
	}
	return nil
}

// Build returns the envelope for frames frames. The result always has
// exactly frames entries.
func (s Schedule) Build(frames int) ([]float32, error) {
	if frames <= 0 {
		return nil, fmt.Errorf("envelope: frame count must be positive, got %d", frames)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	raw := make([]float64, 0, frames)
	for _, seg := range s.Segments {
		raw = append(raw, seg.values(seg.Length(frames))...)
	}
	if len(raw) > frames {
		raw = raw[:frames]
	}

	env := make([]float32, frames)
	for i, v := range raw {
		env[i] = float32(math.Pow(v, s.Exponent))
	}
	return env, nil
}

// Check verifies that env has one value per frame and stays within [0, 1].
func Check(env []float32, frames int) error {
	if len(env) != frames {
		return rendererr.Mismatch("envelope length", frames, len(env))
	}
	for i, v := range env {
		if v < 0 || v > 1 || v != v {
			return fmt.Errorf("envelope: value %v at frame %d outside [0, 1]", v, i)
		}
	}
	return nil
}

// linspace returns n evenly spaced values from a to b inclusive. A single
// point is a.
func linspace(a, b float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = a
		return out
	}
	step := (b - a) / float64(n-1)
	for i := range out {
		out[i] = a + step*float64(i)
	}
	out[n-1] = b
	return out
}
