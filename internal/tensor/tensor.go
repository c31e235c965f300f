// Package tensor holds the dense float32 arrays that move between the
// orchestrator, the weight modulator and the generator.
//
// A Tensor is a row-major shape plus a flat []float32. Slicing along the
// leading axis returns a view that shares storage with its parent; callers
// that need independent storage use Clone.
package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) Tensor {
	n := Numel(shape)
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromData wraps data with shape. The length of data must match the shape.
func FromData(data []float32, shape ...int) (Tensor, error) {
	if n := Numel(shape); n != len(data) {
		return Tensor{}, fmt.Errorf("tensor: shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Numel returns the element count of shape.
func Numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the size of the leading axis (0 for an empty tensor).
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Numel returns the number of elements.
func (t Tensor) Numel() int { return len(t.Data) }

// RowSize returns the number of elements in one leading-axis row.
func (t Tensor) RowSize() int {
	if len(t.Shape) < 2 {
		return 1
	}
	return Numel(t.Shape[1:])
}

// Rows returns the view [lo, hi) along the leading axis. hi is clamped to
// Len so the final short batch of a sequence can be requested with lo+B.
func (t Tensor) Rows(lo, hi int) (Tensor, error) {
	n := t.Len()
	if hi > n {
		hi = n
	}
	if lo < 0 || lo > hi {
		return Tensor{}, fmt.Errorf("tensor: rows [%d, %d) out of range for leading axis %d", lo, hi, n)
	}
	row := t.RowSize()
	shape := append([]int{hi - lo}, t.Shape[1:]...)
	return Tensor{Shape: shape, Data: t.Data[lo*row : hi*row]}, nil
}

// Row returns the single-row view i without the leading axis.
func (t Tensor) Row(i int) (Tensor, error) {
	if i < 0 || i >= t.Len() {
		return Tensor{}, fmt.Errorf("tensor: row %d out of range for leading axis %d", i, t.Len())
	}
	row := t.RowSize()
	return Tensor{Shape: append([]int(nil), t.Shape[1:]...), Data: t.Data[i*row : (i+1)*row]}, nil
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String formats the shape like "(4, 3, 1024, 1024)".
func (t Tensor) String() string {
	parts := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Stats returns min, mean and max over all elements.
func (t Tensor) Stats() (min, mean, max float32) {
	if len(t.Data) == 0 {
		return 0, 0, 0
	}
	min, max = t.Data[0], t.Data[0]
	var sum float64
	for _, v := range t.Data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += float64(v)
	}
	return min, float32(sum / float64(len(t.Data))), max
}
