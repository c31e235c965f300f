package types

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
)

// Transform is an opaque layer transform handed to the generator. The bridge
// generator serializes NamedTransform values; in-process generators may accept
// any type they understand.
type Transform any

// NamedTransform is the serializable transform form: a name the model process
// knows plus the per-batch parameters.
type NamedTransform struct {
	Name   string         `msgpack:"name"`
	Params *tensor.Tensor `msgpack:"params,omitempty"`
}

// TransformFactory builds the transform for one batch from that batch's slice
// of the time-varying parameters.
type TransformFactory func(params tensor.Tensor) (Transform, error)

// Manipulation is the tagged variant of per-layer manipulations. It is either
// ConstantManipulation or TimeVaryingManipulation.
type Manipulation interface {
	// Resolve returns the transform for the batch [lo, hi).
	Resolve(lo, hi int) (AppliedManipulation, error)
	// Frames returns the leading-axis length of the parameters, or -1 if the
	// manipulation is not batched.
	Frames() int
	isManipulation()
}

// AppliedManipulation is a manipulation bound to a single batch.
type AppliedManipulation struct {
	Layer     int
	Transform Transform
}

// ConstantManipulation applies the same transform to every batch.
type ConstantManipulation struct {
	Layer     int
	Transform Transform
}

func (m ConstantManipulation) Resolve(lo, hi int) (AppliedManipulation, error) {
	return AppliedManipulation{Layer: m.Layer, Transform: m.Transform}, nil
}

func (ConstantManipulation) Frames() int { return -1 }

func (ConstantManipulation) isManipulation() {}

// TimeVaryingManipulation constructs a transform per batch from the slice
// [lo, hi) of Params, which has one row per latent.
type TimeVaryingManipulation struct {
	Layer   int
	Factory TransformFactory
	Params  tensor.Tensor
}

func (m TimeVaryingManipulation) Resolve(lo, hi int) (AppliedManipulation, error) {
	if m.Factory == nil {
		return AppliedManipulation{}, fmt.Errorf("manipulation on layer %d has no transform factory", m.Layer)
	}
	p, err := m.Params.Rows(lo, hi)
	if err != nil {
		return AppliedManipulation{}, fmt.Errorf("manipulation on layer %d: %w", m.Layer, err)
	}
	tr, err := m.Factory(p)
	if err != nil {
		return AppliedManipulation{}, fmt.Errorf("manipulation on layer %d: %w", m.Layer, err)
	}
	return AppliedManipulation{Layer: m.Layer, Transform: tr}, nil
}

func (m TimeVaryingManipulation) Frames() int { return m.Params.Len() }

func (TimeVaryingManipulation) isManipulation() {}

// NamedFactory returns a factory that wraps each batch's parameters in a
// NamedTransform, which is what the bridge generator sends over the wire.
func NamedFactory(name string) TransformFactory {
	return func(params tensor.Tensor) (Transform, error) {
		p := params.Clone()
		return NamedTransform{Name: name, Params: &p}, nil
	}
}
