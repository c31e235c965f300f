// Package inputs loads the tensors a render consumes from a msgpack file:
// the latent sequence, the per-layer noise bank and the manipulation list.
package inputs

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// File is the on-disk layout.
type File struct {
	Latents *tensor.Packed `msgpack:"latents"`
	// Noise has one entry per generator noise layer; nil entries mean no
	// injected noise for that layer.
	Noise         []*tensor.Packed `msgpack:"noise"`
	Manipulations []Entry          `msgpack:"manipulations"`
}

// Entry is one manipulation. With Params set it is time-varying: every batch
// gets a NamedTransform carrying its slice of Params. Without Params the
// named transform is applied unchanged to every batch.
type Entry struct {
	Layer     int            `msgpack:"layer"`
	Transform string         `msgpack:"transform"`
	Params    *tensor.Packed `msgpack:"params,omitempty"`
}

// Inputs are the decoded render inputs.
type Inputs struct {
	Latents       tensor.Tensor
	Noise         []*tensor.Tensor
	Manipulations []types.Manipulation
}

// Load reads and decodes path.
func Load(path string) (*Inputs, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	defer f.Close()

	in, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("inputs: %s: %w", path, err)
	}

	slog.Info("inputs: loaded",
		"path", path,
		"latents", in.Latents.String(),
		"noise_layers", len(in.Noise),
		"manipulations", len(in.Manipulations),
	)
	return in, nil
}

// Decode reads one File from r.
func Decode(r io.Reader) (*Inputs, error) {
	var file File
	if err := msgpack.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode msgpack: %w", err)
	}
	return file.Inputs()
}

// Inputs converts the serialized form into tensors and manipulations.
func (f *File) Inputs() (*Inputs, error) {
	if f.Latents == nil {
		return nil, fmt.Errorf("latents are required")
	}
	lat, err := f.Latents.Unpack()
	if err != nil {
		return nil, fmt.Errorf("latents: %w", err)
	}
	if lat.Len() == 0 {
		return nil, fmt.Errorf("latents are empty")
	}

	in := &Inputs{Latents: lat, Noise: make([]*tensor.Tensor, len(f.Noise))}
	for i, p := range f.Noise {
		if p == nil {
			continue
		}
		n, err := p.Unpack()
		if err != nil {
			return nil, fmt.Errorf("noise layer %d: %w", i, err)
		}
		in.Noise[i] = &n
	}

	for i, e := range f.Manipulations {
		if e.Transform == "" {
			return nil, fmt.Errorf("manipulation %d: transform name is required", i)
		}
		if e.Params == nil {
			in.Manipulations = append(in.Manipulations, types.ConstantManipulation{
				Layer:     e.Layer,
				Transform: types.NamedTransform{Name: e.Transform},
			})
			continue
		}
		params, err := e.Params.Unpack()
		if err != nil {
			return nil, fmt.Errorf("manipulation %d params: %w", i, err)
		}
		in.Manipulations = append(in.Manipulations, types.TimeVaryingManipulation{
			Layer:   e.Layer,
			Factory: types.NamedFactory(e.Transform),
			Params:  params,
		})
	}
	return in, nil
}

// Encode writes f to w.
func Encode(w io.Writer, f *File) error {
	if err := msgpack.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("inputs: failed to encode msgpack: %w", err)
	}
	return nil
}
