package bridge

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/tensor"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/types"
)

// maxMessage bounds a single frame on the wire (1 GiB).
const maxMessage = 1 << 30

// wireTensor is a tensor as sent to the model process.
type wireTensor = tensor.Packed

func encodeTensor(t tensor.Tensor) *wireTensor { return tensor.Pack(t) }

func decodeTensor(w *wireTensor) (tensor.Tensor, error) { return w.Unpack() }

// wireManipulation is one per-batch manipulation entry.
type wireManipulation struct {
	Layer     int         `msgpack:"layer"`
	Transform string      `msgpack:"transform"`
	Params    *wireTensor `msgpack:"params,omitempty"`
}

func encodeManipulation(m types.AppliedManipulation) (wireManipulation, error) {
	out := wireManipulation{Layer: m.Layer}
	switch tr := m.Transform.(type) {
	case types.NamedTransform:
		out.Transform = tr.Name
		if tr.Params != nil {
			out.Params = encodeTensor(*tr.Params)
		}
	case string:
		out.Transform = tr
	default:
		return wireManipulation{}, fmt.Errorf("layer %d: transform of type %T cannot be sent to the model process", m.Layer, m.Transform)
	}
	return out, nil
}

// request is the envelope for every command.
type request struct {
	Cmd string `msgpack:"cmd"`

	Layer    int                `msgpack:"layer"`
	Weight   *wireTensor        `msgpack:"weight,omitempty"`
	Settings *generatorSettings `msgpack:"settings,omitempty"`

	Latents        *wireTensor        `msgpack:"latents,omitempty"`
	Noise          []*wireTensor      `msgpack:"noise"`
	Truncation     float64            `msgpack:"truncation"`
	Manipulations  []wireManipulation `msgpack:"manipulations,omitempty"`
	RandomizeNoise bool               `msgpack:"randomize_noise"`
	InputIsLatent  bool               `msgpack:"input_is_latent"`
}

type generatorSettings struct {
	DisableGrad bool `msgpack:"disable_grad"`
	Autotune    bool `msgpack:"autotune"`
}

// response carries the result of any command. Error is set when OK is false.
type response struct {
	OK     bool        `msgpack:"ok"`
	Error  string      `msgpack:"error,omitempty"`
	Layers int         `msgpack:"layers,omitempty"`
	Tensor *wireTensor `msgpack:"tensor,omitempty"`
}

// writeFrame writes v as a msgpack message with a 4-byte big-endian length
// prefix.
func writeFrame(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(payload) > maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", len(payload))
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed msgpack message into v.
func readFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessage {
		return fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
