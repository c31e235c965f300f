package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Packed is the serialized form of a Tensor: the shape plus the elements as
// little-endian float32 bytes. It is what crosses process and file
// boundaries.
type Packed struct {
	Shape []int  `msgpack:"shape"`
	Data  []byte `msgpack:"data"`
}

// Pack serializes t.
func Pack(t Tensor) *Packed {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return &Packed{Shape: append([]int(nil), t.Shape...), Data: buf}
}

// Unpack decodes p into a new Tensor.
func (p *Packed) Unpack() (Tensor, error) {
	if p == nil {
		return Tensor{}, fmt.Errorf("tensor: missing packed tensor")
	}
	if len(p.Data)%4 != 0 {
		return Tensor{}, fmt.Errorf("tensor: payload of %d bytes is not float32 aligned", len(p.Data))
	}
	data := make([]float32, len(p.Data)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(p.Data[4*i:]))
	}
	return FromData(data, p.Shape...)
}
