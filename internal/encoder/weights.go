package encoder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/23skdu/longbow-autograder/internal/device"
)

// NamedTensor pairs a parameter with its checkpoint name.
type NamedTensor struct {
	Name   string
	Tensor device.Tensor
}

// OrderedParameters lists every parameter in a fixed order. The raw binary
// weight format stores tensors in exactly this order.
func (m *BertModel) OrderedParameters() []NamedTensor {
	params := []NamedTensor{
		{"embeddings.word_embeddings.weight", m.Embeddings.WordEmbeddings},
		{"embeddings.position_embeddings.weight", m.Embeddings.PositionEmbeddings},
		{"embeddings.token_type_embeddings.weight", m.Embeddings.TokenTypeEmbeddings},
		{"embeddings.LayerNorm.weight", m.Embeddings.LayerNorm.Gamma},
		{"embeddings.LayerNorm.bias", m.Embeddings.LayerNorm.Beta},
	}
	return append(params, m.Encoder.orderedParameters("encoder")...)
}

// Parameters returns every parameter keyed by name.
func (m *BertModel) Parameters() map[string]device.Tensor {
	return toMap(m.OrderedParameters())
}

func (e *BertEncoder) orderedParameters(prefix string) []NamedTensor {
	var params []NamedTensor
	for i, layer := range e.Layers {
		p := prefix + ".layer." + strconv.Itoa(i)
		sa := layer.Attention.Self
		so := layer.Attention.Output
		params = append(params,
			NamedTensor{p + ".attention.self.query.weight", sa.Query},
			NamedTensor{p + ".attention.self.query.bias", sa.QueryBias},
			NamedTensor{p + ".attention.self.key.weight", sa.Key},
			NamedTensor{p + ".attention.self.key.bias", sa.KeyBias},
			NamedTensor{p + ".attention.self.value.weight", sa.Value},
			NamedTensor{p + ".attention.self.value.bias", sa.ValueBias},
			NamedTensor{p + ".attention.output.dense.weight", so.Dense},
			NamedTensor{p + ".attention.output.dense.bias", so.Bias},
			NamedTensor{p + ".attention.output.LayerNorm.weight", so.LayerNorm.Gamma},
			NamedTensor{p + ".attention.output.LayerNorm.bias", so.LayerNorm.Beta},
			NamedTensor{p + ".intermediate.dense.weight", layer.Intermediate.Dense},
			NamedTensor{p + ".intermediate.dense.bias", layer.Intermediate.Bias},
			NamedTensor{p + ".output.dense.weight", layer.Output.Dense},
			NamedTensor{p + ".output.dense.bias", layer.Output.Bias},
			NamedTensor{p + ".output.LayerNorm.weight", layer.Output.LayerNorm.Gamma},
			NamedTensor{p + ".output.LayerNorm.bias", layer.Output.LayerNorm.Beta},
		)
	}
	return params
}

func toMap(params []NamedTensor) map[string]device.Tensor {
	out := make(map[string]device.Tensor, len(params))
	for _, p := range params {
		out[p.Name] = p.Tensor
	}
	return out
}

// LoadRawBinary loads encoder weights from a file of little-endian float32
// values laid out in OrderedParameters order.
func LoadRawBinary(path string, params []NamedTensor) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return ReadRawBinary(bufio.NewReader(file), params)
}

// ReadRawBinary reads weights for params from r. Trailing bytes are an error.
func ReadRawBinary(r io.Reader, params []NamedTensor) error {
	for _, p := range params {
		if err := loadDense(r, p.Tensor); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return errors.New("weights file has trailing data after the last tensor")
	}
	return nil
}

// WriteRawBinary writes params to w in the raw binary layout.
func WriteRawBinary(w io.Writer, params []NamedTensor) error {
	for _, p := range params {
		if err := binary.Write(w, binary.LittleEndian, p.Tensor.ToHost()); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.Name, err)
		}
	}
	return nil
}

func loadDense(r io.Reader, d device.Tensor) error {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)

	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	d.CopyFromFloat32(data)
	return nil
}
