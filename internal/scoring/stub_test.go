package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// stubEncoder produces deterministic hidden states derived from token ids (or
// waveform samples, one position per sample).
type stubEncoder struct {
	backend device.Backend
	hidden  int
}

func newStubEncoder(hidden int) *stubEncoder {
	return &stubEncoder{backend: device.NewCPUBackend(), hidden: hidden}
}

func (s *stubEncoder) HiddenSize() int { return s.hidden }

func (s *stubEncoder) Parameters() map[string]device.Tensor {
	return map[string]device.Tensor{"stub.weight": s.backend.NewTensor(1, 1, nil)}
}

func (s *stubEncoder) Encode(in encoder.Input) (*encoder.Output, error) {
	var positions [][]float64
	if in.IsAudio() {
		for _, w := range in.Waveforms {
			row := make([]float64, len(w))
			for i, v := range w {
				row[i] = float64(v)
			}
			positions = append(positions, row)
		}
	} else {
		for _, ids := range in.InputIDs {
			row := make([]float64, len(ids))
			for i, id := range ids {
				row[i] = float64(id)
			}
			positions = append(positions, row)
		}
	}
	batch := len(positions)
	seqLen := len(positions[0])
	data := make([]float32, 0, batch*seqLen*s.hidden)
	for _, row := range positions {
		for _, v := range row {
			for k := 0; k < s.hidden; k++ {
				data = append(data, float32(math.Sin((v+1)*0.37+float64(k)*0.11)))
			}
		}
	}
	return &encoder.Output{
		LastHiddenState: s.backend.NewTensor(batch*seqLen, s.hidden, data),
		BatchSize:       batch,
		SeqLen:          seqLen,
	}, nil
}

func smallConfig(kind Kind) Config {
	return Config{
		Kind:             kind,
		SeqLength:        4,
		NumOutputs:       3,
		WordOutputs:      2,
		WordSeqLength:    3,
		PhonemeSeqLength: 5,
		DropoutRate:      DefaultDropout,
		Seed:             7,
	}
}

func newSmallModel(t *testing.T, kind Kind) Model {
	t.Helper()
	m, err := New(smallConfig(kind), newStubEncoder(8), device.NewCPUBackend())
	require.NoError(t, err)
	return m
}

func textBatch(rows ...[]int) Batch {
	return Batch{Input: encoder.Input{InputIDs: rows}}
}

func filled(rows, cols int, v float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(rows, cols, data)
}

func ramp(rows, cols int, start, step float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = start + float64(i)*step
	}
	return mat.NewDense(rows, cols, data)
}
