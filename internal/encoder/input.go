package encoder

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-autograder/internal/device"
)

var (
	// ErrShapeMismatch is returned when an input does not have the rank or size
	// the encoder (or a downstream head) was configured for.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrTokenOutOfRange is returned for token ids outside the vocabulary.
	ErrTokenOutOfRange = errors.New("token id out of range")
)

// Input is one batch for the encoder. Text batches carry InputIDs and an
// optional AttentionMask (batch x seq_len); audio batches carry Waveforms.
type Input struct {
	InputIDs      [][]int
	AttentionMask [][]int
	Waveforms     [][]float32
}

// BatchSize returns the number of examples in the batch.
func (in Input) BatchSize() int {
	if len(in.Waveforms) > 0 {
		return len(in.Waveforms)
	}
	return len(in.InputIDs)
}

// IsAudio reports whether the batch is a raw waveform batch.
func (in Input) IsAudio() bool {
	return len(in.Waveforms) > 0
}

// Output is the encoder result. LastHiddenState is (BatchSize*SeqLen) x hidden,
// row-major, with each example's positions stored contiguously.
type Output struct {
	LastHiddenState device.Tensor
	BatchSize       int
	SeqLen          int
}

// Encoder maps a batch to per-position hidden states of a fixed width.
type Encoder interface {
	Encode(in Input) (*Output, error)
	HiddenSize() int
	Parameters() map[string]device.Tensor
}

// textShape validates a text batch and returns (batch, seqLen) plus a mask with
// every row present.
func textShape(in Input) (int, int, [][]int, error) {
	if len(in.InputIDs) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: empty input_ids", ErrShapeMismatch)
	}
	seqLen := len(in.InputIDs[0])
	if seqLen == 0 {
		return 0, 0, nil, fmt.Errorf("%w: zero-length sequence", ErrShapeMismatch)
	}
	for i, row := range in.InputIDs {
		if len(row) != seqLen {
			return 0, 0, nil, fmt.Errorf("%w: input_ids row %d has length %d, want %d",
				ErrShapeMismatch, i, len(row), seqLen)
		}
	}

	mask := in.AttentionMask
	if mask == nil {
		mask = make([][]int, len(in.InputIDs))
		for i := range mask {
			mask[i] = ones(seqLen)
		}
	}
	if len(mask) != len(in.InputIDs) {
		return 0, 0, nil, fmt.Errorf("%w: attention_mask has %d rows, input_ids has %d",
			ErrShapeMismatch, len(mask), len(in.InputIDs))
	}
	for i, row := range mask {
		if len(row) != seqLen {
			return 0, 0, nil, fmt.Errorf("%w: attention_mask row %d has length %d, want %d",
				ErrShapeMismatch, i, len(row), seqLen)
		}
	}
	return len(in.InputIDs), seqLen, mask, nil
}

func ones(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
