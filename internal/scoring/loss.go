package scoring

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LossValue is one reduced loss term.
type LossValue struct {
	Value float64
	// Valid is the number of entries that contributed.
	Valid int
	// Degenerate is set when a mask selected no entries; Value is then 0.
	Degenerate bool
}

// MaskRule selects which target entries count towards a loss.
type MaskRule int

const (
	// MaskNone keeps every entry.
	MaskNone MaskRule = iota
	// MaskAbove keeps entries whose target is strictly above the sentinel.
	MaskAbove
	// MaskNotEqual keeps entries whose target differs from the sentinel.
	MaskNotEqual
)

func (m MaskRule) keep(target, sentinel float64) bool {
	switch m {
	case MaskAbove:
		return target > sentinel
	case MaskNotEqual:
		return target != sentinel
	default:
		return true
	}
}

func (m MaskRule) String() string {
	switch m {
	case MaskAbove:
		return "above"
	case MaskNotEqual:
		return "not_equal"
	default:
		return "none"
	}
}

func sameDims(out, target *mat.Dense) error {
	or, oc := out.Dims()
	tr, tc := target.Dims()
	if or != tr || oc != tc {
		return fmt.Errorf("%w: output is %dx%d, target is %dx%d", ErrShapeMismatch, or, oc, tr, tc)
	}
	return nil
}

// MSE is the mean squared error over every element.
func MSE(out, target *mat.Dense) (LossValue, error) {
	return MaskedMSE(out, target, MaskNone, 0)
}

// MaskedMSE is the squared error summed over entries kept by rule and divided
// by the number of kept entries. When nothing is kept the result is a zero
// value flagged Degenerate.
func MaskedMSE(out, target *mat.Dense, rule MaskRule, sentinel float64) (LossValue, error) {
	if err := sameDims(out, target); err != nil {
		return LossValue{}, err
	}
	rows, cols := out.Dims()
	diffs := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		o := out.RawRowView(i)
		t := target.RawRowView(i)
		for j := 0; j < cols; j++ {
			if rule.keep(t[j], sentinel) {
				diffs = append(diffs, o[j]-t[j])
			}
		}
	}
	if len(diffs) == 0 {
		return LossValue{Degenerate: true}, nil
	}
	return LossValue{Value: floats.Dot(diffs, diffs) / float64(len(diffs)), Valid: len(diffs)}, nil
}

// SoftCrossEntropy treats each target row as a probability distribution over
// classes and returns mean_rows(-sum_j target_j * log_softmax(out)_j).
func SoftCrossEntropy(out, target *mat.Dense) (LossValue, error) {
	if err := sameDims(out, target); err != nil {
		return LossValue{}, err
	}
	rows, cols := out.Dims()
	logProbs := make([]float64, cols)
	var total float64
	for i := 0; i < rows; i++ {
		o := out.RawRowView(i)
		lse := floats.LogSumExp(o)
		copy(logProbs, o)
		floats.AddConst(-lse, logProbs)
		total -= floats.Dot(target.RawRowView(i), logProbs)
	}
	return LossValue{Value: total / float64(rows), Valid: rows * cols}, nil
}
