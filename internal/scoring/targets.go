package scoring

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// Sentinel values marking missing label entries.
const (
	// MissingScore marks absent hierarchical and multitask labels (kept when target > MissingScore).
	MissingScore = -999.0
	// MissingToken marks padded word and phoneme labels (kept when target != MissingToken).
	MissingToken = -1.0
)

// Batch is the model input: token ids and attention mask for text encoders,
// raw waveforms for audio encoders.
type Batch struct {
	encoder.Input
}

// TargetBundle holds the supervision for one batch, in the order overall,
// word, phoneme, paired input. Absent elements are nil.
type TargetBundle struct {
	Overall *mat.Dense
	Word    *mat.Dense
	Phoneme *mat.Dense

	// Paired is the comparison input consumed by the siamese variant.
	Paired *encoder.Input
}

// Len counts the elements present in the bundle.
func (t *TargetBundle) Len() int {
	if t == nil {
		return 0
	}
	n := 0
	if t.Overall != nil {
		n++
	}
	if t.Word != nil {
		n++
	}
	if t.Phoneme != nil {
		n++
	}
	if t.Paired != nil {
		n++
	}
	return n
}

// check rejects bundles that carry supervision or a paired input but no
// overall scores; every loss path starts from targets.Overall.
func (t *TargetBundle) check() error {
	if n := t.Len(); n > 0 && t.Overall == nil {
		return fmt.Errorf("%w: bundle has %d elements but no overall scores", ErrMissingTarget, n)
	}
	return nil
}

// hasScores reports whether a loss can be computed.
func (t *TargetBundle) hasScores() bool {
	return t != nil && t.Overall != nil
}

// NewTargets builds a rows x cols target matrix from row-major values.
func NewTargets(rows, cols int, values []float64) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 || len(values) != rows*cols {
		return nil, fmt.Errorf("%w: %d values cannot form %dx%d targets", ErrShapeMismatch, len(values), rows, cols)
	}
	return mat.NewDense(rows, cols, values), nil
}

// ReshapeTargets views flat as [-1, width], the layout word and phoneme heads
// predict.
func ReshapeTargets(flat []float64, width int) (*mat.Dense, error) {
	if width <= 0 || len(flat) == 0 || len(flat)%width != 0 {
		return nil, fmt.Errorf("%w: %d values cannot be reshaped to width %d", ErrShapeMismatch, len(flat), width)
	}
	return mat.NewDense(len(flat)/width, width, flat), nil
}

// conform returns target with the given dims. A target with the same number
// of elements in a different layout is reshaped row-major.
func conform(target *mat.Dense, rows, cols int) (*mat.Dense, error) {
	r, c := target.Dims()
	if r == rows && c == cols {
		return target, nil
	}
	if r*c != rows*cols {
		return nil, fmt.Errorf("%w: target is %dx%d, output is %dx%d", ErrShapeMismatch, r, c, rows, cols)
	}
	flat := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		flat = append(flat, target.RawRowView(i)...)
	}
	return mat.NewDense(rows, cols, flat), nil
}
