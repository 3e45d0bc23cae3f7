package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestHierarchical_Output(t *testing.T) {
	m := newSmallModel(t, KindHierarchical)
	batch := textBatch([]int{1, 2, 3, 4}, []int{4, 3, 2, 1})

	res, err := m.Forward(batch, nil, DefaultForwardOptions())
	require.NoError(t, err)
	assertDims(t, res.Outputs[HeadSubScores], 2, 2, HeadSubScores)
	assertDims(t, res.Outputs[HeadAggregate], 2, 1, HeadAggregate)

	// Concatenation is [sub_scores | aggregate]
	for i := 0; i < 2; i++ {
		row := res.Output.RawRowView(i)
		assert.Equal(t, res.Outputs[HeadSubScores].RawRowView(i), row[:2])
		assert.Equal(t, res.Outputs[HeadAggregate].At(i, 0), row[2])
	}

	opts := DefaultForwardOptions()
	opts.EvalOutput = true
	res, err = m.Forward(batch, nil, opts)
	require.NoError(t, err)
	assertDims(t, res.Output, 2, 1, "eval output")
}

func TestHierarchical_Loss(t *testing.T) {
	m := newSmallModel(t, KindHierarchical)
	batch := textBatch([]int{1, 2, 3, 4}, []int{4, 3, 2, 1})

	t.Run("AllPresentEqualsPlainMSE", func(t *testing.T) {
		target := ramp(2, 3, -2, 0.75)
		res, err := m.Forward(batch, &TargetBundle{Overall: target}, DefaultForwardOptions())
		require.NoError(t, err)

		plain, err := MSE(res.Output, target)
		require.NoError(t, err)
		assert.InDelta(t, plain.Value, res.Loss.Total, 1e-12)
	})

	t.Run("MissingEntriesAreExcluded", func(t *testing.T) {
		target := mat.NewDense(2, 3, []float64{1, MissingScore, 2, MissingScore, MissingScore, 3})
		res, err := m.Forward(batch, &TargetBundle{Overall: target}, DefaultForwardOptions())
		require.NoError(t, err)

		o := res.Output
		d0, d1, d2 := o.At(0, 0)-1, o.At(0, 2)-2, o.At(1, 2)-3
		assert.InDelta(t, (d0*d0+d1*d1+d2*d2)/3, res.Loss.Total, 1e-9)
		term, ok := res.Loss.Term(HeadOverall)
		require.True(t, ok)
		assert.Equal(t, 3, term.Valid)
	})

	t.Run("AllMissingZeroPolicy", func(t *testing.T) {
		target := filled(2, 3, MissingScore)
		res, err := m.Forward(batch, &TargetBundle{Overall: target}, DefaultForwardOptions())
		require.NoError(t, err)
		assert.Equal(t, 0.0, res.Loss.Total)
		term, ok := res.Loss.Term(HeadOverall)
		require.True(t, ok)
		assert.True(t, term.Degenerate)
	})

	t.Run("AllMissingErrorPolicy", func(t *testing.T) {
		opts := DefaultForwardOptions()
		opts.Loss.Degenerate = DegenerateError
		_, err := m.Forward(batch, &TargetBundle{Overall: filled(2, 3, -1500)}, opts)
		assert.ErrorIs(t, err, ErrDegenerateMask)
	})
}
