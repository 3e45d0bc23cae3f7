package evaluation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRMSE(t *testing.T) {
	got, err := RMSE([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 6})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-12)

	_, err = RMSE([]float64{1}, []float64{1, 2})
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = RMSE(nil, nil)
	assert.Error(t, err)
}

func TestPearson(t *testing.T) {
	r, err := Pearson([]float64{1, 2, 3}, []float64{2, 4, 6})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-12)

	r, err = Pearson([]float64{1, 2, 3}, []float64{3, 2, 1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, r, 1e-12)

	r, err = Pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(r))

	_, err = Pearson([]float64{1}, []float64{1})
	assert.Error(t, err)
}

func TestEvaluateColumns(t *testing.T) {
	pred := mat.NewDense(3, 2, []float64{
		1, 10,
		2, 20,
		3, 99,
	})
	labels := mat.NewDense(3, 2, []float64{
		1, 10,
		2, 20,
		4, -999,
	})

	got, err := EvaluateColumns(pred, labels, -999)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 3, got[0].N)
	assert.InDelta(t, 1/math.Sqrt(3), got[0].RMSE, 1e-12)
	assert.Equal(t, 2, got[1].N)
	assert.InDelta(t, 0.0, got[1].RMSE, 1e-12)
	assert.InDelta(t, 1.0, got[1].Pearson, 1e-12)

	_, err = EvaluateColumns(pred, mat.NewDense(2, 2, nil), -999)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}
