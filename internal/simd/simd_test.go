package simd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}

	VecAdd(dst, src)

	assert.Equal(t, []float32{11, 22, 33, 44, 55}, dst)
}

func TestVecSub(t *testing.T) {
	dst := []float32{11, 22, 33, 44, 55}
	src := []float32{10, 20, 30, 40, 50}

	VecSub(dst, src)

	assert.Equal(t, []float32{1, 2, 3, 4, 5}, dst)
}

func TestReLU(t *testing.T) {
	data := []float32{-2, -0.5, 0, 0.5, 2}
	ReLU(data)
	assert.Equal(t, []float32{0, 0, 0, 0.5, 2}, data)
}

func TestSoftmaxFast(t *testing.T) {
	row := []float32{1, 2, 3, 4}
	SoftmaxFast(row)

	var sum float32
	for i, v := range row {
		sum += v
		if i > 0 {
			require.Greater(t, v, row[i-1], "softmax must preserve ordering")
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestFastMath(t *testing.T) {
	tests := []struct {
		name string
		fn   func(float32) float32
		std  func(float64) float64
		tol  float64
	}{
		{"ExpFast", ExpFast, math.Exp, 0.05}, // relative tolerance for approx
		{"TanhFast", TanhFast, math.Tanh, 0.05},
	}

	inputs := []float32{-3, -1, -0.5, 0.1, 0.5, 1, 2}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, x := range inputs {
				got := float64(tt.fn(x))
				want := tt.std(float64(x))
				diff := math.Abs(got - want)
				if math.Abs(want) > 1e-6 {
					diff /= math.Abs(want)
				}
				assert.LessOrEqual(t, diff, tt.tol, "%s(%f) = %f, want %f", tt.name, x, got, want)
			}
		})
	}
}

func BenchmarkSoftmaxFast(b *testing.B) {
	row := make([]float32, 128)
	for i := 0; i < b.N; i++ {
		for j := range row {
			row[j] = float32(j%17) * 0.25
		}
		SoftmaxFast(row)
	}
}

func BenchmarkExpFast(b *testing.B) {
	var x float32 = 0.5
	for i := 0; i < b.N; i++ {
		ExpFast(x)
	}
}
