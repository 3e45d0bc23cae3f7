package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertClose(t *testing.T, expected, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(expected))
	for i, v := range expected {
		assert.InDelta(t, v, got[i], tol, "mismatch at %d", i)
	}
}

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Add", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Add(b)

		assertClose(t, []float32{11, 22, 33, 44}, a.ToHost(), 1e-6)
	})

	t.Run("Sub", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{11, 22, 33, 44})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Sub(b)

		assertClose(t, []float32{1, 2, 3, 4}, a.ToHost(), 1e-6)
	})

	t.Run("Mul", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b)

		assertClose(t, []float32{58, 64, 139, 154}, c.ToHost(), 1e-4)
	})

	t.Run("MulTransposed", func(t *testing.T) {
		// A^T where A is 3x2 -> 2x3
		a := backend.NewTensor(3, 2, []float32{
			1, 4,
			2, 5,
			3, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a.T(), b)

		assertClose(t, []float32{58, 64, 139, 154}, c.ToHost(), 1e-4)
	})

	t.Run("Reshape", func(t *testing.T) {
		a := backend.NewTensor(4, 2, []float32{1, 2, 3, 4, 5, 6, 7, 8})
		v := a.Reshape(2, 4)

		r, c := v.Dims()
		assert.Equal(t, 2, r)
		assert.Equal(t, 4, c)
		assert.Equal(t, float32(7), v.At(1, 2))
	})

	t.Run("Scale", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		a.Scale(2.0)

		assertClose(t, []float32{2, 4, 6, 8}, a.ToHost(), 1e-6)
	})

	t.Run("ReLU", func(t *testing.T) {
		a := backend.NewTensor(1, 4, []float32{-1, 0, 1, -3})
		a.ReLU()

		assertClose(t, []float32{0, 0, 1, 0}, a.ToHost(), 0)
	})

	t.Run("LayerNorm", func(t *testing.T) {
		a := backend.NewTensor(1, 4, []float32{1, 2, 3, 4})
		gamma := backend.NewTensor(1, 4, []float32{1, 1, 1, 1})
		beta := backend.NewTensor(1, 4, []float32{0, 0, 0, 0})

		// Mean = 2.5, Variance = 1.25, StdDev ≈ 1.11803
		a.LayerNorm(gamma, beta, 1e-12)

		assertClose(t, []float32{-1.3416407, -0.4472136, 0.4472136, 1.3416407}, a.ToHost(), 1e-5)
	})

	t.Run("Linear", func(t *testing.T) {
		x := backend.NewTensor(1, 2, []float32{1, 2})
		w := backend.NewTensor(2, 3, []float32{1, 0, 1, 0, 1, 1})
		b := backend.NewTensor(1, 3, []float32{0.5, 0.5, 0.5})

		out := x.Linear(x, w, b)

		assertClose(t, []float32{1.5, 2.5, 3.5}, out.ToHost(), 1e-6)
	})

	t.Run("Gather", func(t *testing.T) {
		a := backend.NewTensor(3, 2, []float32{1, 2, 3, 4, 5, 6})
		g := a.Gather([]int{2, 0})

		assertClose(t, []float32{5, 6, 1, 2}, g.ToHost(), 0)
	})

	t.Run("HasNaN", func(t *testing.T) {
		a := backend.NewTensor(1, 3, []float32{1, 2, 3})
		assert.False(t, a.HasNaN())
		a.Set(0, 1, float32(math.NaN()))
		assert.True(t, a.HasNaN())
	})

	t.Run("Pooling", func(t *testing.T) {
		t1 := backend.GetTensor(10, 10)
		t1.Set(0, 0, 123)
		backend.PutTensor(t1)

		t2 := backend.GetTensor(10, 10)
		// A recycled tensor must come back zeroed
		assert.Equal(t, float32(0), t2.At(0, 0))
	})
}
