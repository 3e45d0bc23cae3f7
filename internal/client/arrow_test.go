package client

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/scoring"
)

func speechResult() *scoring.Result {
	overall := mat.NewDense(2, 1, []float64{1.5, 2.5})
	word := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	return &scoring.Result{
		Output: overall,
		Outputs: map[string]*mat.Dense{
			scoring.HeadOverall: overall,
			scoring.HeadWord:    word,
		},
		Loss: &scoring.LossReport{
			Total: 0.25,
			Terms: []scoring.Term{
				{Name: scoring.HeadOverall, Weight: 1, Included: true, LossValue: scoring.LossValue{Value: 0.25, Valid: 2}},
				{Name: scoring.HeadWord, Weight: 1, TrainOnly: true, LossValue: scoring.LossValue{Degenerate: true}},
			},
		},
	}
}

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Speech result", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(speechResult())
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(3), rb.NumCols())
		assert.Equal(t, RowColumn, rb.ColumnName(0))
		assert.Equal(t, "overall", rb.ColumnName(1))
		assert.Equal(t, "word", rb.ColumnName(2))

		words := rb.Column(2).(*array.List)
		assert.Equal(t, []int32{0, 3, 6}, words.Offsets())
		values := words.ListValues().(*array.Float32)
		assert.Equal(t, float32(6), values.Value(5))

		md := rb.Schema().Metadata()
		total, ok := md.GetValue("loss.total")
		require.True(t, ok)
		assert.Equal(t, "0.25", total)
		word, ok := md.GetValue("loss.word")
		require.True(t, ok)
		assert.Equal(t, "degenerate;excluded", word)
	})

	t.Run("Row mismatch", func(t *testing.T) {
		res := speechResult()
		res.Outputs[scoring.HeadPhoneme] = mat.NewDense(3, 1, nil)
		_, err := builder.BuildRecordBatch(res)
		assert.Error(t, err)
	})

	t.Run("Output only", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(&scoring.Result{Output: mat.NewDense(1, 2, []float64{3, 4})})
		require.NoError(t, err)
		defer rb.Release()
		assert.Equal(t, "overall", rb.ColumnName(1))
	})
}

func TestWriteIPC(t *testing.T) {
	pool := memory.NewGoAllocator()
	rb, err := NewRecordBatchBuilder(pool).BuildRecordBatch(speechResult())
	require.NoError(t, err)
	defer rb.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, rb))

	reader, err := ipc.NewReader(&buf, ipc.WithAllocator(pool))
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	got := reader.Record()
	assert.Equal(t, int64(2), got.NumRows())
	assert.True(t, got.Schema().Equal(rb.Schema()))
	assert.False(t, reader.Next())
}
