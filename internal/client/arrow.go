package client

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/scoring"
)

// RowColumn holds the example index within the scored batch.
const RowColumn = "row"

// RecordBatchBuilder creates Arrow RecordBatches from scoring results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts a result into one row per example. Every head
// output becomes a list<float32> column named after the head, in name order.
// Loss terms, when present, are attached as schema metadata under "loss.*".
func (b *RecordBatchBuilder) BuildRecordBatch(res *scoring.Result) (arrow.RecordBatch, error) {
	if res == nil || res.Output == nil {
		return nil, nil
	}
	numRows, _ := res.Output.Dims()

	outputs := res.Outputs
	if len(outputs) == 0 {
		outputs = map[string]*mat.Dense{scoring.HeadOverall: res.Output}
	}
	names := make([]string, 0, len(outputs))
	for name, m := range outputs {
		if r, _ := m.Dims(); r != numRows {
			return nil, fmt.Errorf("output %q has %d rows, want %d", name, r, numRows)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, 0, len(names)+1)
	fields = append(fields, arrow.Field{Name: RowColumn, Type: arrow.PrimitiveTypes.Int64})
	for _, name := range names {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)})
	}
	md := lossMetadata(res.Loss)
	schema := arrow.NewSchema(fields, &md)

	rowBuilder := array.NewInt64Builder(b.mem)
	defer rowBuilder.Release()
	for i := 0; i < numRows; i++ {
		rowBuilder.Append(int64(i))
	}

	cols := make([]arrow.Array, 0, len(fields))
	cols = append(cols, rowBuilder.NewArray())
	for _, name := range names {
		cols = append(cols, b.listColumn(outputs[name]))
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(numRows)), nil
}

func (b *RecordBatchBuilder) listColumn(m *mat.Dense) arrow.Array {
	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()

	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		listBuilder.Append(true)
		for j := 0; j < cols; j++ {
			valueBuilder.Append(float32(m.At(i, j)))
		}
	}
	return listBuilder.NewArray()
}

func lossMetadata(r *scoring.LossReport) arrow.Metadata {
	if r == nil {
		return arrow.Metadata{}
	}
	keys := []string{"loss.total"}
	values := []string{strconv.FormatFloat(r.Total, 'g', -1, 64)}
	for _, t := range r.Terms {
		v := "degenerate"
		if !t.Degenerate {
			v = strconv.FormatFloat(t.Value, 'g', -1, 64)
		}
		if !t.Included {
			v += ";excluded"
		}
		keys = append(keys, "loss."+t.Name)
		values = append(values, v)
	}
	return arrow.NewMetadata(keys, values)
}

// WriteIPC writes records as an Arrow IPC stream.
func WriteIPC(w io.Writer, records ...arrow.RecordBatch) error {
	if len(records) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(records[0].Schema()))
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return fmt.Errorf("write record: %w", err)
		}
	}
	return writer.Close()
}
