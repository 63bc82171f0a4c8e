package usagefile

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const defaultBatchRows = 4096

var (
	keyType = arrow.StructOf(
		arrow.Field{Name: "cluster", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "user", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "type", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "unit", Type: arrow.BinaryTypes.String, Nullable: true},
		arrow.Field{Name: "excess", Type: arrow.FixedWidthTypes.Boolean},
		arrow.Field{Name: "status", Type: arrow.BinaryTypes.String},
		arrow.Field{Name: "time", Type: arrow.PrimitiveTypes.Int64},
	)
	valueType = arrow.StructOf(
		arrow.Field{Name: "started", Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: "finished", Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: "elapsedMinutes", Type: arrow.PrimitiveTypes.Float64},
		arrow.Field{Name: "cpuMinutes", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		arrow.Field{Name: "spilledRecords", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		arrow.Field{Name: "reduceShuffleBytes", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	)
)

// Schema returns the key/value schema written by Writer.
func Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: keyType},
		{Name: "value", Type: valueType},
	}, nil)
}

// Writer encodes Records as an Arrow IPC stream using the nested key/value
// schema. Records are buffered and flushed as one record batch per
// BatchRows records.
type Writer struct {
	w         *ipc.Writer
	b         *array.RecordBuilder
	batchRows int
	pending   int
}

type WriterOption func(*Writer)

// WithBatchRows sets the number of records per record batch.
func WithBatchRows(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.batchRows = n
		}
	}
}

func NewWriter(out io.Writer, opts ...WriterOption) *Writer {
	mem := memory.NewGoAllocator()
	schema := Schema()
	w := &Writer{
		w:         ipc.NewWriter(out, ipc.WithSchema(schema), ipc.WithAllocator(mem)),
		b:         array.NewRecordBuilder(mem, schema),
		batchRows: defaultBatchRows,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) Write(r Record) error {
	kb := w.b.Field(0).(*array.StructBuilder)
	kb.Append(true)
	kb.FieldBuilder(0).(*array.StringBuilder).Append(r.Cluster)
	kb.FieldBuilder(1).(*array.StringBuilder).Append(r.User)
	kb.FieldBuilder(2).(*array.StringBuilder).Append(r.Type)
	if r.Unit == "" {
		kb.FieldBuilder(3).(*array.StringBuilder).AppendNull()
	} else {
		kb.FieldBuilder(3).(*array.StringBuilder).Append(r.Unit)
	}
	kb.FieldBuilder(4).(*array.BooleanBuilder).Append(r.Excess)
	kb.FieldBuilder(5).(*array.StringBuilder).Append(r.Status)
	kb.FieldBuilder(6).(*array.Int64Builder).Append(r.Time)

	vb := w.b.Field(1).(*array.StructBuilder)
	vb.Append(true)
	vb.FieldBuilder(0).(*array.Int64Builder).Append(r.Started)
	vb.FieldBuilder(1).(*array.Int64Builder).Append(r.Finished)
	vb.FieldBuilder(2).(*array.Float64Builder).Append(r.ElapsedMinutes)
	appendFloat(vb.FieldBuilder(3).(*array.Float64Builder), r.CPUMinutes)
	appendInt(vb.FieldBuilder(4).(*array.Int64Builder), r.SpilledRecords)
	appendInt(vb.FieldBuilder(5).(*array.Int64Builder), r.ReduceShuffleBytes)

	w.pending++
	if w.pending >= w.batchRows {
		return w.Flush()
	}
	return nil
}

// Flush writes buffered records as one record batch.
func (w *Writer) Flush() error {
	if w.pending == 0 {
		return nil
	}
	rec := w.b.NewRecord()
	defer rec.Release()
	w.pending = 0
	if err := w.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return nil
}

// Close flushes and ends the stream. It does not close the underlying writer.
func (w *Writer) Close() error {
	defer w.b.Release()
	if err := w.Flush(); err != nil {
		return err
	}
	return w.w.Close()
}

func appendFloat(b *array.Float64Builder, v *float64) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(*v)
}

func appendInt(b *array.Int64Builder, v *int64) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(*v)
}
