package usagefile

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// column locates a field either as a top-level column (child < 0) or as a
// child of a top-level struct column.
type column struct {
	top   int
	child int
	found bool
}

func resolveColumn(schema *arrow.Schema, names []string) column {
	for _, n := range names {
		if idx := schema.FieldIndices(n); len(idx) > 0 {
			return column{top: idx[0], child: -1, found: true}
		}
	}
	for i, f := range schema.Fields() {
		st, ok := f.Type.(*arrow.StructType)
		if !ok {
			continue
		}
		for _, n := range names {
			if j, ok := st.FieldIdx(n); ok {
				return column{top: i, child: j, found: true}
			}
		}
	}
	return column{}
}

// Reader streams Records out of an Arrow IPC stream. Columns are located by
// name from the schema embedded in the stream.
type Reader struct {
	rdr     *ipc.Reader
	columns [numFields]column

	batch  arrow.Record
	arrays [numFields]arrow.Array
	parent [numFields]*array.Struct
	row    int

	cur     Record
	batches int
	err     error
}

func NewReader(r io.Reader) (*Reader, error) {
	rdr, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow stream: %w", err)
	}
	ur := &Reader{rdr: rdr}
	schema := rdr.Schema()
	for id, spec := range fields {
		col := resolveColumn(schema, spec.names)
		if !col.found && spec.required {
			rdr.Release()
			return nil, fmt.Errorf("%w: %s", ErrMissingField, spec.names[0])
		}
		ur.columns[id] = col
	}
	return ur, nil
}

// Next advances to the next record. It returns false at the end of the
// stream or on the first error, which Err then reports.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	for r.batch == nil || r.row >= int(r.batch.NumRows()) {
		if !r.rdr.Next() {
			r.err = r.rdr.Err()
			return false
		}
		r.batch = r.rdr.Record()
		r.row = 0
		r.batches++
		for id, col := range r.columns {
			r.arrays[id], r.parent[id] = nil, nil
			if !col.found {
				continue
			}
			arr := r.batch.Column(col.top)
			if col.child < 0 {
				r.arrays[id] = arr
				continue
			}
			st, ok := arr.(*array.Struct)
			if !ok {
				r.err = fmt.Errorf("%w: %s is %s, want struct", ErrUnsupportedType, fields[id].names[0], arr.DataType())
				return false
			}
			r.arrays[id], r.parent[id] = st.Field(col.child), st
		}
	}
	if err := r.decode(r.row); err != nil {
		r.err = fmt.Errorf("batch %d row %d: %w", r.batches, r.row, err)
		return false
	}
	r.row++
	return true
}

// Record returns the record read by the last call to Next.
func (r *Reader) Record() Record {
	return r.cur
}

func (r *Reader) Err() error {
	return r.err
}

// Batches returns the number of record batches read so far.
func (r *Reader) Batches() int {
	return r.batches
}

func (r *Reader) Release() {
	r.rdr.Release()
}

func (r *Reader) isNull(id fieldID, i int) bool {
	arr := r.arrays[id]
	if arr == nil {
		return true
	}
	if p := r.parent[id]; p != nil && p.IsNull(i) {
		return true
	}
	return arr.IsNull(i)
}

func (r *Reader) strField(id fieldID, i int, dst *string) error {
	if r.isNull(id, i) {
		if fields[id].required {
			return fmt.Errorf("%w: %s is null", ErrInvalidRecord, fields[id].names[0])
		}
		return nil
	}
	v, err := stringValue(r.arrays[id], i)
	if err != nil {
		return fmt.Errorf("%s: %w", fields[id].names[0], err)
	}
	*dst = v
	return nil
}

func (r *Reader) intField(id fieldID, i int) (int64, bool, error) {
	if r.isNull(id, i) {
		if fields[id].required {
			return 0, false, fmt.Errorf("%w: %s is null", ErrInvalidRecord, fields[id].names[0])
		}
		return 0, false, nil
	}
	v, err := int64Value(r.arrays[id], i)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", fields[id].names[0], err)
	}
	return v, true, nil
}

func (r *Reader) floatField(id fieldID, i int) (float64, bool, error) {
	if r.isNull(id, i) {
		if fields[id].required {
			return 0, false, fmt.Errorf("%w: %s is null", ErrInvalidRecord, fields[id].names[0])
		}
		return 0, false, nil
	}
	v, err := float64Value(r.arrays[id], i)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", fields[id].names[0], err)
	}
	return v, true, nil
}

func (r *Reader) decode(i int) error {
	var rec Record
	for id, dst := range map[fieldID]*string{
		fieldCluster: &rec.Cluster,
		fieldUser:    &rec.User,
		fieldType:    &rec.Type,
		fieldUnit:    &rec.Unit,
		fieldStatus:  &rec.Status,
	} {
		if err := r.strField(id, i, dst); err != nil {
			return err
		}
	}

	if r.isNull(fieldExcess, i) {
		return fmt.Errorf("%w: excess is null", ErrInvalidRecord)
	}
	b, ok := r.arrays[fieldExcess].(*array.Boolean)
	if !ok {
		return fmt.Errorf("excess: %w: %s", ErrUnsupportedType, r.arrays[fieldExcess].DataType())
	}
	rec.Excess = b.Value(i)

	var err error
	if rec.Time, _, err = r.intField(fieldTime, i); err != nil {
		return err
	}
	if rec.Started, _, err = r.intField(fieldStarted, i); err != nil {
		return err
	}
	if rec.Finished, _, err = r.intField(fieldFinished, i); err != nil {
		return err
	}
	if rec.ElapsedMinutes, _, err = r.floatField(fieldElapsedMinutes, i); err != nil {
		return err
	}
	if v, ok, err := r.floatField(fieldCPUMinutes, i); err != nil {
		return err
	} else if ok {
		rec.CPUMinutes = &v
	}
	if v, ok, err := r.intField(fieldSpilledRecords, i); err != nil {
		return err
	} else if ok {
		rec.SpilledRecords = &v
	}
	if v, ok, err := r.intField(fieldReduceShuffleBytes, i); err != nil {
		return err
	} else if ok {
		rec.ReduceShuffleBytes = &v
	}

	if err := rec.validate(); err != nil {
		return err
	}
	r.cur = rec
	return nil
}

func stringValue(arr arrow.Array, i int) (string, error) {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return string(a.Value(i)), nil
	case *array.Dictionary:
		return stringValue(a.Dictionary(), a.GetValueIndex(i))
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, arr.DataType())
}

// int64Value reads integer and temporal columns. Timestamps and dates are
// returned in epoch milliseconds.
func int64Value(arr arrow.Array, i int) (int64, error) {
	switch a := arr.(type) {
	case *array.Int64:
		return a.Value(i), nil
	case *array.Int32:
		return int64(a.Value(i)), nil
	case *array.Int16:
		return int64(a.Value(i)), nil
	case *array.Int8:
		return int64(a.Value(i)), nil
	case *array.Uint64:
		return int64(a.Value(i)), nil
	case *array.Uint32:
		return int64(a.Value(i)), nil
	case *array.Uint16:
		return int64(a.Value(i)), nil
	case *array.Uint8:
		return int64(a.Value(i)), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UnixMilli(), nil
	case *array.Date64:
		return int64(a.Value(i)), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, arr.DataType())
}

func float64Value(arr arrow.Array, i int) (float64, error) {
	switch a := arr.(type) {
	case *array.Float64:
		return a.Value(i), nil
	case *array.Float32:
		return float64(a.Value(i)), nil
	}
	v, err := int64Value(arr, i)
	return float64(v), err
}
