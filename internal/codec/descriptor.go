package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/paveg/broadcastjoin/internal/key"
)

// FieldType names a column type in a schema descriptor.
type FieldType string

// Supported column types.
const (
	TypeInt64     FieldType = "int64"
	TypeInt32     FieldType = "int32"
	TypeFloat64   FieldType = "float64"
	TypeFloat32   FieldType = "float32"
	TypeString    FieldType = "string"
	TypeBool      FieldType = "bool"
	TypeBinary    FieldType = "binary"
	TypeTimestamp FieldType = "timestamp"
)

// Field is one column of a key or value schema.
type Field struct {
	Name string    `json:"name" yaml:"name"`
	Type FieldType `json:"type" yaml:"type"`
}

// Descriptor describes the key or value half of a small input: the wire format
// it is encoded in and its columns, in order.
type Descriptor struct {
	Format string  `json:"format" yaml:"format"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Width returns the number of columns.
func (d Descriptor) Width() int {
	return len(d.Fields)
}

// Names returns the column names.
func (d Descriptor) Names() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// arrowType maps a field type onto its arrow representation.
func arrowType(t FieldType) (arrow.DataType, error) {
	switch FieldType(strings.ToLower(string(t))) {
	case TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case TypeFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case TypeString:
		return arrow.BinaryTypes.String, nil
	case TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case TypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	default:
		return nil, fmt.Errorf("unsupported field type %q", t)
	}
}

// recordSchema lays the key columns out first, then the value columns.
func recordSchema(keyDesc, valueDesc Descriptor) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, keyDesc.Width()+valueDesc.Width())
	for _, half := range []Descriptor{keyDesc, valueDesc} {
		for _, f := range half.Fields {
			dt, err := arrowType(f.Type)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", f.Name, err)
			}
			fields = append(fields, arrow.Field{Name: f.Name, Type: dt, Nullable: true})
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// checkSchema verifies a decoded batch carries the descriptor's columns.
func checkSchema(want, got *arrow.Schema) error {
	if got.NumFields() != want.NumFields() {
		return fmt.Errorf("expected %d columns, stream has %d", want.NumFields(), got.NumFields())
	}
	for i, wf := range want.Fields() {
		gf := got.Field(i)
		if !arrow.TypeEqual(wf.Type, gf.Type) {
			return fmt.Errorf("column %d (%s): expected %s, stream has %s", i, wf.Name, wf.Type, gf.Type)
		}
	}
	return nil
}

// valueAt reads row i of a column as a normalized scalar, copying any bytes out
// of the arrow buffer so the batch can be released.
func valueAt(col arrow.Array, i int) (any, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch arr := col.(type) {
	case *array.Int64:
		return arr.Value(i), nil
	case *array.Int32:
		return int64(arr.Value(i)), nil
	case *array.Float64:
		return arr.Value(i), nil
	case *array.Float32:
		return float64(arr.Value(i)), nil
	case *array.String:
		return strings.Clone(arr.Value(i)), nil
	case *array.Boolean:
		return arr.Value(i), nil
	case *array.Binary:
		v := arr.Value(i)
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return arr.Value(i).ToTime(unit), nil
	default:
		return nil, fmt.Errorf("unsupported column type %s", col.DataType())
	}
}

// appendValue appends one scalar to an arrow builder; nil appends a null.
func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.Int64Builder:
		n, err := key.Normalize(v)
		if err != nil {
			return err
		}
		x, ok := n.(int64)
		if !ok {
			return fmt.Errorf("cannot store %T in int64 column", v)
		}
		bb.Append(x)
	case *array.Int32Builder:
		n, err := key.Normalize(v)
		if err != nil {
			return err
		}
		x, ok := n.(int64)
		if !ok {
			return fmt.Errorf("cannot store %T in int32 column", v)
		}
		bb.Append(int32(x)) //nolint:gosec // caller declared an int32 column
	case *array.Float64Builder:
		n, err := key.Normalize(v)
		if err != nil {
			return err
		}
		x, ok := n.(float64)
		if !ok {
			return fmt.Errorf("cannot store %T in float64 column", v)
		}
		bb.Append(x)
	case *array.Float32Builder:
		n, err := key.Normalize(v)
		if err != nil {
			return err
		}
		x, ok := n.(float64)
		if !ok {
			return fmt.Errorf("cannot store %T in float32 column", v)
		}
		bb.Append(float32(x))
	case *array.StringBuilder:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("cannot store %T in string column", v)
		}
		bb.Append(x)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot store %T in bool column", v)
		}
		bb.Append(x)
	case *array.BinaryBuilder:
		x, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("cannot store %T in binary column", v)
		}
		bb.Append(x)
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot store %T in timestamp column", v)
		}
		bb.AppendTime(x)
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}
