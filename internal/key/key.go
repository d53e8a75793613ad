// Package key implements the canonical join key: an ordered, fixed-arity tuple of
// scalar values with a per-position null bitmap.
//
// Equality is field-wise and null-aware. A field configured null-safe treats
// NULL as an ordinary value equal to another NULL (SQL <=>). Any other field
// fails the comparison when either side is NULL, and a key holding such a
// NULL reports HasAnyNulls for that configuration.
package key

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	xxhash "github.com/cespare/xxhash/v2"
)

// Row is one input row; a nil element is SQL NULL.
type Row []any

// Expr evaluates one join-key column against a row.
type Expr interface {
	Eval(row Row) any
}

// Column is an Expr that reads the value at a fixed row position.
type Column int

// Eval implements Expr.
func (c Column) Eval(row Row) any {
	if int(c) < 0 || int(c) >= len(row) {
		return nil
	}
	return row[c]
}

// Columns builds one Column expression per index.
func Columns(idx ...int) []Expr {
	exprs := make([]Expr, len(idx))
	for i, c := range idx {
		exprs[i] = Column(c)
	}
	return exprs
}

// NullSafe returns a flag set with the given key positions marked null-safe.
func NullSafe(arity int, fields ...int) *bitset.BitSet {
	//nolint:gosec // arity is a small non-negative column count
	bs := bitset.New(uint(arity))
	for _, f := range fields {
		bs.Set(uint(f)) //nolint:gosec // field positions are non-negative
	}
	return bs
}

// Key is an immutable join key. The zero Key has arity 0.
type Key struct {
	fields []any
	nulls  *bitset.BitSet
	hash   uint64
}

// Compute evaluates exprs against row and returns the normalized key.
func Compute(row Row, exprs []Expr) (Key, error) {
	fields := make([]any, len(exprs))
	for i, e := range exprs {
		fields[i] = e.Eval(row)
	}
	return New(fields...)
}

// New builds a key from already evaluated field values.
func New(values ...any) (Key, error) {
	fields := make([]any, len(values))
	//nolint:gosec // arity is a small non-negative column count
	nulls := bitset.New(uint(len(values)))
	for i, v := range values {
		nv, err := Normalize(v)
		if err != nil {
			return Key{}, fmt.Errorf("key field %d: %w", i, err)
		}
		if nv == nil {
			nulls.Set(uint(i)) //nolint:gosec // i is a slice index
		}
		fields[i] = nv
	}
	k := Key{fields: fields, nulls: nulls}
	k.hash = k.computeHash()
	return k, nil
}

// MustNew is New for tests and literals; it panics on unsupported values.
func MustNew(values ...any) Key {
	k, err := New(values...)
	if err != nil {
		panic(err)
	}
	return k
}

// Normalize maps a scalar onto the canonical kinds: int64, float64, string,
// bool, []byte and time.Time. nil stays nil.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64, float64, string, bool:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		if x == nil {
			return nil, nil
		}
		return x, nil
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
}

// Arity returns the number of fields.
func (k Key) Arity() int {
	return len(k.fields)
}

// Field returns the normalized value at position i (nil for NULL).
func (k Key) Field(i int) any {
	return k.fields[i]
}

// IsNull reports whether field i is NULL.
func (k Key) IsNull(i int) bool {
	return k.nulls != nil && k.nulls.Test(uint(i)) //nolint:gosec // i is a field index
}

// Hash returns the precomputed xxhash of the key.
func (k Key) Hash() uint64 {
	return k.hash
}

// HasAnyNulls reports whether some field that is not null-safe is NULL. Such a
// key never takes part in a normal match.
func (k Key) HasAnyNulls(nullSafe *bitset.BitSet) bool {
	if k.nulls == nil || k.nulls.None() {
		return false
	}
	if nullSafe == nil {
		return true
	}
	return k.nulls.Difference(nullSafe).Any()
}

// Equal compares a and b field-wise under the given null-safe flags.
func Equal(a, b Key, nullSafe *bitset.BitSet) bool {
	if len(a.fields) != len(b.fields) {
		return false
	}
	if a.hash != b.hash {
		return false
	}
	for i := range a.fields {
		an, bn := a.IsNull(i), b.IsNull(i)
		if an || bn {
			if an && bn && nullSafe != nil && nullSafe.Test(uint(i)) { //nolint:gosec // i is a field index
				continue
			}
			return false
		}
		if !valueEqual(a.fields[i], b.fields[i]) {
			return false
		}
	}
	return true
}

// String renders the key for logs.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, f := range k.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		if f == nil {
			sb.WriteString("NULL")
			continue
		}
		fmt.Fprintf(&sb, "%v", f)
	}
	sb.WriteByte(')')
	return sb.String()
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || (math.IsNaN(x) && math.IsNaN(y)))
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	default:
		return false
	}
}

// Kind tags written ahead of each field so that, say, int64(1) and "1" hash apart.
const (
	tagNull byte = iota
	tagInt
	tagFloat
	tagString
	tagBool
	tagBytes
	tagTime
)

func (k Key) computeHash() uint64 {
	d := xxhash.New()
	var buf [9]byte
	for _, f := range k.fields {
		switch x := f.(type) {
		case nil:
			buf[0] = tagNull
			_, _ = d.Write(buf[:1])
		case int64:
			buf[0] = tagInt
			binary.LittleEndian.PutUint64(buf[1:], uint64(x)) //nolint:gosec // bit pattern only
			_, _ = d.Write(buf[:])
		case float64:
			buf[0] = tagFloat
			switch {
			case x == 0:
				x = 0 // fold -0 onto +0
			case math.IsNaN(x):
				x = math.NaN()
			}
			binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(x))
			_, _ = d.Write(buf[:])
		case string:
			buf[0] = tagString
			binary.LittleEndian.PutUint64(buf[1:], uint64(len(x)))
			_, _ = d.Write(buf[:])
			_, _ = d.WriteString(x)
		case bool:
			buf[0] = tagBool
			buf[1] = 0
			if x {
				buf[1] = 1
			}
			_, _ = d.Write(buf[:2])
		case []byte:
			buf[0] = tagBytes
			binary.LittleEndian.PutUint64(buf[1:], uint64(len(x)))
			_, _ = d.Write(buf[:])
			_, _ = d.Write(x)
		case time.Time:
			buf[0] = tagTime
			binary.LittleEndian.PutUint64(buf[1:], uint64(x.UnixNano())) //nolint:gosec // bit pattern only
			_, _ = d.Write(buf[:])
		}
	}
	return d.Sum64()
}

// SizeBytes estimates the retained size of the key.
func (k Key) SizeBytes() int64 {
	const keyHeader = 48 // fields slice, bitset pointer, hash
	size := int64(keyHeader)
	for _, f := range k.fields {
		size += ValueSize(f)
	}
	return size
}

// ValueSize estimates the retained size of a normalized scalar including its
// interface header.
func ValueSize(v any) int64 {
	const ifaceHeader = 16
	switch x := v.(type) {
	case nil:
		return ifaceHeader
	case string:
		return ifaceHeader + int64(len(x))
	case []byte:
		return ifaceHeader + 24 + int64(len(x))
	case time.Time:
		return ifaceHeader + 24
	default:
		return ifaceHeader + 8
	}
}
