package codec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/bits-and-blooms/bitset"
	joinerrors "github.com/paveg/broadcastjoin/internal/errors"
	"github.com/paveg/broadcastjoin/internal/key"
	"github.com/paveg/broadcastjoin/internal/memory"
	"github.com/paveg/broadcastjoin/internal/rowgroup"
	"github.com/paveg/broadcastjoin/internal/table"
)

const opBuild = "Build"

// Filter is an ON-clause residual predicate over a small-side value tuple. A
// tuple that fails it is kept in its group but never counts as a real match.
type Filter func(value key.Row) bool

// SerDeContext binds one small leg's key and value descriptors to a format.
// It is stateless once constructed and can be reused across rebuilds.
type SerDeContext struct {
	leg       int
	keyDesc   Descriptor
	valueDesc Descriptor
	format    Format
	schema    *arrow.Schema
	nullSafe  *bitset.BitSet
	filter    Filter
	filterTag uint64
}

// ContextOption configures a SerDeContext.
type ContextOption func(*SerDeContext)

// WithNullSafe sets the key positions compared with NULL-equals-NULL semantics.
func WithNullSafe(nullSafe *bitset.BitSet) ContextOption {
	return func(c *SerDeContext) {
		c.nullSafe = nullSafe
	}
}

// WithFilter attaches a residual filter; tuples failing it are tagged as
// filtered for probes coming from probeLeg.
func WithFilter(filter Filter, probeLeg int) ContextOption {
	return func(c *SerDeContext) {
		c.filter = filter
		c.filterTag = rowgroup.LegBit(probeLeg)
	}
}

// NewSerDeContext resolves the format and record layout for a small leg.
func NewSerDeContext(leg int, keyDesc, valueDesc Descriptor, opts ...ContextOption) (*SerDeContext, error) {
	if keyDesc.Width() == 0 {
		return nil, joinerrors.NewConfigurationError("Metadata", leg, "key descriptor has no fields")
	}
	if keyDesc.Format != "" && valueDesc.Format != "" && keyDesc.Format != valueDesc.Format {
		return nil, joinerrors.NewConfigurationError("Metadata", leg,
			fmt.Sprintf("key format %q does not match value format %q", keyDesc.Format, valueDesc.Format))
	}
	name := valueDesc.Format
	if name == "" {
		name = keyDesc.Format
	}
	format, ok := Lookup(name)
	if !ok {
		return nil, joinerrors.NewConfigurationError("Metadata", leg, fmt.Sprintf("unknown format %q", name))
	}
	schema, err := recordSchema(keyDesc, valueDesc)
	if err != nil {
		return nil, joinerrors.NewConfigurationError("Metadata", leg, err.Error())
	}

	c := &SerDeContext{
		leg:       leg,
		keyDesc:   keyDesc,
		valueDesc: valueDesc,
		format:    format,
		schema:    schema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Leg returns the leg position the context decodes for.
func (c *SerDeContext) Leg() int {
	return c.leg
}

// Format returns the resolved wire format.
func (c *SerDeContext) Format() Format {
	return c.format
}

// Schema returns the record layout: key columns, then value columns.
func (c *SerDeContext) Schema() *arrow.Schema {
	return c.schema
}

// ValueWidth returns the number of value columns.
func (c *SerDeContext) ValueWidth() int {
	return c.valueDesc.Width()
}

// NullSafe returns the leg's null-safe key positions.
func (c *SerDeContext) NullSafe() *bitset.BitSet {
	return c.nullSafe
}

// BuildOptions carries the per-load resources of a build.
type BuildOptions struct {
	Budget          *memory.Budget
	Allocator       arrowmemory.Allocator
	BatchSize       int
	InitialCapacity int
	Logger          *slog.Logger
}

// BuildStats describes one finished build.
type BuildStats struct {
	Records    int64 // records decoded
	Skipped    int64 // records whose key can never match
	Keys       int   // distinct keys stored
	InputBytes int64 // encoded bytes consumed
	TableBytes int64 // estimated retained size of the table
}

// Build decodes one small input into a table. A nil or empty reader yields an
// empty table. Any decode failure, budget breach or cancellation returns an
// error and no table.
func (c *SerDeContext) Build(ctx context.Context, r io.Reader, opts BuildOptions) (*table.Container, BuildStats, error) {
	if opts.Budget == nil {
		opts.Budget = memory.NewBudget(memory.Unlimited)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var stats BuildStats
	container := table.New(c.nullSafe, opts.InitialCapacity)
	charged := container.SizeBytes()
	if used, ok := opts.Budget.Charge(charged); !ok {
		opts.Budget.Refund(charged)
		return nil, stats, joinerrors.NewMemoryBudgetExceededError(opBuild, c.leg, used, opts.Budget.Limit())
	}

	fail := func(err error) (*table.Container, BuildStats, error) {
		container.Clear()
		opts.Budget.Refund(charged)
		return nil, stats, err
	}

	if r == nil {
		stats.TableBytes = container.SizeBytes()
		return container, stats, nil
	}

	counter := &countingReader{r: r}
	buffered := bufio.NewReader(counter)
	if _, err := buffered.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			stats.TableBytes = container.SizeBytes()
			return container, stats, nil
		}
		return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
	}

	rdr, err := c.format.NewReader(ctx, buffered, c.schema, ReadOptions{
		Allocator: opts.Allocator,
		BatchSize: opts.BatchSize,
		Budget:    opts.Budget,
	})
	if err != nil {
		var over *overBudgetError
		if errors.As(err, &over) {
			return fail(joinerrors.NewMemoryBudgetExceededError(opBuild, c.leg, over.used, over.limit))
		}
		return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
	}
	defer rdr.Release()

	keyWidth := c.keyDesc.Width()
	keyValues := make([]any, keyWidth)
	for rdr.Next() {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("building leg %d: %w", c.leg, err))
		}
		rec := rdr.Record()
		if err := checkSchema(c.schema, rec.Schema()); err != nil {
			return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
		}

		rows := int(rec.NumRows())
		for i := range rows {
			stats.Records++
			for f := range keyWidth {
				if keyValues[f], err = valueAt(rec.Column(f), i); err != nil {
					return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
				}
			}
			k, err := key.New(keyValues...)
			if err != nil {
				return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
			}
			if k.HasAnyNulls(c.nullSafe) {
				stats.Skipped++
				continue
			}

			tuple := make(key.Row, c.valueDesc.Width())
			for f := range tuple {
				if tuple[f], err = valueAt(rec.Column(keyWidth+f), i); err != nil {
					return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
				}
			}

			var tag uint64
			if c.filter != nil && !c.filter(tuple) {
				tag = c.filterTag
			}

			grew := container.Put(k, tuple, tag)
			charged += grew
			if used, ok := opts.Budget.Charge(grew); !ok {
				return fail(joinerrors.NewMemoryBudgetExceededError(opBuild, c.leg, used, opts.Budget.Limit()))
			}
		}
	}
	if err := rdr.Err(); err != nil {
		return fail(joinerrors.NewDecodeError(opBuild, c.leg, err))
	}

	stats.Keys = container.Len()
	stats.InputBytes = counter.n
	stats.TableBytes = container.SizeBytes()
	opts.Logger.Debug("built small table",
		slog.Int("leg", c.leg),
		slog.String("format", c.format.Name()),
		slog.Int64("records", stats.Records),
		slog.Int64("skipped", stats.Skipped),
		slog.Int("keys", stats.Keys),
		slog.Int64("input_bytes", stats.InputBytes),
		slog.Int64("table_bytes", stats.TableBytes),
	)
	return container, stats, nil
}

// Record is one key/value pair to encode.
type Record struct {
	Key   key.Row
	Value key.Row
}

// Encode writes records in the context's format and layout.
func (c *SerDeContext) Encode(w io.Writer, records []Record) error {
	return Encode(c.format, w, c.schema, c.keyDesc.Width(), records)
}

// EncodeBytes is Encode into a new byte slice.
func (c *SerDeContext) EncodeBytes(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode builds a single arrow batch from records and writes it with format.
func Encode(format Format, w io.Writer, schema *arrow.Schema, keyWidth int, records []Record) error {
	mem := arrowmemory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	valueWidth := schema.NumFields() - keyWidth
	for n, rec := range records {
		if len(rec.Key) != keyWidth || len(rec.Value) != valueWidth {
			return fmt.Errorf("record %d: expected %d key and %d value columns, got %d and %d",
				n, keyWidth, valueWidth, len(rec.Key), len(rec.Value))
		}
		for i, v := range rec.Key {
			if err := appendValue(builder.Field(i), v); err != nil {
				return fmt.Errorf("record %d key column %d: %w", n, i, err)
			}
		}
		for i, v := range rec.Value {
			if err := appendValue(builder.Field(keyWidth+i), v); err != nil {
				return fmt.Errorf("record %d value column %d: %w", n, i, err)
			}
		}
	}

	batch := builder.NewRecord()
	defer batch.Release()

	var batches []arrow.Record
	if batch.NumRows() > 0 {
		batches = append(batches, batch)
	}
	return format.Write(w, schema, batches)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
