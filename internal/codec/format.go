// Package codec decodes the broadcast byte stream of a small join input into a
// hash table.
//
// A stream is a sequence of records whose columns are the join key followed by
// the leg's value columns. The encoding is chosen by the descriptor's Format
// tag, resolved against a fixed registry of arrow-backed formats when the
// operator's metadata is derived. There is no runtime type lookup.
//
// Key components:
//   - Descriptor/Field for the key and value schemas supplied by the planner
//   - Format implementations for arrow IPC streams, parquet files and CSV
//   - SerDeContext binding a leg's descriptors to a format
//   - Build, which turns one stream into a table.Container under a memory budget
package codec

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowmemory "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/broadcastjoin/internal/memory"
)

// Format tags understood by the registry.
const (
	FormatArrowIPC = "arrow-ipc"
	FormatParquet  = "parquet"
	FormatCSV      = "csv"
)

// DefaultFormat is used when a descriptor leaves Format empty.
const DefaultFormat = FormatArrowIPC

// DefaultBatchSize is the number of rows per decoded batch for formats that
// let the reader choose.
const DefaultBatchSize = 1024

// Format encodes and decodes record streams of one wire format.
type Format interface {
	// Name returns the registry tag of the format.
	Name() string
	// NewReader opens a record stream over r. schema is the layout the
	// descriptors expect; formats that carry their own schema may ignore it.
	NewReader(ctx context.Context, r io.Reader, schema *arrow.Schema, opts ReadOptions) (array.RecordReader, error)
	// Write encodes records with the given schema to w.
	Write(w io.Writer, schema *arrow.Schema, records []arrow.Record) error
}

// ReadOptions tunes decoding.
type ReadOptions struct {
	Allocator arrowmemory.Allocator
	BatchSize int
	// Budget is charged for input a format holds in memory while decoding.
	// Nil charges nothing.
	Budget *memory.Budget
}

func (o ReadOptions) withDefaults() ReadOptions {
	if o.Allocator == nil {
		o.Allocator = arrowmemory.NewGoAllocator()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

var formats = map[string]Format{
	FormatArrowIPC: ipcFormat{},
	FormatParquet:  parquetFormat{},
	FormatCSV:      csvFormat{},
}

// Lookup resolves a format tag; an empty tag resolves to DefaultFormat.
func Lookup(name string) (Format, bool) {
	if name == "" {
		name = DefaultFormat
	}
	f, ok := formats[name]
	return f, ok
}

// Formats returns the registered tags in sorted order.
func Formats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// overBudgetError reports that a format's buffered input did not fit the
// budget.
type overBudgetError struct {
	used, limit int64
}

func (e *overBudgetError) Error() string {
	return fmt.Sprintf("buffered input needs %d bytes, budget is %d", e.used, e.limit)
}

// inputCharge tracks the bytes a format charged to the budget for buffered
// input.
type inputCharge struct {
	budget *memory.Budget
	n      int64
}

// add charges n bytes. On a breach the bytes stay charged until refund.
func (c *inputCharge) add(n int64) error {
	if c.budget == nil || n == 0 {
		return nil
	}
	c.n += n
	if used, ok := c.budget.Charge(n); !ok {
		return &overBudgetError{used: used, limit: c.budget.Limit()}
	}
	return nil
}

func (c *inputCharge) refund() {
	if c.budget != nil {
		c.budget.Refund(c.n)
	}
	c.n = 0
}

// chargedReader refunds its input charge when released.
type chargedReader struct {
	array.RecordReader
	charge *inputCharge
	once   sync.Once
}

func (r *chargedReader) Release() {
	r.RecordReader.Release()
	r.once.Do(r.charge.refund)
}
