package codec

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
)

// csvNull marks a NULL cell, so that an empty cell stays an empty string.
const csvNull = `\N`

// csvFormat reads CSV with a header row. Columns are typed by the descriptor
// schema; a cell holding csvNull is NULL.
type csvFormat struct{}

func (csvFormat) Name() string {
	return FormatCSV
}

func (csvFormat) NewReader(
	_ context.Context, r io.Reader, schema *arrow.Schema, opts ReadOptions,
) (array.RecordReader, error) {
	opts = opts.withDefaults()
	return csv.NewReader(r, schema,
		csv.WithHeader(true),
		csv.WithChunk(opts.BatchSize),
		csv.WithAllocator(opts.Allocator),
		csv.WithNullReader(true, csvNull),
	), nil
}

func (csvFormat) Write(w io.Writer, schema *arrow.Schema, records []arrow.Record) error {
	writer := csv.NewWriter(w, schema, csv.WithHeader(true), csv.WithNullWriter(csvNull))
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("writing csv batch: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return writer.Error()
}
