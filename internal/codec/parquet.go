package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/util"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// parquetFormat reads whole parquet files. Parquet needs random access, so the
// stream is buffered in memory before decoding. The buffer and the decoded
// table are charged to the read budget until the reader is released.
type parquetFormat struct{}

func (parquetFormat) Name() string {
	return FormatParquet
}

func (parquetFormat) NewReader(
	ctx context.Context, r io.Reader, _ *arrow.Schema, opts ReadOptions,
) (array.RecordReader, error) {
	opts = opts.withDefaults()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading parquet data: %w", err)
	}
	charge := &inputCharge{budget: opts.Budget}
	if err := charge.add(int64(len(data))); err != nil {
		charge.refund()
		return nil, err
	}

	pqReader, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		charge.refund()
		return nil, fmt.Errorf("creating parquet file reader: %w", err)
	}
	defer pqReader.Close()

	arrowReader, err := pqarrow.NewFileReader(
		pqReader,
		pqarrow.ArrowReadProperties{BatchSize: int64(opts.BatchSize)},
		opts.Allocator,
	)
	if err != nil {
		charge.refund()
		return nil, fmt.Errorf("creating arrow file reader: %w", err)
	}

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		charge.refund()
		return nil, fmt.Errorf("reading parquet table: %w", err)
	}
	defer table.Release()

	if err := charge.add(tableSize(table)); err != nil {
		charge.refund()
		return nil, err
	}
	return &chargedReader{
		RecordReader: array.NewTableReader(table, int64(opts.BatchSize)),
		charge:       charge,
	}, nil
}

func tableSize(tbl arrow.Table) int64 {
	var n int64
	for i := range int(tbl.NumCols()) {
		for _, chunk := range tbl.Column(i).Data().Chunks() {
			n += util.TotalArraySize(chunk)
		}
	}
	return n
}

func (parquetFormat) Write(w io.Writer, schema *arrow.Schema, records []arrow.Record) error {
	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, w, props, arrowProps)
	if err != nil {
		return fmt.Errorf("creating parquet writer: %w", err)
	}
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return fmt.Errorf("writing parquet row group: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}
