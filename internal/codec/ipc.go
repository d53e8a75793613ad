package codec

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// ipcFormat reads and writes arrow IPC streams. The stream carries its own
// schema, which Build checks against the descriptors.
type ipcFormat struct{}

func (ipcFormat) Name() string {
	return FormatArrowIPC
}

func (ipcFormat) NewReader(
	_ context.Context, r io.Reader, _ *arrow.Schema, opts ReadOptions,
) (array.RecordReader, error) {
	opts = opts.withDefaults()
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(opts.Allocator))
	if err != nil {
		return nil, fmt.Errorf("opening arrow ipc stream: %w", err)
	}
	return rdr, nil
}

func (ipcFormat) Write(w io.Writer, schema *arrow.Schema, records []arrow.Record) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return fmt.Errorf("writing arrow ipc batch: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing arrow ipc stream: %w", err)
	}
	return nil
}
