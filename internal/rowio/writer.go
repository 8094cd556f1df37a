// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package rowio

import (
	"context"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/mergerunner/storagefs"
)

// WriterOpts configures a staged file writer.
type WriterOpts struct {
	// Compression is the codec name; empty means snappy.
	Compression string
	// RowGroupSize caps rows per row group; 0 uses the parquet default.
	RowGroupSize int64
}

// FileWriter writes rows to a single Parquet file on a filesystem,
// filtering each row down to the schema's columns and counting rows and
// bytes as it goes.
type FileWriter struct {
	out      io.WriteCloser
	counting *countingWriter
	pw       *parquet.GenericWriter[map[string]any]
	columns  []string
	rowCount int64
	closed   bool
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewFileWriter creates path on the filesystem and prepares a Parquet
// writer with the given schema.
func NewFileWriter(ctx context.Context, fsys storagefs.FileSystem, path string, schema *parquet.Schema, opts WriterOpts) (*FileWriter, error) {
	wopts, err := WriterOptions(schema, opts.Compression, opts.RowGroupSize)
	if err != nil {
		return nil, err
	}
	wc, err := parquet.NewWriterConfig(wopts...)
	if err != nil {
		return nil, fmt.Errorf("writer config: %w", err)
	}

	out, err := fsys.OpenWrite(ctx, path)
	if err != nil {
		return nil, err
	}
	counting := &countingWriter{w: out}

	columns := make([]string, 0, len(schema.Fields()))
	for _, f := range schema.Fields() {
		columns = append(columns, f.Name())
	}

	return &FileWriter{
		out:      out,
		counting: counting,
		pw:       parquet.NewGenericWriter[map[string]any](counting, wc),
		columns:  columns,
	}, nil
}

// WriteBatch appends rows to the file. Columns outside the schema are
// dropped; columns missing from a row encode as nulls.
func (w *FileWriter) WriteBatch(rows []map[string]any) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	for _, row := range rows {
		filtered := make(map[string]any, len(w.columns))
		for _, c := range w.columns {
			if v, ok := row[c]; ok && v != nil {
				filtered[c] = v
			}
		}
		if _, err := w.pw.Write([]map[string]any{filtered}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		w.rowCount++
	}
	return nil
}

// Close flushes the file and returns the row count and byte size.
func (w *FileWriter) Close() (rows int64, size int64, err error) {
	if w.closed {
		return 0, 0, fmt.Errorf("writer is closed")
	}
	w.closed = true

	if err := w.pw.Close(); err != nil {
		_ = w.out.Close()
		return 0, 0, fmt.Errorf("close parquet writer: %w", err)
	}
	if err := w.out.Close(); err != nil {
		return 0, 0, fmt.Errorf("close output: %w", err)
	}
	return w.rowCount, w.counting.n, nil
}

// Abort closes the underlying output without finalizing the Parquet
// footer. The caller is responsible for removing the partial file.
func (w *FileWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	_ = w.out.Close()
}
