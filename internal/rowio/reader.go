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
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/mergerunner/storagefs"
)

// BatchReader streams rows out of one Parquet file in batches of bounded
// size. When a projection is set only the projected columns are read.
// The batch size may be lowered between batches to react to memory
// pressure.
type BatchReader struct {
	file      storagefs.File
	pf        *parquet.File
	pfr       *parquet.GenericReader[map[string]any]
	batchSize int
	readBuf   []map[string]any
	rowCount  int64
	exhausted bool
	closed    bool
}

// OpenParquet opens the Parquet footer of a storage file.
func OpenParquet(file storagefs.File) (*parquet.File, error) {
	pf, err := parquet.OpenFile(file, file.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	return pf, nil
}

// NewBatchReader opens path on the given filesystem and prepares a
// streaming reader. projection may be nil to read all columns.
func NewBatchReader(ctx context.Context, fsys storagefs.FileSystem, path string, projection []string, batchSize int) (*BatchReader, error) {
	file, err := fsys.OpenRead(ctx, path)
	if err != nil {
		return nil, err
	}

	pf, err := OpenParquet(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	schema := pf.Schema()
	if len(projection) > 0 {
		schema, err = ProjectSchema(pf.Schema(), projection)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	if batchSize <= 0 {
		batchSize = 1000
	}

	r := &BatchReader{
		file:      file,
		pf:        pf,
		pfr:       parquet.NewGenericReader[map[string]any](pf, schema),
		batchSize: batchSize,
	}
	r.growBuffer()
	return r, nil
}

// Schema returns the schema of the underlying file (not the projection).
func (r *BatchReader) Schema() *parquet.Schema {
	return r.pf.Schema()
}

// NumRows returns the total row count recorded in the footer.
func (r *BatchReader) NumRows() int64 {
	return r.pf.NumRows()
}

// SetBatchSize lowers (or raises) the batch size for subsequent Next
// calls. Values below 1 are clamped to 1.
func (r *BatchReader) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	r.batchSize = n
	r.growBuffer()
}

func (r *BatchReader) growBuffer() {
	for len(r.readBuf) < r.batchSize {
		r.readBuf = append(r.readBuf, make(map[string]any))
	}
}

// Next returns the next batch of rows, or io.EOF when the file is
// exhausted. The returned slice is reused by the next call.
func (r *BatchReader) Next(ctx context.Context) ([]map[string]any, error) {
	if r.closed {
		return nil, errors.New("reader is closed")
	}
	if r.exhausted {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := r.readBuf[:r.batchSize]
	for i := range buf {
		for k := range buf[i] {
			delete(buf[i], k)
		}
	}

	n, err := r.pfr.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("parquet read: %w", err)
	}
	if n == 0 {
		r.exhausted = true
		return nil, io.EOF
	}
	if err == io.EOF {
		r.exhausted = true
	}

	r.rowCount += int64(n)
	return buf[:n], nil
}

// TotalRowsReturned returns the number of rows handed out so far.
func (r *BatchReader) TotalRowsReturned() int64 {
	return r.rowCount
}

// Close releases the reader and the underlying file handle.
func (r *BatchReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.pfr != nil {
		err = r.pfr.Close()
		r.pfr = nil
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	r.pf = nil
	return err
}
