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

package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// Table is the immutable source batch handed to Merge: a slice of rows
// keyed by column name. Values are the plain Go types the Parquet layer
// understands (int64, float64, string, bool, []byte and their narrower
// widths).
type Table struct {
	rows []map[string]any
}

// NewTable wraps rows as a source batch. The rows are not copied; the
// caller must not mutate them during a merge.
func NewTable(rows []map[string]any) *Table {
	return &Table{rows: rows}
}

// RowCount returns the number of rows.
func (t *Table) RowCount() int {
	return len(t.rows)
}

// Rows exposes the underlying rows.
func (t *Table) Rows() []map[string]any {
	return t.rows
}

// Columns returns the sorted union of column names over all rows.
func (t *Table) Columns() []string {
	seen := make(map[string]bool)
	for _, row := range t.rows {
		for k := range row {
			seen[k] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// ReadTable loads a Parquet file or dataset directory into a Table. Used
// when the merge source is itself a Parquet dataset.
func ReadTable(ctx context.Context, path string) (*Table, error) {
	fsys, err := storagefs.ForPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return ReadTableFS(ctx, fsys, path)
}

// ReadTableFS is ReadTable with an explicit filesystem collaborator.
func ReadTableFS(ctx context.Context, fsys storagefs.FileSystem, path string) (*Table, error) {
	if hivepath.IsParquet(path) {
		return readTableFiles(ctx, fsys, []string{path})
	}
	paths, err := hivepath.ListDatasetFiles(ctx, fsys, path)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no parquet files under %s", path)
	}
	return readTableFiles(ctx, fsys, paths)
}

func readTableFiles(ctx context.Context, fsys storagefs.FileSystem, paths []string) (*Table, error) {
	var rows []map[string]any
	for _, p := range paths {
		reader, err := rowio.NewBatchReader(ctx, fsys, p, nil, 10_000)
		if err != nil {
			return nil, err
		}
		for {
			batch, err := reader.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = reader.Close()
				return nil, err
			}
			for _, row := range batch {
				clone := make(map[string]any, len(row))
				for k, v := range row {
					clone[k] = v
				}
				rows = append(rows, clone)
			}
		}
		if err := reader.Close(); err != nil {
			return nil, err
		}
	}
	return NewTable(rows), nil
}
