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

// Package metastats reads Parquet footers and produces per-file
// descriptors: row counts and per-column min/max/null-count statistics
// merged across row groups. It never reads row-group data pages.
package metastats

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// maxDefaultWorkers caps the footer-read fan-out when the caller does
// not choose a width.
const maxDefaultWorkers = 8

// DefaultWorkers is the CPU count capped at maxDefaultWorkers.
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n > maxDefaultWorkers {
		n = maxDefaultWorkers
	}
	return n
}

// ColumnStats holds merged footer statistics for one column of one file.
// When HasStats is false the values are meaningless and pruning must
// treat the file as a possible hit for this column.
type ColumnStats struct {
	Min       parquet.Value
	Max       parquet.Value
	NullCount int64
	HasStats  bool
	Type      parquet.Type
}

// FileDescriptor describes one dataset file for planning purposes.
type FileDescriptor struct {
	Path            string
	PartitionValues map[string]string
	RowCount        int64
	RowGroups       int
	SizeBytes       int64
	Columns         map[string]ColumnStats

	// FooterRead is false when the footer could not be parsed; such
	// files are treated as affected downstream.
	FooterRead bool
}

// Stats returns the column stats for name, with HasStats=false when the
// column is unknown or the footer was unreadable.
func (d *FileDescriptor) Stats(name string) ColumnStats {
	if !d.FooterRead {
		return ColumnStats{}
	}
	return d.Columns[name]
}

// Analyze builds descriptors for the given files, fanning footer reads
// out over a bounded worker pool. Unreadable footers are logged and
// produce a descriptor with FooterRead=false rather than an error.
func Analyze(ctx context.Context, fsys storagefs.FileSystem, root string, paths []string, workers int) ([]FileDescriptor, error) {
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	descriptors := make([]FileDescriptor, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			desc, err := analyzeFile(gctx, fsys, path)
			if err != nil {
				slog.Warn("failed to read parquet footer, treating file as affected",
					slog.String("path", path), slog.Any("error", err))
				desc = FileDescriptor{Path: path}
			}
			desc.PartitionValues = hivepath.PartitionValues(path, root)
			descriptors[i] = desc
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return descriptors, nil
}

func analyzeFile(ctx context.Context, fsys storagefs.FileSystem, path string) (FileDescriptor, error) {
	file, err := fsys.OpenRead(ctx, path)
	if err != nil {
		return FileDescriptor{}, err
	}
	defer func() { _ = file.Close() }()

	pf, err := rowio.OpenParquet(file)
	if err != nil {
		return FileDescriptor{}, err
	}

	desc := FileDescriptor{
		Path:       path,
		RowCount:   pf.NumRows(),
		RowGroups:  len(pf.RowGroups()),
		SizeBytes:  file.Size(),
		Columns:    make(map[string]ColumnStats),
		FooterRead: true,
	}

	columnNames := leafColumnNames(pf.Schema())
	for _, rg := range pf.RowGroups() {
		for colIdx, chunk := range rg.ColumnChunks() {
			if colIdx >= len(columnNames) {
				break
			}
			name := columnNames[colIdx]
			stats := chunkStats(chunk)
			desc.Columns[name] = mergeStats(desc.Columns[name], stats, chunk.Type())
		}
	}
	return desc, nil
}

// leafColumnNames returns the top-level name of every leaf column, in
// column order. Nested columns keep their leaf path head; the engine
// only prunes on top-level key columns.
func leafColumnNames(schema *parquet.Schema) []string {
	paths := schema.Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		if len(p) > 0 {
			names[i] = p[0]
		}
	}
	return names
}

// chunkStats extracts min/max/null-count for one column chunk from its
// column index. Missing or unusable indexes produce HasStats=false.
func chunkStats(chunk parquet.ColumnChunk) ColumnStats {
	idx, err := chunk.ColumnIndex()
	if err != nil || idx == nil {
		return ColumnStats{Type: chunk.Type()}
	}

	out := ColumnStats{Type: chunk.Type()}
	typ := chunk.Type()
	for page := 0; page < idx.NumPages(); page++ {
		out.NullCount += idx.NullCount(page)
		if idx.NullPage(page) {
			continue
		}
		minV := idx.MinValue(page)
		maxV := idx.MaxValue(page)
		if minV.IsNull() || maxV.IsNull() {
			// No usable bounds recorded for this page.
			return ColumnStats{Type: chunk.Type(), NullCount: out.NullCount}
		}
		if !out.HasStats {
			out.Min, out.Max = minV, maxV
			out.HasStats = true
			continue
		}
		if typ.Compare(minV, out.Min) < 0 {
			out.Min = minV
		}
		if typ.Compare(maxV, out.Max) > 0 {
			out.Max = maxV
		}
	}
	return out
}

// mergeStats folds a chunk's stats into the running per-file stats. A
// single unreliable chunk makes the whole column unreliable.
func mergeStats(cur, next ColumnStats, typ parquet.Type) ColumnStats {
	if cur.Type == nil {
		return next
	}
	merged := ColumnStats{
		NullCount: cur.NullCount + next.NullCount,
		HasStats:  cur.HasStats && next.HasStats,
		Type:      typ,
	}
	if !merged.HasStats {
		return merged
	}
	merged.Min, merged.Max = cur.Min, cur.Max
	if typ.Compare(next.Min, merged.Min) < 0 {
		merged.Min = next.Min
	}
	if typ.Compare(next.Max, merged.Max) > 0 {
		merged.Max = next.Max
	}
	return merged
}
