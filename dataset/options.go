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
	"fmt"

	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// Defaults applied by MergeOptions.withDefaults.
const (
	DefaultMaxRowsPerFile = 5_000_000
	DefaultRowGroupSize   = 500_000
	DefaultChunkRows      = 10_000
)

// MergeOptions is the explicit options record for Merge. The zero value
// is valid and uses the documented defaults.
type MergeOptions struct {
	// Compression names the output codec: snappy (default), zstd, gzip,
	// or uncompressed.
	Compression string

	// MaxRowsPerFile caps rows per emitted new file.
	MaxRowsPerFile int64

	// RowGroupSize caps rows per Parquet row group.
	RowGroupSize int64

	// MergeChunkSizeRows bounds the streaming batch size during rewrite
	// and confirmation scans.
	MergeChunkSizeRows int

	// Memory limits for the pressure probe. Zero disables a limit.
	MaxAllocatorBytes       uint64
	MaxProcessBytes         uint64
	MinSystemAvailableBytes uint64

	// ProgressCallback, when set, receives (processed_rows, total_rows)
	// as the merge advances; processed_rows is non-decreasing and equals
	// total_rows on completion.
	ProgressCallback func(processedRows, totalRows int64)

	// MetadataWorkers and ScanWorkers bound the footer-read and
	// key-column-scan fan-out. Zero uses the defaults.
	MetadataWorkers int
	ScanWorkers     int

	// Tracker tier thresholds and false-positive rate. Zero values use
	// the documented defaults.
	TrackerExactLimit uint64
	TrackerLRULimit   uint64
	TrackerFPR        float64

	// StrictTracker fails the merge with ErrMemoryBudgetExceeded when
	// the LRU applied-key tier dropped marks, instead of warning.
	StrictTracker bool

	// MaterializePartitionColumns would store partition columns inside
	// the Parquet files instead of only in the path. Not supported;
	// setting it is an error rather than a silent guess.
	MaterializePartitionColumns bool

	// FileSystem overrides the filesystem collaborator. When nil it is
	// selected from the target path scheme.
	FileSystem storagefs.FileSystem
}

func (o *MergeOptions) validate() error {
	if _, err := rowio.Codec(o.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if o.MaxRowsPerFile < 0 || o.RowGroupSize < 0 || o.MergeChunkSizeRows < 0 {
		return fmt.Errorf("%w: size options must not be negative", ErrInvalidArgument)
	}
	if o.TrackerFPR < 0 || o.TrackerFPR >= 1 {
		return fmt.Errorf("%w: tracker false-positive rate must be in [0, 1)", ErrInvalidArgument)
	}
	if o.MaterializePartitionColumns {
		return fmt.Errorf("%w: materialized partition columns are not supported; partition values are path-only", ErrInvalidArgument)
	}
	return nil
}

func (o MergeOptions) withDefaults() MergeOptions {
	if o.MaxRowsPerFile == 0 {
		o.MaxRowsPerFile = DefaultMaxRowsPerFile
	}
	if o.RowGroupSize == 0 {
		o.RowGroupSize = DefaultRowGroupSize
	}
	if o.MergeChunkSizeRows == 0 {
		o.MergeChunkSizeRows = DefaultChunkRows
	}
	if o.RowGroupSize > o.MaxRowsPerFile {
		o.RowGroupSize = o.MaxRowsPerFile
	}
	return o
}
