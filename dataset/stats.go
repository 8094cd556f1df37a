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
	"fmt"
	"strings"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/metastats"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// FileStat is one file's contribution to dataset statistics.
type FileStat struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	RowCount  int64  `json:"num_rows"`
}

// DatasetStats aggregates file-level statistics for a Parquet dataset.
type DatasetStats struct {
	Files      []FileStat `json:"files"`
	TotalBytes int64      `json:"total_bytes"`
	TotalRows  int64      `json:"total_rows"`
}

// CollectStats walks the dataset at root and returns per-file sizes and
// row counts plus totals. It is metadata-driven: only footers are read.
// partitionFilter optionally restricts the walk to files whose path
// relative to root starts with one of the given prefixes (for example
// "day=2024-01-01").
func CollectStats(ctx context.Context, root string, partitionFilter []string, fsys storagefs.FileSystem) (*DatasetStats, error) {
	if fsys == nil {
		var err error
		fsys, err = storagefs.ForPath(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	root = hivepath.Normalize(root)

	paths, err := hivepath.ListDatasetFiles(ctx, fsys, root)
	if err != nil {
		return nil, err
	}
	if len(partitionFilter) > 0 {
		paths = filterByPrefix(paths, root, partitionFilter)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no parquet files under %s", root)
	}

	descriptors, err := metastats.Analyze(ctx, fsys, root, paths, 0)
	if err != nil {
		return nil, err
	}

	stats := &DatasetStats{Files: make([]FileStat, 0, len(descriptors))}
	for _, d := range descriptors {
		stats.Files = append(stats.Files, FileStat{Path: d.Path, SizeBytes: d.SizeBytes, RowCount: d.RowCount})
		stats.TotalBytes += d.SizeBytes
		stats.TotalRows += d.RowCount
	}
	return stats, nil
}

func filterByPrefix(paths []string, root string, prefixes []string) []string {
	rootPrefix := strings.TrimSuffix(root, "/") + "/"
	var out []string
	for _, p := range paths {
		rel := strings.TrimPrefix(p, rootPrefix)
		for _, prefix := range prefixes {
			if strings.HasPrefix(rel, prefix) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
