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

// Package hivepath parses Hive-style partition segments out of dataset
// file paths and enumerates the Parquet files of a dataset root.
package hivepath

import (
	"context"
	"sort"
	"strings"

	"github.com/cardinalhq/mergerunner/storagefs"
)

const (
	parquetExtension = ".parquet"

	// StagingPrefix marks in-flight output directories; their contents
	// are never part of the dataset.
	StagingPrefix = ".staging-"
)

// Normalize rewrites backslash separators to forward slashes. The
// authority component of a protocol-qualified path is preserved; only the
// path portion is touched.
func Normalize(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}

// splitScheme returns the "scheme://authority" prefix (possibly empty) and
// the path portion.
func splitScheme(path string) (prefix, rest string) {
	idx := strings.Index(path, "://")
	if idx < 0 {
		return "", path
	}
	rest = path[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return path, ""
	}
	return path[:idx+3+slash], rest[slash:]
}

// IsParquet reports whether the path names a Parquet file.
func IsParquet(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), parquetExtension)
}

// PartitionValues walks the path segments between root and the file name
// looking for key=value tokens, and returns them as a column-to-value map.
// Segments that are not key=value tokens are skipped. Returns nil when the
// file sits directly under the root (flat layout).
func PartitionValues(path, root string) map[string]string {
	rel := relativeTo(Normalize(path), Normalize(root))
	segments := strings.Split(rel, "/")
	if len(segments) <= 1 {
		return nil
	}

	var values map[string]string
	for _, seg := range segments[:len(segments)-1] {
		eq := strings.IndexByte(seg, '=')
		if eq <= 0 {
			continue
		}
		if values == nil {
			values = make(map[string]string)
		}
		values[seg[:eq]] = seg[eq+1:]
	}
	return values
}

// relativeTo strips root (and a leading slash) from path. When path does
// not live under root it is returned unchanged minus its scheme prefix.
func relativeTo(path, root string) string {
	_, p := splitScheme(path)
	_, r := splitScheme(root)
	r = strings.TrimSuffix(r, "/")
	if r != "" && strings.HasPrefix(p, r+"/") {
		return p[len(r)+1:]
	}
	return strings.TrimPrefix(p, "/")
}

// PartitionDir builds the Hive subdirectory for the given partition
// values, in the declared column order: "col1=v1/col2=v2". Returns ""
// when no partition columns are declared.
func PartitionDir(values map[string]string, columns []string) string {
	if len(columns) == 0 {
		return ""
	}
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, col+"="+values[col])
	}
	return strings.Join(parts, "/")
}

// ComboToken canonicalizes a partition-value mapping to a single
// comparable token, using the declared column order.
func ComboToken(values map[string]string, columns []string) string {
	return PartitionDir(values, columns)
}

// Join concatenates path elements with "/", without collapsing the
// authority of a protocol-qualified base.
func Join(base string, elems ...string) string {
	out := strings.TrimSuffix(base, "/")
	for _, e := range elems {
		if e == "" {
			continue
		}
		out += "/" + strings.Trim(e, "/")
	}
	return out
}

// ListDatasetFiles enumerates the Parquet files under root, in
// lexicographic order by full path so downstream planning is
// deterministic.
func ListDatasetFiles(ctx context.Context, fsys storagefs.FileSystem, root string) ([]string, error) {
	all, err := fsys.List(ctx, root)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(all))
	for _, p := range all {
		if IsParquet(p) && !strings.Contains(p, "/"+StagingPrefix) {
			files = append(files, Normalize(p))
		}
	}
	sort.Strings(files)
	return files, nil
}
