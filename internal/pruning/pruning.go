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

// Package pruning narrows the candidate file set for a merge: first by
// matching Hive partition values against the partition combinations
// present in the source, then by a conservative statistics-based
// membership test on the key columns. Files with missing or unreliable
// information are always kept.
package pruning

import (
	"bytes"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/metastats"
)

// ByPartition splits files into those whose partition mapping appears in
// the source combination set and the rest. Files without a partition
// mapping (flat layout) are conservatively treated as candidates. The
// rest is not discarded by the caller: it still has to be scanned for
// keys that would constitute a partition move.
func ByPartition(files []metastats.FileDescriptor, combos mapset.Set[string], partitionColumns []string) (candidates, rest []metastats.FileDescriptor) {
	if len(partitionColumns) == 0 {
		return files, nil
	}
	for _, f := range files {
		if f.PartitionValues == nil || missingAny(f.PartitionValues, partitionColumns) {
			candidates = append(candidates, f)
			continue
		}
		token := hivepath.ComboToken(f.PartitionValues, partitionColumns)
		if combos.Contains(token) {
			candidates = append(candidates, f)
		} else {
			rest = append(rest, f)
		}
	}
	return candidates, rest
}

func missingAny(values map[string]string, columns []string) bool {
	for _, c := range columns {
		if _, ok := values[c]; !ok {
			return true
		}
	}
	return false
}

// ColumnRange is the min/max of the source values for one key column.
type ColumnRange struct {
	Min, Max parquet.Value
}

// SourceRanges computes the per-key-column value range over the source
// rows. Null key values must already have been rejected.
func SourceRanges(rows []map[string]any, keyColumns []string) map[string]ColumnRange {
	ranges := make(map[string]ColumnRange, len(keyColumns))
	for _, col := range keyColumns {
		var r ColumnRange
		var have bool
		for _, row := range rows {
			v := parquet.ValueOf(normalize(row[col]))
			if v.IsNull() {
				continue
			}
			if !have {
				r.Min, r.Max = v, v
				have = true
				continue
			}
			if compareSameKind(v, r.Min) < 0 {
				r.Min = v
			}
			if compareSameKind(v, r.Max) > 0 {
				r.Max = v
			}
		}
		if have {
			ranges[col] = r
		}
	}
	return ranges
}

// normalize widens integer and float values so source ranges use one kind
// per logical type, matching how the engine writes Parquet.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// ByStatistics excludes a file only when every key column has reliable
// footer statistics and its source range is disjoint from the file's
// [min, max]. A file is kept as soon as any key column indicates
// possible membership. Nulls in a target key column never indicate
// membership because source keys are non-null.
func ByStatistics(files []metastats.FileDescriptor, ranges map[string]ColumnRange, keyColumns []string) (kept, pruned []metastats.FileDescriptor) {
	for _, f := range files {
		if canPrune(&f, ranges, keyColumns) {
			pruned = append(pruned, f)
		} else {
			kept = append(kept, f)
		}
	}
	return kept, pruned
}

func canPrune(f *metastats.FileDescriptor, ranges map[string]ColumnRange, keyColumns []string) bool {
	if !f.FooterRead {
		return false
	}
	for _, col := range keyColumns {
		stats := f.Stats(col)
		if !stats.HasStats {
			return false
		}
		r, ok := ranges[col]
		if !ok {
			return false
		}
		if !disjoint(stats, r) {
			return false
		}
	}
	return len(keyColumns) > 0
}

// disjoint reports whether the source range provably misses [min, max].
// A kind mismatch between source values and file statistics makes the
// comparison unsafe, so the file is treated as a possible hit.
func disjoint(stats metastats.ColumnStats, r ColumnRange) bool {
	if r.Min.Kind() != stats.Min.Kind() || r.Max.Kind() != stats.Max.Kind() {
		return false
	}
	typ := stats.Type
	return typ.Compare(r.Max, stats.Min) < 0 || typ.Compare(r.Min, stats.Max) > 0
}

func compareSameKind(a, b parquet.Value) int {
	switch a.Kind() {
	case parquet.Boolean:
		av, bv := 0, 0
		if a.Boolean() {
			av = 1
		}
		if b.Boolean() {
			bv = 1
		}
		return av - bv
	case parquet.Int32:
		return cmp(int64(a.Int32()), int64(b.Int32()))
	case parquet.Int64:
		return cmp(a.Int64(), b.Int64())
	case parquet.Float:
		return cmpFloat(float64(a.Float()), float64(b.Float()))
	case parquet.Double:
		return cmpFloat(a.Double(), b.Double())
	default:
		return bytes.Compare(a.ByteArray(), b.ByteArray())
	}
}

func cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

