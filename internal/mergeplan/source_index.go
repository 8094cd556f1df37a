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

// Package mergeplan builds the per-merge source index and the rewrite
// plan: which target files are affected, which are preserved, and how
// source rows partition into rewrite substitutions and new-file emits.
package mergeplan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/axiomhq/hyperloglog"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/keytracker"
)

// SourceIndex is the deduplicated, key-indexed view of the source batch
// built once per merge. Deduplication is last-write-wins by key; the
// surviving row keeps the position of the key's first occurrence so
// output ordering stays deterministic.
type SourceIndex struct {
	KeyColumns       []string
	PartitionColumns []string

	// Rows are the deduped source rows; Keys is aligned with Rows.
	Rows []map[string]any
	Keys []keytracker.Key128

	// Combos holds the distinct partition-value combinations present in
	// the source, as canonical tokens. Empty when no partition columns
	// are declared.
	Combos mapset.Set[string]

	// KeyEstimate is the HyperLogLog estimate of distinct source keys,
	// used to size the adaptive tracker.
	KeyEstimate uint64

	// DedupDropped counts source rows displaced by a later row with the
	// same key.
	DedupDropped int64

	byKey map[keytracker.Key128]int
}

// BuildSourceIndex encodes each row's key, deduplicates last-write-wins,
// collects partition combinations, and estimates key cardinality. Rows
// with null key columns are an encoding error; callers validate nulls
// before building the index.
func BuildSourceIndex(rows []map[string]any, keyColumns, partitionColumns []string) (*SourceIndex, error) {
	idx := &SourceIndex{
		KeyColumns:       keyColumns,
		PartitionColumns: partitionColumns,
		Combos:           mapset.NewThreadUnsafeSet[string](),
		byKey:            make(map[keytracker.Key128]int, len(rows)),
	}

	enc := keytracker.NewEncoder(keyColumns)
	sketch := hyperloglog.New14()

	for _, row := range rows {
		key, err := enc.EncodeRow(row)
		if err != nil {
			return nil, err
		}
		sketch.Insert(enc.Bytes())

		if pos, ok := idx.byKey[key]; ok {
			idx.Rows[pos] = row
			idx.DedupDropped++
			continue
		}
		idx.byKey[key] = len(idx.Rows)
		idx.Rows = append(idx.Rows, row)
		idx.Keys = append(idx.Keys, key)
	}

	if len(partitionColumns) > 0 {
		for _, row := range idx.Rows {
			values, err := partitionValuesOf(row, partitionColumns)
			if err != nil {
				return nil, err
			}
			idx.Combos.Add(hivepath.ComboToken(values, partitionColumns))
		}
	}

	idx.KeyEstimate = sketch.Estimate()
	return idx, nil
}

// Lookup returns the deduped row position for a key.
func (s *SourceIndex) Lookup(k keytracker.Key128) (int, bool) {
	pos, ok := s.byKey[k]
	return pos, ok
}

// RowCount returns the deduped row count.
func (s *SourceIndex) RowCount() int {
	return len(s.Rows)
}

// PartitionValuesOf returns the partition-value tokens of the row at
// position pos.
func (s *SourceIndex) PartitionValuesOf(pos int) (map[string]string, error) {
	return partitionValuesOf(s.Rows[pos], s.PartitionColumns)
}

// partitionValuesOf renders the partition column values of a row as path
// tokens, the same formatting used for Hive directory names.
func partitionValuesOf(row map[string]any, columns []string) (map[string]string, error) {
	values := make(map[string]string, len(columns))
	for _, col := range columns {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, fmt.Errorf("partition column %q is null", col)
		}
		values[col] = PartitionToken(v)
	}
	return values, nil
}

// PartitionToken renders a partition value the way it appears in a Hive
// path segment.
func PartitionToken(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}
