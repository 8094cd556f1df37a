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

package merge

import (
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/mergerunner/internal/confirm"
	"github.com/cardinalhq/mergerunner/internal/keytracker"
	"github.com/cardinalhq/mergerunner/internal/mergeplan"
	"github.com/cardinalhq/mergerunner/internal/metastats"
)

// ValidateKeyColumns rejects merges without key columns.
func ValidateKeyColumns(strategy mergeplan.Strategy, keyColumns []string) error {
	if len(keyColumns) == 0 {
		return &EmptyKeyColumnsError{Strategy: string(strategy)}
	}
	return nil
}

// ValidateNullKeys scans the source rows for nulls in key columns. It
// runs before any IO on the target.
func ValidateNullKeys(rows []map[string]any, keyColumns []string) error {
	for _, col := range keyColumns {
		for _, row := range rows {
			if v, ok := row[col]; !ok || v == nil {
				return &NullKeyError{Column: col}
			}
		}
	}
	return nil
}

// ValidateSchema checks that the target file schema and the source
// schema agree: every non-partition target column must exist in the
// source with an assignable type, and every non-partition source column
// must exist in the target. A source column whose values are all null
// carries no type and is assignable to anything. Partition columns are
// path-encoded and never stored in files.
func ValidateSchema(sourceColumns []string, sourceNodes map[string]parquet.Node, targetSchema *parquet.Schema, partitionColumns []string) error {
	partition := make(map[string]bool, len(partitionColumns))
	for _, c := range partitionColumns {
		partition[c] = true
	}
	sourceSet := make(map[string]bool, len(sourceColumns))
	for _, c := range sourceColumns {
		sourceSet[c] = true
	}

	targetFields := make(map[string]parquet.Node)
	for _, f := range targetSchema.Fields() {
		targetFields[f.Name()] = f
	}

	for name, node := range targetFields {
		if partition[name] {
			continue
		}
		if !sourceSet[name] {
			return &SchemaError{Msg: fmt.Sprintf("target column %q missing from source", name)}
		}
		srcNode, ok := sourceNodes[name]
		if !ok {
			// All-null source column; writes nulls into any type.
			continue
		}
		if !typesAssignable(srcNode, node) {
			return &SchemaError{Msg: fmt.Sprintf("column %q has incompatible types", name)}
		}
	}

	for name := range sourceSet {
		if partition[name] {
			continue
		}
		if _, ok := targetFields[name]; !ok {
			return &SchemaError{Msg: fmt.Sprintf("source column %q missing from target", name)}
		}
	}
	return nil
}

// typesAssignable reports whether a source leaf type can be written into
// a target column. Integer widths are interchangeable, as are the two
// float widths; everything else must match kinds exactly.
func typesAssignable(src, dst parquet.Node) bool {
	if !src.Leaf() || !dst.Leaf() {
		return false
	}
	sk := src.Type().Kind()
	dk := dst.Type().Kind()
	if sk == dk {
		return true
	}
	return (isIntKind(sk) && isIntKind(dk)) || (isFloatKind(sk) && isFloatKind(dk))
}

func isIntKind(k parquet.Kind) bool {
	return k == parquet.Int32 || k == parquet.Int64
}

func isFloatKind(k parquet.Kind) bool {
	return k == parquet.Float || k == parquet.Double
}

// PartitionGuard returns a confirmation match callback that rejects
// partition moves: for every matched key, the source row's partition
// values must equal the file's partition values. Files without a
// partition mapping (flat layout) are exempt.
func PartitionGuard(index *mergeplan.SourceIndex) confirm.MatchFunc {
	return func(file *metastats.FileDescriptor, key keytracker.Key128) error {
		if file.PartitionValues == nil {
			return nil
		}
		pos, ok := index.Lookup(key)
		if !ok {
			return nil
		}
		sourceValues, err := index.PartitionValuesOf(pos)
		if err != nil {
			return err
		}
		for _, col := range index.PartitionColumns {
			targetValue, ok := file.PartitionValues[col]
			if !ok {
				continue
			}
			if sourceValues[col] != targetValue {
				return &PartitionMoveError{
					Column:      col,
					SourceValue: sourceValues[col],
					TargetValue: targetValue,
					Path:        file.Path,
				}
			}
		}
		return nil
	}
}
