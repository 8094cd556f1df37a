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
	"errors"
	"fmt"
)

// ErrMemoryBudget is returned when the memory probe reports emergency
// pressure during a rewrite, or when StrictTracker is set and the
// applied-key tracker dropped marks.
var ErrMemoryBudget = errors.New("memory budget exceeded")

// NullKeyError reports a null value in a source key column. No writes
// have happened when it is returned.
type NullKeyError struct {
	Column string
}

func (e *NullKeyError) Error() string {
	return fmt.Sprintf("key column %q contains null values in source", e.Column)
}

// EmptyKeyColumnsError reports a merge without declared key columns.
type EmptyKeyColumnsError struct {
	Strategy string
}

func (e *EmptyKeyColumnsError) Error() string {
	return fmt.Sprintf("strategy %q requires at least one key column", e.Strategy)
}

// SchemaError reports incompatible source and target schemas.
type SchemaError struct {
	Msg string
}

func (e *SchemaError) Error() string {
	return "schema mismatch: " + e.Msg
}

// PartitionMoveError reports a key present in both source and target
// whose partition values differ. Partitions are immutable per key; no
// writes have happened when it is returned.
type PartitionMoveError struct {
	Column      string
	SourceValue string
	TargetValue string
	Path        string
}

func (e *PartitionMoveError) Error() string {
	return fmt.Sprintf("partition column %q would move from %q (in %s) to %q; partitions are immutable per key",
		e.Column, e.TargetValue, e.Path, e.SourceValue)
}
