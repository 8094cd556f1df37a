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
	"errors"

	"github.com/cardinalhq/mergerunner/internal/merge"
	"github.com/cardinalhq/mergerunner/internal/staging"
)

// Sentinel error kinds. Validation errors are returned before any IO on
// the target; none of them are recoverable by the engine.
var (
	// ErrInvalidArgument reports bad options or inputs, such as an empty
	// key list for insert or an unknown compression codec.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCancelled is returned when the caller's context is cancelled.
	// The original dataset is unchanged and staging has been removed.
	ErrCancelled = errors.New("merge cancelled")

	// ErrMemoryBudgetExceeded is returned when memory pressure reached
	// emergency during a rewrite.
	ErrMemoryBudgetExceeded = merge.ErrMemoryBudget
)

// Typed validation and promotion errors, matchable with errors.As.
type (
	// NullKeyError: a source key column contains a null.
	NullKeyError = merge.NullKeyError

	// EmptyKeyColumnsError: no key columns declared for update or upsert.
	EmptyKeyColumnsError = merge.EmptyKeyColumnsError

	// SchemaError: source and target schemas are incompatible.
	SchemaError = merge.SchemaError

	// PartitionMoveError: a key exists in both source and target with
	// different partition values.
	PartitionMoveError = merge.PartitionMoveError

	// PartialPromotionError: some promotion renames succeeded and some
	// did not. The engine cannot reconcile this; the completed and
	// pending operation sets are included for operators.
	PartialPromotionError = staging.PartialPromotionError
)
