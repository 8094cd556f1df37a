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

import "github.com/cardinalhq/mergerunner/internal/mergeplan"

// Strategy selects the merge semantics: insert, update, or upsert.
type Strategy = mergeplan.Strategy

const (
	StrategyInsert = mergeplan.StrategyInsert
	StrategyUpdate = mergeplan.StrategyUpdate
	StrategyUpsert = mergeplan.StrategyUpsert
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	return mergeplan.ParseStrategy(s)
}

// FileOp tags what happened to a dataset file during a merge.
type FileOp string

const (
	OpRewritten FileOp = "rewritten"
	OpInserted  FileOp = "inserted"
	OpPreserved FileOp = "preserved"
)

// FileResult is the per-file outcome record.
type FileResult struct {
	Path      string `json:"path"`
	RowCount  int64  `json:"row_count"`
	Operation FileOp `json:"operation"`
	// SizeBytes is 0 when the store did not report a size.
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// MergeResult summarizes one merge.
type MergeResult struct {
	Strategy          Strategy `json:"strategy"`
	SourceCount       int64    `json:"source_count"`
	SourceDeduped     int64    `json:"source_deduped"`
	TargetCountBefore int64    `json:"target_count_before"`
	TargetCountAfter  int64    `json:"target_count_after"`
	Inserted          int64    `json:"inserted"`
	Updated           int64    `json:"updated"`

	// Deleted is always 0 for insert, update, and upsert.
	Deleted   int64        `json:"deleted"`
	Discarded int64        `json:"discarded"`
	Files     []FileResult `json:"files"`

	// TrackerTier and TrackerEvictions make the adaptive key tracker's
	// behavior measurable from the result.
	TrackerTier      string `json:"tracker_tier,omitempty"`
	TrackerEvictions int64  `json:"tracker_evictions,omitempty"`
}
