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

package mergeplan

import (
	"sort"

	"github.com/cardinalhq/mergerunner/internal/metastats"
)

// Plan partitions the dataset file set for one merge. Affected files will
// be rewritten; preserved files are untouched.
type Plan struct {
	Affected  []metastats.FileDescriptor
	Preserved []metastats.FileDescriptor

	// AffectedRowCount is the total row count inside affected files, used
	// for progress reporting.
	AffectedRowCount int64
}

// Build assembles the plan from the full descriptor list and the set of
// affected paths confirmed by the key-column scan. Both slices come out
// ordered by path so downstream work is deterministic.
func Build(all []metastats.FileDescriptor, affectedPaths map[string]bool) Plan {
	var plan Plan
	for _, f := range all {
		if affectedPaths[f.Path] {
			plan.Affected = append(plan.Affected, f)
			plan.AffectedRowCount += f.RowCount
		} else {
			plan.Preserved = append(plan.Preserved, f)
		}
	}
	sort.Slice(plan.Affected, func(i, j int) bool { return plan.Affected[i].Path < plan.Affected[j].Path })
	sort.Slice(plan.Preserved, func(i, j int) bool { return plan.Preserved[i].Path < plan.Preserved[j].Path })
	return plan
}
