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

import "fmt"

// Strategy selects the merge semantics. It is a tagged choice, not a
// plugin surface.
type Strategy string

const (
	// StrategyInsert writes only source rows whose keys are absent from
	// the target; matched keys are discarded.
	StrategyInsert Strategy = "insert"
	// StrategyUpdate replaces matched target rows; source rows with
	// unmatched keys are discarded.
	StrategyUpdate Strategy = "update"
	// StrategyUpsert replaces matched target rows and writes unmatched
	// source rows as new files.
	StrategyUpsert Strategy = "upsert"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyInsert, StrategyUpdate, StrategyUpsert:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("invalid strategy %q (supported: insert, update, upsert)", s)
}

// RewritesMatches reports whether matched target rows are replaced.
func (s Strategy) RewritesMatches() bool {
	return s == StrategyUpdate || s == StrategyUpsert
}

// InsertsNew reports whether unmatched source rows become new files.
func (s Strategy) InsertsNew() bool {
	return s == StrategyInsert || s == StrategyUpsert
}
