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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectStats(t *testing.T) {
	root := seedTwoDayDataset(t)

	stats, err := CollectStats(context.Background(), root, nil, nil)
	require.NoError(t, err)

	require.Len(t, stats.Files, 2)
	assert.EqualValues(t, 3, stats.TotalRows)
	assert.Positive(t, stats.TotalBytes)
	for _, f := range stats.Files {
		assert.Positive(t, f.SizeBytes)
		assert.Positive(t, f.RowCount)
	}
}

func TestCollectStatsPartitionFilter(t *testing.T) {
	root := seedTwoDayDataset(t)

	stats, err := CollectStats(context.Background(), root, []string{"day=2024-01-02"}, nil)
	require.NoError(t, err)

	require.Len(t, stats.Files, 1)
	assert.EqualValues(t, 1, stats.TotalRows)
}

func TestCollectStatsNoFiles(t *testing.T) {
	_, err := CollectStats(context.Background(), t.TempDir(), nil, nil)
	assert.Error(t, err)
}
