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
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/mergerunner/internal/keytracker"
	"github.com/cardinalhq/mergerunner/internal/memprobe"
	"github.com/cardinalhq/mergerunner/internal/mergeplan"
	"github.com/cardinalhq/mergerunner/internal/metastats"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/internal/staging"
	"github.com/cardinalhq/mergerunner/storagefs"
)

func writeParquet(t *testing.T, path string, rows []map[string]any) {
	t.Helper()
	ctx := context.Background()
	fsys := storagefs.NewLocal()

	nodes, err := rowio.NodesFromRows(rows)
	require.NoError(t, err)
	schema := rowio.SchemaFromNodes("test", nodes)

	w, err := rowio.NewFileWriter(ctx, fsys, path, schema, rowio.WriterOpts{})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(rows))
	_, _, err = w.Close()
	require.NoError(t, err)
}

func readRows(t *testing.T, path string) []map[string]any {
	t.Helper()
	ctx := context.Background()
	r, err := rowio.NewBatchReader(ctx, storagefs.NewLocal(), path, nil, 100)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	var out []map[string]any
	for {
		batch, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		for _, row := range batch {
			clone := make(map[string]any, len(row))
			for k, v := range row {
				clone[k] = v
			}
			out = append(out, clone)
		}
	}
}

func analyzeOne(t *testing.T, root, path string) metastats.FileDescriptor {
	t.Helper()
	descs, err := metastats.Analyze(context.Background(), storagefs.NewLocal(), root, []string{path}, 0)
	require.NoError(t, err)
	require.Len(t, descs, 1)
	return descs[0]
}

func TestRewritePreservesOrderAndReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	root := t.TempDir()
	path := filepath.Join(root, "f.parquet")
	writeParquet(t, path, []map[string]any{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
		{"id": int64(3), "v": "c"},
	})

	index, err := mergeplan.BuildSourceIndex([]map[string]any{
		{"id": int64(2), "v": "B"},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	session := staging.NewSession(fsys, root)
	m := NewMerger(fsys, session, index, Config{Strategy: mergeplan.StrategyUpsert, ChunkRows: 2})
	m.SetTotalRows(3 + 1)

	outputs, err := m.RewriteFiles(ctx, []metastats.FileDescriptor{analyzeOne(t, root, path)})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, path, outputs[0].TargetPath)
	assert.EqualValues(t, 3, outputs[0].RowCount)

	require.NoError(t, session.Promote(ctx))

	rows := readRows(t, path)
	require.Len(t, rows, 3)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.Equal(t, "a", rows[0]["v"])
	assert.Equal(t, "B", rows[1]["v"], "matched row replaced in place")
	assert.Equal(t, "c", rows[2]["v"])

	updated, _, _ := m.Counts()
	assert.EqualValues(t, 1, updated)
}

func TestInsertStrategyPassesThroughMatches(t *testing.T) {
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	root := t.TempDir()
	path := filepath.Join(root, "f.parquet")
	writeParquet(t, path, []map[string]any{{"id": int64(1), "v": "orig"}})

	index, err := mergeplan.BuildSourceIndex([]map[string]any{
		{"id": int64(1), "v": "IGNORED"},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	session := staging.NewSession(fsys, root)
	m := NewMerger(fsys, session, index, Config{Strategy: mergeplan.StrategyInsert, ChunkRows: 10})
	m.SetTotalRows(1)

	outputs, err := m.RewriteFiles(ctx, []metastats.FileDescriptor{analyzeOne(t, root, path)})
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	require.NoError(t, session.Promote(ctx))
	rows := readRows(t, path)
	assert.Equal(t, "orig", rows[0]["v"])
	updated, _, _ := m.Counts()
	assert.EqualValues(t, 0, updated)
}

func TestEmitNewFilesGroupsByPartition(t *testing.T) {
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	root := t.TempDir()

	index, err := mergeplan.BuildSourceIndex([]map[string]any{
		{"id": int64(1), "day": "2024-01-01", "v": "a"},
		{"id": int64(2), "day": "2024-01-02", "v": "b"},
		{"id": int64(3), "day": "2024-01-01", "v": "c"},
	}, []string{"id"}, []string{"day"})
	require.NoError(t, err)

	session := staging.NewSession(fsys, root)
	m := NewMerger(fsys, session, index, Config{Strategy: mergeplan.StrategyUpsert, ChunkRows: 10})
	m.SetTotalRows(3)

	outputs, err := m.EmitNewFiles(ctx)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	require.NoError(t, session.Promote(ctx))

	day1 := readRows(t, outputs[0].TargetPath)
	assert.Len(t, day1, 2)
	// Partition values are path-only, not materialized in the file.
	assert.NotContains(t, day1[0], "day")

	_, inserted, _ := m.Counts()
	assert.EqualValues(t, 3, inserted)
}

func TestEmergencyPressureAborts(t *testing.T) {
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	root := t.TempDir()
	path := filepath.Join(root, "f.parquet")
	writeParquet(t, path, []map[string]any{{"id": int64(1), "v": "a"}})

	index, err := mergeplan.BuildSourceIndex([]map[string]any{
		{"id": int64(1), "v": "A"},
	}, []string{"id"}, nil)
	require.NoError(t, err)

	probe := memprobe.NewWithSampler(memprobe.Limits{MaxAllocatorBytes: 100}, func() memprobe.Status {
		return memprobe.Status{AllocatedBytes: 1000}
	})

	session := staging.NewSession(fsys, root)
	m := NewMerger(fsys, session, index, Config{
		Strategy:  mergeplan.StrategyUpsert,
		ChunkRows: 10,
		Probe:     probe,
	})

	_, err = m.RewriteFiles(ctx, []metastats.FileDescriptor{analyzeOne(t, root, path)})
	assert.ErrorIs(t, err, ErrMemoryBudget)
}

func TestWarningPressureShrinksChunk(t *testing.T) {
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	root := t.TempDir()
	path := filepath.Join(root, "f.parquet")

	rows := make([]map[string]any, 200)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i)}
	}
	writeParquet(t, path, rows)

	probe := memprobe.NewWithSampler(memprobe.Limits{MaxAllocatorBytes: 1000}, func() memprobe.Status {
		return memprobe.Status{AllocatedBytes: 850}
	})

	index, err := mergeplan.BuildSourceIndex([]map[string]any{{"id": int64(0)}}, []string{"id"}, nil)
	require.NoError(t, err)

	session := staging.NewSession(fsys, root)
	m := NewMerger(fsys, session, index, Config{
		Strategy:  mergeplan.StrategyUpdate,
		ChunkRows: 100,
		Probe:     probe,
	})

	_, err = m.RewriteFiles(ctx, []metastats.FileDescriptor{analyzeOne(t, root, path)})
	require.NoError(t, err)
	assert.Less(t, m.chunkRows, 100, "warning pressure halves the chunk size")
}

func TestStrictTrackerEvictionFails(t *testing.T) {
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	root := t.TempDir()
	path := filepath.Join(root, "f.parquet")

	const n = 60
	rows := make([]map[string]any, n)
	src := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i), "v": "t"}
		src[i] = map[string]any{"id": int64(i), "v": "s"}
	}
	writeParquet(t, path, rows)

	index, err := mergeplan.BuildSourceIndex(src, []string{"id"}, nil)
	require.NoError(t, err)

	session := staging.NewSession(fsys, root)
	m := NewMerger(fsys, session, index, Config{
		Strategy:  mergeplan.StrategyUpdate,
		ChunkRows: 10,
		// Thresholds that push a ~60-key source into the LRU tier with a
		// capacity small enough to evict.
		Tracker:       keytracker.Config{ExactLimit: 10, LRULimit: 100, LRUCapacity: 20},
		StrictTracker: true,
	})

	_, err = m.RewriteFiles(ctx, []metastats.FileDescriptor{analyzeOne(t, root, path)})
	assert.ErrorIs(t, err, ErrMemoryBudget)
}
