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
	"crypto/sha256"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// writeTargetFile creates one dataset file under root at the given
// relative path. Partition values live only in the path, matching Hive
// conventions.
func writeTargetFile(t *testing.T, root, rel string, rows []map[string]any) string {
	t.Helper()
	ctx := context.Background()
	fsys := storagefs.NewLocal()
	path := filepath.Join(root, rel)

	nodes, err := rowio.NodesFromRows(rows)
	require.NoError(t, err)
	schema := rowio.SchemaFromNodes("test", nodes)

	w, err := rowio.NewFileWriter(ctx, fsys, path, schema, rowio.WriterOpts{})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(rows))
	_, _, err = w.Close()
	require.NoError(t, err)
	return path
}

// readDataset loads every row of every file, annotated with the file's
// partition values from the path.
func readDataset(t *testing.T, root string) []map[string]any {
	t.Helper()
	ctx := context.Background()
	fsys := storagefs.NewLocal()

	paths, err := hivepath.ListDatasetFiles(ctx, fsys, root)
	require.NoError(t, err)

	var rows []map[string]any
	for _, p := range paths {
		table, err := ReadTableFS(ctx, fsys, p)
		require.NoError(t, err)
		partitions := hivepath.PartitionValues(p, root)
		for _, row := range table.Rows() {
			for k, v := range partitions {
				row[k] = v
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func rowsByID(t *testing.T, rows []map[string]any) map[int64]map[string]any {
	t.Helper()
	out := make(map[int64]map[string]any, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(int64)
		require.True(t, ok, "row has no int64 id: %v", row)
		out[id] = row
	}
	return out
}

func hashDataset(t *testing.T, root string) map[string][32]byte {
	t.Helper()
	hashes := make(map[string][32]byte)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		hashes[path] = sha256.Sum256(data)
		return nil
	})
	require.NoError(t, err)
	return hashes
}

// seedTwoDayDataset builds the target used by the literal scenarios:
// day=2024-01-01 holds ids 1 and 2, day=2024-01-02 holds id 3.
func seedTwoDayDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTargetFile(t, root, "day=2024-01-01/part-00000-aaaa.parquet", []map[string]any{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
	})
	writeTargetFile(t, root, "day=2024-01-02/part-00000-bbbb.parquet", []map[string]any{
		{"id": int64(3), "v": "c"},
	})
	return root
}

func TestUpsertRewritesAndInsertsAcrossPartitions(t *testing.T) {
	root := seedTwoDayDataset(t)

	source := NewTable([]map[string]any{
		{"id": int64(2), "day": "2024-01-01", "v": "B"},
		{"id": int64(4), "day": "2024-01-02", "v": "D"},
	})

	result, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, result.Inserted)
	assert.EqualValues(t, 1, result.Updated)
	assert.EqualValues(t, 0, result.Deleted)
	assert.EqualValues(t, 3, result.TargetCountBefore)
	assert.EqualValues(t, 4, result.TargetCountAfter)

	rows := rowsByID(t, readDataset(t, root))
	require.Len(t, rows, 4)
	assert.Equal(t, "a", rows[1]["v"])
	assert.Equal(t, "B", rows[2]["v"])
	assert.Equal(t, "2024-01-01", rows[2]["day"])
	assert.Equal(t, "c", rows[3]["v"])
	assert.Equal(t, "D", rows[4]["v"])
	assert.Equal(t, "2024-01-02", rows[4]["day"])

	var ops []string
	for _, f := range result.Files {
		ops = append(ops, string(f.Operation))
	}
	sort.Strings(ops)
	assert.Equal(t, []string{"inserted", "preserved", "rewritten"}, ops)

	// No staging leftovers.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging-"))
	}
}

func TestUpsertPartitionMoveRejected(t *testing.T) {
	root := seedTwoDayDataset(t)
	before := hashDataset(t, root)

	source := NewTable([]map[string]any{
		{"id": int64(2), "day": "2024-01-02", "v": "X"},
	})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	var moveErr *PartitionMoveError
	require.ErrorAs(t, err, &moveErr)
	assert.Equal(t, "day", moveErr.Column)

	assert.Equal(t, before, hashDataset(t, root), "no writes on validation failure")
}

func TestUpsertNullPartitionValueRejected(t *testing.T) {
	root := seedTwoDayDataset(t)
	before := hashDataset(t, root)

	source := NewTable([]map[string]any{
		{"id": int64(1), "day": nil, "v": "z"},
	})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	var nullErr *NullKeyError
	require.ErrorAs(t, err, &nullErr)
	assert.Equal(t, before, hashDataset(t, root))
}

func TestNullKeyRejected(t *testing.T) {
	root := seedTwoDayDataset(t)

	source := NewTable([]map[string]any{
		{"id": nil, "v": "z"},
	})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, nil, MergeOptions{})
	var nullErr *NullKeyError
	require.ErrorAs(t, err, &nullErr)
	assert.Equal(t, "id", nullErr.Column)
}

func TestUpdateRewritesSingleFile(t *testing.T) {
	root := t.TempDir()
	const n = 10_000
	rows := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, map[string]any{"id": int64(i), "v": "orig"})
	}
	writeTargetFile(t, root, "part-00000-cccc.parquet", rows)

	var sourceRows []map[string]any
	for i := int64(5000); i <= 5010; i++ {
		sourceRows = append(sourceRows, map[string]any{"id": i, "v": "updated"})
	}

	result, err := Merge(context.Background(), NewTable(sourceRows), root, StrategyUpdate, []string{"id"}, nil, MergeOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 0, result.Inserted)
	assert.EqualValues(t, 11, result.Updated)
	assert.EqualValues(t, n, result.TargetCountBefore)
	assert.EqualValues(t, n, result.TargetCountAfter)

	rewrittenCount := 0
	for _, f := range result.Files {
		if f.Operation == OpRewritten {
			rewrittenCount++
		}
	}
	assert.Equal(t, 1, rewrittenCount)

	got := rowsByID(t, readDataset(t, root))
	require.Len(t, got, n)
	assert.Equal(t, "updated", got[5005]["v"])
	assert.Equal(t, "orig", got[4999]["v"])
	assert.Equal(t, "orig", got[5011]["v"])
}

func TestUpdateDiscardsUnmatchedSourceRows(t *testing.T) {
	root := seedTwoDayDataset(t)

	source := NewTable([]map[string]any{
		{"id": int64(1), "day": "2024-01-01", "v": "A"},
		{"id": int64(99), "day": "2024-01-01", "v": "new"},
	})

	result, err := Merge(context.Background(), source, root, StrategyUpdate, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 0, result.Inserted)
	assert.EqualValues(t, 1, result.Updated)
	assert.EqualValues(t, 1, result.Discarded)

	got := rowsByID(t, readDataset(t, root))
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[1]["v"])
	assert.NotContains(t, got, int64(99))
}

func TestUpsertIntoEmptyTargetWithDedup(t *testing.T) {
	root := t.TempDir()

	source := NewTable([]map[string]any{
		{"id": int64(1), "v": "a"},
		{"id": int64(1), "v": "b"},
	})

	result, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, nil, MergeOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, result.Inserted)
	assert.EqualValues(t, 0, result.Updated)
	assert.EqualValues(t, 1, result.SourceDeduped)
	assert.EqualValues(t, 2, result.SourceCount)

	got := readDataset(t, root)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0]["v"], "last write wins on dedup")
}

func TestInsertDiscardsExistingKeys(t *testing.T) {
	root := seedTwoDayDataset(t)

	source := NewTable([]map[string]any{
		{"id": int64(2), "day": "2024-01-01", "v": "SHOULD-NOT-APPEAR"},
		{"id": int64(7), "day": "2024-01-01", "v": "fresh"},
	})

	result, err := Merge(context.Background(), source, root, StrategyInsert, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, result.Inserted)
	assert.EqualValues(t, 0, result.Updated)
	assert.EqualValues(t, 1, result.Discarded)

	got := rowsByID(t, readDataset(t, root))
	require.Len(t, got, 4)
	assert.Equal(t, "b", got[2]["v"], "existing row untouched by insert")
	assert.Equal(t, "fresh", got[7]["v"])

	// Insert never rewrites.
	for _, f := range result.Files {
		assert.NotEqual(t, OpRewritten, f.Operation)
	}
}

func TestRepeatedInsertIsDiscarded(t *testing.T) {
	root := t.TempDir()
	source := NewTable([]map[string]any{{"id": int64(1), "v": "a"}})

	first, err := Merge(context.Background(), source, root, StrategyInsert, []string{"id"}, nil, MergeOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Inserted)

	second, err := Merge(context.Background(), source, root, StrategyInsert, []string{"id"}, nil, MergeOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, second.Inserted)
	assert.EqualValues(t, 1, second.Discarded)

	assert.Len(t, readDataset(t, root), 1)
}

func TestEmptySourceIsNoOp(t *testing.T) {
	root := seedTwoDayDataset(t)
	before := hashDataset(t, root)

	result, err := Merge(context.Background(), NewTable(nil), root, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 0, result.Inserted)
	assert.EqualValues(t, 0, result.Updated)
	assert.Empty(t, result.Files)
	assert.EqualValues(t, 3, result.TargetCountBefore)
	assert.EqualValues(t, 3, result.TargetCountAfter)
	assert.Equal(t, before, hashDataset(t, root))
}

func TestUpdateEmptyTargetFails(t *testing.T) {
	root := t.TempDir()
	source := NewTable([]map[string]any{{"id": int64(1), "v": "a"}})

	_, err := Merge(context.Background(), source, root, StrategyUpdate, []string{"id"}, nil, MergeOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPreservedFilesAreByteIdentical(t *testing.T) {
	root := seedTwoDayDataset(t)
	before := hashDataset(t, root)
	preservedPath := filepath.Join(root, "day=2024-01-02/part-00000-bbbb.parquet")

	source := NewTable([]map[string]any{
		{"id": int64(1), "day": "2024-01-01", "v": "A"},
	})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	after := hashDataset(t, root)
	assert.Equal(t, before[preservedPath], after[preservedPath])
}

func TestCancellationCleansStaging(t *testing.T) {
	root := seedTwoDayDataset(t)
	before := hashDataset(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	opts := MergeOptions{
		// Cancel as soon as the rewrite makes progress, before
		// promotion can begin.
		ProgressCallback: func(processed, total int64) {
			cancel()
		},
	}

	source := NewTable([]map[string]any{
		{"id": int64(1), "day": "2024-01-01", "v": "A"},
		{"id": int64(3), "day": "2024-01-02", "v": "C"},
	})

	_, err := Merge(ctx, source, root, StrategyUpsert, []string{"id"}, []string{"day"}, opts)
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, before, hashDataset(t, root), "original dataset unchanged")
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging-"), "staging removed on cancel")
	}
}

func TestProgressMonotonicAndComplete(t *testing.T) {
	root := seedTwoDayDataset(t)

	var calls []int64
	var totals []int64
	opts := MergeOptions{
		ProgressCallback: func(processed, total int64) {
			calls = append(calls, processed)
			totals = append(totals, total)
		},
	}

	source := NewTable([]map[string]any{
		{"id": int64(2), "day": "2024-01-01", "v": "B"},
		{"id": int64(4), "day": "2024-01-02", "v": "D"},
	})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, []string{"day"}, opts)
	require.NoError(t, err)

	require.NotEmpty(t, calls)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i], calls[i-1], "progress must be non-decreasing")
	}
	assert.Equal(t, totals[len(totals)-1], calls[len(calls)-1], "processed equals total at completion")
}

func TestSchemaMismatchRejected(t *testing.T) {
	root := t.TempDir()
	writeTargetFile(t, root, "f.parquet", []map[string]any{
		{"id": int64(1), "v": "a"},
	})

	source := NewTable([]map[string]any{
		{"id": int64(1), "other_column": "x"},
	})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, nil, MergeOptions{})
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestNonKeyNullsPreserved(t *testing.T) {
	root := t.TempDir()
	writeTargetFile(t, root, "f.parquet", []map[string]any{
		{"id": int64(1), "v": "a", "note": nil},
		{"id": int64(2), "v": "b", "note": "kept"},
	})

	source := NewTable([]map[string]any{
		{"id": int64(1), "v": "A", "note": nil},
	})

	result, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, nil, MergeOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Updated)

	got := rowsByID(t, readDataset(t, root))
	assert.Equal(t, "A", got[1]["v"])
	assert.Equal(t, "kept", got[2]["note"])
}

func TestInvalidOptions(t *testing.T) {
	root := t.TempDir()
	source := NewTable([]map[string]any{{"id": int64(1)}})

	_, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, nil, MergeOptions{Compression: "lzma"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Merge(context.Background(), source, root, StrategyUpsert, []string{"id"}, nil, MergeOptions{MaterializePartitionColumns: true})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Merge(context.Background(), source, root, Strategy("replace"), []string{"id"}, nil, MergeOptions{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = Merge(context.Background(), source, root, StrategyUpsert, nil, nil, MergeOptions{})
	var emptyKeys *EmptyKeyColumnsError
	assert.ErrorAs(t, err, &emptyKeys)
}

func TestCompositeKeys(t *testing.T) {
	root := t.TempDir()
	writeTargetFile(t, root, "f.parquet", []map[string]any{
		{"tenant": "t1", "id": int64(1), "v": "a"},
		{"tenant": "t2", "id": int64(1), "v": "b"},
	})

	source := NewTable([]map[string]any{
		{"tenant": "t2", "id": int64(1), "v": "B"},
	})

	result, err := Merge(context.Background(), source, root, StrategyUpsert, []string{"tenant", "id"}, nil, MergeOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Updated)
	assert.EqualValues(t, 0, result.Inserted)

	rows := readDataset(t, root)
	byTenant := make(map[string]string)
	for _, row := range rows {
		byTenant[row["tenant"].(string)] = row["v"].(string)
	}
	assert.Equal(t, "a", byTenant["t1"])
	assert.Equal(t, "B", byTenant["t2"])
}

func TestNewFileNamingDeterministic(t *testing.T) {
	source := []map[string]any{
		{"id": int64(10), "day": "2024-02-01", "v": "x"},
		{"id": int64(11), "day": "2024-02-01", "v": "y"},
	}

	rootA := t.TempDir()
	_, err := Merge(context.Background(), NewTable(source), rootA, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	rootB := t.TempDir()
	_, err = Merge(context.Background(), NewTable(source), rootB, StrategyUpsert, []string{"id"}, []string{"day"}, MergeOptions{})
	require.NoError(t, err)

	relPaths := func(root string) []string {
		paths, err := hivepath.ListDatasetFiles(context.Background(), storagefs.NewLocal(), root)
		require.NoError(t, err)
		var rels []string
		for _, p := range paths {
			rels = append(rels, strings.TrimPrefix(p, hivepath.Normalize(root)+"/"))
		}
		return rels
	}
	assert.Equal(t, relPaths(rootA), relPaths(rootB))
	assert.True(t, strings.HasPrefix(relPaths(rootA)[0], "day=2024-02-01/part-00000-"))
}

func TestMaxRowsPerFileSplitsNewFiles(t *testing.T) {
	root := t.TempDir()
	var rows []map[string]any
	for i := 0; i < 10; i++ {
		rows = append(rows, map[string]any{"id": int64(i), "v": "x"})
	}

	result, err := Merge(context.Background(), NewTable(rows), root, StrategyUpsert, []string{"id"}, nil, MergeOptions{MaxRowsPerFile: 4})
	require.NoError(t, err)

	insertedFiles := 0
	for _, f := range result.Files {
		if f.Operation == OpInserted {
			insertedFiles++
		}
	}
	assert.Equal(t, 3, insertedFiles)
	assert.Len(t, readDataset(t, root), 10)
}
