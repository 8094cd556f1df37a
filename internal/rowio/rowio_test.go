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

package rowio

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/mergerunner/storagefs"
)

func writeTestFile(t *testing.T, path string, rows []map[string]any) {
	t.Helper()
	ctx := context.Background()
	fsys := storagefs.NewLocal()

	nodes, err := NodesFromRows(rows)
	require.NoError(t, err)
	schema := SchemaFromNodes("test", nodes)

	w, err := NewFileWriter(ctx, fsys, path, schema, WriterOpts{})
	require.NoError(t, err)
	require.NoError(t, w.WriteBatch(rows))
	count, size, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, len(rows), count)
	require.Positive(t, size)
}

func readAll(t *testing.T, path string, projection []string, batchSize int) []map[string]any {
	t.Helper()
	ctx := context.Background()

	r, err := NewBatchReader(ctx, storagefs.NewLocal(), path, projection, batchSize)
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

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.parquet")
	rows := []map[string]any{
		{"id": int64(1), "name": "alice", "score": 1.5, "ok": true},
		{"id": int64(2), "name": "bob", "score": -2.25, "ok": false},
		{"id": int64(3), "name": "carol", "score": 0.0, "ok": true},
	}
	writeTestFile(t, path, rows)

	got := readAll(t, path, nil, 2)
	require.Len(t, got, 3)
	assert.EqualValues(t, 1, got[0]["id"])
	assert.Equal(t, "alice", got[0]["name"])
	assert.Equal(t, 1.5, got[0]["score"])
	assert.Equal(t, true, got[0]["ok"])
	assert.Equal(t, "carol", got[2]["name"])
}

func TestProjectionReadsOnlyKeyColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proj.parquet")
	rows := []map[string]any{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": "b"},
	}
	writeTestFile(t, path, rows)

	got := readAll(t, path, []string{"id"}, 10)
	require.Len(t, got, 2)
	for _, row := range got {
		assert.Contains(t, row, "id")
		assert.NotContains(t, row, "v")
	}
}

func TestNullsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nulls.parquet")
	rows := []map[string]any{
		{"id": int64(1), "v": "a"},
		{"id": int64(2), "v": nil},
		{"id": int64(3)},
	}
	writeTestFile(t, path, rows)

	got := readAll(t, path, nil, 10)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0]["v"])
	for _, row := range got[1:] {
		v, ok := row["v"]
		if ok {
			assert.Nil(t, v)
		}
	}
}

func TestNodesFromRowsTypeConflict(t *testing.T) {
	_, err := NodesFromRows([]map[string]any{
		{"v": "text"},
		{"v": int64(1)},
	})
	assert.Error(t, err)
}

func TestCodecValidation(t *testing.T) {
	for _, name := range []string{"", "snappy", "zstd", "gzip", "uncompressed"} {
		_, err := Codec(name)
		assert.NoError(t, err, name)
	}
	_, err := Codec("brotli9000")
	assert.Error(t, err)
}

func TestBatchSizeAdjustsBetweenBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.parquet")
	rows := make([]map[string]any, 100)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i)}
	}
	writeTestFile(t, path, rows)

	ctx := context.Background()
	r, err := NewBatchReader(ctx, storagefs.NewLocal(), path, nil, 10)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	batch, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 10)

	r.SetBatchSize(5)
	batch, err = r.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 5)

	total := int64(15)
	for {
		batch, err = r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		total += int64(len(batch))
	}
	assert.EqualValues(t, 100, total)
	assert.EqualValues(t, 100, r.TotalRowsReturned())
}
