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

// Package merge implements the streaming rewrite at the heart of the
// engine: affected files are rewritten batch-by-batch with matched rows
// replaced in place, and unmatched source rows are emitted as new
// partitioned files. Memory pressure is probed between batches and the
// batch size adapts to it.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime/debug"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/keytracker"
	"github.com/cardinalhq/mergerunner/internal/memprobe"
	"github.com/cardinalhq/mergerunner/internal/mergeplan"
	"github.com/cardinalhq/mergerunner/internal/metastats"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/internal/staging"
	"github.com/cardinalhq/mergerunner/storagefs"
)

const (
	// DefaultChunkRows bounds streaming batches when the caller does not
	// say otherwise.
	DefaultChunkRows = 10_000

	// minChunkRows is the floor when pressure keeps halving the batch.
	minChunkRows = 64

	// criticalBackoff lets the allocator react after a release hint.
	criticalBackoff = 10 * time.Millisecond
)

// Config carries the rewrite knobs.
type Config struct {
	Strategy       mergeplan.Strategy
	Compression    string
	MaxRowsPerFile int64
	RowGroupSize   int64
	ChunkRows      int
	Tracker        keytracker.Config
	// StrictTracker turns LRU applied-mark evictions into an error
	// instead of a warning.
	StrictTracker bool
	Probe         memprobe.Probe
	// Progress, when set, receives (processed_rows, total_rows) after
	// every batch.
	Progress func(processed, total int64)
}

// FileOutput describes one staged output file by its final target path.
type FileOutput struct {
	TargetPath string
	RowCount   int64
	SizeBytes  int64
}

// Merger drives one rewrite pass. It owns the adaptive key tracker and
// the exact applied bitmap over the deduped source rows; the bitmap is
// the ground truth that resolves the probabilistic tiers' Maybe answers.
type Merger struct {
	fsys    storagefs.FileSystem
	session *staging.Session
	index   *mergeplan.SourceIndex
	cfg     Config

	tracker *keytracker.Tracker
	applied []bool
	enc     *keytracker.Encoder

	chunkRows int
	processed int64
	total     int64
	updated   int64
	inserted  int64
	discarded int64
}

// NewMerger builds a merger and seeds the tracker from the source index.
func NewMerger(fsys storagefs.FileSystem, session *staging.Session, index *mergeplan.SourceIndex, cfg Config) *Merger {
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = DefaultChunkRows
	}

	tracker := keytracker.New(index.KeyEstimate, cfg.Tracker)
	for _, k := range index.Keys {
		tracker.Seed(k)
	}

	return &Merger{
		fsys:      fsys,
		session:   session,
		index:     index,
		cfg:       cfg,
		tracker:   tracker,
		applied:   make([]bool, len(index.Rows)),
		enc:       keytracker.NewEncoder(index.KeyColumns),
		chunkRows: cfg.ChunkRows,
	}
}

// SetTotalRows fixes the denominator reported to the progress callback.
func (m *Merger) SetTotalRows(n int64) {
	m.total = n
}

// TrackerTier returns the tier the tracker selected.
func (m *Merger) TrackerTier() keytracker.Tier {
	return m.tracker.Tier()
}

// TrackerEvictions returns the applied-mark evictions observed so far.
func (m *Merger) TrackerEvictions() int64 {
	return m.tracker.Evictions()
}

// Counts returns the row outcome counters accumulated so far.
func (m *Merger) Counts() (updated, inserted, discarded int64) {
	return m.updated, m.inserted, m.discarded
}

// MarkMatched records externally confirmed matches (from the key-column
// scan) without counting them as updates. Used by the insert strategy,
// which discards matched source rows instead of rewriting files.
func (m *Merger) MarkMatched(matched mapset.Set[keytracker.Key128]) {
	matched.Each(func(k keytracker.Key128) bool {
		if pos, ok := m.index.Lookup(k); ok {
			if !m.applied[pos] {
				m.applied[pos] = true
			}
			m.tracker.MarkApplied(k)
		}
		return false
	})
}

func (m *Merger) reportProgress() {
	if m.cfg.Progress != nil {
		m.cfg.Progress(m.processed, m.total)
	}
}

// checkPressure probes memory between batches and adapts the chunk size.
// Emergency pressure aborts the merge.
func (m *Merger) checkPressure() error {
	if m.cfg.Probe == nil {
		return nil
	}
	switch m.cfg.Probe.Pressure() {
	case memprobe.Warning:
		m.shrinkChunk(2)
	case memprobe.Critical:
		m.shrinkChunk(4)
		debug.FreeOSMemory()
		time.Sleep(criticalBackoff)
	case memprobe.Emergency:
		st := m.cfg.Probe.Status()
		return fmt.Errorf("%w: allocated=%d rss=%d available=%d",
			ErrMemoryBudget, st.AllocatedBytes, st.ProcessRSSBytes, st.SystemAvailableBytes)
	}
	return nil
}

func (m *Merger) shrinkChunk(factor int) {
	next := m.chunkRows / factor
	if next < minChunkRows {
		next = minChunkRows
	}
	if next != m.chunkRows {
		slog.Debug("reducing merge chunk size under memory pressure",
			slog.Int("from", m.chunkRows), slog.Int("to", next))
		m.chunkRows = next
	}
}

// RewriteFiles rewrites each affected file into staging, one file at a
// time to preserve the memory bounds. Within a file, row order equals
// read order; matched rows are replaced in place by their source rows.
func (m *Merger) RewriteFiles(ctx context.Context, files []metastats.FileDescriptor) ([]FileOutput, error) {
	outputs := make([]FileOutput, 0, len(files))
	for i := range files {
		out, err := m.rewriteFile(ctx, &files[i])
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}

	if ev := m.tracker.Evictions(); ev > 0 {
		if m.cfg.StrictTracker {
			return nil, fmt.Errorf("%w: applied-key tracker evicted %d marks", ErrMemoryBudget, ev)
		}
		slog.Warn("applied-key tracker evicted marks; already-applied keys may be re-inserted",
			slog.Int64("evictions", ev))
	}
	return outputs, nil
}

func (m *Merger) rewriteFile(ctx context.Context, file *metastats.FileDescriptor) (FileOutput, error) {
	reader, err := rowio.NewBatchReader(ctx, m.fsys, file.Path, nil, m.chunkRows)
	if err != nil {
		return FileOutput{}, fmt.Errorf("open %s for rewrite: %w", file.Path, err)
	}
	defer func() { _ = reader.Close() }()

	stagingPath := m.session.RewritePath(file.Path)
	writer, err := rowio.NewFileWriter(ctx, m.fsys, stagingPath, reader.Schema(), rowio.WriterOpts{
		Compression:  m.cfg.Compression,
		RowGroupSize: m.cfg.RowGroupSize,
	})
	if err != nil {
		return FileOutput{}, err
	}

	out := make([]map[string]any, 0, m.chunkRows)
	for {
		if err := ctx.Err(); err != nil {
			writer.Abort()
			return FileOutput{}, err
		}
		if err := m.checkPressure(); err != nil {
			writer.Abort()
			return FileOutput{}, err
		}
		reader.SetBatchSize(m.chunkRows)

		rows, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writer.Abort()
			return FileOutput{}, fmt.Errorf("read %s: %w", file.Path, err)
		}

		out = out[:0]
		for _, row := range rows {
			out = append(out, m.transformRow(row))
		}
		if err := writer.WriteBatch(out); err != nil {
			writer.Abort()
			return FileOutput{}, fmt.Errorf("stage rewrite of %s: %w", file.Path, err)
		}

		m.processed += int64(len(rows))
		m.reportProgress()
	}

	rowCount, size, err := writer.Close()
	if err != nil {
		return FileOutput{}, fmt.Errorf("finish rewrite of %s: %w", file.Path, err)
	}
	return FileOutput{TargetPath: file.Path, RowCount: rowCount, SizeBytes: size}, nil
}

// transformRow applies full-row replacement: a matched target row is
// substituted by the source row in its position; everything else passes
// through unchanged.
func (m *Merger) transformRow(row map[string]any) map[string]any {
	if !m.cfg.Strategy.RewritesMatches() {
		return row
	}
	for _, col := range m.index.KeyColumns {
		if v, ok := row[col]; !ok || v == nil {
			// Null target keys can never match non-null source keys.
			return row
		}
	}
	key, err := m.enc.EncodeRow(row)
	if err != nil {
		return row
	}
	if m.tracker.Contains(key) == keytracker.No {
		return row
	}
	pos, ok := m.index.Lookup(key)
	if !ok {
		return row
	}

	m.tracker.MarkApplied(key)
	if !m.applied[pos] {
		m.applied[pos] = true
		m.updated++
	}
	return m.index.Rows[pos]
}

// EmitNewFiles writes the source rows whose keys were not applied
// anywhere in the target, grouped by partition values and chunked by
// MaxRowsPerFile. File naming is deterministic: a zero-padded index per
// partition directory plus a hash prefix derived from the chunk's
// canonical key stream.
func (m *Merger) EmitNewFiles(ctx context.Context) ([]FileOutput, error) {
	var pending []int
	for pos, done := range m.applied {
		if !done {
			pending = append(pending, pos)
		}
	}

	if !m.cfg.Strategy.InsertsNew() {
		// update: unmatched source rows are discarded, matched ones were
		// resolved during the rewrite.
		m.discarded += int64(len(pending))
		m.processed += int64(len(m.index.Rows))
		m.reportProgress()
		return nil, nil
	}
	if m.cfg.Strategy == mergeplan.StrategyInsert {
		// insert: matched keys are discarded rather than written.
		m.discarded += int64(len(m.index.Rows) - len(pending))
	}
	m.processed += int64(len(m.index.Rows) - len(pending))
	m.reportProgress()

	if len(pending) == 0 {
		return nil, nil
	}

	groups, order, err := m.groupByPartition(pending)
	if err != nil {
		return nil, err
	}

	emitRows := make([]map[string]any, 0, len(pending))
	for _, pos := range pending {
		emitRows = append(emitRows, m.index.Rows[pos])
	}
	nodes, err := rowio.NodesFromRows(emitRows)
	if err != nil {
		return nil, &SchemaError{Msg: err.Error()}
	}
	for _, col := range m.index.PartitionColumns {
		delete(nodes, col)
	}
	schema := rowio.SchemaFromNodes("mergerunner", nodes)

	var outputs []FileOutput
	for _, dir := range order {
		outs, err := m.emitPartition(ctx, dir, groups[dir], schema)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, outs...)
	}
	return outputs, nil
}

// groupByPartition buckets pending source row positions by their Hive
// partition directory. Order is lexicographic for determinism.
func (m *Merger) groupByPartition(pending []int) (map[string][]int, []string, error) {
	groups := make(map[string][]int)
	for _, pos := range pending {
		dir := ""
		if len(m.index.PartitionColumns) > 0 {
			values, err := m.index.PartitionValuesOf(pos)
			if err != nil {
				return nil, nil, err
			}
			dir = hivepath.PartitionDir(values, m.index.PartitionColumns)
		}
		groups[dir] = append(groups[dir], pos)
	}
	order := make([]string, 0, len(groups))
	for dir := range groups {
		order = append(order, dir)
	}
	sort.Strings(order)
	return groups, order, nil
}

func (m *Merger) emitPartition(ctx context.Context, dir string, positions []int, schema *parquet.Schema) ([]FileOutput, error) {
	maxRows := m.cfg.MaxRowsPerFile
	if maxRows <= 0 {
		maxRows = int64(len(positions))
	}

	var outputs []FileOutput
	fileIdx := 0
	for start := 0; start < len(positions); start += int(maxRows) {
		end := start + int(maxRows)
		if end > len(positions) {
			end = len(positions)
		}
		chunk := positions[start:end]

		name := fmt.Sprintf("part-%05d-%016x.parquet", fileIdx, m.chunkHash(chunk))
		fileIdx++
		rel := path.Join(dir, name)
		stagingPath := m.session.NewFilePath(rel)

		writer, err := rowio.NewFileWriter(ctx, m.fsys, stagingPath, schema, rowio.WriterOpts{
			Compression:  m.cfg.Compression,
			RowGroupSize: m.cfg.RowGroupSize,
		})
		if err != nil {
			return nil, err
		}

		for batchStart := 0; batchStart < len(chunk); batchStart += m.chunkRows {
			if err := ctx.Err(); err != nil {
				writer.Abort()
				return nil, err
			}
			if err := m.checkPressure(); err != nil {
				writer.Abort()
				return nil, err
			}
			batchEnd := batchStart + m.chunkRows
			if batchEnd > len(chunk) {
				batchEnd = len(chunk)
			}
			batch := make([]map[string]any, 0, batchEnd-batchStart)
			for _, pos := range chunk[batchStart:batchEnd] {
				batch = append(batch, m.index.Rows[pos])
			}
			if err := writer.WriteBatch(batch); err != nil {
				writer.Abort()
				return nil, fmt.Errorf("stage new file %s: %w", rel, err)
			}
			m.processed += int64(batchEnd - batchStart)
			m.inserted += int64(batchEnd - batchStart)
			m.reportProgress()
		}

		rowCount, size, err := writer.Close()
		if err != nil {
			return nil, fmt.Errorf("finish new file %s: %w", rel, err)
		}
		outputs = append(outputs, FileOutput{
			TargetPath: hivepath.Join(m.session.Root(), rel),
			RowCount:   rowCount,
			SizeBytes:  size,
		})
	}
	return outputs, nil
}

// chunkHash digests the canonical key stream of a chunk so file names
// are content-derived and deterministic.
func (m *Merger) chunkHash(positions []int) uint64 {
	h := xxhash.New()
	for _, pos := range positions {
		k := m.index.Keys[pos]
		_, _ = h.Write(k[:])
	}
	return h.Sum64()
}
