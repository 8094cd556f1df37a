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

// Package dataset exposes the incremental Parquet merge engine: insert,
// update, and upsert of a source batch into a Hive-partitioned Parquet
// dataset, performed as a streaming, memory-bounded, crash-safe rewrite
// of only the affected files.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/mergerunner/internal/confirm"
	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/internal/keytracker"
	"github.com/cardinalhq/mergerunner/internal/memprobe"
	"github.com/cardinalhq/mergerunner/internal/merge"
	"github.com/cardinalhq/mergerunner/internal/mergeplan"
	"github.com/cardinalhq/mergerunner/internal/metastats"
	"github.com/cardinalhq/mergerunner/internal/pruning"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/internal/staging"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// merge orchestrator states. Transitions are linear; failed may be
// entered from any non-terminal state and triggers staging cleanup.
type mergeState string

const (
	statePlanning   mergeState = "planning"
	stateValidating mergeState = "validating"
	stateRewriting  mergeState = "rewriting"
	statePromoting  mergeState = "promoting"
	stateDone       mergeState = "done"
	stateFailed     mergeState = "failed"
)

// Merge applies the source batch to the dataset at targetRoot with the
// given strategy and returns the merge result. The engine assumes a
// single writer per dataset; cancellation is observed through ctx
// between batches and between files.
func Merge(ctx context.Context, source *Table, targetRoot string, strategy Strategy, keyColumns []string, partitionColumns []string, opts MergeOptions) (*MergeResult, error) {
	if source == nil {
		source = NewTable(nil)
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if len(keyColumns) == 0 {
		if strategy.RewritesMatches() {
			return nil, &EmptyKeyColumnsError{Strategy: string(strategy)}
		}
		return nil, fmt.Errorf("%w: key columns are required", ErrInvalidArgument)
	}

	// Null-key validation runs before any IO on the target. Partition
	// columns place rows and are held to the same non-null rule.
	if err := merge.ValidateNullKeys(source.Rows(), keyColumns); err != nil {
		return nil, err
	}
	if err := merge.ValidateNullKeys(source.Rows(), partitionColumns); err != nil {
		return nil, err
	}

	fsys := opts.FileSystem
	if fsys == nil {
		var err error
		fsys, err = storagefs.ForPath(ctx, targetRoot)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}

	o := &orchestrator{
		fsys:             fsys,
		root:             hivepath.Normalize(targetRoot),
		source:           source,
		strategy:         strategy,
		keyColumns:       keyColumns,
		partitionColumns: partitionColumns,
		opts:             opts,
	}
	return o.run(ctx)
}

type orchestrator struct {
	fsys             storagefs.FileSystem
	root             string
	source           *Table
	strategy         Strategy
	keyColumns       []string
	partitionColumns []string
	opts             MergeOptions

	state   mergeState
	session *staging.Session
}

func (o *orchestrator) setState(s mergeState) {
	o.state = s
	slog.Debug("merge state transition", slog.String("state", string(s)), slog.String("root", o.root))
}

// fail transitions to failed and removes staging. Cleanup runs even when
// the surrounding context is already cancelled.
func (o *orchestrator) fail(ctx context.Context, err error) error {
	o.setState(stateFailed)
	if o.session != nil {
		if cerr := o.session.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			slog.Warn("staging cleanup after failure", slog.Any("error", cerr))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

func (o *orchestrator) run(ctx context.Context) (*MergeResult, error) {
	o.setState(statePlanning)

	paths, err := hivepath.ListDatasetFiles(ctx, o.fsys, o.root)
	if err != nil {
		return nil, o.fail(ctx, fmt.Errorf("list dataset: %w", err))
	}
	descriptors, err := metastats.Analyze(ctx, o.fsys, o.root, paths, o.opts.MetadataWorkers)
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	var targetBefore int64
	for _, d := range descriptors {
		targetBefore += d.RowCount
	}

	if o.source.RowCount() == 0 {
		if o.opts.ProgressCallback != nil {
			o.opts.ProgressCallback(0, 0)
		}
		o.setState(stateDone)
		return &MergeResult{
			Strategy:          o.strategy,
			TargetCountBefore: targetBefore,
			TargetCountAfter:  targetBefore,
		}, nil
	}

	if len(descriptors) == 0 && o.strategy == StrategyUpdate {
		return nil, o.fail(ctx, fmt.Errorf("%w: target dataset is empty; nothing to update", ErrInvalidArgument))
	}

	index, err := mergeplan.BuildSourceIndex(o.source.Rows(), o.keyColumns, o.partitionColumns)
	if err != nil {
		return nil, o.fail(ctx, fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	o.setState(stateValidating)

	sourceNodes, err := rowio.NodesFromRows(o.source.Rows())
	if err != nil {
		return nil, o.fail(ctx, &SchemaError{Msg: err.Error()})
	}
	targetSchema, err := o.firstTargetSchema(ctx, descriptors)
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	if targetSchema != nil {
		if err := merge.ValidateSchema(o.source.Columns(), sourceNodes, targetSchema, o.partitionColumns); err != nil {
			return nil, o.fail(ctx, err)
		}
	}

	candidates, rest := pruning.ByPartition(descriptors, index.Combos, o.partitionColumns)
	ranges := pruning.SourceRanges(index.Rows, o.keyColumns)
	candidates, _ = pruning.ByStatistics(candidates, ranges, o.keyColumns)
	rest, _ = pruning.ByStatistics(rest, ranges, o.keyColumns)

	var guard confirm.MatchFunc
	if len(o.partitionColumns) > 0 {
		guard = merge.PartitionGuard(index)
	}

	scanOpts := confirm.Options{
		BatchRows:    o.opts.MergeChunkSizeRows,
		Workers:      o.opts.ScanWorkers,
		ShortCircuit: guard == nil && o.strategy != StrategyInsert,
		OnMatch:      guard,
	}
	confirmed, err := confirm.Scan(ctx, o.fsys, candidates, index, scanOpts)
	if err != nil {
		return nil, o.fail(ctx, err)
	}
	if len(rest) > 0 {
		// Files outside the source's partition combinations can still
		// hold a source key; any such match is a partition move.
		if _, err := confirm.Scan(ctx, o.fsys, rest, index, confirm.Options{
			BatchRows: o.opts.MergeChunkSizeRows,
			Workers:   o.opts.ScanWorkers,
			OnMatch:   guard,
		}); err != nil {
			return nil, o.fail(ctx, err)
		}
	}

	affectedPaths := confirmed.AffectedPaths
	if o.strategy == StrategyInsert {
		// Insert never rewrites; matched files stay preserved and the
		// matched keys are discarded from the source.
		affectedPaths = nil
	}
	plan := mergeplan.Build(descriptors, affectedPaths)

	o.setState(stateRewriting)
	o.session = staging.NewSession(o.fsys, o.root)

	var probe memprobe.Probe
	if o.opts.MaxAllocatorBytes > 0 || o.opts.MaxProcessBytes > 0 || o.opts.MinSystemAvailableBytes > 0 {
		probe = memprobe.New(memprobe.Limits{
			MaxAllocatorBytes:       o.opts.MaxAllocatorBytes,
			MaxProcessBytes:         o.opts.MaxProcessBytes,
			MinSystemAvailableBytes: o.opts.MinSystemAvailableBytes,
		})
	}

	merger := merge.NewMerger(o.fsys, o.session, index, merge.Config{
		Strategy:       o.strategy,
		Compression:    o.opts.Compression,
		MaxRowsPerFile: o.opts.MaxRowsPerFile,
		RowGroupSize:   o.opts.RowGroupSize,
		ChunkRows:      o.opts.MergeChunkSizeRows,
		Tracker: keytracker.Config{
			ExactLimit: o.opts.TrackerExactLimit,
			LRULimit:   o.opts.TrackerLRULimit,
			BloomFPR:   o.opts.TrackerFPR,
		},
		StrictTracker: o.opts.StrictTracker,
		Probe:         probe,
		Progress:      o.opts.ProgressCallback,
	})

	total := int64(index.RowCount())
	if o.strategy.RewritesMatches() {
		total += plan.AffectedRowCount
	}
	merger.SetTotalRows(total)

	var rewritten []merge.FileOutput
	if o.strategy.RewritesMatches() {
		rewritten, err = merger.RewriteFiles(ctx, plan.Affected)
		if err != nil {
			return nil, o.fail(ctx, err)
		}
	} else {
		merger.MarkMatched(confirmed.Matched)
	}

	insertedFiles, err := merger.EmitNewFiles(ctx)
	if err != nil {
		return nil, o.fail(ctx, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, err)
	}

	o.setState(statePromoting)
	if err := o.session.Promote(ctx); err != nil {
		var partial *PartialPromotionError
		if errors.As(err, &partial) {
			// Staging is deliberately left in place for reconciliation.
			o.setState(stateFailed)
			return nil, err
		}
		return nil, o.fail(ctx, err)
	}

	o.setState(stateDone)
	return o.buildResult(index, plan, merger, rewritten, insertedFiles, targetBefore), nil
}

// firstTargetSchema fetches the Parquet schema of the first file with a
// readable footer, for schema compatibility validation.
func (o *orchestrator) firstTargetSchema(ctx context.Context, descriptors []metastats.FileDescriptor) (*parquet.Schema, error) {
	for i := range descriptors {
		if !descriptors[i].FooterRead {
			continue
		}
		file, err := o.fsys.OpenRead(ctx, descriptors[i].Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", descriptors[i].Path, err)
		}
		pf, err := rowio.OpenParquet(file)
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		return pf.Schema(), nil
	}
	return nil, nil
}

func (o *orchestrator) buildResult(index *mergeplan.SourceIndex, plan mergeplan.Plan, merger *merge.Merger, rewritten, insertedFiles []merge.FileOutput, targetBefore int64) *MergeResult {
	updated, inserted, discarded := merger.Counts()

	result := &MergeResult{
		Strategy:          o.strategy,
		SourceCount:       int64(o.source.RowCount()),
		SourceDeduped:     index.DedupDropped,
		TargetCountBefore: targetBefore,
		Inserted:          inserted,
		Updated:           updated,
		Deleted:           0,
		Discarded:         discarded,
		TrackerTier:       string(merger.TrackerTier()),
		TrackerEvictions:  merger.TrackerEvictions(),
	}

	var after int64
	for _, out := range rewritten {
		result.Files = append(result.Files, FileResult{
			Path: out.TargetPath, RowCount: out.RowCount, Operation: OpRewritten, SizeBytes: out.SizeBytes,
		})
		after += out.RowCount
	}
	for _, out := range insertedFiles {
		result.Files = append(result.Files, FileResult{
			Path: out.TargetPath, RowCount: out.RowCount, Operation: OpInserted, SizeBytes: out.SizeBytes,
		})
		after += out.RowCount
	}
	for _, f := range plan.Preserved {
		result.Files = append(result.Files, FileResult{
			Path: f.Path, RowCount: f.RowCount, Operation: OpPreserved, SizeBytes: f.SizeBytes,
		})
		after += f.RowCount
	}
	result.TargetCountAfter = after
	return result
}
