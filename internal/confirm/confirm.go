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

// Package confirm reads only the key columns of candidate files to
// confirm which ones actually intersect the source key set. Files with
// unreadable footers are confirmed as affected without a scan.
package confirm

import (
	"context"
	"errors"
	"io"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/mergerunner/internal/keytracker"
	"github.com/cardinalhq/mergerunner/internal/mergeplan"
	"github.com/cardinalhq/mergerunner/internal/metastats"
	"github.com/cardinalhq/mergerunner/internal/rowio"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// MatchFunc is invoked for every matched key in a file. Returning an
// error aborts the whole scan; the scanner may call it from multiple
// goroutines but never concurrently for the same file.
type MatchFunc func(file *metastats.FileDescriptor, key keytracker.Key128) error

// Options configures a scan.
type Options struct {
	// BatchRows bounds the streaming batch size.
	BatchRows int
	// Workers bounds the file fan-out.
	Workers int
	// ShortCircuit stops scanning a file at its first match. It must be
	// false when the caller needs every match reported (full-match
	// collection or per-match validation).
	ShortCircuit bool
	// OnMatch, when set, is called for each matched key.
	OnMatch MatchFunc
}

// Result reports the outcome of a scan.
type Result struct {
	// AffectedPaths holds the paths with at least one source key.
	AffectedPaths map[string]bool
	// Matched holds every matched source key. Complete only when the
	// scan ran without ShortCircuit.
	Matched mapset.Set[keytracker.Key128]
}

// Scan checks each candidate file's key columns against the source
// index. Unreadable files are conservatively affected.
func Scan(ctx context.Context, fsys storagefs.FileSystem, files []metastats.FileDescriptor, index *mergeplan.SourceIndex, opts Options) (Result, error) {
	if opts.BatchRows <= 0 {
		opts.BatchRows = 10_000
	}
	if opts.Workers <= 0 {
		opts.Workers = metastats.DefaultWorkers()
	}

	res := Result{
		AffectedPaths: make(map[string]bool, len(files)),
		Matched:       mapset.NewSet[keytracker.Key128](),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range files {
		file := &files[i]
		g.Go(func() error {
			affected, err := scanFile(gctx, fsys, file, index, opts, res.Matched)
			if err != nil {
				return err
			}
			if affected {
				mu.Lock()
				res.AffectedPaths[file.Path] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func scanFile(ctx context.Context, fsys storagefs.FileSystem, file *metastats.FileDescriptor, index *mergeplan.SourceIndex, opts Options, matched mapset.Set[keytracker.Key128]) (bool, error) {
	if !file.FooterRead {
		// No footer, no scan: the rewrite pass deals with it.
		return true, nil
	}

	reader, err := rowio.NewBatchReader(ctx, fsys, file.Path, index.KeyColumns, opts.BatchRows)
	if err != nil {
		return false, err
	}
	defer func() { _ = reader.Close() }()

	enc := keytracker.NewEncoder(index.KeyColumns)
	affected := false

	for {
		rows, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return affected, nil
		}
		if err != nil {
			return false, err
		}

		for _, row := range rows {
			if hasNullKey(row, index.KeyColumns) {
				// A null target key can never match a source key.
				continue
			}
			key, err := enc.EncodeRow(row)
			if err != nil {
				return false, err
			}
			if _, ok := index.Lookup(key); !ok {
				continue
			}
			affected = true
			matched.Add(key)
			if opts.OnMatch != nil {
				if err := opts.OnMatch(file, key); err != nil {
					return false, err
				}
			}
			if opts.ShortCircuit {
				return true, nil
			}
		}
	}
}

func hasNullKey(row map[string]any, keyColumns []string) bool {
	for _, col := range keyColumns {
		if v, ok := row[col]; !ok || v == nil {
			return true
		}
	}
	return false
}
