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

// Package staging writes merge outputs into a hidden staging prefix under
// the dataset root and promotes them into place with per-file renames. A
// target file is never deleted before its replacement exists; when the
// underlying store lacks transactional rename, a partially promoted state
// is surfaced rather than papered over.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/mergerunner/internal/hivepath"
	"github.com/cardinalhq/mergerunner/storagefs"
)

// Op is one pending or completed promotion rename.
type Op struct {
	StagingPath string
	TargetPath  string
}

// PartialPromotionError reports a promotion that replaced some files but
// not others. The engine cannot clean this up; operators reconcile using
// the completed and pending sets. The staging directory is left in place
// so the pending outputs survive.
type PartialPromotionError struct {
	Completed []Op
	Pending   []Op
	Err       error
}

func (e *PartialPromotionError) Error() string {
	return fmt.Sprintf("promotion partially completed: %d promoted, %d pending: %v",
		len(e.Completed), len(e.Pending), e.Err)
}

func (e *PartialPromotionError) Unwrap() error {
	return e.Err
}

// Session is one merge's staging area.
type Session struct {
	fsys storagefs.FileSystem
	root string
	dir  string

	rewrites []Op
	newFiles []Op
}

// NewSession creates a staging session under root. Nothing is written
// until the first output file is opened.
func NewSession(fsys storagefs.FileSystem, root string) *Session {
	dir := hivepath.Join(root, hivepath.StagingPrefix+uuid.New().String())
	return &Session{fsys: fsys, root: root, dir: dir}
}

// Dir returns the staging directory path.
func (s *Session) Dir() string {
	return s.dir
}

// Root returns the dataset root this session stages for.
func (s *Session) Root() string {
	return s.root
}

// RewritePath allocates a staging path for the replacement of
// targetPath and records the pending rename. Rewrite outputs live
// directly in the staging root, keyed by their intended target path.
func (s *Session) RewritePath(targetPath string) string {
	base := targetPath
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	name := fmt.Sprintf("rewrite-%016x-%s", xxhash.Sum64String(targetPath), base)
	stagingPath := hivepath.Join(s.dir, name)
	s.rewrites = append(s.rewrites, Op{StagingPath: stagingPath, TargetPath: targetPath})
	return stagingPath
}

// NewFilePath allocates a staging path for a brand new file at the given
// dataset-relative location, mirroring the final structure, and records
// the pending rename.
func (s *Session) NewFilePath(relative string) string {
	stagingPath := hivepath.Join(s.dir, relative)
	targetPath := hivepath.Join(s.root, relative)
	s.newFiles = append(s.newFiles, Op{StagingPath: stagingPath, TargetPath: targetPath})
	return stagingPath
}

// DiscardLast removes the most recently allocated new-file op, for
// writers that turned out to produce no rows.
func (s *Session) DiscardLast() {
	if len(s.newFiles) > 0 {
		s.newFiles = s.newFiles[:len(s.newFiles)-1]
	}
}

// Promote swaps the staged outputs into place: rewrites first, each
// replacing its source file at the same full path, then new files into
// their final Hive locations, then the staging directory is removed.
// After the first successful rename, failures do not stop the remaining
// renames; the composite outcome is surfaced as a PartialPromotionError.
func (s *Session) Promote(ctx context.Context) error {
	var completed, pending []Op
	var merr *multierror.Error

	ops := make([]Op, 0, len(s.rewrites)+len(s.newFiles))
	ops = append(ops, s.rewrites...)
	ops = append(ops, s.newFiles...)

	for _, op := range ops {
		if err := s.fsys.Rename(ctx, op.StagingPath, op.TargetPath); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("promote %s: %w", op.TargetPath, err))
			pending = append(pending, op)
			continue
		}
		completed = append(completed, op)
	}

	if merr != nil {
		if len(completed) == 0 {
			// Nothing was replaced; the dataset is untouched and staging
			// can be discarded by the caller.
			return fmt.Errorf("promotion failed: %w", merr)
		}
		return &PartialPromotionError{Completed: completed, Pending: pending, Err: merr}
	}

	if err := s.fsys.RemoveTree(ctx, s.dir); err != nil {
		// Outputs are all in place; a leftover staging dir is not fatal.
		slog.Warn("failed to remove staging directory", slog.String("dir", s.dir), slog.Any("error", err))
	}
	return nil
}

// Cleanup removes the staging directory and everything in it. Used on
// abort and on failure before promotion began.
func (s *Session) Cleanup(ctx context.Context) error {
	if err := s.fsys.RemoveTree(ctx, s.dir); err != nil {
		return fmt.Errorf("cleanup staging %s: %w", s.dir, err)
	}
	return nil
}
