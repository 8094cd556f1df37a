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

// Package storagefs provides the narrow filesystem interface the merge
// engine consumes, with local-disk and S3 implementations. Paths are
// protocol-qualified ("s3://bucket/prefix/...") or plain local paths;
// each implementation parses the paths it is handed.
package storagefs

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// File is a random-access read handle. Parquet footer and row-group reads
// need io.ReaderAt plus the total size.
type File interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// FileSystem is the collaborator interface consumed by the merge engine.
// Implementations must create parent directories on demand in OpenWrite,
// and may implement Rename as copy+delete as long as the copy succeeds
// before the source is removed.
type FileSystem interface {
	// List returns all file paths under prefix, recursively.
	List(ctx context.Context, prefix string) ([]string, error)

	// OpenRead opens path for random-access reading.
	OpenRead(ctx context.Context, path string) (File, error)

	// OpenWrite opens path for writing, creating parents as needed.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Rename moves src to dst. On stores without native rename this is
	// copy+delete; the delete only happens after a successful copy.
	Rename(ctx context.Context, src, dst string) error

	// Remove deletes a single file.
	Remove(ctx context.Context, path string) error

	// RemoveTree deletes path and everything under it.
	RemoveTree(ctx context.Context, path string) error
}

// SplitURL splits a protocol-qualified path into scheme, authority
// (bucket), and key. A path without "://" returns an empty scheme and the
// path unchanged as the key.
func SplitURL(path string) (scheme, bucket, key string) {
	idx := strings.Index(path, "://")
	if idx < 0 {
		return "", "", path
	}
	scheme = path[:idx]
	rest := path[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return scheme, rest, ""
	}
	return scheme, rest[:slash], rest[slash+1:]
}

// ForPath returns a FileSystem suited to the given path: S3 for s3://
// paths, local disk otherwise.
func ForPath(ctx context.Context, path string) (FileSystem, error) {
	scheme, _, _ := SplitURL(path)
	switch scheme {
	case "":
		return NewLocal(), nil
	case "s3":
		return NewS3(ctx)
	default:
		return nil, fmt.Errorf("unsupported path scheme %q", scheme)
	}
}
