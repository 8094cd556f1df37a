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

package storagefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3FS implements FileSystem on an S3-compatible object store. All paths
// handed to it must be of the form "s3://bucket/key...". Random-access
// reads are served by downloading the object to a temp file first; writes
// spool to a temp file and upload on Close. Rename is copy+delete: the
// source object is only deleted after CopyObject succeeds.
type S3FS struct {
	client *s3.Client
	tmpdir string
}

// S3Option customizes the S3 client construction.
type S3Option func(*s3Config)

type s3Config struct {
	region       string
	endpoint     string
	pathStyle    bool
	accessKey    string
	secretKey    string
	sessionToken string
}

// WithRegion overrides the AWS region.
func WithRegion(region string) S3Option {
	return func(c *s3Config) { c.region = region }
}

// WithEndpoint forces a custom S3 endpoint (eg MinIO, Ceph).
func WithEndpoint(url string) S3Option {
	return func(c *s3Config) { c.endpoint = url }
}

// WithPathStyle uses path-style addressing instead of virtual-host.
func WithPathStyle() S3Option {
	return func(c *s3Config) { c.pathStyle = true }
}

// WithStaticCredentials supplies explicit credentials instead of the
// default chain.
func WithStaticCredentials(accessKey, secretKey, sessionToken string) S3Option {
	return func(c *s3Config) {
		c.accessKey = accessKey
		c.secretKey = secretKey
		c.sessionToken = sessionToken
	}
}

// NewS3 builds an S3FS from the default AWS configuration chain plus any
// options.
func NewS3(ctx context.Context, opts ...S3Option) (*S3FS, error) {
	cfg := s3Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.region))
	}
	if cfg.accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.accessKey, cfg.secretKey, cfg.sessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.endpoint)
		}
		if cfg.pathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3FS{client: client, tmpdir: os.TempDir()}, nil
}

func s3ErrorIs404(err error) bool {
	var noKeyErr *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKeyErr) || errors.As(err, &notFound)
}

func (s *S3FS) split(p string) (bucket, key string, err error) {
	scheme, bucket, key := SplitURL(p)
	if scheme != "s3" || bucket == "" {
		return "", "", fmt.Errorf("not an s3 path: %s", p)
	}
	return bucket, key, nil
}

func (s *S3FS) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, key, err := s.split(prefix)
	if err != nil {
		return nil, err
	}
	if key != "" && key[len(key)-1] != '/' {
		key += "/"
	}

	var paths []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, key, err)
		}
		for _, obj := range page.Contents {
			paths = append(paths, "s3://"+bucket+"/"+aws.ToString(obj.Key))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// tempBackedFile serves ReadAt from a downloaded temp file and removes it
// on Close.
type tempBackedFile struct {
	*os.File
	size int64
}

func (f *tempBackedFile) Size() int64 { return f.size }

func (f *tempBackedFile) Close() error {
	name := f.File.Name()
	err := f.File.Close()
	_ = os.Remove(name)
	return err
}

func (s *S3FS) OpenRead(ctx context.Context, p string) (File, error) {
	bucket, key, err := s.split(p)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.tmpdir, "*-"+path.Base(key))
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	downloader := manager.NewDownloader(s.client)
	size, err := downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	return &tempBackedFile{File: f, size: size}, nil
}

// spooledWriter buffers writes in a temp file and uploads on Close.
type spooledWriter struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	tmp    *os.File
}

func (w *spooledWriter) Write(p []byte) (int, error) {
	return w.tmp.Write(p)
}

func (w *spooledWriter) Close() error {
	defer func() {
		name := w.tmp.Name()
		_ = w.tmp.Close()
		_ = os.Remove(name)
	}()

	if _, err := w.tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool file: %w", err)
	}
	uploader := manager.NewUploader(w.client)
	_, err := uploader.Upload(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   w.tmp,
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", w.bucket, w.key, err)
	}
	return nil
}

func (s *S3FS) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	bucket, key, err := s.split(p)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.tmpdir, "s3put-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &spooledWriter{ctx: ctx, client: s.client, bucket: bucket, key: key, tmp: tmp}, nil
}

func (s *S3FS) Rename(ctx context.Context, src, dst string) error {
	srcBucket, srcKey, err := s.split(src)
	if err != nil {
		return err
	}
	dstBucket, dstKey, err := s.split(dst)
	if err != nil {
		return err
	}

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	if err != nil {
		return fmt.Errorf("copy s3://%s/%s to s3://%s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(srcBucket),
		Key:    aws.String(srcKey),
	})
	if err != nil && !s3ErrorIs404(err) {
		return fmt.Errorf("delete s3://%s/%s after copy: %w", srcBucket, srcKey, err)
	}
	return nil
}

func (s *S3FS) Remove(ctx context.Context, p string) error {
	bucket, key, err := s.split(p)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !s3ErrorIs404(err) {
		return fmt.Errorf("delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3FS) RemoveTree(ctx context.Context, prefix string) error {
	paths, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for len(paths) > 0 {
		batch := paths
		if len(batch) > 1000 {
			batch = batch[:1000]
		}
		paths = paths[len(batch):]

		objects := make([]types.ObjectIdentifier, 0, len(batch))
		for _, p := range batch {
			_, key, err := s.split(p)
			if err != nil {
				return err
			}
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}
		bucket, _, err := s.split(prefix)
		if err != nil {
			return err
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete batch under %s: %w", prefix, err)
		}
	}
	return nil
}
