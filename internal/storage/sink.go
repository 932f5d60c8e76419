// Package storage writes the backup to its destination: a local directory or
// a blob bucket.
package storage

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
)

// ErrNotFound marks operations on a destination path that does not exist.
var ErrNotFound = errors.New("not found in backup destination")

// Stream is an open destination file.
type Stream interface {
	Write(p []byte) (int, error)
	// SeekSet moves the write position to off bytes from the start.
	SeekSet(off int64) error
	Close() error
}

// Sink is the backup destination. Distinct streams may be used concurrently
// from different workers. Paths are slash separated and relative to the
// destination root.
type Sink interface {
	// CopyFile copies the local file src to dst. isRedo marks recovery log
	// files.
	CopyFile(ctx context.Context, src, dst string, worker int, isRedo bool) error

	// Open creates or truncates dst. hint, if non-nil, describes the source
	// file. buffered streams may delay writes until Close.
	Open(ctx context.Context, dst string, hint os.FileInfo, buffered bool) (Stream, error)

	// Remove deletes a file. Removing a missing file is not an error.
	Remove(ctx context.Context, path string) error

	// RemoveAll deletes dir and everything under it.
	RemoveAll(ctx context.Context, dir string) error

	// Rename moves a file. A missing source returns an error marked
	// ErrNotFound.
	Rename(ctx context.Context, oldPath, newPath string) error

	// List returns the paths of the files directly under dir.
	List(ctx context.Context, dir string) ([]string, error)

	// URI returns the canonical URI for the given path.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(path string) string

	// Close releases any resources.
	Close() error
}

// Config configures the backup destination.
type Config struct {
	Backend string // "local" | "gcs" | "s3" | "file" | "mem"

	// Local filesystem
	LocalDir string

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix   string // path prefix within the bucket
	Compress bool   // zstd-compress uploaded objects
	SpoolDir string // temp dir for blob streams, default os.TempDir()
}

// NewSink creates a destination based on configuration.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	opts := BlobOptions{Prefix: cfg.Prefix, Compress: cfg.Compress, SpoolDir: cfg.SpoolDir}
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, errors.New("LocalDir required for local backend")
		}
		return NewLocalSink(cfg.LocalDir)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, errors.New("GCSBucket required for gcs backend")
		}
		return OpenBlobSink(ctx, gcsBucketURL(cfg.GCSBucket), opts)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("S3Bucket required for s3 backend")
		}
		return OpenBlobSink(ctx, s3BucketURL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region), opts)
	case "file":
		if cfg.LocalDir == "" {
			return nil, errors.New("LocalDir required for file backend")
		}
		if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create base directory %s", cfg.LocalDir)
		}
		return OpenBlobSink(ctx, fileBucketURL(cfg.LocalDir), opts)
	case "mem":
		return OpenBlobSink(ctx, "mem://", opts)
	default:
		return nil, errors.Newf("unknown storage backend: %s", cfg.Backend)
	}
}
