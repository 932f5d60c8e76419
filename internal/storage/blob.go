package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	"gocloud.dev/gcerrors"
)

// ZstdEncoding is the content encoding of compressed objects.
const ZstdEncoding = "zstd"

func fileBucketURL(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return "file://" + filepath.ToSlash(abs)
}

// BlobOptions configures a BlobSink.
type BlobOptions struct {
	Prefix   string
	Compress bool
	SpoolDir string
}

// BlobSink writes the backup to a gocloud blob bucket. Streams are spooled to
// a local temp file so they can be rewritten in place, and are uploaded on
// Close.
type BlobSink struct {
	bucket  *blob.Bucket
	url     string
	options BlobOptions
}

var _ Sink = (*BlobSink)(nil)

// OpenBlobSink opens the bucket at bucketURL.
func OpenBlobSink(ctx context.Context, bucketURL string, opts BlobOptions) (*BlobSink, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", bucketURL)
	}
	return NewBlobSink(bucket, bucketURL, opts), nil
}

// NewBlobSink wraps an open bucket.
func NewBlobSink(bucket *blob.Bucket, bucketURL string, opts BlobOptions) *BlobSink {
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	return &BlobSink{bucket: bucket, url: bucketURL, options: opts}
}

func (s *BlobSink) key(p string) string {
	return s.options.Prefix + p
}

// upload streams r into key, compressing it if configured.
func (s *BlobSink) upload(ctx context.Context, key string, r io.Reader) error {
	var opts blob.WriterOptions
	if s.options.Compress {
		opts.ContentEncoding = ZstdEncoding
	}
	w, err := s.bucket.NewWriter(ctx, key, &opts)
	if err != nil {
		return errors.Wrapf(err, "create writer for %s", key)
	}

	var dst io.Writer = w
	var enc *zstd.Encoder
	if s.options.Compress {
		enc, err = zstd.NewWriter(w)
		if err != nil {
			w.Close()
			return errors.Wrap(err, "create zstd encoder")
		}
		dst = enc
	}

	if _, err := io.Copy(dst, r); err != nil {
		if enc != nil {
			enc.Close()
		}
		w.Close()
		return errors.Wrapf(err, "write data to %s", key)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			w.Close()
			return errors.Wrapf(err, "flush compressed %s", key)
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "close writer for %s", key)
	}
	return nil
}

// CopyFile implements Sink.
func (s *BlobSink) CopyFile(ctx context.Context, src, dst string, worker int, isRedo bool) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	return s.upload(ctx, s.key(dst), in)
}

// Open implements Sink. The object appears in the bucket once the stream is
// closed. The buffered flag has no effect.
func (s *BlobSink) Open(ctx context.Context, dst string, hint os.FileInfo, buffered bool) (Stream, error) {
	spool, err := os.CreateTemp(s.options.SpoolDir, "hotbackup-spool-*")
	if err != nil {
		return nil, errors.Wrap(err, "create spool file")
	}
	return &blobStream{ctx: ctx, sink: s, key: s.key(dst), spool: spool}, nil
}

// Remove implements Sink.
func (s *BlobSink) Remove(ctx context.Context, p string) error {
	if err := s.bucket.Delete(ctx, s.key(p)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return errors.Wrapf(err, "delete %s", p)
	}
	return nil
}

// RemoveAll implements Sink.
func (s *BlobSink) RemoveAll(ctx context.Context, dir string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key(strings.TrimSuffix(dir, "/") + "/")})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "list %s", dir)
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return errors.Wrapf(err, "delete %s", obj.Key)
		}
	}
}

// Rename implements Sink with a copy followed by a delete.
func (s *BlobSink) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := s.bucket.Copy(ctx, s.key(newPath), s.key(oldPath), nil); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return errors.Mark(errors.Wrapf(err, "rename %s", oldPath), ErrNotFound)
		}
		return errors.Wrapf(err, "copy %s to %s", oldPath, newPath)
	}
	if err := s.bucket.Delete(ctx, s.key(oldPath)); err != nil {
		return errors.Wrapf(err, "delete %s", oldPath)
	}
	return nil
}

// List implements Sink.
func (s *BlobSink) List(ctx context.Context, dir string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix:    s.key(strings.TrimSuffix(dir, "/") + "/"),
		Delimiter: "/",
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", dir)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, path.Clean(strings.TrimPrefix(obj.Key, s.options.Prefix)))
	}

	return keys, nil
}

// URI returns the canonical URI for the given path.
func (s *BlobSink) URI(p string) string {
	base := s.url
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + s.key(p)
}

// Close releases the bucket connection.
func (s *BlobSink) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

type blobStream struct {
	ctx   context.Context
	sink  *BlobSink
	key   string
	spool *os.File
}

func (st *blobStream) Write(p []byte) (int, error) {
	return st.spool.Write(p)
}

func (st *blobStream) SeekSet(off int64) error {
	_, err := st.spool.Seek(off, io.SeekStart)
	return errors.Wrap(err, "seek spool file")
}

func (st *blobStream) Close() error {
	defer os.Remove(st.spool.Name())
	defer st.spool.Close()

	if _, err := st.spool.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewind spool file")
	}
	return st.sink.upload(st.ctx, st.key, st.spool)
}
