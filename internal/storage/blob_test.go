package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newMemSink(t *testing.T, compress bool) *BlobSink {
	t.Helper()
	s := NewBlobSink(memblob.OpenBucket(nil), "mem://", BlobOptions{
		Prefix:   "backups/b1/",
		Compress: compress,
		SpoolDir: t.TempDir(),
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobStreamSeekRewrite(t *testing.T) {
	ctx := context.Background()
	s := newMemSink(t, false)

	st, err := s.Open(ctx, "aria_log.00000003", nil, true)
	require.NoError(t, err)
	_, err = st.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, st.SeekSet(2))
	_, err = st.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	got, err := s.bucket.ReadAll(ctx, "backups/b1/aria_log.00000003")
	require.NoError(t, err)
	require.Equal(t, "01ab456789", string(got))
	require.Equal(t, "mem://backups/b1/aria_log.00000003", s.URI("aria_log.00000003"))
}

func TestBlobSinkCompress(t *testing.T) {
	ctx := context.Background()
	s := newMemSink(t, true)

	src := filepath.Join(t.TempDir(), "t1.MYD")
	payload := []byte("row row row row row row row row")
	require.NoError(t, os.WriteFile(src, payload, 0644))
	require.NoError(t, s.CopyFile(ctx, src, "db/t1.MYD", 1, false))

	attrs, err := s.bucket.Attributes(ctx, "backups/b1/db/t1.MYD")
	require.NoError(t, err)
	require.Equal(t, ZstdEncoding, attrs.ContentEncoding)

	r, err := s.bucket.NewReader(ctx, "backups/b1/db/t1.MYD", nil)
	require.NoError(t, err)
	defer r.Close()
	dec, err := zstd.NewReader(r)
	require.NoError(t, err)
	defer dec.Close()
	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestBlobSinkListRenameRemove(t *testing.T) {
	ctx := context.Background()
	s := newMemSink(t, false)

	for _, name := range []string{"db/t1.MAD", "db/t1.MAI", "db/sub/x.frm", "other/t2.MAD"} {
		st, err := s.Open(ctx, name, nil, false)
		require.NoError(t, err)
		_, err = st.Write([]byte(name))
		require.NoError(t, err)
		require.NoError(t, st.Close())
	}

	keys, err := s.List(ctx, "db")
	require.NoError(t, err)
	require.Equal(t, []string{"db/t1.MAD", "db/t1.MAI"}, keys)

	require.NoError(t, s.Rename(ctx, "db/t1.MAD", "db/t3.MAD"))
	keys, err = s.List(ctx, "db")
	require.NoError(t, err)
	require.Equal(t, []string{"db/t1.MAI", "db/t3.MAD"}, keys)

	err = s.Rename(ctx, "db/nope.MAD", "db/t4.MAD")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Remove(ctx, "db/t1.MAI"))
	require.NoError(t, s.Remove(ctx, "db/t1.MAI"))

	require.NoError(t, s.RemoveAll(ctx, "db"))
	keys, err = s.List(ctx, "db")
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = s.List(ctx, "other")
	require.NoError(t, err)
	require.Equal(t, []string{"other/t2.MAD"}, keys)
}

func TestNewSink(t *testing.T) {
	ctx := context.Background()

	_, err := NewSink(ctx, Config{Backend: "local"})
	require.Error(t, err)
	_, err = NewSink(ctx, Config{Backend: "tape"})
	require.Error(t, err)

	s, err := NewSink(ctx, Config{Backend: "local", LocalDir: t.TempDir()})
	require.NoError(t, err)
	require.IsType(t, &LocalSink{}, s)

	m, err := NewSink(ctx, Config{Backend: "mem"})
	require.NoError(t, err)
	require.IsType(t, &BlobSink{}, m)
	require.NoError(t, m.Close())

	f, err := NewSink(ctx, Config{Backend: "file", LocalDir: filepath.Join(t.TempDir(), "bucket")})
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestS3BucketURL(t *testing.T) {
	require.Equal(t, "s3://b", s3BucketURL("b", "", ""))
	require.Equal(t, "s3://b?endpoint=http%3A%2F%2Fminio%3A9000&region=us-east-1&s3ForcePathStyle=true",
		s3BucketURL("b", "http://minio:9000", "us-east-1"))
}
