package storage

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// LocalSink writes the backup into a local directory.
type LocalSink struct {
	baseDir string
}

var _ Sink = (*LocalSink)(nil)

// NewLocalSink creates a new local filesystem sink.
func NewLocalSink(baseDir string) (*LocalSink, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create base directory %s", baseDir)
	}

	return &LocalSink{baseDir: baseDir}, nil
}

// Dir returns the backup root directory.
func (s *LocalSink) Dir() string {
	return s.baseDir
}

func (s *LocalSink) path(p string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(p))
}

// CopyFile implements Sink.
func (s *LocalSink) CopyFile(ctx context.Context, src, dst string, worker int, isRedo bool) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", src)
	}
	out, err := s.Open(ctx, dst, fi, true)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}
	return out.Close()
}

// Open implements Sink.
func (s *LocalSink) Open(ctx context.Context, dst string, hint os.FileInfo, buffered bool) (Stream, error) {
	p := s.path(dst)

	// Ensure directory exists
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create directory %s", dir)
	}

	mode := os.FileMode(0644)
	if hint != nil {
		mode = hint.Mode().Perm()
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", p)
	}

	st := &localStream{f: f}
	if buffered {
		st.bw = bufio.NewWriterSize(f, 1<<20)
	}
	return st, nil
}

// Remove implements Sink.
func (s *LocalSink) Remove(ctx context.Context, p string) error {
	if err := os.Remove(s.path(p)); err != nil && !oserror.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", p)
	}
	return nil
}

// RemoveAll implements Sink.
func (s *LocalSink) RemoveAll(ctx context.Context, dir string) error {
	if err := os.RemoveAll(s.path(dir)); err != nil {
		return errors.Wrapf(err, "remove %s", dir)
	}
	return nil
}

// Rename implements Sink.
func (s *LocalSink) Rename(ctx context.Context, oldPath, newPath string) error {
	dst := s.path(newPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.Wrapf(err, "create directory for %s", newPath)
	}
	if err := os.Rename(s.path(oldPath), dst); err != nil {
		if oserror.IsNotExist(err) {
			return errors.Mark(errors.Wrapf(err, "rename %s", oldPath), ErrNotFound)
		}
		return errors.Wrapf(err, "rename %s to %s", oldPath, newPath)
	}
	return nil
}

// List implements Sink.
func (s *LocalSink) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.path(dir))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		keys = append(keys, path.Join(dir, e.Name()))
	}
	return keys, nil
}

// URI returns the canonical URI for the given path.
func (s *LocalSink) URI(p string) string {
	absPath := s.path(p)
	return "file://" + absPath
}

// Close is a no-op for local storage.
func (s *LocalSink) Close() error {
	return nil
}

type localStream struct {
	f  *os.File
	bw *bufio.Writer
}

func (st *localStream) Write(p []byte) (int, error) {
	if st.bw != nil {
		return st.bw.Write(p)
	}
	return st.f.Write(p)
}

func (st *localStream) SeekSet(off int64) error {
	if st.bw != nil {
		if err := st.bw.Flush(); err != nil {
			return errors.Wrap(err, "flush before seek")
		}
	}
	_, err := st.f.Seek(off, io.SeekStart)
	return errors.Wrapf(err, "seek %s", st.f.Name())
}

func (st *localStream) Close() error {
	var err error
	if st.bw != nil {
		err = st.bw.Flush()
	}
	return errors.CombineErrors(err, st.f.Close())
}
