package ddllog

import (
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// DefaultChunkSize is the read size of a Reader.
const DefaultChunkSize = 64 << 10

// Reader streams a DDL log through Parse in fixed-size chunks.
type Reader struct {
	r     io.Reader
	chunk int
}

// NewReader creates a reader. A chunkSize of zero means DefaultChunkSize.
func NewReader(r io.Reader, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{r: r, chunk: chunkSize}
}

// ForEach calls fn for every record. A trailing record without a newline is
// still being written by the server and is ignored.
func (r *Reader) ForEach(fn func(Entry) error) error {
	var pending []byte
	buf := make([]byte, r.chunk)
	for {
		n, rerr := r.r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			consumed, err := Parse(pending, fn)
			if err != nil {
				return err
			}
			pending = append(pending[:0], pending[consumed:]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "read ddl log")
		}
	}
	if len(pending) > 0 {
		slog.Warn("ignoring incomplete ddl log record", "bytes", len(pending))
	}
	return nil
}

// ReadAll returns every record.
func (r *Reader) ReadAll() ([]Entry, error) {
	var entries []Entry
	err := r.ForEach(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// ReadFile reads the DDL log at path. A missing file holds no records.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "open ddl log %s", path)
	}
	defer f.Close()
	return NewReader(f, 0).ReadAll()
}
