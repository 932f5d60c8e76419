package aria

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/segment"
	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
)

const maxTailChunk = 10 << 20

// logTail is the copy position in the active log segment. The handles stay
// open between passes so each pass resumes where the previous one stopped.
type logTail struct {
	mu  sync.Mutex
	dir string
	num uint32
	src *os.File
	dst storage.Stream
}

func (lt *logTail) close() error {
	var err error
	if lt.src != nil {
		err = lt.src.Close()
		lt.src = nil
	}
	if lt.dst != nil {
		err = errors.CombineErrors(err, lt.dst.Close())
		lt.dst = nil
	}
	return err
}

// settled returns how many of the remaining bytes of an active segment can
// be copied without racing the engine. The last page may still be rewritten,
// so it is always left for a later pass.
func settled(remaining int64) int64 {
	if remaining < engine.PageSize {
		return 0
	}
	return remaining/engine.PageSize*engine.PageSize - engine.PageSize
}

// copyLogTail copies the active segment. Without finalize only settled
// pages are copied; with finalize everything up to EOF is. Whenever the next
// segment already exists, the current one is finished, its max LSN field is
// re-read and patched into the copy, and the copier moves on.
func (b *Backup) copyLogTail(ctx context.Context, worker int, finalize bool) (err error) {
	lt := &b.tail
	lt.mu.Lock()
	defer lt.mu.Unlock()

	defer func() {
		if err != nil {
			lt.close()
		}
	}()

	if lt.num == 0 {
		return nil
	}

	for {
		log := logging.SegmentLogger(worker, lt.num).With("finalize", finalize)
		if !finalize && !b.group.Result() {
			log.Info("skipping log tail copy after failure")
			return nil
		}

		if lt.src == nil {
			path := segment.Path(lt.dir, lt.num)
			if lt.src, err = tables.OpenReadOnly(path); err != nil {
				return errors.Wrapf(err, "open log segment %s", path)
			}
		}
		if lt.dst == nil {
			if lt.dst, err = b.env.Sink.Open(ctx, segment.Name(lt.num), nil, false); err != nil {
				return errors.Wrapf(err, "create log segment copy %s", segment.Name(lt.num))
			}
		}

		limit := int64(-1)
		if !finalize {
			fi, err := lt.src.Stat()
			if err != nil {
				return errors.Wrap(err, "stat log segment")
			}
			off, err := lt.src.Seek(0, io.SeekCurrent)
			if err != nil {
				return errors.Wrap(err, "get log segment position")
			}
			limit = settled(fi.Size() - off)
		}
		if limit != 0 {
			n, err := b.copyChunk(ctx, lt.src, lt.dst, limit)
			if err != nil {
				return err
			}
			log.Debug("log tail copied", "bytes", n)
		}

		next := lt.num + 1
		if !segment.Exists(lt.dir, next) {
			return nil
		}

		// The engine has rotated: this segment is complete and its header
		// now carries the final max LSN.
		if _, err := b.copyChunk(ctx, lt.src, lt.dst, -1); err != nil {
			return err
		}
		// The max LSN is patched into the finished segment's own header,
		// not the next one's.
		var lsn [engine.LSNStoreSize]byte
		if _, err := lt.src.ReadAt(lsn[:], engine.MaxLSNOffset); err != nil {
			return errors.Wrap(err, "read max LSN")
		}
		if err := lt.dst.SeekSet(engine.MaxLSNOffset); err != nil {
			return errors.Wrap(err, "seek to max LSN")
		}
		if _, err := lt.dst.Write(lsn[:]); err != nil {
			return errors.Wrap(err, "write max LSN")
		}
		if err := lt.close(); err != nil {
			return errors.Wrapf(err, "close log segment %d", lt.num)
		}
		log.Info("log segment finished, following rotation", "next", next)
		metrics.Get().IncSegmentsCopied()
		lt.num = next
	}
}

// copyChunk copies up to limit bytes, or to EOF if limit is negative.
func (b *Backup) copyChunk(ctx context.Context, src io.Reader, dst io.Writer, limit int64) (int64, error) {
	size := int64(maxTailChunk)
	if limit >= 0 && limit < size {
		size = limit
	}
	buf := make([]byte, size)

	var total int64
	for limit < 0 || total < limit {
		want := buf
		if limit >= 0 && limit-total < int64(len(want)) {
			want = want[:limit-total]
		}
		if err := b.env.Throttle.Wait(ctx, len(want)); err != nil {
			return total, err
		}
		n, err := src.Read(want)
		if n > 0 {
			if _, werr := dst.Write(want[:n]); werr != nil {
				return total, errors.Wrap(werr, "write log segment copy")
			}
			total += int64(n)
			metrics.Get().AddTailBytes(int64(n))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, errors.Wrap(err, "read log segment")
		}
	}
	return total, nil
}
