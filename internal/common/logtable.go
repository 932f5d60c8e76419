package common

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
)

// LogTable is an append-only server log table. It is copied without any
// lock, in passes: each pass appends what was written since the previous
// one. The metadata file is rewritten in place by the engine and is only
// copied by the final pass.
type LogTable struct {
	*Table

	srcs []*os.File
	dsts []storage.Stream
}

// Copy runs one pass. The final pass also copies the metadata files and
// releases the cached handles.
func (lt *LogTable) Copy(ctx context.Context, env *tables.Env, final bool) (err error) {
	defer func() {
		if err != nil || final {
			err = errors.CombineErrors(err, lt.close())
		}
	}()

	if lt.srcs == nil {
		if err := lt.open(ctx, env); err != nil {
			return err
		}
	}

	buf := make([]byte, copyBufferSize)
	for i, src := range lt.srcs {
		if _, err := copyStream(ctx, env, src, lt.dsts[i], buf); err != nil {
			return err
		}
	}
	if !final {
		return nil
	}

	for _, rel := range lt.files {
		if _, ext := splitExt(rel); ext != csvMetaExt {
			continue
		}
		src, err := tables.OpenReadOnly(filepath.Join(env.Root, filepath.FromSlash(rel)))
		if err != nil {
			return errors.Wrapf(err, "open log table file %s", rel)
		}
		err = copyFile(ctx, env, src, rel, buf)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (lt *LogTable) open(ctx context.Context, env *tables.Env) error {
	for _, rel := range lt.files {
		if _, ext := splitExt(rel); ext == csvMetaExt {
			continue
		}
		src, err := tables.OpenReadOnly(filepath.Join(env.Root, filepath.FromSlash(rel)))
		if err != nil {
			return errors.Wrapf(err, "open log table file %s", rel)
		}
		lt.srcs = append(lt.srcs, src)
		fi, err := src.Stat()
		if err != nil {
			return errors.Wrapf(err, "stat %s", rel)
		}
		dst, err := env.Sink.Open(ctx, rel, fi, false)
		if err != nil {
			return errors.Wrapf(err, "open destination %s", rel)
		}
		lt.dsts = append(lt.dsts, dst)
	}
	return nil
}

func (lt *LogTable) close() error {
	var err error
	for _, d := range lt.dsts {
		err = errors.CombineErrors(err, d.Close())
	}
	closeAll(lt.srcs)
	lt.srcs, lt.dsts = nil, nil
	return err
}
