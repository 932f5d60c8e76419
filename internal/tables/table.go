// Package tables holds the handles used to copy one logical table: its
// partitions' open files, capabilities and definition version.
package tables

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/lock"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/throttle"
)

// ErrVanished marks an open failure caused by a table file disappearing
// after discovery, as happens on a concurrent DROP or RENAME.
var ErrVanished = errors.New("table vanished")

// Table file extensions of the block-record engine.
const (
	IndexExt = "MAI"
	DataExt  = "MAD"
)

// Env is what a table needs to be opened and copied.
type Env struct {
	// Root is the server data directory. Table paths are relative to it
	// and are reused as destination paths.
	Root     string
	Engine   engine.Engine
	Locker   lock.Locker
	Sink     storage.Sink
	Throttle *throttle.Throttler
}

func (e *Env) path(rel string) string {
	return filepath.Join(e.Root, filepath.FromSlash(rel))
}

// Partition is one physical file pair of a table.
type Partition struct {
	FilePrefix string
	Index      *os.File
	IndexStat  os.FileInfo
	Data       *os.File
	DataStat   os.FileInfo
}

// Table is a logical table. A *Table has a single owner at a time: the
// discovery map, a copy job, or the offline list.
type Table struct {
	DB          string
	Name        string
	Version     string
	Partitioned bool
	Partitions  []Partition

	schemaPrefix string
	caps         engine.Capabilities
	opened       bool
}

// Init creates a closed table from the path of one of its files, relative
// to the data directory.
func Init(path string) (*Table, error) {
	n, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	return &Table{
		DB:           n.DB,
		Name:         n.Table,
		Partitioned:  n.Partitioned,
		Partitions:   []Partition{{FilePrefix: n.FilePrefix}},
		schemaPrefix: n.SchemaPrefix,
	}, nil
}

// Key returns the table identity.
func (t *Table) Key() Key { return Key{DB: t.DB, Table: t.Name} }

// FullName returns the quoted db.table name.
func (t *Table) FullName() string { return lock.QuoteTable(t.DB, t.Name) }

// SchemaPrefix returns the relative path of the table's definition files
// without extension.
func (t *Table) SchemaPrefix() string { return t.schemaPrefix }

// IsStats reports whether this is a persistent statistics table.
func (t *Table) IsStats() bool { return IsStatsTable(t.DB, t.Name) }

// IsLog reports whether this is a server log table.
func (t *Table) IsLog() bool { return IsLogTable(t.DB, t.Name) }

// IsOpened reports whether the table's files are open.
func (t *Table) IsOpened() bool { return t.opened }

// Capabilities returns the capabilities read by Open.
func (t *Table) Capabilities() engine.Capabilities { return t.caps }

// OnlineBackupSafe reports whether the table may be copied with no lock at
// all. Only meaningful once opened.
func (t *Table) OnlineBackupSafe() bool { return t.caps.OnlineBackupSafe }

// AddPartition merges the partition of another handle of the same
// partitioned table.
func (t *Table) AddPartition(other *Table) {
	t.Partitions = append(t.Partitions, other.Partitions...)
}

// Open opens every partition's files. Unless noLock is set, the table's
// backup lock is held on the worker's session for the duration of Open
// only. On error all files are closed again.
func (t *Table) Open(ctx context.Context, env *Env, noLock bool, worker int) (err error) {
	if !noLock {
		if err := env.Locker.BackupLock(ctx, worker, t.FullName()); err != nil {
			return errors.Wrapf(err, "backup lock for table %s", t.FullName())
		}
	}
	defer func() {
		if !noLock {
			if uerr := env.Locker.BackupUnlock(ctx, worker); uerr != nil {
				err = errors.CombineErrors(err, errors.Wrapf(uerr, "backup unlock for table %s", t.FullName()))
			}
		}
		if err != nil {
			t.Close()
		}
	}()

	haveCaps := false
	for i := range t.Partitions {
		p := &t.Partitions[i]

		p.Index, p.IndexStat, err = openStat(env.path(p.FilePrefix + "." + IndexExt))
		if err != nil {
			return err
		}
		if !haveCaps {
			if t.caps, err = env.Engine.Capabilities(p.Index); err != nil {
				return errors.Wrapf(err, "capabilities of %s", p.Index.Name())
			}
			haveCaps = true
		}

		p.Data, p.DataStat, err = openStat(env.path(p.FilePrefix + "." + DataExt))
		if err != nil {
			return err
		}
	}

	frm := env.path(t.schemaPrefix + ".frm")
	if _, err := os.Stat(frm); err != nil {
		return markVanished(errors.Wrapf(err, "open table definition %s", frm))
	}
	t.opened = true

	// A missing version only means the table cannot be matched against
	// the DDL log.
	if t.Version, err = engine.TableVersion(frm); err != nil {
		slog.Warn("cannot read table version", "table", t.FullName(), "error", err)
		t.Version, err = "", nil
	}
	return nil
}

func openStat(path string) (*os.File, os.FileInfo, error) {
	f, err := OpenReadOnly(path)
	if err != nil {
		return nil, nil, markVanished(errors.Wrapf(err, "open table file %s", path))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "stat table file %s", path)
	}
	return f, fi, nil
}

func markVanished(err error) error {
	if oserror.IsNotExist(err) {
		return errors.Mark(err, ErrVanished)
	}
	return err
}

// Close releases every open file. It is safe to call more than once.
func (t *Table) Close() error {
	var err error
	for i := range t.Partitions {
		p := &t.Partitions[i]
		if p.Index != nil {
			err = errors.CombineErrors(err, p.Index.Close())
			p.Index = nil
		}
		if p.Data != nil {
			err = errors.CombineErrors(err, p.Data.Close())
			p.Data = nil
		}
	}
	t.opened = false
	return err
}

// Copy streams the index files and then the data files of every partition
// to the sink, block by block.
func (t *Table) Copy(ctx context.Context, env *Env, worker int) error {
	if !t.opened {
		return errors.AssertionFailedf("copy of unopened table %s", t.FullName())
	}
	for _, index := range []bool{true, false} {
		for i := range t.Partitions {
			if err := t.copyFile(ctx, env, &t.Partitions[i], index); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) copyFile(ctx context.Context, env *Env, p *Partition, index bool) (err error) {
	src, stat, ext, kind := p.Data, p.DataStat, DataExt, "data"
	read := env.Engine.ReadDataBlock
	if index {
		src, stat, ext, kind = p.Index, p.IndexStat, IndexExt, "index"
		read = env.Engine.ReadIndexBlock
	}
	dst := p.FilePrefix + "." + ext

	out, err := env.Sink.Open(ctx, dst, stat, true)
	if err != nil {
		return errors.Wrapf(err, "open destination %s", dst)
	}
	defer func() {
		err = errors.CombineErrors(err, out.Close())
	}()

	buf := make([]byte, t.caps.BlockSize)
	var copied int64
	for block := uint64(0); ; block++ {
		n, err := read(src, t.caps, block, buf)
		if errors.Is(err, engine.ErrEndOfBlocks) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read %s block %d of %s", kind, block, dst)
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return errors.Wrapf(err, "write %s", dst)
		}
		copied += int64(n)
		if err := env.Throttle.Wait(ctx, n); err != nil {
			return err
		}
	}
	metrics.Get().AddBytesCopied(kind, copied)
	return nil
}
