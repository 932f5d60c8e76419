package common

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/lock"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
)

const copyBufferSize = 10 << 20

// Table is a table of a multi-file engine. Its files are copied verbatim.
type Table struct {
	DB          string
	Name        string
	Engine      string
	Version     string
	Partitioned bool

	schemaPrefix string
	// files are relative to the data directory, in discovery order.
	files []string
}

func newTable(n tables.Name, engine string) *Table {
	return &Table{
		DB:           n.DB,
		Name:         n.Table,
		Engine:       engine,
		Partitioned:  n.Partitioned,
		schemaPrefix: n.SchemaPrefix,
	}
}

// Key returns the table identity.
func (t *Table) Key() tables.Key { return tables.Key{DB: t.DB, Table: t.Name} }

// FullName returns the quoted `db`.`table` name.
func (t *Table) FullName() string { return lock.QuoteTable(t.DB, t.Name) }

// Files returns the data files of the table.
func (t *Table) Files() []string { return t.files }

// SchemaFiles returns the definition files of the table present under root.
func (t *Table) SchemaFiles(root string) []string {
	var out []string
	for _, ext := range TableSchemaExtensions {
		rel := t.schemaPrefix + "." + ext
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err == nil {
			out = append(out, rel)
		}
	}
	return out
}

func (t *Table) addFile(rel string) {
	t.files = append(t.files, rel)
}

// FindTable locates the current files of db.table for engine under root,
// including every partition. It returns nil if the table has no files.
func FindTable(root, db, table, engineName string) (*Table, error) {
	exts := Extensions(engineName)
	if exts == nil {
		return nil, nil
	}
	dbDir := tables.EncodeName(db)
	file := tables.EncodeName(table)
	entries, err := os.ReadDir(filepath.Join(root, dbDir))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list database directory %s", dbDir)
	}

	var t *Table
	for _, e := range entries {
		base, ext := splitExt(e.Name())
		if e.IsDir() || !contains(exts, ext) {
			continue
		}
		if base != file && !strings.HasPrefix(base, file+tables.PartitionMarker) {
			continue
		}
		rel := dbDir + "/" + e.Name()
		n, err := tables.ParsePath(rel)
		if err != nil {
			continue
		}
		if t == nil {
			t = newTable(n, EngineOf(ext))
		}
		t.addFile(rel)
	}
	if t != nil {
		sort.Strings(t.files)
	}
	return t, nil
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Copy opens every file of the table under the table's backup lock, then
// streams them to the sink with the lock released. The definition version
// is read once the data is copied.
func (t *Table) Copy(ctx context.Context, env *tables.Env, noLock bool, worker int) error {
	srcs, err := t.open(ctx, env, noLock, worker)
	if err != nil {
		return err
	}
	defer closeAll(srcs)

	buf := make([]byte, copyBufferSize)
	for i, src := range srcs {
		if err := copyFile(ctx, env, src, t.files[i], buf); err != nil {
			return err
		}
	}

	frm := filepath.Join(env.Root, filepath.FromSlash(t.schemaPrefix+"."+definitionExt))
	if t.Version, err = engine.TableVersion(frm); err != nil {
		slog.Warn("cannot read table version", "table", t.FullName(), "error", err)
		t.Version = ""
	}
	return nil
}

func (t *Table) open(ctx context.Context, env *tables.Env, noLock bool, worker int) (srcs []*os.File, err error) {
	if !noLock {
		if err := env.Locker.BackupLock(ctx, worker, t.FullName()); err != nil {
			return nil, errors.Wrapf(err, "backup lock for table %s", t.FullName())
		}
		defer func() {
			if uerr := env.Locker.BackupUnlock(ctx, worker); uerr != nil {
				err = errors.CombineErrors(err, errors.Wrapf(uerr, "backup unlock for table %s", t.FullName()))
			}
			if err != nil {
				closeAll(srcs)
				srcs = nil
			}
		}()
	}

	for _, rel := range t.files {
		f, err := tables.OpenReadOnly(filepath.Join(env.Root, filepath.FromSlash(rel)))
		if err != nil {
			closeAll(srcs)
			err = errors.Wrapf(err, "open table file %s", rel)
			if oserror.IsNotExist(err) {
				err = errors.Mark(err, tables.ErrVanished)
			}
			return nil, err
		}
		srcs = append(srcs, f)
	}
	return srcs, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// copyFile streams src from its current position to EOF into a new
// destination file.
func copyFile(ctx context.Context, env *tables.Env, src *os.File, dst string, buf []byte) (err error) {
	fi, err := src.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", src.Name())
	}
	out, err := env.Sink.Open(ctx, dst, fi, true)
	if err != nil {
		return errors.Wrapf(err, "open destination %s", dst)
	}
	defer func() {
		err = errors.CombineErrors(err, out.Close())
	}()
	_, err = copyStream(ctx, env, src, out, buf)
	return err
}

// copyStream copies src to out until EOF and returns the bytes copied.
func copyStream(ctx context.Context, env *tables.Env, src *os.File, out storage.Stream, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := env.Throttle.Wait(ctx, n); werr != nil {
				return total, werr
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return total, errors.Wrapf(werr, "write copy of %s", src.Name())
			}
			total += int64(n)
		}
		if err == io.EOF {
			metrics.Get().AddBytesCopied("common", total)
			return total, nil
		}
		if err != nil {
			return total, errors.Wrapf(err, "read %s", src.Name())
		}
	}
}
