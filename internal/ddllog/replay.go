package ddllog

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/withObsrvr/hotbackup/internal/common"
	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
)

// ErrReplay marks failures to apply the DDL log to the backup. The backup
// must be discarded.
var ErrReplay = errors.New("ddl log replay failed")

const dbOptionFile = "db.opt"

// Replayer applies DDL log records to the copied files, so the backup
// reflects the schema as of the end of the copy.
type Replayer struct {
	root string
	sink storage.Sink
	log  *slog.Logger

	processed map[tables.Key]bool
	dropped   map[string]bool

	mu     sync.Mutex
	copied map[tables.Key]string
}

// NewReplayer creates a replayer copying from the data directory root.
func NewReplayer(root string, sink storage.Sink) *Replayer {
	return &Replayer{
		root:      root,
		sink:      sink,
		log:       logging.Component("ddllog"),
		processed: make(map[tables.Key]bool),
		dropped:   make(map[string]bool),
		copied:    make(map[tables.Key]string),
	}
}

// Copied records the definition version of a table copied by the backup.
// It has the signature of a post-copy hook and may be called concurrently.
func (r *Replayer) Copied(db, table, version string) {
	if version == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copied[tables.Key{DB: db, Table: table}] = version
}

func (r *Replayer) isCopied(k tables.Key, id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.copied[k]
	return ok && normalizeID(v) == normalizeID(id)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "-", ""))
}

// Replay applies entries in log order, then replays the in-place rewrites
// newest first, skipping tables already brought up to date. Any failure is
// marked ErrReplay.
func (r *Replayer) Replay(ctx context.Context, entries []Entry) error {
	var deferred []*Entry
	for i := range entries {
		e := &entries[i]
		if err := ctx.Err(); err != nil {
			return errors.Mark(err, ErrReplay)
		}
		if e.inPlace() {
			deferred = append(deferred, e)
			continue
		}
		if err := r.apply(ctx, e); err != nil {
			return errors.Mark(errors.Wrapf(err, "replay %s", e), ErrReplay)
		}
	}

	for i := len(deferred) - 1; i >= 0; i-- {
		e := deferred[i]
		k := e.NewKey()
		if r.dropped[k.DB] || r.processed[k] {
			r.log.Debug("skipping superseded ddl log record", "entry", e.String())
			continue
		}
		if err := r.recopy(ctx, k, e.FinalEngine()); err != nil {
			return errors.Mark(errors.Wrapf(err, "replay %s", e), ErrReplay)
		}
		r.processed[k] = true
		metrics.Get().IncDDLEntriesReplayed(e.Kind.String())
	}
	r.log.Info("ddl log replayed", "entries", len(entries), "deferred", len(deferred))
	return nil
}

// inPlace reports whether the entry rewrites a table's files without
// changing its identity or engine.
func (e *Entry) inPlace() bool {
	if e.IsDatabase() {
		return false
	}
	if e.Kind.deferred() {
		return true
	}
	return e.Kind == Alter && e.NewKey() == e.Key() && strings.EqualFold(e.FinalEngine(), e.Engine)
}

func (r *Replayer) apply(ctx context.Context, e *Entry) error {
	if e.IsDatabase() {
		return r.applyDatabase(ctx, e)
	}
	if r.dropped[e.DB] {
		r.log.Debug("skipping record of dropped database", "entry", e.String())
		return nil
	}

	old, cur := e.Key(), e.NewKey()
	switch e.Kind {
	case Create:
		if r.isCopied(old, e.ID) {
			r.log.Debug("table already copied at this version", "db", old.DB, "table", old.Table)
		} else if err := r.recopy(ctx, old, e.Engine); err != nil {
			return err
		}
		r.processed[old] = true

	case Alter:
		if cur != old {
			if err := r.removeTable(ctx, old); err != nil {
				return err
			}
		}
		if !r.isCopied(cur, e.NewID) {
			if err := r.recopy(ctx, cur, e.FinalEngine()); err != nil {
				return err
			}
		}
		r.processed[old] = true
		r.processed[cur] = true

	case Drop:
		if err := r.removeTable(ctx, old); err != nil {
			return err
		}
		r.processed[old] = true

	case Rename:
		if err := r.rename(ctx, e); err != nil {
			return err
		}
		r.processed[old] = true
		r.processed[cur] = true

	default:
		return errors.AssertionFailedf("unexpected ddl log record kind %s", e.Kind)
	}
	metrics.Get().IncDDLEntriesReplayed(e.Kind.String())
	return nil
}

func (r *Replayer) applyDatabase(ctx context.Context, e *Entry) error {
	dir := tables.EncodeName(e.DB)
	switch e.Kind {
	case Create, Alter:
		delete(r.dropped, e.DB)
		src := filepath.Join(r.root, dir, dbOptionFile)
		if err := r.sink.CopyFile(ctx, src, path.Join(dir, dbOptionFile), 0, false); err != nil {
			if oserror.IsNotExist(err) {
				return nil
			}
			return errors.Wrapf(err, "copy options of database %s", e.DB)
		}
	case Drop:
		if err := r.sink.RemoveAll(ctx, dir); err != nil {
			return errors.Wrapf(err, "remove database %s", e.DB)
		}
		r.dropped[e.DB] = true
	default:
		return nil
	}
	metrics.Get().IncDDLEntriesReplayed(e.Kind.String())
	return nil
}

func (r *Replayer) rename(ctx context.Context, e *Entry) error {
	old, cur := e.Key(), e.NewKey()
	if e.Partitioned || e.NewPartitioned {
		// Partition sets are copied again rather than renamed file by file.
		if err := r.removeTable(ctx, old); err != nil {
			return err
		}
		return r.recopy(ctx, cur, e.FinalEngine())
	}

	renamed := false
	for _, ext := range common.Extensions(e.Engine) {
		from, to := fileName(old, ext), fileName(cur, ext)
		err := r.sink.Rename(ctx, from, to)
		switch {
		case err == nil:
			renamed = true
		case errors.Is(err, storage.ErrNotFound):
		default:
			return errors.Wrapf(err, "rename %s", from)
		}
	}
	if !renamed {
		// The table was created after it could have been copied.
		return r.recopy(ctx, cur, e.FinalEngine())
	}
	// Trigger files name the table inside, so the renamed table's
	// definitions come from the data directory.
	if err := r.removeSchema(ctx, old); err != nil {
		return err
	}
	return r.copySchema(ctx, cur)
}

func fileName(k tables.Key, ext string) string {
	return tables.EncodeName(k.DB) + "/" + tables.EncodeName(k.Table) + "." + ext
}

// recopy replaces the copied files of k with its current files.
func (r *Replayer) recopy(ctx context.Context, k tables.Key, engine string) error {
	if err := r.removeTable(ctx, k); err != nil {
		return err
	}
	t, err := common.FindTable(r.root, k.DB, k.Table, engine)
	if err != nil {
		return err
	}
	if t == nil {
		r.log.Debug("no files to copy", "db", k.DB, "table", k.Table, "engine", engine)
		return r.copySchema(ctx, k)
	}
	files := append(t.Files(), t.SchemaFiles(r.root)...)
	for _, rel := range files {
		if err := r.copyFile(ctx, rel); err != nil {
			return err
		}
	}
	r.log.Info("table copied again", "db", k.DB, "table", k.Table, "engine", engine, "files", len(files))
	return nil
}

// copySchema copies every definition file named after k.
func (r *Replayer) copySchema(ctx context.Context, k tables.Key) error {
	for _, ext := range common.TableSchemaExtensions {
		if err := r.copyFile(ctx, fileName(k, ext)); err != nil {
			return err
		}
	}
	return nil
}

// copyFile copies rel from the data directory. A missing source is not an
// error: a later record removes the table.
func (r *Replayer) copyFile(ctx context.Context, rel string) error {
	src := filepath.Join(r.root, filepath.FromSlash(rel))
	if err := r.sink.CopyFile(ctx, src, rel, 0, false); err != nil {
		if oserror.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "copy %s", rel)
	}
	return nil
}

// removeTable removes every copied data and definition file of k, for
// every engine.
func (r *Replayer) removeTable(ctx context.Context, k tables.Key) error {
	dir := tables.EncodeName(k.DB)
	file := tables.EncodeName(k.Table)
	paths, err := r.sink.List(ctx, dir)
	if err != nil {
		return errors.Wrapf(err, "list %s", dir)
	}
	for _, p := range paths {
		base, ext := splitExt(path.Base(p))
		if base != file && !strings.HasPrefix(base, file+tables.PartitionMarker) {
			continue
		}
		if common.EngineOf(ext) == "" && !common.IsTableSchemaExt(ext) {
			continue
		}
		if err := r.sink.Remove(ctx, p); err != nil {
			return errors.Wrapf(err, "remove %s", p)
		}
	}
	return nil
}

func (r *Replayer) removeSchema(ctx context.Context, k tables.Key) error {
	for _, ext := range common.TableSchemaExtensions {
		if err := r.sink.Remove(ctx, fileName(k, ext)); err != nil {
			return errors.Wrapf(err, "remove %s", fileName(k, ext))
		}
	}
	return nil
}

func splitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
