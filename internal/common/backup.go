// Package common backs up tables of the engines that keep one or more plain
// files per table: MyISAM, MERGE, CSV and ARCHIVE.
//
// Ordinary tables are copied as soon as they are discovered, each under its
// own backup lock. Server log tables and statistics tables are collected
// during the scan and copied when the caller asks, so that the caller can
// place those copies inside its global lock protocol.
package common

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/tables"
	"github.com/withObsrvr/hotbackup/internal/workpool"
)

// PostCopyHook is called for every table copied.
type PostCopyHook func(db, table, version string)

// Config locates the tables.
type Config struct {
	DataDir string
	Filter  *tables.Filter
}

// Backup copies the tables of the common engines.
type Backup struct {
	cfg   Config
	env   *tables.Env
	group *workpool.TaskGroup
	log   *slog.Logger
	hook  PostCopyHook

	mu          sync.Mutex
	logTables   []*LogTable
	statsTables []*Table
}

// New creates a backup scheduling its jobs on pool.
func New(cfg Config, env *tables.Env, pool *workpool.Pool) *Backup {
	return &Backup{
		cfg:   cfg,
		env:   env,
		group: workpool.NewTaskGroup(pool),
		log:   logging.Component("common"),
	}
}

// SetPostCopyHook sets the hook called after each table copy.
func (b *Backup) SetPostCopyHook(hook PostCopyHook) {
	b.hook = hook
}

// Scan walks the data directory once. Ordinary tables are pushed as copy
// jobs right away; log and statistics tables are kept for CopyLogTables and
// CopyStatsTables.
func (b *Backup) Scan(ctx context.Context, noLock bool) error {
	b.log.Info("start scanning common engine tables")
	found, err := b.discover()
	if err != nil {
		return err
	}

	var plain int
	b.mu.Lock()
	for _, t := range found {
		switch {
		case tables.IsLogTable(t.DB, t.Name):
			b.logTables = append(b.logTables, &LogTable{Table: t})
		case tables.IsStatsTable(t.DB, t.Name):
			b.statsTables = append(b.statsTables, t)
		default:
			b.pushTable(ctx, t, noLock)
			plain++
		}
	}
	b.mu.Unlock()
	b.log.Info("stop scanning common engine tables",
		"tables", plain, "log_tables", len(b.logTables), "stats_tables", len(b.statsTables))
	return nil
}

func (b *Backup) discover() ([]*Table, error) {
	dbs, err := os.ReadDir(b.cfg.DataDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read data directory %s", b.cfg.DataDir)
	}

	var found []*Table
	byKey := make(map[tables.Key]*Table)
	for _, db := range dbs {
		if !db.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.cfg.DataDir, db.Name()))
		if err != nil {
			b.log.Info("skipping database", "db", db.Name(), "error", err)
			continue
		}
		for _, f := range files {
			_, ext := splitExt(f.Name())
			eng := EngineOf(ext)
			if f.IsDir() || eng == "" || eng == EngineAria {
				continue
			}
			rel := db.Name() + "/" + f.Name()
			if b.cfg.Filter.Skip(rel) {
				b.log.Info("skipping filtered table file", "path", rel)
				continue
			}
			n, err := tables.ParsePath(rel)
			if err != nil {
				b.log.Warn("cannot parse table file name", "path", rel, "error", err)
				continue
			}
			t, ok := byKey[n.Key]
			if !ok {
				t = newTable(n, eng)
				byKey[n.Key] = t
				found = append(found, t)
			}
			t.addFile(rel)
		}
	}
	return found, nil
}

func (b *Backup) pushTable(ctx context.Context, t *Table, noLock bool) {
	b.group.PushTask(t.Key().String(), func(worker int) error {
		done := metrics.Get().TrackTask("table")
		defer done()

		log := logging.TableLogger(worker, t.DB, t.Name)
		if err := t.Copy(ctx, b.env, noLock, worker); err != nil {
			if errors.Is(err, tables.ErrVanished) {
				log.Info("table vanished, skipping", "error", err)
				metrics.Get().IncTablesVanished(t.Engine)
				return nil
			}
			log.Error("table copy failed", "error", err)
			metrics.Get().IncTablesFailed(t.Engine)
			return errors.Wrapf(err, "copy table %s", t.FullName())
		}
		mode := metrics.ModeLocked
		if noLock {
			mode = metrics.ModeOffline
		}
		log.Info("table copied", "engine", t.Engine, "mode", mode)
		metrics.Get().IncTablesCopied(t.Engine, mode)
		b.postCopy(t)
		return nil
	})
}

func (b *Backup) postCopy(t *Table) {
	if b.hook != nil {
		b.hook(t.DB, t.Name, t.Version)
	}
}

// CopyLogTables pushes one pass over every log table. Passes before the
// final one may run while the server writes to the tables; the final pass
// must run with writes blocked. A pass must not be pushed before the
// previous one has finished.
func (b *Backup) CopyLogTables(ctx context.Context, final bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, lt := range b.logTables {
		lt := lt
		b.group.PushTask(lt.Key().String(), func(worker int) error {
			if !b.group.Result() {
				return nil
			}
			log := logging.TableLogger(worker, lt.DB, lt.Name)
			if err := lt.Copy(ctx, b.env, final); err != nil {
				log.Error("log table copy failed", "final", final, "error", err)
				metrics.Get().IncTablesFailed(lt.Engine)
				return errors.Wrapf(err, "copy log table %s", lt.FullName())
			}
			log.Info("log table copied", "final", final)
			if final {
				metrics.Get().IncTablesCopied(lt.Engine, metrics.ModeOnline)
				b.postCopy(lt.Table)
			}
			return nil
		})
	}
}

// CopyStatsTables pushes copy jobs for the statistics tables.
func (b *Backup) CopyStatsTables(ctx context.Context, noLock bool) {
	b.mu.Lock()
	stats := b.statsTables
	b.statsTables = nil
	b.mu.Unlock()
	for _, t := range stats {
		b.pushTable(ctx, t, noLock)
	}
}

// CopySchemaFiles pushes a job copying the definition files of every
// database: table definitions, partition, trigger and option files. It must
// run while DDL is blocked.
func (b *Backup) CopySchemaFiles(ctx context.Context) {
	b.group.PushTask("schema files", func(worker int) error {
		if !b.group.Result() {
			return nil
		}
		done := metrics.Get().TrackTask("schema")
		defer done()
		n, err := b.copySchemaFiles(ctx, worker)
		if err != nil {
			return err
		}
		logging.WorkerLogger(worker).Info("schema files copied", "component", "common", "files", n)
		return nil
	})
}

func (b *Backup) copySchemaFiles(ctx context.Context, worker int) (int, error) {
	dbs, err := os.ReadDir(b.cfg.DataDir)
	if err != nil {
		return 0, errors.Wrapf(err, "read data directory %s", b.cfg.DataDir)
	}
	var copied int
	for _, db := range dbs {
		if !db.IsDir() || b.cfg.Filter.SkipDatabase(tables.DecodeName(db.Name())) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.cfg.DataDir, db.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			rel := db.Name() + "/" + f.Name()
			_, ext := splitExt(f.Name())
			if f.Name() != dbOptionFile && (!IsSchemaExt(ext) || b.cfg.Filter.Skip(rel)) {
				continue
			}
			src := filepath.Join(b.cfg.DataDir, db.Name(), f.Name())
			if err := b.env.Sink.CopyFile(ctx, src, rel, worker, false); err != nil {
				if oserror.IsNotExist(err) {
					continue
				}
				return copied, errors.Wrapf(err, "copy schema file %s", rel)
			}
			copied++
		}
	}
	return copied, nil
}

// WaitForFinish blocks until every pushed job has finished and reports
// whether all succeeded.
func (b *Backup) WaitForFinish() bool {
	return b.group.WaitForFinish()
}

// Err returns the failures recorded so far.
func (b *Backup) Err() error {
	return b.group.Err()
}

// Errors returns the failures recorded so far, one per failed job.
func (b *Backup) Errors() []*workpool.TaskError {
	return b.group.Errors()
}

// Close releases the handles cached by log table passes.
func (b *Backup) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	for _, lt := range b.logTables {
		err = errors.CombineErrors(err, lt.close())
	}
	return err
}
