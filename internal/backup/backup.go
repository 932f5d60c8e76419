// Package backup runs a complete online backup: it drives the server's backup
// stage protocol around the engine backups, replays the DDL log over the
// copy and records the result.
package backup

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/hotbackup/internal/aria"
	"github.com/withObsrvr/hotbackup/internal/checkpoint"
	"github.com/withObsrvr/hotbackup/internal/common"
	"github.com/withObsrvr/hotbackup/internal/ddllog"
	"github.com/withObsrvr/hotbackup/internal/lock"
	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/metadata"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/tables"
	"github.com/withObsrvr/hotbackup/internal/workpool"
)

// Config describes one backup run.
type Config struct {
	ID   string
	Name string

	DataDir    string
	AriaLogDir string
	// DDLLog is the server's backup DDL log, relative to DataDir unless
	// absolute.
	DDLLog  string
	Workers int
	NoLock  bool
	Filter  *tables.Filter

	Checkpoint  checkpoint.Config
	ToolVersion string
	Command     string
	Compressed  bool
}

func (c Config) ddlLogPath() string {
	if c.DDLLog == "" || filepath.IsAbs(c.DDLLog) {
		return c.DDLLog
	}
	return filepath.Join(c.DataDir, c.DDLLog)
}

// Result is the outcome of a run. It is returned even when the run fails.
type Result struct {
	Record   metadata.BackupRecord
	Failures []*workpool.TaskError
	// Replayed is the number of DDL log records applied to the copy.
	Replayed int
}

// Runner runs backups.
type Runner struct {
	cfg     Config
	env     *tables.Env
	history metadata.Writer
}

// New creates a runner. history may be nil.
func New(cfg Config, env *tables.Env, history metadata.Writer) *Runner {
	if cfg.ID == "" {
		cfg.ID = logging.GenerateBackupID()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:     cfg,
		env:     env,
		history: history,
	}
}

// run holds the state of one Run call.
type run struct {
	*Runner
	stages   *stages
	aria     *aria.Backup
	common   *common.Backup
	replayer *ddllog.Replayer
	recorder *checkpoint.Recorder
	result   *Result
}

// Run performs the backup. Errors marked aria.ErrFatal mean the copy is
// unusable; any error means the backup must be discarded.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx = logging.WithBackupID(ctx, r.cfg.ID)
	log := logging.FromContext(ctx).With("component", "backup")
	start := time.Now()
	log.Info("backup started", "datadir", r.cfg.DataDir, "destination", r.env.Sink.URI(""),
		"workers", r.cfg.Workers, "no_lock", r.cfg.NoLock)

	pool := workpool.NewPool()
	pool.Start(r.cfg.Workers)
	defer pool.Stop()

	rn := &run{
		Runner:   r,
		stages:   newStages(r.env.Locker, r.cfg.NoLock, log),
		aria:     aria.New(aria.Config{DataDir: r.cfg.DataDir, LogDir: r.cfg.AriaLogDir, Filter: r.cfg.Filter}, r.env, pool),
		common:   common.New(common.Config{DataDir: r.cfg.DataDir, Filter: r.cfg.Filter}, r.env, pool),
		replayer: ddllog.NewReplayer(r.cfg.DataDir, r.env.Sink),
		recorder: checkpoint.NewRecorder(),
		result:   &Result{},
	}
	defer rn.aria.Close()
	defer rn.common.Close()
	rn.aria.SetPostCopyHook(rn.hook(aria.EngineName))
	rn.common.SetPostCopyHook(rn.hook("common"))

	err := rn.execute(ctx)
	// A failed step may leave jobs running; they finish before their
	// handles are released.
	rn.aria.WaitForFinish()
	rn.common.WaitForFinish()
	// The server must leave the backup stages even when the copy failed.
	err = errors.CombineErrors(err, rn.stages.end(context.WithoutCancel(ctx)))

	rn.result.Failures = append(rn.aria.Errors(), rn.common.Errors()...)
	rn.result.Record = r.record(start, rn, err)
	if err == nil {
		err = rn.finish(ctx)
		if err != nil {
			rn.result.Record.Status = metadata.StatusFailed
			rn.result.Record.Error = err.Error()
		}
	}
	r.recordHistory(ctx, log, rn.result.Record)
	metrics.Get().IncBackups(rn.result.Record.Status)

	if err != nil {
		log.Error("backup failed", "error", err, "failed_tasks", len(rn.result.Failures),
			"fatal", errors.Is(err, aria.ErrFatal))
		return rn.result, err
	}
	log.Info("backup completed", "duration", time.Since(start),
		"tables", rn.recorder.Len(), "lock_time", rn.stages.lockTime)
	return rn.result, nil
}

func (rn *run) hook(engine string) func(db, table, version string) {
	record := rn.recorder.Hook(engine)
	return func(db, table, version string) {
		record(db, table, version)
		rn.replayer.Copied(db, table, version)
	}
}

func (rn *run) execute(ctx context.Context) error {
	noLock := rn.cfg.NoLock

	if err := rn.stages.enter(ctx, lock.StageStart); err != nil {
		return err
	}
	rn.aria.Start(ctx, noLock)
	if err := rn.common.Scan(ctx, noLock); err != nil {
		return errors.Wrap(err, "scan common engine tables")
	}
	rn.common.CopyLogTables(ctx, false)
	if err := wait(ctx, rn.aria, rn.common); err != nil {
		return err
	}
	if err := rn.aria.CopyLogTail(ctx); err != nil {
		return err
	}

	if err := rn.stages.enter(ctx, lock.StageFlush); err != nil {
		return err
	}
	// Tables touched by DDL so far are left for the final copy, after
	// which the replay brings them up to date.
	early, err := rn.readDDLLog()
	if err != nil {
		return err
	}
	rn.aria.CopyOfflineTables(ctx, ddllog.Tables(early), noLock, false)
	if err := wait(ctx, rn.aria); err != nil {
		return err
	}

	if err := rn.stages.enter(ctx, lock.StageBlockDDL); err != nil {
		return err
	}
	rn.common.CopySchemaFiles(ctx)
	if err := rn.copyDDLLog(ctx); err != nil {
		return err
	}
	entries, err := rn.readDDLLog()
	if err != nil {
		return err
	}
	if err := wait(ctx, rn.common); err != nil {
		return err
	}

	if err := rn.stages.enter(ctx, lock.StageBlockCommit); err != nil {
		return err
	}
	rn.common.CopyStatsTables(ctx, noLock)
	rn.common.CopyLogTables(ctx, true)
	if err := wait(ctx, rn.common); err != nil {
		return err
	}
	if err := rn.aria.Finalize(ctx); err != nil {
		return err
	}

	if err := rn.replayer.Replay(ctx, entries); err != nil {
		return errors.Mark(err, aria.ErrFatal)
	}
	rn.result.Replayed = len(entries)

	return rn.stages.enter(ctx, lock.StageEnd)
}

func (rn *run) readDDLLog() ([]ddllog.Entry, error) {
	path := rn.cfg.ddlLogPath()
	if path == "" {
		return nil, nil
	}
	entries, err := ddllog.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read ddl log %s", path), aria.ErrFatal)
	}
	return entries, nil
}

// copyDDLLog keeps the DDL log with the backup. A server that has not
// logged any DDL has no log file.
func (rn *run) copyDDLLog(ctx context.Context) error {
	path := rn.cfg.ddlLogPath()
	if path == "" {
		return nil
	}
	err := rn.env.Sink.CopyFile(ctx, path, filepath.Base(path), 0, false)
	if err != nil && !oserror.IsNotExist(err) {
		return errors.Wrap(err, "copy ddl log")
	}
	return nil
}

// finish writes the files describing a successful backup.
func (rn *run) finish(ctx context.Context) error {
	mgr := checkpoint.NewManager(rn.cfg.Checkpoint, rn.env.Sink)
	if err := mgr.Save(ctx, rn.recorder.Manifest(rn.cfg.ID)); err != nil {
		return errors.Wrap(err, "save table manifest")
	}
	if err := metadata.NewInfo(rn.result.Record).Write(ctx, rn.env.Sink); err != nil {
		return errors.Wrap(err, "write backup info")
	}
	return nil
}

func (r *Runner) record(start time.Time, rn *run, err error) metadata.BackupRecord {
	rec := metadata.BackupRecord{
		ID:            r.cfg.ID,
		Name:          r.cfg.Name,
		ToolVersion:   r.cfg.ToolVersion,
		Command:       r.cfg.Command,
		Destination:   r.env.Sink.URI(""),
		StartTime:     start,
		EndTime:       time.Now(),
		LockTime:      rn.stages.lockTime,
		LastLogNumber: rn.aria.LastLogNumber(),
		TablesCopied:  rn.recorder.Len(),
		Partial:       r.cfg.Filter != nil,
		Compressed:    r.cfg.Compressed,
		Status:        metadata.StatusSucceeded,
	}
	if err != nil {
		rec.Status = metadata.StatusFailed
		rec.Error = err.Error()
	}
	return rec
}

// recordHistory stores rec in the catalog. A catalog failure does not fail
// the backup.
func (r *Runner) recordHistory(ctx context.Context, log *slog.Logger, rec metadata.BackupRecord) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordBackup(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record backup history", "error", err)
	}
}

type waiter interface {
	WaitForFinish() bool
	Err() error
}

// wait joins the pushed jobs of every part and returns their failures.
func wait(ctx context.Context, parts ...waiter) error {
	g, _ := errgroup.WithContext(ctx)
	for _, p := range parts {
		p := p
		g.Go(func() error {
			if !p.WaitForFinish() {
				return p.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
