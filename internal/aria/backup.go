// Package aria backs up the tables and recovery log of the block-record
// engine while the server keeps writing to them.
//
// A scan job discovers tables and log segments and fans out one copy job
// per table and per segment. Tables whose capabilities do not allow a
// lock-free copy are set aside and copied later, under a stronger lock held
// by the caller, through CopyOfflineTables and Finalize. The active log
// segment is tailed page by page until Finalize copies what remains.
package aria

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/metrics"
	"github.com/withObsrvr/hotbackup/internal/segment"
	"github.com/withObsrvr/hotbackup/internal/tables"
	"github.com/withObsrvr/hotbackup/internal/workpool"
)

// ErrFatal marks errors after which the backup cannot be used at all.
var ErrFatal = errors.New("fatal backup error")

func fatalf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrFatal)
}

func fatal(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrFatal)
}

// EngineName labels metrics and logs.
const EngineName = "Aria"

// PostCopyHook is called for every table copied, with the table definition
// version read when it was opened.
type PostCopyHook func(db, table, version string)

// Config locates the engine's files.
type Config struct {
	// DataDir holds one directory per database.
	DataDir string
	// LogDir holds the control file and log segments. Relative paths are
	// resolved against DataDir; empty means DataDir.
	LogDir string
	Filter *tables.Filter
}

func (c Config) logDir() string {
	switch {
	case c.LogDir == "":
		return c.DataDir
	case filepath.IsAbs(c.LogDir):
		return c.LogDir
	default:
		return filepath.Join(c.DataDir, c.LogDir)
	}
}

// Backup copies the engine's files. Its methods other than Start and
// CopyLogTail must not be called while jobs are running.
type Backup struct {
	cfg   Config
	env   *tables.Env
	group *workpool.TaskGroup
	log   *slog.Logger
	hook  PostCopyHook

	mu      sync.Mutex
	offline []*tables.Table

	// lastLog is the segment handed to the tail copier. It is written by
	// the scan job before any segment job is pushed.
	lastLog uint32
	tail    logTail
}

// New creates a backup scheduling its jobs on pool. env.Root must be
// cfg.DataDir.
func New(cfg Config, env *tables.Env, pool *workpool.Pool) *Backup {
	return &Backup{
		cfg:   cfg,
		env:   env,
		group: workpool.NewTaskGroup(pool),
		log:   logging.Component("aria"),
		tail:  logTail{dir: cfg.logDir()},
	}
}

// SetPostCopyHook sets the hook called after each table copy.
func (b *Backup) SetPostCopyHook(hook PostCopyHook) {
	b.hook = hook
}

// Start pushes the scan job. Tables are copied only if they can be copied
// without a lock; the others are deferred.
func (b *Backup) Start(ctx context.Context, noLock bool) {
	b.group.PushTask("aria scan", func(worker int) error {
		return b.scan(ctx, noLock, worker)
	})
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

func (b *Backup) scan(ctx context.Context, noLock bool, worker int) error {
	log := logging.WorkerLogger(worker).With("component", "aria")
	logDir := b.tail.dir

	control := filepath.Join(logDir, segment.ControlFileName)
	if err := b.env.Sink.CopyFile(ctx, control, segment.ControlFileName, worker, false); err != nil {
		return errors.Wrap(err, "copy log control file")
	}

	log.Info("loading log control file", "path", control)
	ctl, err := engine.ReadControl(control)
	if err != nil {
		return fatal(err, "open log control file")
	}
	log.Info("log control file loaded", "last_log_number", ctl.LastLogNumber)

	log.Info("start scanning tables")
	found, err := b.discover()
	if err != nil {
		return err
	}
	for _, t := range found {
		b.pushTable(ctx, t, true, false, noLock)
	}

	log.Info("start scanning log segments")
	logs := segment.Scan(logDir, ctl.LastLogNumber)
	logs.Report(log)
	if err := logs.MustContain(ctl.LastLogNumber); err != nil {
		return errors.Mark(err, ErrFatal)
	}

	b.lastLog = logs.Last()
	b.tail.mu.Lock()
	b.tail.num = b.lastLog
	b.tail.mu.Unlock()

	for n := logs.First; n <= logs.Last(); n++ {
		b.pushSegment(ctx, n)
	}
	log.Info("stop scanning tables", "tables", len(found), "segments", logs.Count)
	return nil
}

// discover walks the database directories and returns one closed table per
// logical table, with partitions merged.
func (b *Backup) discover() ([]*tables.Table, error) {
	dbs, err := os.ReadDir(b.cfg.DataDir)
	if err != nil {
		return nil, errors.Wrapf(err, "read data directory %s", b.cfg.DataDir)
	}

	var found []*tables.Table
	partitioned := make(map[tables.Key]*tables.Table)
	for _, db := range dbs {
		if !db.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.cfg.DataDir, db.Name()))
		if err != nil {
			// The database was dropped after it was listed.
			b.log.Info("skipping database", "db", db.Name(), "error", err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), "."+tables.DataExt) {
				continue
			}
			rel := db.Name() + "/" + f.Name()
			if b.cfg.Filter.Skip(rel) {
				b.log.Info("skipping filtered table file", "path", rel)
				continue
			}
			t, err := tables.Init(rel)
			if err != nil {
				b.log.Warn("cannot init table", "path", rel, "error", err)
				continue
			}
			if t.IsLog() {
				continue
			}
			if !t.Partitioned {
				found = append(found, t)
				continue
			}
			if pt, ok := partitioned[t.Key()]; ok {
				pt.AddPartition(t)
				continue
			}
			partitioned[t.Key()] = t
			found = append(found, t)
		}
	}
	return found, nil
}

func (b *Backup) pushTable(ctx context.Context, t *tables.Table, onlineOnly, copyStats, noLock bool) {
	b.group.PushTask(t.Key().String(), func(worker int) error {
		return b.processTable(ctx, t, onlineOnly, copyStats, noLock, worker)
	})
}

func (b *Backup) processTable(
	ctx context.Context, t *tables.Table, onlineOnly, copyStats, noLock bool, worker int,
) error {
	owned := true
	defer func() {
		if owned {
			t.Close()
		}
	}()

	done := metrics.Get().TrackTask("table")
	defer done()

	log := logging.TableLogger(worker, t.DB, t.Name)
	if err := t.Open(ctx, b.env, noLock, worker); err != nil {
		// Dropped or renamed since discovery.
		log.Info("cannot open table, skipping", "error", err)
		metrics.Get().IncTablesVanished(EngineName)
		return nil
	}
	caps := t.Capabilities()
	log.Debug("table opened", "online_safe", caps.OnlineBackupSafe, "block_size", caps.BlockSize,
		"partitions", len(t.Partitions))

	needCopy := (!onlineOnly || t.OnlineBackupSafe()) && (copyStats || !t.IsStats())
	if needCopy {
		if err := t.Copy(ctx, b.env, worker); err != nil {
			log.Error("table copy failed", "error", err)
			metrics.Get().IncTablesFailed(EngineName)
			return errors.Wrapf(err, "copy table %s", t.FullName())
		}
	}
	if err := t.Close(); err != nil {
		return errors.Wrapf(err, "close table %s", t.FullName())
	}

	if !needCopy {
		b.mu.Lock()
		b.offline = append(b.offline, t)
		b.mu.Unlock()
		owned = false
		log.Debug("table deferred to offline copy")
		metrics.Get().IncTablesDeferred(EngineName)
		return nil
	}

	mode := metrics.ModeOnline
	if !onlineOnly {
		mode = metrics.ModeOffline
	}
	log.Info("table copied", "mode", mode)
	metrics.Get().IncTablesCopied(EngineName, mode)
	if b.hook != nil {
		b.hook(t.DB, t.Name, t.Version)
	}
	return nil
}

func (b *Backup) pushSegment(ctx context.Context, n uint32) {
	b.group.PushTask(segment.Name(n), func(worker int) error {
		if !b.group.Result() {
			return workpool.ErrSkipped
		}
		if n < b.lastLog {
			done := metrics.Get().TrackTask("segment")
			defer done()
			src := segment.Path(b.tail.dir, n)
			if err := b.env.Sink.CopyFile(ctx, src, segment.Name(n), worker, true); err != nil {
				return errors.Wrapf(err, "copy log segment %s", src)
			}
			logging.SegmentLogger(worker, n).Info("log segment copied")
			metrics.Get().IncSegmentsCopied()
			return nil
		}
		return b.copyLogTail(ctx, worker, false)
	})
}

// CopyOfflineTables pushes copy jobs for the deferred tables. Tables in
// exclude, and statistics tables unless copyStats is set, stay deferred.
func (b *Backup) CopyOfflineTables(ctx context.Context, exclude map[tables.Key]bool, noLock, copyStats bool) {
	b.mu.Lock()
	pending := b.offline
	b.offline = nil
	b.mu.Unlock()

	var kept []*tables.Table
	for _, t := range pending {
		if exclude[t.Key()] || (!copyStats && t.IsStats()) {
			kept = append(kept, t)
			continue
		}
		b.pushTable(ctx, t, false, copyStats, noLock)
	}

	if len(kept) > 0 {
		b.mu.Lock()
		b.offline = append(b.offline, kept...)
		b.mu.Unlock()
	}
}

// Offline returns the identities of the deferred tables.
func (b *Backup) Offline() []tables.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]tables.Key, 0, len(b.offline))
	for _, t := range b.offline {
		keys = append(keys, t.Key())
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Finalize copies every table still deferred, waits for all jobs, then
// copies the rest of the active log segment to its true end. It must run
// while writes to the engine are blocked.
func (b *Backup) Finalize(ctx context.Context) error {
	b.log.Info("start copying remaining offline tables")
	b.CopyOfflineTables(ctx, nil, true, true)
	b.group.WaitForFinish()
	b.log.Info("stop copying remaining offline tables")

	err := b.copyLogTail(ctx, 0, true)
	b.tail.mu.Lock()
	b.tail.close()
	b.tail.mu.Unlock()
	return errors.CombineErrors(b.group.Err(), err)
}

// CopyLogTail copies the settled part of the active log segment, following
// rotations. Each pass shortens the final copy done by Finalize.
func (b *Backup) CopyLogTail(ctx context.Context) error {
	return b.copyLogTail(ctx, 0, false)
}

// LastLogNumber returns the segment the tail copier is positioned on, or 0
// before the scan has found one.
func (b *Backup) LastLogNumber() uint32 {
	b.tail.mu.Lock()
	defer b.tail.mu.Unlock()
	return b.tail.num
}

// Close releases the cached tail handles and any deferred tables.
func (b *Backup) Close() error {
	b.mu.Lock()
	for _, t := range b.offline {
		t.Close()
	}
	b.offline = nil
	b.mu.Unlock()

	b.tail.mu.Lock()
	defer b.tail.mu.Unlock()
	return b.tail.close()
}
