package aria

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/engine/enginetest"
	"github.com/withObsrvr/hotbackup/internal/lock"
	"github.com/withObsrvr/hotbackup/internal/segment"
	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
	"github.com/withObsrvr/hotbackup/internal/workpool"
)

type fixture struct {
	dataDir string
	dstDir  string
	env     *tables.Env
	locker  *lock.Memory
	pool    *workpool.Pool
	backup  *Backup

	mu     sync.Mutex
	copied map[string]string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		dataDir: t.TempDir(),
		dstDir:  t.TempDir(),
		locker:  lock.NewMemory(),
		pool:    workpool.NewPool(),
		copied:  make(map[string]string),
	}
	f.pool.Start(4)
	t.Cleanup(f.pool.Stop)

	sink, err := storage.NewLocalSink(f.dstDir)
	require.NoError(t, err)
	cfg.DataDir = f.dataDir
	f.env = &tables.Env{Root: f.dataDir, Engine: engine.Paged{}, Locker: f.locker, Sink: sink}
	f.backup = New(cfg, f.env, f.pool)
	f.backup.SetPostCopyHook(func(db, table, version string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.copied[db+"."+table] = version
	})
	t.Cleanup(func() { f.backup.Close() })
	return f
}

func (f *fixture) dst(rel string) string {
	return filepath.Join(f.dstDir, filepath.FromSlash(rel))
}

func (f *fixture) requireCopy(t *testing.T, rel string) {
	t.Helper()
	want, err := os.ReadFile(filepath.Join(f.dataDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	got, err := os.ReadFile(f.dst(rel))
	require.NoError(t, err, rel)
	require.Equal(t, want, got, rel)
}

func (f *fixture) requireAbsent(t *testing.T, rel string) {
	t.Helper()
	_, err := os.Stat(f.dst(rel))
	require.True(t, os.IsNotExist(err), rel)
}

func (f *fixture) readDst(t *testing.T, rel string) []byte {
	t.Helper()
	b, err := os.ReadFile(f.dst(rel))
	require.NoError(t, err)
	return b
}

func TestBackupOnlineThenFinalize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	v1 := uuid.New()
	enginetest.WriteTable(t, f.dataDir, "db", "t1", enginetest.TableSpec{OnlineSafe: true, Version: v1})
	enginetest.WriteTable(t, f.dataDir, "db", "t2", enginetest.TableSpec{})
	enginetest.WriteTable(t, f.dataDir, "db", "p", enginetest.TableSpec{OnlineSafe: true, Partitions: []string{"p0", "p1"}})
	enginetest.WriteTable(t, f.dataDir, "mysql", "innodb_index_stats", enginetest.TableSpec{OnlineSafe: true})
	enginetest.WriteTable(t, f.dataDir, "mysql", "general_log", enginetest.TableSpec{OnlineSafe: true})

	enginetest.WriteControl(t, f.dataDir, 3)
	enginetest.WriteSegment(t, f.dataDir, 1, 2*engine.PageSize, 1)
	enginetest.WriteSegment(t, f.dataDir, 2, 2*engine.PageSize, 2)
	last := enginetest.WriteSegment(t, f.dataDir, 3, 3*engine.PageSize+100, 3)

	f.backup.Start(ctx, false)
	require.True(t, f.backup.WaitForFinish())
	require.NoError(t, f.backup.Err())

	f.requireCopy(t, segment.ControlFileName)
	f.requireCopy(t, "db/t1.MAI")
	f.requireCopy(t, "db/t1.MAD")
	f.requireCopy(t, "db/p#P#p0.MAD")
	f.requireCopy(t, "db/p#P#p1.MAI")
	f.requireAbsent(t, "db/t2.MAD")
	f.requireAbsent(t, "mysql/innodb_index_stats.MAD")
	f.requireAbsent(t, "mysql/general_log.MAD")

	f.requireCopy(t, segment.Name(1))
	f.requireCopy(t, segment.Name(2))
	// The last page of the active segment is left for a later pass.
	require.Equal(t, last[:2*engine.PageSize], f.readDst(t, segment.Name(3)))

	require.Equal(t, []tables.Key{
		{DB: "db", Table: "t2"},
		{DB: "mysql", Table: "innodb_index_stats"},
	}, f.backup.Offline())
	require.Equal(t, map[string]string{"db.t1": v1.String(), "db.p": ""}, f.copied)
	require.Zero(t, f.locker.Held())

	require.NoError(t, f.backup.Finalize(ctx))
	f.requireCopy(t, "db/t2.MAI")
	f.requireCopy(t, "db/t2.MAD")
	f.requireCopy(t, "mysql/innodb_index_stats.MAD")
	f.requireCopy(t, segment.Name(3))
	require.Empty(t, f.backup.Offline())
	require.Len(t, f.copied, 4)
}

func TestCopyOfflineTablesExclude(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	enginetest.WriteTable(t, f.dataDir, "db", "t2", enginetest.TableSpec{})
	enginetest.WriteTable(t, f.dataDir, "db", "t3", enginetest.TableSpec{})
	enginetest.WriteTable(t, f.dataDir, "mysql", "innodb_table_stats", enginetest.TableSpec{})
	enginetest.WriteControl(t, f.dataDir, 1)
	enginetest.WriteSegment(t, f.dataDir, 1, 100, 1)

	f.backup.Start(ctx, false)
	require.True(t, f.backup.WaitForFinish())
	require.Len(t, f.backup.Offline(), 3)

	f.backup.CopyOfflineTables(ctx, map[tables.Key]bool{{DB: "db", Table: "t2"}: true}, false, false)
	require.True(t, f.backup.WaitForFinish())
	f.requireCopy(t, "db/t3.MAD")
	f.requireAbsent(t, "db/t2.MAD")
	require.Equal(t, []tables.Key{
		{DB: "db", Table: "t2"},
		{DB: "mysql", Table: "innodb_table_stats"},
	}, f.backup.Offline())

	f.backup.CopyOfflineTables(ctx, nil, false, false)
	require.True(t, f.backup.WaitForFinish())
	f.requireCopy(t, "db/t2.MAD")
	require.Equal(t, []tables.Key{{DB: "mysql", Table: "innodb_table_stats"}}, f.backup.Offline())
	require.Contains(t, f.locker.Locked(), "`db`.`t2`")
}

func TestLogTailFollowsRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{LogDir: "logs"})
	logDir := filepath.Join(f.dataDir, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	enginetest.WriteControl(t, logDir, 1)
	enginetest.WriteSegment(t, logDir, 1, 2*engine.PageSize+10, 0x11)

	f.backup.Start(ctx, true)
	require.True(t, f.backup.WaitForFinish())
	require.Len(t, f.readDst(t, segment.Name(1)), engine.PageSize)

	// The engine fills segment 1, patches its max LSN and rotates.
	full := enginetest.WriteSegment(t, logDir, 1, 4*engine.PageSize, 0x22)
	next := enginetest.WriteSegment(t, logDir, 2, 100, 0x33)

	require.NoError(t, f.backup.CopyLogTail(ctx))
	require.Equal(t, full, f.readDst(t, segment.Name(1)))
	require.Empty(t, f.readDst(t, segment.Name(2)))

	require.NoError(t, f.backup.Finalize(ctx))
	require.Equal(t, next, f.readDst(t, segment.Name(2)))
}

func TestMissingLastSegmentIsFatal(t *testing.T) {
	f := newFixture(t, Config{})
	enginetest.WriteControl(t, f.dataDir, 5)
	enginetest.WriteSegment(t, f.dataDir, 1, 100, 1)
	enginetest.WriteSegment(t, f.dataDir, 2, 100, 1)

	f.backup.Start(context.Background(), false)
	require.False(t, f.backup.WaitForFinish())
	require.True(t, errors.Is(f.backup.Err(), ErrFatal))
	require.True(t, errors.Is(f.backup.Err(), segment.ErrMissingSegment))
}

func TestMissingControlFile(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.Start(context.Background(), false)
	require.False(t, f.backup.WaitForFinish())
	require.Len(t, f.backup.Errors(), 1)
	require.Equal(t, "aria scan", f.backup.Errors()[0].Object)
}

func TestVanishedTableIsSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	enginetest.WriteTable(t, f.dataDir, "db", "t1", enginetest.TableSpec{OnlineSafe: true})
	enginetest.WriteTable(t, f.dataDir, "db", "gone", enginetest.TableSpec{OnlineSafe: true})
	require.NoError(t, os.Remove(filepath.Join(f.dataDir, "db", "gone.frm")))
	enginetest.WriteControl(t, f.dataDir, 1)
	enginetest.WriteSegment(t, f.dataDir, 1, 100, 1)

	f.backup.Start(context.Background(), false)
	require.True(t, f.backup.WaitForFinish())
	f.requireCopy(t, "db/t1.MAD")
	require.NotContains(t, f.copied, "db.gone")
	require.Empty(t, f.backup.Offline())
	require.Zero(t, f.locker.Held())
}

func TestFilteredTablesAreNotCopied(t *testing.T) {
	filter, err := tables.NewFilter(nil, []string{`^db[.]skip`}, nil, nil)
	require.NoError(t, err)
	f := newFixture(t, Config{Filter: filter})
	enginetest.WriteTable(t, f.dataDir, "db", "keep", enginetest.TableSpec{OnlineSafe: true})
	enginetest.WriteTable(t, f.dataDir, "db", "skip", enginetest.TableSpec{OnlineSafe: true})
	enginetest.WriteControl(t, f.dataDir, 1)
	enginetest.WriteSegment(t, f.dataDir, 1, 100, 1)

	f.backup.Start(context.Background(), false)
	require.True(t, f.backup.WaitForFinish())
	f.requireCopy(t, "db/keep.MAD")
	f.requireAbsent(t, "db/skip.MAD")
}

func TestLockFailureSkipsTable(t *testing.T) {
	f := newFixture(t, Config{})
	enginetest.WriteTable(t, f.dataDir, "db", "t1", enginetest.TableSpec{OnlineSafe: true})
	enginetest.WriteControl(t, f.dataDir, 1)
	enginetest.WriteSegment(t, f.dataDir, 1, 3*engine.PageSize, 1)
	f.locker.FailLock = func(string) bool { return true }

	f.backup.Start(context.Background(), false)
	require.True(t, f.backup.WaitForFinish(), "open failures are skips")
	f.requireAbsent(t, "db/t1.MAD")
}

func TestSettled(t *testing.T) {
	for _, tt := range []struct{ remaining, want int64 }{
		{0, 0},
		{engine.PageSize - 1, 0},
		{engine.PageSize, 0},
		{2*engine.PageSize - 1, 0},
		{2 * engine.PageSize, engine.PageSize},
		{3*engine.PageSize + 100, 2 * engine.PageSize},
	} {
		require.Equal(t, tt.want, settled(tt.remaining), tt.remaining)
	}
}

func TestLogDir(t *testing.T) {
	require.Equal(t, "/data", Config{DataDir: "/data"}.logDir())
	require.Equal(t, "/data/logs", Config{DataDir: "/data", LogDir: "logs"}.logDir())
	require.Equal(t, "/var/log/aria", Config{DataDir: "/data", LogDir: "/var/log/aria"}.logDir())
}

func TestTableCopyFailureIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	sink := enginetest.NewSink(f.env.Sink)
	f.env.Sink = sink

	enginetest.WriteTable(t, f.dataDir, "db", "good", enginetest.TableSpec{OnlineSafe: true})
	bad := enginetest.WriteTable(t, f.dataDir, "db", "bad", enginetest.TableSpec{OnlineSafe: true})
	// A block-record data file ending in a partial block cannot be read.
	require.NoError(t, os.Truncate(filepath.Join(f.dataDir, filepath.FromSlash(bad[0])), 2*enginetest.BlockSize+10))
	enginetest.WriteControl(t, f.dataDir, 1)
	enginetest.WriteSegment(t, f.dataDir, 1, 100, 1)

	f.backup.Start(context.Background(), false)
	require.False(t, f.backup.WaitForFinish())

	f.requireCopy(t, "db/good.MAI")
	f.requireCopy(t, "db/good.MAD")
	require.Contains(t, f.copied, "db.good")
	require.NotContains(t, f.copied, "db.bad")

	var failed *workpool.TaskError
	for _, te := range f.backup.Errors() {
		if te.Object == "db.bad" {
			failed = te
		}
	}
	require.NotNil(t, failed, "%v", f.backup.Errors())
	require.GreaterOrEqual(t, failed.Worker, 0)
	require.Contains(t, failed.Error(), "short data block 2")

	require.True(t, sink.Opened("db/bad.MAD"))
	require.NotContains(t, sink.Unclosed(), "db/bad.MAD")
	require.Zero(t, f.locker.Held())
	// The log tail keeps its copy open until Close.
	require.NoError(t, f.backup.Close())
	require.Empty(t, sink.Unclosed())
}
