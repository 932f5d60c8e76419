package ddllog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hotbackup/internal/storage"
)

type dirs struct {
	data string
	dst  string
	sink *storage.LocalSink
}

func newDirs(t *testing.T) *dirs {
	t.Helper()
	d := &dirs{data: t.TempDir(), dst: t.TempDir()}
	var err error
	d.sink, err = storage.NewLocalSink(d.dst)
	require.NoError(t, err)
	return d
}

func put(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// tree returns every file under root with its content.
func tree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	require.NoError(t, filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	}))
	return out
}

func mustParse(t *testing.T, log string) []Entry {
	t.Helper()
	var entries []Entry
	n, err := Parse([]byte(log), func(e Entry) error {
		entries = append(entries, e)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(log), n)
	return entries
}

const windowLog = "" +
	"d\tCREATE\tMyISAM\t0\tdb\tt1\tv1\n" +
	"d\tRENAME\tMyISAM\t0\tdb\tt2\tv2\tMyISAM\t0\tdb\tt3\tv2\n" +
	"d\tDROP\tMyISAM\t0\tdb\tt4\tv4\n" +
	"d\tOPTIMIZE\tMyISAM\t0\tdb\tt3\tv2\n" +
	"d\tTRUNCATE\tMyISAM\t0\tdb\tt5\tv5\n"

func TestReplayWindow(t *testing.T) {
	d := newDirs(t)
	// Current server files.
	for _, f := range []string{"t1", "t3", "t5"} {
		put(t, d.data, "db/"+f+".MYD", f+" rows")
		put(t, d.data, "db/"+f+".MYI", f+" index")
		put(t, d.data, "db/"+f+".frm", f+" def")
	}
	// Files copied before the statements ran.
	put(t, d.dst, "db/t2.MYD", "t3 rows")
	put(t, d.dst, "db/t2.MYI", "t3 index")
	put(t, d.dst, "db/t2.frm", "t2 def")
	put(t, d.dst, "db/t4.MYD", "t4 rows")
	put(t, d.dst, "db/t4.frm", "t4 def")
	put(t, d.dst, "db/t5.MYD", "t5 stale rows")

	entries := mustParse(t, windowLog)
	require.NoError(t, NewReplayer(d.data, d.sink).Replay(context.Background(), entries))

	want := map[string]string{
		"db/t1.MYD": "t1 rows", "db/t1.MYI": "t1 index", "db/t1.frm": "t1 def",
		"db/t3.MYD": "t3 rows", "db/t3.MYI": "t3 index", "db/t3.frm": "t3 def",
		"db/t5.MYD": "t5 rows", "db/t5.MYI": "t5 index", "db/t5.frm": "t5 def",
	}
	require.Equal(t, want, tree(t, d.dst))

	// Replaying again over the reconciled copy changes nothing.
	require.NoError(t, NewReplayer(d.data, d.sink).Replay(context.Background(), entries))
	require.Equal(t, want, tree(t, d.dst))
}

func TestReplayCreateOfCopiedVersion(t *testing.T) {
	d := newDirs(t)
	put(t, d.data, "db/t1.MYD", "newer rows")
	put(t, d.dst, "db/t1.MYD", "copied rows")

	r := NewReplayer(d.data, d.sink)
	r.Copied("db", "t1", "00000000-0000-4000-8000-0000000000aa")
	entries := mustParse(t, "d\tCREATE\tMyISAM\t0\tdb\tt1\t000000000000400080000000000000AA\n")
	require.NoError(t, r.Replay(context.Background(), entries))
	require.Equal(t, map[string]string{"db/t1.MYD": "copied rows"}, tree(t, d.dst))
}

func TestReplayDroppedDatabase(t *testing.T) {
	d := newDirs(t)
	put(t, d.data, "db/t1.MYD", "rows")
	put(t, d.data, "other/db.opt", "charset")
	put(t, d.dst, "db/t0.MYD", "old rows")

	log := "" +
		"d\tDROP\tDATABASE\t0\tdb\t\t\n" +
		"d\tCREATE\tMyISAM\t0\tdb\tt1\tv1\n" +
		"d\tREPAIR\tMyISAM\t0\tdb\tt1\tv1\n" +
		"d\tCREATE\tDATABASE\t0\tother\t\t\n"
	require.NoError(t, NewReplayer(d.data, d.sink).Replay(context.Background(), mustParse(t, log)))
	require.Equal(t, map[string]string{"other/db.opt": "charset"}, tree(t, d.dst))
}

func TestReplayAlter(t *testing.T) {
	d := newDirs(t)
	put(t, d.data, "db/t1.MAI", "aria index")
	put(t, d.data, "db/t1.MAD", "aria rows")
	put(t, d.data, "db/t1.frm", "aria def")
	put(t, d.data, "db/t2.MYD", "rebuilt rows")
	put(t, d.data, "db/p#P#a.ARZ", "a")
	put(t, d.data, "db/p#P#b.ARZ", "b")
	put(t, d.data, "db/p.par", "parts")
	put(t, d.dst, "db/t1.MYD", "myisam rows")
	put(t, d.dst, "db/t1.MYI", "myisam index")
	put(t, d.dst, "db/t2.MYD", "old rows")
	put(t, d.dst, "db/q#P#a.ARZ", "old a")

	log := "" +
		"d\tALTER\tMyISAM\t0\tdb\tt1\tv1\tAria\t0\t\t\tv2\n" +
		"d\tALTER\tMyISAM\t0\tdb\tt2\tv3\n" +
		"d\tRENAME\tARCHIVE\t1\tdb\tq\tv4\tARCHIVE\t1\tdb\tp\tv4\n"
	require.NoError(t, NewReplayer(d.data, d.sink).Replay(context.Background(), mustParse(t, log)))
	require.Equal(t, map[string]string{
		"db/t1.MAI":    "aria index",
		"db/t1.MAD":    "aria rows",
		"db/t1.frm":    "aria def",
		"db/t2.MYD":    "rebuilt rows",
		"db/p#P#a.ARZ": "a",
		"db/p#P#b.ARZ": "b",
		"db/p.par":     "parts",
	}, tree(t, d.dst))
}

func TestReplayDeferredSkipsProcessed(t *testing.T) {
	d := newDirs(t)
	put(t, d.data, "db/t9.MYD", "current")
	r := NewReplayer(d.data, d.sink)
	log := "" +
		"d\tTRUNCATE\tMyISAM\t0\tdb\tt1\tv1\n" +
		"d\tRENAME\tMyISAM\t0\tdb\tt1\tv1\tMyISAM\t0\tdb\tt9\tv1\n" +
		"d\tOPTIMIZE\tMyISAM\t0\tdb\tt9\tv1\n" +
		"d\tREPAIR\tMyISAM\t0\tdb\tt9\tv1\n"
	require.NoError(t, r.Replay(context.Background(), mustParse(t, log)))
	require.Equal(t, map[string]string{"db/t9.MYD": "current"}, tree(t, d.dst))
}

type failingSink struct {
	*storage.LocalSink
}

func (failingSink) CopyFile(context.Context, string, string, int, bool) error {
	return errors.New("disk full")
}

func TestReplayFailureIsFatal(t *testing.T) {
	d := newDirs(t)
	put(t, d.data, "db/t1.MYD", "rows")
	r := NewReplayer(d.data, failingSink{d.sink})
	err := r.Replay(context.Background(), mustParse(t, "d\tCREATE\tMyISAM\t0\tdb\tt1\tv1\n"))
	require.True(t, errors.Is(err, ErrReplay), "%v", err)
}

func TestReplayKeepsTriggerFiles(t *testing.T) {
	d := newDirs(t)
	for _, root := range []string{d.data, d.dst} {
		put(t, root, "db/t1.MYD", "t1 rows")
		put(t, root, "db/t1.MYI", "t1 index")
		put(t, root, "db/t1.frm", "t1 def")
		put(t, root, "db/t1.TRG", "t1 triggers")
		put(t, root, "db/t2.MYD", "t2 rows")
		put(t, root, "db/t2.frm", "t2 def")
		put(t, root, "db/t2.TRG", "t2 triggers")
	}
	put(t, d.data, "db/t4.MYD", "t4 rows")
	put(t, d.data, "db/t4.frm", "t4 def")
	put(t, d.data, "db/t4.TRG", "t4 triggers")
	put(t, d.dst, "db/t3.MYD", "t4 rows")
	put(t, d.dst, "db/t3.frm", "t3 def")
	put(t, d.dst, "db/t3.TRG", "t3 triggers")

	log := "" +
		"d\tCREATE\tMyISAM\t0\tdb\tt1\tv1\n" +
		"d\tREPAIR\tMyISAM\t0\tdb\tt2\tv2\n" +
		"d\tRENAME\tMyISAM\t0\tdb\tt3\tv3\tMyISAM\t0\tdb\tt4\tv3\n"
	require.NoError(t, NewReplayer(d.data, d.sink).Replay(context.Background(), mustParse(t, log)))
	require.Equal(t, tree(t, d.data), tree(t, d.dst))
}
