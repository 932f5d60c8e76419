package ddllog

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hotbackup/internal/tables"
)

func TestParseDataDriven(t *testing.T) {
	datadriven.RunTest(t, "testdata/parse", func(t *testing.T, td *datadriven.TestData) string {
		var out strings.Builder
		emit := func(e Entry) error {
			fmt.Fprintln(&out, e)
			return nil
		}
		switch td.Cmd {
		case "parse":
			buf := []byte(td.Input)
			if !td.HasArg("no-newline") {
				buf = append(buf, '\n')
			}
			n, err := Parse(buf, emit)
			if err != nil {
				require.True(t, errors.Is(err, ErrParse))
				fmt.Fprintf(&out, "error: %v\n", err)
			}
			fmt.Fprintf(&out, "consumed: %d of %d\n", n, len(buf))
			return out.String()

		case "read":
			var chunk int
			td.ScanArgs(t, "chunk", &chunk)
			r := NewReader(strings.NewReader(td.Input+"\n"), chunk)
			if err := r.ForEach(emit); err != nil {
				return fmt.Sprintf("error: %v\n", err)
			}
			return out.String()

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}

func TestParseSingleCreate(t *testing.T) {
	var got []Entry
	buf := []byte("2024-01-01\tCREATE\tAria\t0\tdb1\tt1\tid1\n")
	n, err := Parse(buf, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, []Entry{{
		Date:   "2024-01-01",
		Kind:   Create,
		Engine: "Aria",
		DB:     "db1",
		Table:  "t1",
		ID:     "id1",
	}}, got)
}

func TestParseSplitBuffer(t *testing.T) {
	rec := "2024-01-01\tCREATE\tAria\t0\tdb1\tt1\tid1\n"
	var got []Entry
	collect := func(e Entry) error {
		got = append(got, e)
		return nil
	}

	head := []byte(rec[:20])
	n, err := Parse(head, collect)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, got)

	rest := append(head[n:], rec[20:]...)
	n, err = Parse(rest, collect)
	require.NoError(t, err)
	require.Equal(t, len(rest), n)
	require.Len(t, got, 1)
	require.Equal(t, tables.Key{DB: "db1", Table: "t1"}, got[0].Key())
}

func TestParseDatabaseAndBlankLines(t *testing.T) {
	buf := []byte("2024-01-01\tCREATE\tDATABASE\t0\tdb9\t\t\n\n2024-01-01\tDROP\tDATABASE\t0\tdb9\t\t\r\n")
	var got []Entry
	n, err := Parse(buf, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Len(t, got, 2)
	require.True(t, got[0].IsDatabase())
	require.Equal(t, Drop, got[1].Kind)
	require.Equal(t, "db9", got[1].DB)

	_, err = Parse([]byte("2024-01-01\tCREATE\tAria\t0\tdb1\t\tid\n"), func(Entry) error { return nil })
	require.True(t, errors.Is(err, ErrParse))
}

func TestParseStopsOnCallbackError(t *testing.T) {
	boom := errors.New("boom")
	buf := []byte("d\tDROP\tAria\t0\tdb\tt1\t\nd\tDROP\tAria\t0\tdb\tt2\t\n")
	n, err := Parse(buf, func(Entry) error { return boom })
	require.ErrorIs(t, err, boom)
	require.Zero(t, n)
}

func TestReaderIgnoresIncompleteTail(t *testing.T) {
	in := "d\tDROP\tAria\t0\tdb\tt1\t\nd\tDROP\tAria\t0\tdb\tt2"
	entries, err := NewReader(strings.NewReader(in), 4).ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "t1", entries[0].Table)
}

func TestReadFileMissing(t *testing.T) {
	entries, err := ReadFile(t.TempDir() + "/ddl.log")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestTables(t *testing.T) {
	entries := []Entry{
		{Kind: Create, Engine: "Aria", DB: "db", Table: "t1"},
		{Kind: Rename, Engine: "Aria", DB: "db", Table: "t2", HasNew: true, NewDB: "db", NewTable: "t3"},
		{Kind: Drop, Engine: DatabaseEngine, DB: "gone"},
	}
	require.Equal(t, map[tables.Key]bool{
		{DB: "db", Table: "t1"}: true,
		{DB: "db", Table: "t2"}: true,
		{DB: "db", Table: "t3"}: true,
	}, Tables(entries))
}
