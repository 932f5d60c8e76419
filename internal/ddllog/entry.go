// Package ddllog reads the DDL log the server writes while a backup runs and
// reconciles the copied files with the schema changes it records.
//
// Each record is one line of tab-separated fields:
//
//	date type engine partitioned db table id [new_engine new_partitioned new_db new_table new_id]
//
// Names are stored unencoded. The pseudo engine DATABASE marks statements
// on a whole database.
package ddllog

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/tables"
)

// ErrParse marks malformed DDL log records.
var ErrParse = errors.New("ddl log parse error")

// DatabaseEngine is the engine field of database-level records.
const DatabaseEngine = "DATABASE"

// Kind is the statement type of a record.
type Kind uint8

const (
	Create Kind = iota
	Alter
	Rename
	Repair
	Optimize
	Drop
	Truncate
	ChangeIndex
	BulkInsert
)

var kindNames = [...]string{
	Create:      "CREATE",
	Alter:       "ALTER",
	Rename:      "RENAME",
	Repair:      "REPAIR",
	Optimize:    "OPTIMIZE",
	Drop:        "DROP",
	Truncate:    "TRUNCATE",
	ChangeIndex: "CHANGE_INDEX",
	BulkInsert:  "BULK_INSERT",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

func parseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// deferred reports whether entries of this kind only rewrite a table in
// place, so replaying the newest one is enough.
func (k Kind) deferred() bool {
	switch k {
	case Repair, Optimize, Truncate, ChangeIndex, BulkInsert:
		return true
	}
	return false
}

// Entry is one DDL log record.
type Entry struct {
	Date        string
	Kind        Kind
	Engine      string
	Partitioned bool
	DB          string
	Table       string
	ID          string

	HasNew         bool
	NewEngine      string
	NewPartitioned bool
	NewDB          string
	NewTable       string
	NewID          string
}

// Key returns the identity the entry starts from.
func (e *Entry) Key() tables.Key { return tables.Key{DB: e.DB, Table: e.Table} }

// NewKey returns the identity the entry leaves the table under.
func (e *Entry) NewKey() tables.Key {
	if !e.HasNew {
		return e.Key()
	}
	return tables.Key{DB: e.NewDB, Table: e.NewTable}
}

// FinalEngine returns the engine the entry leaves the table in.
func (e *Entry) FinalEngine() string {
	if e.HasNew && e.NewEngine != "" {
		return e.NewEngine
	}
	return e.Engine
}

// IsDatabase reports whether the entry is about a whole database.
func (e *Entry) IsDatabase() bool {
	return strings.EqualFold(e.Engine, DatabaseEngine)
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", e.Kind, e.Engine, tables.Key{DB: e.DB, Table: e.Table})
	if e.Partitioned {
		b.WriteString(" partitioned")
	}
	if e.ID != "" {
		fmt.Fprintf(&b, " id=%s", e.ID)
	}
	if e.HasNew {
		fmt.Fprintf(&b, " -> %s %s", e.NewEngine, tables.Key{DB: e.NewDB, Table: e.NewTable})
		if e.NewPartitioned {
			b.WriteString(" partitioned")
		}
		if e.NewID != "" {
			fmt.Fprintf(&b, " id=%s", e.NewID)
		}
	}
	return b.String()
}

const minFields = 7

func parseBool(field, name string) (bool, error) {
	switch field {
	case "0", "":
		return false, nil
	case "1":
		return true, nil
	}
	return false, errors.Newf("bad %s flag %q", name, field)
}

// ParseEntry parses one record without its newline.
func ParseEntry(line string) (Entry, error) {
	f := strings.Split(line, "\t")
	if len(f) < minFields {
		return Entry{}, errors.Newf("record has %d fields, need %d", len(f), minFields)
	}
	kind, ok := parseKind(f[1])
	if !ok {
		return Entry{}, errors.Newf("unknown statement type %q", f[1])
	}
	e := Entry{
		Date:   f[0],
		Kind:   kind,
		Engine: f[2],
		DB:     f[4],
		Table:  f[5],
		ID:     f[6],
	}
	var err error
	if e.Partitioned, err = parseBool(f[3], "partitioned"); err != nil {
		return Entry{}, err
	}
	if e.Engine == "" || e.DB == "" {
		return Entry{}, errors.New("record is missing engine or database")
	}
	if e.Table == "" && !e.IsDatabase() {
		return Entry{}, errors.New("record is missing table")
	}

	if len(f) > minFields {
		rest := make([]string, 5)
		copy(rest, f[minFields:])
		e.NewEngine, e.NewDB, e.NewTable, e.NewID = rest[0], rest[2], rest[3], rest[4]
		if e.NewPartitioned, err = parseBool(rest[1], "new partitioned"); err != nil {
			return Entry{}, err
		}
		e.HasNew = e.NewDB != "" || e.NewTable != "" || e.NewEngine != ""
		if e.HasNew {
			if e.NewDB == "" {
				e.NewDB = e.DB
			}
			if e.NewTable == "" {
				e.NewTable = e.Table
			}
		}
	}
	if e.Kind == Rename && !e.IsDatabase() && (!e.HasNew || e.NewKey() == e.Key()) {
		return Entry{}, errors.New("rename record is missing the new name")
	}
	return e, nil
}

// Parse calls fn for every newline-terminated record in buf and returns the
// number of bytes consumed: everything up to and including the last
// newline. The caller feeds the remainder again, followed by more data.
func Parse(buf []byte, fn func(Entry) error) (int, error) {
	consumed := 0
	for {
		nl := bytes.IndexByte(buf[consumed:], '\n')
		if nl < 0 {
			return consumed, nil
		}
		line := string(buf[consumed : consumed+nl])
		if line = strings.TrimSuffix(line, "\r"); line != "" {
			e, err := ParseEntry(line)
			if err != nil {
				return consumed, errors.Mark(errors.Wrapf(err, "parse ddl log record %q", line), ErrParse)
			}
			if err := fn(e); err != nil {
				return consumed, err
			}
		}
		consumed += nl + 1
	}
}

// Tables returns every table identity the entries touch, before and after
// renames. Database-level entries are not included.
func Tables(entries []Entry) map[tables.Key]bool {
	out := make(map[tables.Key]bool)
	for i := range entries {
		e := &entries[i]
		if e.IsDatabase() {
			continue
		}
		out[e.Key()] = true
		if e.HasNew {
			out[e.NewKey()] = true
		}
	}
	return out
}
