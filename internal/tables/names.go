package tables

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// PartitionMarker separates a table name from its partition name in file
// names.
const PartitionMarker = "#P#"

// Key identifies a logical table.
type Key struct {
	DB    string
	Table string
}

func (k Key) String() string {
	return k.DB + "." + k.Table
}

// Name is a table file path broken into its parts.
type Name struct {
	Key
	// FilePrefix is the path without its extension.
	FilePrefix string
	// SchemaPrefix is the path of the table's definition files without
	// extension: the directory plus the unpartitioned file name.
	SchemaPrefix string
	Ext          string
	Partitioned  bool
}

// ParsePath splits <dir>/<db>/<table>[#P#<partition>].<ext>. Database and
// table names are decoded from their on-disk encoding.
func ParsePath(path string) (Name, error) {
	path = filepath.ToSlash(path)
	dot := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexByte(path, '/')
	if dot < 0 || dot < slash {
		return Name{}, errors.Newf("no extension in table file path %q", path)
	}
	if slash < 0 {
		return Name{}, errors.Newf("no directory in table file path %q", path)
	}

	file := path[slash+1 : dot]
	dir := path[:slash]
	dbFile := dir[strings.LastIndexByte(dir, '/')+1:]

	tableFile := file
	partitioned := false
	if i := strings.Index(file, PartitionMarker); i >= 0 {
		tableFile = file[:i]
		partitioned = true
	}

	n := Name{
		Key:          Key{DB: DecodeName(dbFile), Table: DecodeName(tableFile)},
		FilePrefix:   path[:dot],
		SchemaPrefix: path[:slash+1] + tableFile,
		Ext:          path[dot+1:],
		Partitioned:  partitioned,
	}
	if n.DB == "" || n.Table == "" {
		return Name{}, errors.Newf("empty database or table name in %q", path)
	}
	return n, nil
}

// DecodeName reverses the file name encoding of database and table names,
// where characters outside [A-Za-z0-9_] are written as @ followed by four
// hex digits. Malformed sequences are kept verbatim.
func DecodeName(s string) string {
	if !strings.Contains(s, "@") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '@' && i+5 <= len(s) {
			if r, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
				b.WriteRune(rune(r))
				i += 4
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// EncodeName is the inverse of DecodeName.
func EncodeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r > 0xffff:
			b.WriteRune(r)
		default:
			b.WriteString("@")
			b.WriteString(strings.ToLower(strconv.FormatUint(uint64(r)|0x10000, 16)[1:]))
		}
	}
	return b.String()
}

var statsTables = map[string]bool{
	"table_stats":        true,
	"column_stats":       true,
	"index_stats":        true,
	"innodb_table_stats": true,
	"innodb_index_stats": true,
}

// IsStatsTable reports whether db.table is a persistent statistics table.
func IsStatsTable(db, table string) bool {
	return db == "mysql" && statsTables[table]
}

// IsLogTable reports whether db.table is a server log table.
func IsLogTable(db, table string) bool {
	return db == "mysql" && (table == "general_log" || table == "slow_log")
}
