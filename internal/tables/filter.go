package tables

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Filter selects the tables to back up. Table patterns are matched against
// "db.table"; a partition is tried first with its "#P#..." suffix, so a
// single partition can be selected, and then without it.
type Filter struct {
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	includeDBs map[string]bool
	excludeDBs map[string]bool
}

// NewFilter compiles the table patterns and database lists. A nil *Filter
// selects everything.
func NewFilter(include, exclude, databases, excludeDatabases []string) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.include, err = compile(include); err != nil {
		return nil, err
	}
	if f.exclude, err = compile(exclude); err != nil {
		return nil, err
	}
	f.includeDBs = toSet(databases)
	f.excludeDBs = toSet(excludeDatabases)
	if f.empty() {
		return nil, nil
	}
	return f, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "compile table filter %q", p)
		}
		out = append(out, re)
	}
	return out, nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		if n != "" {
			m[n] = true
		}
	}
	return m
}

func (f *Filter) empty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0 && len(f.includeDBs) == 0 && len(f.excludeDBs) == 0
}

// SkipDatabase reports whether every table of db is skipped.
func (f *Filter) SkipDatabase(db string) bool {
	if f == nil {
		return false
	}
	if f.excludeDBs[db] {
		return true
	}
	return f.includeDBs != nil && !f.includeDBs[db]
}

// Skip reports whether the table file at path, relative to the data
// directory, is left out of the backup.
func (f *Filter) Skip(path string) bool {
	if f == nil {
		return false
	}
	n, err := ParsePath(path)
	if err != nil {
		return false
	}
	if f.SkipDatabase(n.DB) {
		return true
	}

	file := n.FilePrefix[strings.LastIndexByte(n.FilePrefix, '/')+1:]
	name := n.DB + "." + DecodeName(file)
	if match(f.exclude, name) {
		return true
	}
	if match(f.include, name) {
		return false
	}
	if n.Partitioned {
		name = n.Key.String()
		if match(f.exclude, name) {
			return true
		}
		if match(f.include, name) {
			return false
		}
	}

	// Tables of an explicitly listed database are kept unless excluded.
	if f.includeDBs[n.DB] {
		return false
	}
	return len(f.include) > 0
}

func match(res []*regexp.Regexp, name string) bool {
	for _, re := range res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
