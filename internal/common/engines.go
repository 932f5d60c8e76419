package common

import (
	"strings"
)

// Engine names as they appear in table definitions and the DDL log.
const (
	EngineAria      = "Aria"
	EngineMyISAM    = "MyISAM"
	EngineMerge     = "MRG_MyISAM"
	EngineCSV       = "CSV"
	EngineArchive   = "ARCHIVE"
	csvMetaExt      = "CSM"
	definitionExt   = "frm"
	partitionDefExt = "par"
	dbOptionFile    = "db.opt"
)

var engineExtensions = map[string][]string{
	"aria":       {"MAI", "MAD"},
	"myisam":     {"MYI", "MYD"},
	"mrg_myisam": {"MRG"},
	"csv":        {"CSV", csvMetaExt},
	"archive":    {"ARZ", "ARM"},
}

var extensionEngine = map[string]string{
	"MAI": EngineAria,
	"MAD": EngineAria,
	"MYI": EngineMyISAM,
	"MYD": EngineMyISAM,
	"MRG": EngineMerge,
	"CSV": EngineCSV,
	"CSM": EngineCSV,
	"ARZ": EngineArchive,
	"ARM": EngineArchive,
}

// SchemaExtensions are the extensions of table definition files, which
// belong to every engine.
var SchemaExtensions = []string{definitionExt, partitionDefExt, "TRG", "TRN", "isl", "opt"}

// TableSchemaExtensions are the definition file extensions named after a
// table. Trigger name and database option files are not.
var TableSchemaExtensions = []string{definitionExt, partitionDefExt, "TRG", "isl"}

// Extensions returns the data file extensions of engine, matched case
// insensitively, or nil for an engine whose files are not copied here.
func Extensions(engine string) []string {
	return engineExtensions[strings.ToLower(engine)]
}

// IsTableSchemaExt reports whether ext is a definition file extension named
// after a table.
func IsTableSchemaExt(ext string) bool {
	return contains(TableSchemaExtensions, ext)
}

// EngineOf returns the engine owning files with extension ext, or "".
func EngineOf(ext string) string {
	return extensionEngine[ext]
}

// IsSchemaExt reports whether ext is a definition file extension.
func IsSchemaExt(ext string) bool {
	return contains(SchemaExtensions, ext)
}

func splitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
