// Package enginetest writes small data directories for tests.
package enginetest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/segment"
)

// BlockSize is the block size of test tables.
const BlockSize = 1024

// TableSpec describes a test table of the block-record engine.
type TableSpec struct {
	// OnlineSafe makes the table transactional with block-record rows.
	OnlineSafe bool
	// IndexBlocks and DataBlocks default to 2 and 3.
	IndexBlocks int
	DataBlocks  int
	// Partitions, if set, creates one file pair per partition name.
	Partitions []string
	// Version is written to the .frm file. Zero means none.
	Version uuid.UUID
}

// WriteTable creates <root>/<db>/<table>.{MAI,MAD,frm}, or one file pair
// per partition. It returns the relative paths of the data files.
func WriteTable(t testing.TB, root, db, table string, spec TableSpec) []string {
	t.Helper()
	if spec.IndexBlocks == 0 {
		spec.IndexBlocks = 2
	}
	if spec.DataBlocks == 0 {
		spec.DataBlocks = 3
	}
	dir := filepath.Join(root, db)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	h := engine.IndexHeader{BlockSize: BlockSize, DataFileType: engine.DynamicRecord}
	if spec.OnlineSafe {
		h.DataFileType = engine.BlockRecord
		h.Transactional = true
	}

	files := []string{table}
	if len(spec.Partitions) > 0 {
		files = nil
		for _, p := range spec.Partitions {
			files = append(files, table+"#P#"+p)
		}
	}

	var rels []string
	for _, f := range files {
		index := Blocks(spec.IndexBlocks, byte(len(f)))
		copy(index, h.Encode())
		require.NoError(t, os.WriteFile(filepath.Join(dir, f+".MAI"), index, 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, f+".MAD"), Blocks(spec.DataBlocks, 0xd0), 0o644))
		rels = append(rels, db+"/"+f+".MAD")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, table+".frm"), engine.EncodeTableDefinition(spec.Version), 0o644))
	return rels
}

// Blocks returns n blocks, each filled with its number plus seed.
func Blocks(n int, seed byte) []byte {
	b := make([]byte, n*BlockSize)
	for i := range b {
		b[i] = seed + byte(i/BlockSize)
	}
	return b
}

// WriteControl writes a control file naming lastLog as the last issued
// log segment.
func WriteControl(t testing.TB, dir string, lastLog uint32) {
	t.Helper()
	require.NoError(t, engine.WriteControl(filepath.Join(dir, segment.ControlFileName), engine.Control{
		UUID:          uuid.MustParse("00000000-0000-4000-8000-000000000001"),
		LastLogNumber: lastLog,
	}))
}

// WriteSegment writes segment n with size bytes. Byte i holds i%251 except
// for the max LSN header field, which holds lsn.
func WriteSegment(t testing.TB, dir string, n uint32, size int, lsn byte) []byte {
	t.Helper()
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	for i := engine.MaxLSNOffset; i < engine.HeaderDataSize && i < size; i++ {
		b[i] = lsn
	}
	require.NoError(t, os.WriteFile(segment.Path(dir, n), b, 0o644))
	return b
}
