package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func indexFile(h IndexHeader, blocks int) []byte {
	b := make([]byte, int(h.BlockSize)*blocks)
	copy(b, h.Encode())
	for i := 1; i < blocks; i++ {
		b[i*int(h.BlockSize)] = byte(i)
	}
	return b
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		name   string
		header IndexHeader
		safe   bool
	}{
		{"transactional block record", IndexHeader{BlockSize: 1024, DataFileType: BlockRecord, Transactional: true}, true},
		{"non transactional block record", IndexHeader{BlockSize: 1024, DataFileType: BlockRecord}, false},
		{"transactional static", IndexHeader{BlockSize: 1024, DataFileType: StaticRecord, Transactional: true}, false},
		{"dynamic", IndexHeader{BlockSize: 2048, DataFileType: DynamicRecord}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := Paged{}.Capabilities(bytes.NewReader(indexFile(tt.header, 1)))
			require.NoError(t, err)
			require.Equal(t, tt.safe, caps.OnlineBackupSafe)
			require.Equal(t, uint32(tt.header.BlockSize), caps.BlockSize)
			require.Equal(t, tt.header.DataFileType, caps.DataFileType)
		})
	}
}

func TestCapabilitiesRejectsGarbage(t *testing.T) {
	_, err := Paged{}.Capabilities(bytes.NewReader(make([]byte, 64)))
	require.Error(t, err)

	_, err = Paged{}.Capabilities(bytes.NewReader(indexFile(IndexHeader{BlockSize: 1000}, 1)[:12]))
	require.Error(t, err)

	_, err = Paged{}.Capabilities(bytes.NewReader([]byte{0xfe}))
	require.Error(t, err)
}

func TestReadIndexBlocks(t *testing.T) {
	h := IndexHeader{BlockSize: 512, DataFileType: BlockRecord, Transactional: true}
	r := bytes.NewReader(indexFile(h, 3))
	caps, err := Paged{}.Capabilities(r)
	require.NoError(t, err)

	buf := make([]byte, caps.BlockSize)
	for n := uint64(0); n < 3; n++ {
		read, err := Paged{}.ReadIndexBlock(r, caps, n, buf)
		require.NoError(t, err)
		require.Equal(t, 512, read)
	}
	_, err = Paged{}.ReadIndexBlock(r, caps, 3, buf)
	require.True(t, errors.Is(err, ErrEndOfBlocks))

	short := bytes.NewReader(indexFile(h, 2)[:700])
	_, err = Paged{}.ReadIndexBlock(short, caps, 1, buf)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrEndOfBlocks))

	_, err = Paged{}.ReadIndexBlock(r, caps, 0, make([]byte, 10))
	require.Error(t, err)
}

func TestReadDataBlocks(t *testing.T) {
	caps := Capabilities{BlockSize: 256, DataFileType: DynamicRecord}
	data := bytes.NewReader(make([]byte, 600))
	buf := make([]byte, 256)

	var lens []int
	for n := uint64(0); ; n++ {
		read, err := Paged{}.ReadDataBlock(data, caps, n, buf)
		if errors.Is(err, ErrEndOfBlocks) {
			break
		}
		require.NoError(t, err)
		lens = append(lens, read)
	}
	require.Equal(t, []int{256, 256, 88}, lens)

	caps.DataFileType = BlockRecord
	_, err := Paged{}.ReadDataBlock(data, caps, 2, buf)
	require.Error(t, err)
}

func TestControlRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aria_log_control")
	want := Control{
		UUID:          uuid.MustParse("6f1c1b3e-2f57-4c2b-9d25-3a8f6c0f1a01"),
		CheckpointLSN: 0x0000_0003_0000_2000,
		LastLogNumber: 3,
		MaxTrid:       42,
	}
	require.NoError(t, WriteControl(path, want))

	got, err := ReadControl(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestControlChecksum(t *testing.T) {
	b := Control{LastLogNumber: 7}.Encode()
	b[controlLastLogOffset+3] ^= 0xff
	_, err := DecodeControl(b)
	require.ErrorContains(t, err, "checksum mismatch")

	_, err = DecodeControl(b[:10])
	require.Error(t, err)
}

func TestTableVersion(t *testing.T) {
	v := uuid.MustParse("0d9e8c4a-7b1f-11ee-b962-0242ac120002")
	path := filepath.Join(t.TempDir(), "t1.frm")
	require.NoError(t, os.WriteFile(path, EncodeTableDefinition(v), 0o644))

	got, err := TableVersion(path)
	require.NoError(t, err)
	require.Equal(t, v.String(), got)

	got, err = ParseTableVersion(EncodeTableDefinition(uuid.Nil))
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = TableVersion(filepath.Join(t.TempDir(), "missing.frm"))
	require.Error(t, err)
}

func TestTableVersionSkipsOtherFields(t *testing.T) {
	v := uuid.New()
	var extra2 []byte
	// A field with an extended two-byte length precedes the version.
	extra2 = append(extra2, 5, 0, 3, 0, 'a', 'b', 'c')
	extra2 = append(extra2, 7, 2, 'x', 'y')
	extra2 = append(extra2, extra2TableDefVer, 16)
	extra2 = append(extra2, v[:]...)

	frm := make([]byte, frmHeaderSize)
	frm[0], frm[1] = 0xfe, 0x01
	frm[frmExtra2LenOff] = byte(len(extra2))
	frm = append(frm, extra2...)

	got, err := ParseTableVersion(frm)
	require.NoError(t, err)
	require.Equal(t, v.String(), got)

	frm[frmExtra2LenOff] = byte(len(extra2) + 10)
	_, err = ParseTableVersion(frm)
	require.Error(t, err)
}
