package engine

import (
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Table definition (.frm) layout.
const (
	frmHeaderSize     = 64
	frmExtra2LenOff   = 4
	extra2TableDefVer = 0
)

// TableVersion returns the table definition version stored in the .frm file
// at path, or "" if the file carries none.
func TableVersion(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read table definition")
	}
	v, err := ParseTableVersion(b)
	if err != nil {
		return "", errors.Wrapf(err, "%s", path)
	}
	return v, nil
}

// ParseTableVersion extracts the version from the extra2 section of an
// encoded table definition.
func ParseTableVersion(frm []byte) (string, error) {
	if len(frm) < frmHeaderSize {
		return "", errors.Newf("table definition too short: %d bytes", len(frm))
	}
	if frm[0] != 0xfe || frm[1] != 0x01 {
		return "", errors.Newf("bad table definition magic %x", frm[:2])
	}
	n := int(binary.LittleEndian.Uint16(frm[frmExtra2LenOff:]))
	if frmHeaderSize+n > len(frm) {
		return "", errors.Newf("extra2 section of %d bytes overruns file", n)
	}
	extra2 := frm[frmHeaderSize : frmHeaderSize+n]

	for len(extra2) >= 2 {
		typ, size := extra2[0], int(extra2[1])
		extra2 = extra2[2:]
		if size == 0 {
			if len(extra2) < 2 {
				return "", errors.New("truncated extra2 length")
			}
			size = int(binary.LittleEndian.Uint16(extra2))
			extra2 = extra2[2:]
		}
		if size > len(extra2) {
			return "", errors.Newf("extra2 field %d of %d bytes overruns section", typ, size)
		}
		if typ == extra2TableDefVer {
			if size != 16 {
				return "", errors.Newf("table version of %d bytes", size)
			}
			return uuid.UUID(extra2[:16]).String(), nil
		}
		extra2 = extra2[size:]
	}
	return "", nil
}

// EncodeTableDefinition builds a minimal table definition carrying version.
// A zero version is omitted.
func EncodeTableDefinition(version uuid.UUID) []byte {
	var extra2 []byte
	if version != uuid.Nil {
		extra2 = append(extra2, extra2TableDefVer, 16)
		extra2 = append(extra2, version[:]...)
	}
	b := make([]byte, frmHeaderSize, frmHeaderSize+len(extra2))
	b[0], b[1] = 0xfe, 0x01
	binary.LittleEndian.PutUint16(b[frmExtra2LenOff:], uint16(len(extra2)))
	return append(b, extra2...)
}
