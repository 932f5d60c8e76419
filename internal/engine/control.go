package engine

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Control file layout. All integers are big endian; the checksum is xxhash64
// over every preceding byte.
var controlMagic = [4]byte{0xfe, 0xfe, 0x0c, 0x01}

const (
	controlUUIDOffset     = 4
	controlLSNOffset      = controlUUIDOffset + 16
	controlLastLogOffset  = controlLSNOffset + 8
	controlMaxTridOffset  = controlLastLogOffset + 4
	controlFailuresOffset = controlMaxTridOffset + 8
	controlChecksumOffset = controlFailuresOffset + 1
	// ControlFileSize is the size of an encoded control file.
	ControlFileSize = controlChecksumOffset + 8
)

// Control is the engine's log control record. LastLogNumber is the newest log
// segment the engine has issued.
type Control struct {
	UUID             uuid.UUID
	CheckpointLSN    uint64
	LastLogNumber    uint32
	MaxTrid          uint64
	RecoveryFailures uint8
}

// Encode returns the checksummed on-disk form.
func (c Control) Encode() []byte {
	b := make([]byte, ControlFileSize)
	copy(b, controlMagic[:])
	copy(b[controlUUIDOffset:], c.UUID[:])
	binary.BigEndian.PutUint64(b[controlLSNOffset:], c.CheckpointLSN)
	binary.BigEndian.PutUint32(b[controlLastLogOffset:], c.LastLogNumber)
	binary.BigEndian.PutUint64(b[controlMaxTridOffset:], c.MaxTrid)
	b[controlFailuresOffset] = c.RecoveryFailures
	binary.BigEndian.PutUint64(b[controlChecksumOffset:], xxhash.Sum64(b[:controlChecksumOffset]))
	return b
}

// DecodeControl parses and verifies an encoded control file.
func DecodeControl(b []byte) (Control, error) {
	if len(b) < ControlFileSize {
		return Control{}, errors.Newf("control file too short: %d bytes", len(b))
	}
	if [4]byte(b[:4]) != controlMagic {
		return Control{}, errors.Newf("bad control file magic %x", b[:4])
	}
	want := binary.BigEndian.Uint64(b[controlChecksumOffset:])
	if got := xxhash.Sum64(b[:controlChecksumOffset]); got != want {
		return Control{}, errors.Newf("control file checksum mismatch: %016x != %016x", got, want)
	}
	var c Control
	copy(c.UUID[:], b[controlUUIDOffset:controlLSNOffset])
	c.CheckpointLSN = binary.BigEndian.Uint64(b[controlLSNOffset:])
	c.LastLogNumber = binary.BigEndian.Uint32(b[controlLastLogOffset:])
	c.MaxTrid = binary.BigEndian.Uint64(b[controlMaxTridOffset:])
	c.RecoveryFailures = b[controlFailuresOffset]
	return c, nil
}

// ReadControl reads the control file at path.
func ReadControl(path string) (Control, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Control{}, errors.Wrap(err, "read control file")
	}
	c, err := DecodeControl(b)
	if err != nil {
		return Control{}, errors.Wrapf(err, "%s", path)
	}
	return c, nil
}

// WriteControl atomically replaces the control file at path.
func WriteControl(path string, c Control) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".control-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp control file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(c.Encode()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write control file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "sync control file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close control file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename control file")
	}
	return nil
}
