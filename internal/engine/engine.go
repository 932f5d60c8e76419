// Package engine reads the on-disk structures of the block-structured storage
// engine: table capabilities, index and data blocks, the log control file and
// table definition versions.
package engine

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// Recovery log layout.
const (
	// PageSize is the recovery log page size. The engine may rewrite the last
	// page of the active segment until it is full.
	PageSize = 8192
	// LSNStoreSize is the on-disk size of a log sequence number.
	LSNStoreSize = 7
	// HeaderDataSize is the size of the segment header. Its trailing field is
	// the max LSN, patched into a segment after the engine rotates to the next.
	HeaderDataSize = 44
	// MaxLSNOffset is the file offset of the max LSN header field.
	MaxLSNOffset = HeaderDataSize - LSNStoreSize
)

// ErrEndOfBlocks is returned by the block readers past the last block.
var ErrEndOfBlocks = errors.New("end of blocks")

// DataFileType is the row format of a table's data file.
type DataFileType uint8

const (
	StaticRecord DataFileType = iota
	DynamicRecord
	CompressedRecord
	BlockRecord
)

func (t DataFileType) String() string {
	switch t {
	case StaticRecord:
		return "static"
	case DynamicRecord:
		return "dynamic"
	case CompressedRecord:
		return "compressed"
	case BlockRecord:
		return "block"
	default:
		return "unknown"
	}
}

// Capabilities describes how a table's files may be copied.
type Capabilities struct {
	BlockSize     uint32
	HeaderLength  uint32
	DataFileType  DataFileType
	Transactional bool
	// OnlineBackupSafe permits copying the table with no lock at all.
	OnlineBackupSafe bool
}

// Engine is the storage-engine collaborator used to copy table files block by
// block.
type Engine interface {
	// Capabilities reads the table capabilities from an index file header.
	Capabilities(index io.ReaderAt) (Capabilities, error)
	// ReadIndexBlock reads index block n into buf and returns its length.
	ReadIndexBlock(index io.ReaderAt, caps Capabilities, n uint64, buf []byte) (int, error)
	// ReadDataBlock reads data block n into buf and returns its length.
	ReadDataBlock(data io.ReaderAt, caps Capabilities, n uint64, buf []byte) (int, error)
}

// Index file state header.
var indexMagic = [4]byte{0xfe, 0xfe, 0x09, 0x01}

const (
	indexHeaderSize   = 12
	flagTransactional = 0x01
)

// IndexHeader is the fixed prefix of an index file.
type IndexHeader struct {
	HeaderLength  uint16
	BlockSize     uint16
	DataFileType  DataFileType
	Transactional bool
}

// Encode returns the on-disk form of the header.
func (h IndexHeader) Encode() []byte {
	b := make([]byte, indexHeaderSize)
	copy(b, indexMagic[:])
	binary.BigEndian.PutUint16(b[6:], h.HeaderLength)
	binary.BigEndian.PutUint16(b[8:], h.BlockSize)
	b[10] = byte(h.DataFileType)
	if h.Transactional {
		b[11] |= flagTransactional
	}
	return b
}

// Paged is the Engine implementation for the block-record table format.
type Paged struct{}

var _ Engine = Paged{}

// Capabilities implements Engine.
func (Paged) Capabilities(index io.ReaderAt) (Capabilities, error) {
	var b [indexHeaderSize]byte
	if _, err := index.ReadAt(b[:], 0); err != nil {
		return Capabilities{}, errors.Wrap(err, "read index header")
	}
	if [4]byte(b[:4]) != indexMagic {
		return Capabilities{}, errors.Newf("bad index file magic %x", b[:4])
	}
	caps := Capabilities{
		HeaderLength:  uint32(binary.BigEndian.Uint16(b[6:])),
		BlockSize:     uint32(binary.BigEndian.Uint16(b[8:])),
		DataFileType:  DataFileType(b[10]),
		Transactional: b[11]&flagTransactional != 0,
	}
	if caps.BlockSize == 0 || caps.BlockSize&(caps.BlockSize-1) != 0 {
		return Capabilities{}, errors.Newf("invalid block size %d", caps.BlockSize)
	}
	caps.OnlineBackupSafe = caps.Transactional && caps.DataFileType == BlockRecord
	return caps, nil
}

// ReadIndexBlock implements Engine. Index files always hold whole blocks.
func (Paged) ReadIndexBlock(index io.ReaderAt, caps Capabilities, n uint64, buf []byte) (int, error) {
	read, err := readBlock(index, caps, n, buf)
	if err != nil {
		return 0, err
	}
	if read != int(caps.BlockSize) {
		return 0, errors.Newf("short index block %d: %d of %d bytes", n, read, caps.BlockSize)
	}
	return read, nil
}

// ReadDataBlock implements Engine. Block-record data files hold whole
// blocks; the other row formats may end with a partial block.
func (Paged) ReadDataBlock(data io.ReaderAt, caps Capabilities, n uint64, buf []byte) (int, error) {
	read, err := readBlock(data, caps, n, buf)
	if err != nil {
		return 0, err
	}
	if caps.DataFileType == BlockRecord && read != int(caps.BlockSize) {
		return 0, errors.Newf("short data block %d: %d of %d bytes", n, read, caps.BlockSize)
	}
	return read, nil
}

func readBlock(r io.ReaderAt, caps Capabilities, n uint64, buf []byte) (int, error) {
	if len(buf) < int(caps.BlockSize) {
		return 0, errors.AssertionFailedf("block buffer of %d bytes, need %d", len(buf), caps.BlockSize)
	}
	read, err := r.ReadAt(buf[:caps.BlockSize], int64(n)*int64(caps.BlockSize))
	if err != nil && err != io.EOF {
		return 0, errors.Wrapf(err, "read block %d", n)
	}
	if read == 0 {
		return 0, ErrEndOfBlocks
	}
	return read, nil
}
