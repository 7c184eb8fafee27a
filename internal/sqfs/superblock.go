package sqfs

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"
)

// SuperblockSize is the encoded size of the archive header.
const SuperblockSize = 96

const (
	magic        = 0x73717368
	versionMajor = 4
	versionMinor = 0
)

// invalidTable marks an absent optional table in the superblock.
const invalidTable = ^uint64(0)

// Compression identifies the archive's compression algorithm.
type Compression uint16

// Compression algorithms.
const (
	CompZlib Compression = 1
	CompLZMA Compression = 2
	CompLZO  Compression = 3
	CompXZ   Compression = 4
	CompLZ4  Compression = 5
	CompZstd Compression = 6
)

func (c Compression) String() string {
	switch c {
	case CompZlib:
		return "gzip"
	case CompLZMA:
		return "lzma"
	case CompLZO:
		return "lzo"
	case CompXZ:
		return "xz"
	case CompLZ4:
		return "lz4"
	case CompZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}

// Superblock flag bits.
const (
	flagUncompressedInodes = 0x0001
	flagUncompressedData   = 0x0002
	flagUncompressedFrags  = 0x0008
	flagNoFragments        = 0x0010
	flagNoXattrs           = 0x0200
	flagUncompressedIDs    = 0x0800
)

// Superblock is the decoded fixed-size archive header.
type Superblock struct {
	InodeCount    uint32
	ModTime       time.Time
	BlockSize     uint32
	FragmentCount uint32
	Compression   Compression
	BlockLog      uint16
	Flags         uint16
	IDCount       uint16
	RootInodeRef  InodeRef
	BytesUsed     uint64

	IDTableStart        uint64
	XattrIDTableStart   uint64
	InodeTableStart     uint64
	DirectoryTableStart uint64
	FragmentTableStart  uint64
	ExportTableStart    uint64
}

// NoXattrs reports whether the archive was built without extended
// attributes.
func (sb *Superblock) NoXattrs() bool {
	return sb.Flags&flagNoXattrs != 0 || sb.XattrIDTableStart == invalidTable
}

// HasExportTable reports whether an NFS export table is present.
func (sb *Superblock) HasExportTable() bool {
	return sb.ExportTableStart != invalidTable
}

// DecodeSuperblock parses and validates the archive header. objectSize is
// the total size of the archive object; table offsets must fall inside it.
func DecodeSuperblock(b []byte, objectSize int64) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("%w: superblock truncated at %d bytes", ErrCorrupt, len(b))
	}
	le := binary.LittleEndian
	if got := le.Uint32(b[0:]); got != magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, got)
	}
	if maj, min := le.Uint16(b[28:]), le.Uint16(b[30:]); maj != versionMajor || min != versionMinor {
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrCorrupt, maj, min)
	}

	sb := &Superblock{
		InodeCount:    le.Uint32(b[4:]),
		ModTime:       time.Unix(int64(le.Uint32(b[8:])), 0).UTC(),
		BlockSize:     le.Uint32(b[12:]),
		FragmentCount: le.Uint32(b[16:]),
		Compression:   Compression(le.Uint16(b[20:])),
		BlockLog:      le.Uint16(b[22:]),
		Flags:         le.Uint16(b[24:]),
		IDCount:       le.Uint16(b[26:]),
		RootInodeRef:  InodeRef(le.Uint64(b[32:])),
		BytesUsed:     le.Uint64(b[40:]),

		IDTableStart:        le.Uint64(b[48:]),
		XattrIDTableStart:   le.Uint64(b[56:]),
		InodeTableStart:     le.Uint64(b[64:]),
		DirectoryTableStart: le.Uint64(b[72:]),
		FragmentTableStart:  le.Uint64(b[80:]),
		ExportTableStart:    le.Uint64(b[88:]),
	}

	if sb.BlockSize < 4096 || sb.BlockSize > 1<<20 || bits.OnesCount32(sb.BlockSize) != 1 {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrCorrupt, sb.BlockSize)
	}
	if uint32(1)<<sb.BlockLog != sb.BlockSize {
		return nil, fmt.Errorf("%w: block log %d does not match block size %d", ErrCorrupt, sb.BlockLog, sb.BlockSize)
	}
	if sb.BytesUsed > uint64(objectSize) {
		return nil, fmt.Errorf("%w: bytes used %d exceeds object size %d", ErrCorrupt, sb.BytesUsed, objectSize)
	}
	if sb.InodeTableStart >= sb.DirectoryTableStart {
		return nil, fmt.Errorf("%w: inode table at %d overlaps directory table at %d",
			ErrCorrupt, sb.InodeTableStart, sb.DirectoryTableStart)
	}
	for _, t := range []uint64{sb.InodeTableStart, sb.DirectoryTableStart, sb.IDTableStart} {
		if t > sb.BytesUsed {
			return nil, fmt.Errorf("%w: table offset %d beyond archive end %d", ErrCorrupt, t, sb.BytesUsed)
		}
	}
	for _, t := range []uint64{sb.FragmentTableStart, sb.ExportTableStart, sb.XattrIDTableStart} {
		if t != invalidTable && t > sb.BytesUsed {
			return nil, fmt.Errorf("%w: table offset %d beyond archive end %d", ErrCorrupt, t, sb.BytesUsed)
		}
	}
	return sb, nil
}
