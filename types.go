package arcfs

import (
	"io/fs"
	"time"

	"github.com/arcfs/arcfs/internal/sqfs"
)

// Kind classifies an archive entry.
type Kind = sqfs.Kind

// Entry kinds.
const (
	KindDir      = sqfs.KindDir
	KindFile     = sqfs.KindFile
	KindSymlink  = sqfs.KindSymlink
	KindBlockDev = sqfs.KindBlockDev
	KindCharDev  = sqfs.KindCharDev
	KindFifo     = sqfs.KindFifo
	KindSocket   = sqfs.KindSocket
)

// DirEntry is one directory listing entry.
type DirEntry = sqfs.DirEntry

// Stat describes one archive entry.
type Stat struct {
	// Path is the normalized archive path of the entry.
	Path string

	Kind    Kind
	Mode    fs.FileMode
	UID     uint32
	GID     uint32
	Size    int64
	ModTime time.Time
	Nlink   uint32

	// Inode is the entry's stable inode number within the archive.
	Inode uint32

	// Target is the link target for symlinks, empty otherwise.
	Target string

	// Xattrs holds the entry's extended attributes with full prefixed
	// names, nil when it has none.
	Xattrs map[string][]byte
}

// IsDir reports whether the entry is a directory.
func (s *Stat) IsDir() bool { return s.Kind == KindDir }

// Meta summarizes an open archive.
type Meta struct {
	// ObjectSize is the remote object's total size in bytes.
	ObjectSize int64

	// ChunkSize is the cache chunk size actually in effect.
	ChunkSize int64

	BlockSize   uint32
	Compression string
	InodeCount  uint32
	FragCount   uint32
	ModTime     time.Time
	BytesUsed   uint64

	InodeTableStart     uint64
	DirectoryTableStart uint64
	FragmentTableStart  uint64
	IDTableStart        uint64
	ExportTableStart    uint64
	XattrIDTableStart   uint64
}
