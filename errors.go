package arcfs

import (
	"errors"

	"github.com/arcfs/arcfs/cache"
	arcfshttp "github.com/arcfs/arcfs/http"
	"github.com/arcfs/arcfs/internal/sqfs"
)

// Errors re-exported from internal/sqfs.
var (
	// ErrCorruptArchive is returned when archive tables are malformed or
	// contain pointers that resolve outside their bounds.
	ErrCorruptArchive = sqfs.ErrCorrupt

	// ErrNotFound is returned when a path does not exist in the archive.
	// It matches fs.ErrNotExist under errors.Is.
	ErrNotFound = sqfs.ErrNotFound

	// ErrNotDirectory is returned when a directory operation targets a
	// non-directory inode.
	ErrNotDirectory = sqfs.ErrNotDirectory

	// ErrNotFile is returned when a data read targets a non-regular inode.
	ErrNotFile = sqfs.ErrNotRegular

	// ErrNotSymlink is returned when ReadLink targets a non-symlink inode.
	ErrNotSymlink = sqfs.ErrNotSymlink

	// ErrOutOfRange is returned when a read extends past the end of a file.
	ErrOutOfRange = sqfs.ErrOutOfRange

	// ErrUnsupportedCompression is returned when the archive uses a
	// compression algorithm with no registered codec.
	ErrUnsupportedCompression = sqfs.ErrUnsupportedCompression
)

// Errors re-exported from cache.
var (
	// ErrNotCached is returned by direct store reads over chunks that are
	// not yet present.
	ErrNotCached = cache.ErrNotCached

	// ErrShortWrite is returned when a chunk commit carries the wrong
	// number of bytes.
	ErrShortWrite = cache.ErrShortWrite
)

// Errors re-exported from http.
var (
	// ErrVersionMismatch is returned when the backing object changed
	// identity since the archive was opened.
	ErrVersionMismatch = arcfshttp.ErrVersionMismatch

	// ErrTransient is matched by retryable remote fetch failures. The
	// engine never retries internally; callers decide.
	ErrTransient = arcfshttp.ErrTransient
)

// Errors specific to the arcfs package.
var (
	// ErrNoMapping is returned by the Router when no configured prefix
	// matches a requested path.
	ErrNoMapping = errors.New("arcfs: no mapping for path")

	// ErrInvalidToken is returned when a listing continuation token is
	// not one previously issued by List.
	ErrInvalidToken = errors.New("arcfs: invalid continuation token")
)
