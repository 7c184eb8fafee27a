package arcfs

import (
	"context"
	"io"
)

// Source provides ranged access to an immutable remote object.
//
// Implementations exist for HTTP range requests (arcfs/http) and local
// files. SourceID must return a stable identifier for the exact content
// version being served; it keys the local sparse cache, so two revisions
// of the same object must yield two different IDs.
type Source interface {
	// ReadRange returns a reader over [off, off+length) of the object.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)

	// Size returns the total size of the object in bytes.
	Size() int64

	// SourceID returns a stable identity for this object revision.
	SourceID() string
}

// MetadataSource is implemented by sources that expose metadata attached
// to the backing object (for S3, the x-amz-meta-* entries). Open uses it
// to load the archive superblock without a remote read when present.
type MetadataSource interface {
	Metadata() map[string]string
}

// SuperblockMetadataKey is the attached-metadata entry holding the
// base64-encoded archive superblock, written at install time.
const SuperblockMetadataKey = "s3archivefs-superblock"
