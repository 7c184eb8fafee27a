package arcfs

import (
	"log/slog"

	"github.com/arcfs/arcfs/cache"
)

// DefaultListPageSize bounds one List page when no option overrides it.
const DefaultListPageSize = 1024

// Option configures an Archive.
type Option func(*Archive)

// WithCacheDir sets the directory holding the local chunk cache. When
// unset, the cache lives under the user cache directory.
func WithCacheDir(dir string) Option {
	return func(a *Archive) {
		a.cacheDir = dir
	}
}

// WithChunkSize sets the cache chunk size in bytes. Must be a power of
// two. Chunks never end up finer than the archive's block size: when the
// configured size is smaller, the block size wins.
func WithChunkSize(n int64) Option {
	return func(a *Archive) {
		a.chunkSize = n
	}
}

// WithLocker overrides the cross-process lock used by the chunk cache.
// Useful to disable locking (cache.NopLocker) when a cache directory is
// private to one process.
func WithLocker(l cache.Locker) Option {
	return func(a *Archive) {
		a.locker = l
	}
}

// WithSyncCommit controls whether cached chunk data is fsynced before
// being marked present. Enabled by default; disabling trades crash
// safety of the cache for write latency.
func WithSyncCommit(enabled bool) Option {
	return func(a *Archive) {
		a.syncCommit = enabled
	}
}

// WithMetadataPrefetch downloads the archive's whole metadata region
// (inode tables through the end of the object) in one pass when a cache
// is first created. Subsequent lookups then never touch the remote for
// metadata. Off by default.
func WithMetadataPrefetch(enabled bool) Option {
	return func(a *Archive) {
		a.prefetchMeta = enabled
	}
}

// WithMaxFetchChunks caps how many adjacent missing chunks one remote
// request may cover.
func WithMaxFetchChunks(n int) Option {
	return func(a *Archive) {
		a.maxFetchChunks = n
	}
}

// WithListPageSize caps the number of entries one List call returns.
func WithListPageSize(n int) Option {
	return func(a *Archive) {
		if n > 0 {
			a.listPage = n
		}
	}
}

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}
