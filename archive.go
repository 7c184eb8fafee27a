package arcfs

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/arcfs/arcfs/cache"
	"github.com/arcfs/arcfs/internal/sqfs"
)

// Archive presents one remote archive object as a read-only filesystem.
// All reads go through the local chunk cache: only the byte ranges a
// lookup or read actually touches are fetched from the remote, and each
// range is fetched at most once per archive version.
//
// An Archive is safe for concurrent use.
type Archive struct {
	src     Source
	store   *cache.Store
	fetcher *cache.Fetcher
	fsys    *sqfs.FS

	cacheDir       string
	chunkSize      int64
	locker         cache.Locker
	syncCommit     bool
	prefetchMeta   bool
	maxFetchChunks int
	listPage       int
	logger         *slog.Logger
}

// Open validates the archive header of src and prepares the local chunk
// cache for it. The header is taken from attached object metadata when
// src carries it, sparing a remote read; otherwise the header bytes are
// fetched directly.
//
// The cache is keyed by src's identity, so a changed remote object gets
// a fresh cache while chunks of the previous version stay untouched.
func Open(ctx context.Context, src Source, opts ...Option) (*Archive, error) {
	a := &Archive{
		src:        src,
		syncCommit: true,
		listPage:   DefaultListPageSize,
	}
	for _, opt := range opts {
		opt(a)
	}

	hdr, err := superblockBytes(ctx, src)
	if err != nil {
		return nil, err
	}
	sb, err := sqfs.DecodeSuperblock(hdr, src.Size())
	if err != nil {
		return nil, err
	}

	// Chunks never split an archive block: a single block read would
	// otherwise fan out into several remote requests.
	chunkSize := a.chunkSize
	if chunkSize < int64(sb.BlockSize) {
		chunkSize = int64(sb.BlockSize)
	}

	dir := a.cacheDir
	if dir == "" {
		if dir, err = defaultCacheDir(); err != nil {
			return nil, err
		}
	}
	var storeOpts []cache.StoreOption
	if a.locker != nil {
		storeOpts = append(storeOpts, cache.WithLocker(a.locker))
	}
	storeOpts = append(storeOpts, cache.WithSyncCommit(a.syncCommit))
	if a.logger != nil {
		storeOpts = append(storeOpts, cache.WithStoreLogger(a.logger))
	}
	store, err := cache.Open(dir, src.SourceID(), src.Size(), chunkSize, storeOpts...)
	if err != nil {
		return nil, err
	}

	var fetchOpts []cache.FetcherOption
	if a.maxFetchChunks > 0 {
		fetchOpts = append(fetchOpts, cache.WithMaxFetchChunks(a.maxFetchChunks))
	}
	if a.logger != nil {
		fetchOpts = append(fetchOpts, cache.WithFetcherLogger(a.logger))
	}
	fetcher := cache.NewFetcher(store, src, fetchOpts...)

	fsys, err := sqfs.New(fetcher, sb)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.store = store
	a.fetcher = fetcher
	a.fsys = fsys
	a.chunkSize = chunkSize

	if a.prefetchMeta && store.Fresh() {
		if err := a.PrefetchMetadata(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return a, nil
}

// superblockBytes returns the archive header, preferring a copy attached
// to the object's metadata over a remote read.
func superblockBytes(ctx context.Context, src Source) ([]byte, error) {
	if ms, ok := src.(MetadataSource); ok {
		if enc, ok := ms.Metadata()[SuperblockMetadataKey]; ok {
			b, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("attached archive header: %w", err)
			}
			if len(b) < sqfs.SuperblockSize {
				return nil, fmt.Errorf("attached archive header: %w: %d bytes", ErrCorruptArchive, len(b))
			}
			return b, nil
		}
	}
	rc, err := src.ReadRange(ctx, 0, sqfs.SuperblockSize)
	if err != nil {
		return nil, fmt.Errorf("reading archive header: %w", err)
	}
	defer rc.Close()
	b := make([]byte, sqfs.SuperblockSize)
	if _, err := io.ReadFull(rc, b); err != nil {
		return nil, fmt.Errorf("reading archive header: %w", err)
	}
	return b, nil
}

func defaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "arcfs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}
	return dir, nil
}

// Close releases the cache files. Cached chunks stay on disk for the
// next open.
func (a *Archive) Close() error {
	return a.store.Close()
}

// Meta returns the archive's decoded header summary.
func (a *Archive) Meta() Meta {
	sb := a.fsys.Superblock()
	return Meta{
		ObjectSize:          a.src.Size(),
		ChunkSize:           a.chunkSize,
		BlockSize:           sb.BlockSize,
		Compression:         sb.Compression.String(),
		InodeCount:          sb.InodeCount,
		FragCount:           sb.FragmentCount,
		ModTime:             sb.ModTime,
		BytesUsed:           sb.BytesUsed,
		InodeTableStart:     sb.InodeTableStart,
		DirectoryTableStart: sb.DirectoryTableStart,
		FragmentTableStart:  sb.FragmentTableStart,
		IDTableStart:        sb.IDTableStart,
		ExportTableStart:    sb.ExportTableStart,
		XattrIDTableStart:   sb.XattrIDTableStart,
	}
}

// PrefetchMetadata fetches the whole metadata region (inode table
// through end of object) into the cache in one pass, so subsequent
// lookups resolve locally.
func (a *Archive) PrefetchMetadata(ctx context.Context) error {
	sb := a.fsys.Superblock()
	start := int64(sb.InodeTableStart) &^ (a.chunkSize - 1)
	return a.fetcher.Ensure(ctx, start, a.src.Size()-start)
}

// resolve normalizes path and walks it to an inode. Normalized paths
// carrying "." or ".." components fail with fs.ErrInvalid; the archive
// namespace has no relative addressing.
func (a *Archive) resolve(ctx context.Context, path string) (*sqfs.Inode, error) {
	p := NormalizePath(path)
	if !fs.ValidPath(p) {
		return nil, fmt.Errorf("%q: %w", path, fs.ErrInvalid)
	}
	return a.fsys.Resolve(ctx, p)
}

// Stat returns the entry at path, extended attributes included.
// Symlinks are described, not followed.
func (a *Archive) Stat(ctx context.Context, path string) (*Stat, error) {
	ino, err := a.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.statInode(ctx, NormalizePath(path), ino)
}

func (a *Archive) statInode(ctx context.Context, path string, ino *sqfs.Inode) (*Stat, error) {
	xattrs, err := a.fsys.Xattrs(ctx, ino)
	if err != nil {
		return nil, err
	}
	st := &Stat{
		Path:    path,
		Kind:    ino.Kind,
		Mode:    ino.Mode(),
		UID:     ino.UID,
		GID:     ino.GID,
		Size:    int64(ino.Size),
		ModTime: ino.ModTime,
		Nlink:   ino.Nlink,
		Inode:   ino.Number,
		Xattrs:  xattrs,
	}
	if ino.Kind == KindSymlink {
		st.Target, _ = a.fsys.ReadLink(ino)
	}
	if ino.Kind == KindDir {
		st.Size = 0
	}
	return st, nil
}

// Read returns length bytes of the file at path starting at off. Reads
// extending past end of file fail with ErrOutOfRange.
func (a *Archive) Read(ctx context.Context, path string, off, length int64) ([]byte, error) {
	ino, err := a.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.fsys.ReadFileRange(ctx, ino, off, length)
}

// List returns one page of directory entries in the archive's stable
// name order. An empty token starts from the beginning; a non-empty
// next token means more entries remain and resumes the listing when
// passed back, even across processes.
func (a *Archive) List(ctx context.Context, path, token string) ([]DirEntry, string, error) {
	ino, err := a.resolve(ctx, path)
	if err != nil {
		return nil, "", err
	}
	start := 0
	if token != "" {
		start, err = strconv.Atoi(token)
		if err != nil || start < 0 {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidToken, token)
		}
	}

	entries := make([]DirEntry, 0, a.listPage)
	for e, err := range a.fsys.DirEntries(ctx, ino, start) {
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, e)
		if len(entries) == a.listPage {
			return entries, strconv.Itoa(start + len(entries)), nil
		}
	}
	return entries, "", nil
}

// ReadLink returns the target of the symlink at path.
func (a *Archive) ReadLink(ctx context.Context, path string) (string, error) {
	ino, err := a.resolve(ctx, path)
	if err != nil {
		return "", err
	}
	return a.fsys.ReadLink(ino)
}

// Xattrs returns the extended attributes of the entry at path, nil when
// it has none.
func (a *Archive) Xattrs(ctx context.Context, path string) (map[string][]byte, error) {
	ino, err := a.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.fsys.Xattrs(ctx, ino)
}

// ExtractFile copies the file at path into dest on the local
// filesystem, preserving mode and modification time, and returns the
// byte count written.
func (a *Archive) ExtractFile(ctx context.Context, path, dest string) (int64, error) {
	ino, err := a.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if ino.Kind != KindFile {
		return 0, fmt.Errorf("%s: %w", path, ErrNotFile)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	size := int64(ino.Size)
	var written int64
	for written < size {
		n := min(a.chunkSize, size-written)
		b, err := a.fsys.ReadFileRange(ctx, ino, written, n)
		if err != nil {
			out.Close()
			return written, err
		}
		if _, err := out.Write(b); err != nil {
			out.Close()
			return written, err
		}
		written += n
	}
	if err := out.Chmod(ino.Mode().Perm()); err != nil {
		out.Close()
		return written, err
	}
	if err := out.Close(); err != nil {
		return written, err
	}
	if err := os.Chtimes(dest, ino.ModTime, ino.ModTime); err != nil {
		return written, err
	}
	return written, nil
}
