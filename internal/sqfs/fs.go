package sqfs

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FS exposes one archive's namespace and contents. All lookups decode
// table records lazily through the underlying ByteRanger; decoded
// metadata blocks are memoized so repeated walks over the same tables
// do not re-run decompression.
type FS struct {
	src     ByteRanger
	sb      *Superblock
	inflate decompressFunc

	// table end bounds, used to reject pointers that escape their table
	inodeEnd uint64
	dirEnd   uint64

	metaMu    sync.Mutex
	metaCache map[uint64]metaEntry

	rootMu sync.Mutex
	root   *Inode
}

// New builds an FS over src using a previously decoded superblock.
func New(src ByteRanger, sb *Superblock) (*FS, error) {
	inflate, err := newDecompressor(sb.Compression)
	if err != nil {
		return nil, err
	}
	dirEnd := sb.BytesUsed
	for _, t := range []uint64{sb.FragmentTableStart, sb.ExportTableStart, sb.IDTableStart} {
		if t != invalidTable && t >= sb.DirectoryTableStart && t < dirEnd {
			dirEnd = t
		}
	}
	return &FS{
		src:       src,
		sb:        sb,
		inflate:   inflate,
		inodeEnd:  sb.DirectoryTableStart,
		dirEnd:    dirEnd,
		metaCache: make(map[uint64]metaEntry),
	}, nil
}

// Superblock returns the decoded archive header.
func (f *FS) Superblock() *Superblock { return f.sb }

// Root returns the root directory inode.
func (f *FS) Root(ctx context.Context) (*Inode, error) {
	f.rootMu.Lock()
	root := f.root
	f.rootMu.Unlock()
	if root != nil {
		return root, nil
	}
	root, err := f.InodeAt(ctx, f.sb.RootInodeRef)
	if err != nil {
		return nil, err
	}
	if root.Kind != KindDir {
		return nil, fmt.Errorf("%w: root inode is a %s", ErrCorrupt, root.Kind)
	}
	f.rootMu.Lock()
	f.root = root
	f.rootMu.Unlock()
	return root, nil
}

// Resolve walks an fs.ValidPath-style path ("." is the root) from the
// root directory and returns the inode it names. Symlinks along the way
// are returned as-is, not followed.
func (f *FS) Resolve(ctx context.Context, name string) (*Inode, error) {
	cur, err := f.Root(ctx)
	if err != nil {
		return nil, err
	}
	if name == "." || name == "" {
		return cur, nil
	}
	for part := range strings.SplitSeq(name, "/") {
		if part == "" {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		cur, err = f.Lookup(ctx, cur, part)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return cur, nil
}

// ReadLink returns the target of a symlink inode.
func (f *FS) ReadLink(ino *Inode) (string, error) {
	if ino.Kind != KindSymlink {
		return "", ErrNotSymlink
	}
	return ino.target, nil
}
