package sqfs

import (
	"context"
	"fmt"
	"iter"
)

// maxDirRunEntries caps entries under one directory header.
const maxDirRunEntries = 256

// maxNameLen caps one directory entry name.
const maxNameLen = 256

// DirEntry is one decoded directory table entry.
type DirEntry struct {
	Name   string
	Kind   Kind
	Ref    InodeRef
	Number uint32
}

// DirEntries iterates dir's entries in the archive's name order,
// skipping the first start entries. Iteration stops early on the first
// decode error, yielded as the final pair.
func (f *FS) DirEntries(ctx context.Context, dir *Inode, start int) iter.Seq2[DirEntry, error] {
	return func(yield func(DirEntry, error) bool) {
		if dir.Kind != KindDir {
			yield(DirEntry{}, ErrNotDirectory)
			return
		}
		// The stored size counts three phantom bytes for "." and "..",
		// which have no table entries.
		if dir.Size <= 3 {
			return
		}
		listing := int(dir.Size) - 3

		r := f.metaReaderAt(ctx, f.sb.DirectoryTableStart, f.dirEnd,
			makeInodeRef(dir.dirStart, dir.dirOffset))
		idx := 0
		for r.consumed < listing {
			count, err := r.readUint32()
			if err != nil {
				yield(DirEntry{}, err)
				return
			}
			blockStart, err := r.readUint32()
			if err != nil {
				yield(DirEntry{}, err)
				return
			}
			baseInode, err := r.readUint32()
			if err != nil {
				yield(DirEntry{}, err)
				return
			}
			if count >= maxDirRunEntries {
				yield(DirEntry{}, fmt.Errorf("%w: directory run of %d entries", ErrCorrupt, count+1))
				return
			}
			for range count + 1 {
				offset, err := r.readUint16()
				if err != nil {
					yield(DirEntry{}, err)
					return
				}
				diff, err := r.readInt16()
				if err != nil {
					yield(DirEntry{}, err)
					return
				}
				tag, err := r.readUint16()
				if err != nil {
					yield(DirEntry{}, err)
					return
				}
				nameLen, err := r.readUint16()
				if err != nil {
					yield(DirEntry{}, err)
					return
				}
				if int(nameLen)+1 > maxNameLen {
					yield(DirEntry{}, fmt.Errorf("%w: entry name of %d bytes", ErrCorrupt, nameLen+1))
					return
				}
				name := make([]byte, nameLen+1)
				if err := r.read(name); err != nil {
					yield(DirEntry{}, err)
					return
				}
				e := DirEntry{
					Name:   string(name),
					Kind:   kindOf(tag),
					Ref:    makeInodeRef(blockStart, offset),
					Number: uint32(int64(baseInode) + int64(diff)),
				}
				if idx >= start && !yield(e, nil) {
					return
				}
				idx++
			}
		}
	}
}

// Lookup finds name directly under dir and decodes its inode. Entries
// are stored name-sorted, so the scan stops at the first entry past
// name.
func (f *FS) Lookup(ctx context.Context, dir *Inode, name string) (*Inode, error) {
	for e, err := range f.DirEntries(ctx, dir, 0) {
		if err != nil {
			return nil, err
		}
		if e.Name == name {
			return f.InodeAt(ctx, e.Ref)
		}
		if e.Name > name {
			break
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
}
