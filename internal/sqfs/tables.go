package sqfs

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Lookup tables (ids, fragments, xattr descriptors) are stored as a
// flat array of fixed-size records packed into metadata blocks, reached
// through a list of u64 block pointers starting at the table offset.

const (
	idsPerBlock      = metaBlockSize / 4  // u32 records
	fragsPerBlock    = metaBlockSize / 16 // 16-byte records
	xattrIDsPerBlock = metaBlockSize / 16
)

// lookupBlock follows the pointer list at table to the metadata block
// holding record index, given perBlock records per decoded block.
func (f *FS) lookupBlock(ctx context.Context, table uint64, index, perBlock uint32) ([]byte, error) {
	ptrOff := table + 8*uint64(index/perBlock)
	if ptrOff+8 > f.sb.BytesUsed {
		return nil, fmt.Errorf("%w: table pointer at %d beyond archive end", ErrCorrupt, ptrOff)
	}
	pb, err := f.src.ReadRange(ctx, int64(ptrOff), 8)
	if err != nil {
		return nil, err
	}
	ptr := binary.LittleEndian.Uint64(pb)
	data, _, err := f.metaBlock(ctx, ptr, f.sb.BytesUsed)
	return data, err
}

// id resolves a uid/gid index from the id table.
func (f *FS) id(ctx context.Context, index uint16) (uint32, error) {
	if index >= f.sb.IDCount {
		return 0, fmt.Errorf("%w: id index %d of %d", ErrCorrupt, index, f.sb.IDCount)
	}
	data, err := f.lookupBlock(ctx, f.sb.IDTableStart, uint32(index), idsPerBlock)
	if err != nil {
		return 0, err
	}
	off := int(index%idsPerBlock) * 4
	if off+4 > len(data) {
		return 0, fmt.Errorf("%w: id index %d beyond id block", ErrCorrupt, index)
	}
	return binary.LittleEndian.Uint32(data[off:]), nil
}

// fragmentEntry locates one shared tail block in the data area. Size
// keeps the raw on-disk value, uncompressed bit included.
type fragmentEntry struct {
	Start uint64
	Size  uint32
}

// fragment resolves a fragment index from the fragment table.
func (f *FS) fragment(ctx context.Context, index uint32) (fragmentEntry, error) {
	if index >= f.sb.FragmentCount {
		return fragmentEntry{}, fmt.Errorf("%w: fragment index %d of %d", ErrCorrupt, index, f.sb.FragmentCount)
	}
	if f.sb.FragmentTableStart == invalidTable {
		return fragmentEntry{}, fmt.Errorf("%w: fragment index %d in archive without fragments", ErrCorrupt, index)
	}
	data, err := f.lookupBlock(ctx, f.sb.FragmentTableStart, index, fragsPerBlock)
	if err != nil {
		return fragmentEntry{}, err
	}
	off := int(index%fragsPerBlock) * 16
	if off+16 > len(data) {
		return fragmentEntry{}, fmt.Errorf("%w: fragment index %d beyond fragment block", ErrCorrupt, index)
	}
	return fragmentEntry{
		Start: binary.LittleEndian.Uint64(data[off:]),
		Size:  binary.LittleEndian.Uint32(data[off+8:]),
	}, nil
}
