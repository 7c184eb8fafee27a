package sqfs

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Xattr name prefixes by on-disk type tag.
var xattrPrefixes = map[uint16]string{
	0: "user.",
	1: "trusted.",
	2: "security.",
}

// xattrOOLBit marks a value stored out of line: the inline payload is a
// reference to the real value elsewhere in the key-value table.
const xattrOOLBit = 0x0100

// maxXattrValueLen caps one decoded xattr value.
const maxXattrValueLen = 1 << 17

// Xattrs returns ino's extended attributes with full prefixed names, or
// nil when the inode (or the whole archive) carries none.
func (f *FS) Xattrs(ctx context.Context, ino *Inode) (map[string][]byte, error) {
	if ino.XattrIndex == invalidXattr || f.sb.NoXattrs() {
		return nil, nil
	}

	// Table descriptor: key-value area start, then the id count.
	descOff := f.sb.XattrIDTableStart
	if descOff+16 > f.sb.BytesUsed {
		return nil, fmt.Errorf("%w: xattr table descriptor at %d beyond archive end", ErrCorrupt, descOff)
	}
	desc, err := f.src.ReadRange(ctx, int64(descOff), 16)
	if err != nil {
		return nil, err
	}
	kvStart := binary.LittleEndian.Uint64(desc[0:])
	count := binary.LittleEndian.Uint32(desc[8:])
	if ino.XattrIndex >= count {
		return nil, fmt.Errorf("%w: xattr index %d of %d", ErrCorrupt, ino.XattrIndex, count)
	}

	// Id record: a reference into the key-value table plus the pair count.
	data, err := f.lookupBlock(ctx, descOff+16, ino.XattrIndex, xattrIDsPerBlock)
	if err != nil {
		return nil, err
	}
	off := int(ino.XattrIndex%xattrIDsPerBlock) * 16
	if off+16 > len(data) {
		return nil, fmt.Errorf("%w: xattr index %d beyond id block", ErrCorrupt, ino.XattrIndex)
	}
	kvRef := InodeRef(binary.LittleEndian.Uint64(data[off:]))
	pairs := binary.LittleEndian.Uint32(data[off+8:])

	r := f.metaReaderAt(ctx, kvStart, f.sb.BytesUsed, kvRef)
	out := make(map[string][]byte, pairs)
	for range pairs {
		name, ool, err := f.readXattrName(r)
		if err != nil {
			return nil, err
		}
		vr := r
		if ool {
			// The inline payload holds a reference to the real value.
			if _, err := r.readUint32(); err != nil { // inline size, always 8
				return nil, err
			}
			ref, err := r.readUint64()
			if err != nil {
				return nil, err
			}
			vr = f.metaReaderAt(ctx, kvStart, f.sb.BytesUsed, InodeRef(ref))
		}
		val, err := f.readXattrValue(vr)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

func (f *FS) readXattrName(r *metaReader) (name string, ool bool, err error) {
	tag, err := r.readUint16()
	if err != nil {
		return "", false, err
	}
	prefix, ok := xattrPrefixes[tag&^xattrOOLBit]
	if !ok {
		return "", false, fmt.Errorf("%w: xattr type %d", ErrCorrupt, tag)
	}
	nameLen, err := r.readUint16()
	if err != nil {
		return "", false, err
	}
	if nameLen == 0 || int(nameLen) > maxNameLen {
		return "", false, fmt.Errorf("%w: xattr name of %d bytes", ErrCorrupt, nameLen)
	}
	b := make([]byte, nameLen)
	if err := r.read(b); err != nil {
		return "", false, err
	}
	return prefix + string(b), tag&xattrOOLBit != 0, nil
}

func (f *FS) readXattrValue(r *metaReader) ([]byte, error) {
	size, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if size > maxXattrValueLen {
		return nil, fmt.Errorf("%w: xattr value of %d bytes", ErrCorrupt, size)
	}
	val := make([]byte, size)
	if err := r.read(val); err != nil {
		return nil, err
	}
	return val, nil
}
