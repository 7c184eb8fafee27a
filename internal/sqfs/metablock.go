package sqfs

import (
	"context"
	"encoding/binary"
	"fmt"
)

// metaBlockSize is the maximum decoded size of one metadata block.
const metaBlockSize = 8192

// metaStoredBit in a metadata block header marks the payload as stored
// uncompressed when set.
const metaStoredBit = 0x8000

type metaEntry struct {
	data []byte
	next uint64
}

// metaBlock decodes the metadata block whose 2-byte header sits at
// absolute offset off, returning the decoded payload and the absolute
// offset of the following block. end bounds the table the block belongs
// to. Decoded blocks are memoized by offset.
func (f *FS) metaBlock(ctx context.Context, off, end uint64) ([]byte, uint64, error) {
	f.metaMu.Lock()
	e, ok := f.metaCache[off]
	f.metaMu.Unlock()
	if ok {
		return e.data, e.next, nil
	}

	if off+2 > end {
		return nil, 0, fmt.Errorf("%w: metadata block header at %d beyond table end %d", ErrCorrupt, off, end)
	}
	hb, err := f.src.ReadRange(ctx, int64(off), 2)
	if err != nil {
		return nil, 0, err
	}
	hdr := binary.LittleEndian.Uint16(hb)
	size := uint64(hdr &^ metaStoredBit)
	stored := hdr&metaStoredBit != 0
	if size == 0 || size > metaBlockSize {
		return nil, 0, fmt.Errorf("%w: metadata block at %d has size %d", ErrCorrupt, off, size)
	}
	next := off + 2 + size
	if next > end {
		return nil, 0, fmt.Errorf("%w: metadata block at %d runs past table end %d", ErrCorrupt, off, end)
	}
	raw, err := f.src.ReadRange(ctx, int64(off+2), int64(size))
	if err != nil {
		return nil, 0, err
	}
	data := raw
	if !stored {
		if data, err = f.inflate(raw, metaBlockSize); err != nil {
			return nil, 0, fmt.Errorf("metadata block at %d: %w", off, err)
		}
	}

	f.metaMu.Lock()
	f.metaCache[off] = metaEntry{data: data, next: next}
	f.metaMu.Unlock()
	return data, next, nil
}

// metaReader reads a contiguous record stream out of a metadata table,
// following block boundaries transparently. Records may span blocks.
type metaReader struct {
	fs  *FS
	ctx context.Context

	next uint64 // absolute offset of the next block header to decode
	end  uint64 // table end bound
	buf  []byte // current decoded block
	off  int    // read position inside buf

	consumed int // total record bytes handed out
}

// metaReaderAt positions a reader on the record that ref points at
// within the table starting at table and bounded by end.
func (f *FS) metaReaderAt(ctx context.Context, table, end uint64, ref InodeRef) *metaReader {
	return &metaReader{
		fs:   f,
		ctx:  ctx,
		next: table + ref.Block(),
		end:  end,
		off:  ref.Offset(),
	}
}

func (r *metaReader) load() error {
	data, next, err := r.fs.metaBlock(r.ctx, r.next, r.end)
	if err != nil {
		return err
	}
	if r.buf == nil && r.off > len(data) {
		return fmt.Errorf("%w: record offset %d beyond block size %d", ErrCorrupt, r.off, len(data))
	}
	if r.buf != nil {
		r.off = 0
	}
	r.buf = data
	r.next = next
	return nil
}

// read fills p completely or fails.
func (r *metaReader) read(p []byte) error {
	filled := 0
	for filled < len(p) {
		if r.buf == nil || r.off >= len(r.buf) {
			if err := r.load(); err != nil {
				return err
			}
		}
		n := copy(p[filled:], r.buf[r.off:])
		if n == 0 {
			return fmt.Errorf("%w: empty metadata block", ErrCorrupt)
		}
		r.off += n
		filled += n
	}
	r.consumed += filled
	return nil
}

func (r *metaReader) readUint16() (uint16, error) {
	var b [2]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (r *metaReader) readInt16() (int16, error) {
	v, err := r.readUint16()
	return int16(v), err
}

func (r *metaReader) readUint32() (uint32, error) {
	var b [4]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *metaReader) readUint64() (uint64, error) {
	var b [8]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
