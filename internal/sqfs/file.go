package sqfs

import (
	"context"
	"fmt"
)

// Data block size entries keep the byte size in the low 24 bits; bit 24
// marks the block as stored uncompressed. A zero entry is a hole.
const (
	blockSizeMask  = 0xFFFFFF
	blockStoredBit = 1 << 24
)

// ReadFileRange reads length bytes of ino's content starting at off.
// Reads that extend past end of file fail with ErrOutOfRange; holes and
// sparse regions read as zeros.
func (f *FS) ReadFileRange(ctx context.Context, ino *Inode, off, length int64) ([]byte, error) {
	if ino.Kind != KindFile {
		return nil, ErrNotRegular
	}
	size := int64(ino.Size)
	if off < 0 || length < 0 || off > size || length > size-off {
		return nil, fmt.Errorf("%w: [%d, %d) of %d byte file", ErrOutOfRange, off, off+length, size)
	}
	if length == 0 {
		return []byte{}, nil
	}

	bs := int64(f.sb.BlockSize)
	out := make([]byte, 0, length)
	for pos := off; pos < off+length; {
		bi := pos / bs
		blockStart := bi * bs
		blockLen := min(bs, size-blockStart)
		blk, err := f.fileBlock(ctx, ino, bi, blockLen)
		if err != nil {
			return nil, err
		}
		lo := pos - blockStart
		hi := min(blockLen, off+length-blockStart)
		out = append(out, blk[lo:hi]...)
		pos = blockStart + hi
	}
	return out, nil
}

// fileBlock returns block bi of ino, fully decoded to blockLen bytes.
func (f *FS) fileBlock(ctx context.Context, ino *Inode, bi, blockLen int64) ([]byte, error) {
	if bi >= int64(len(ino.BlockSizes)) {
		return f.tailFragment(ctx, ino, blockLen)
	}

	raw := ino.BlockSizes[bi]
	stored := uint64(raw & blockSizeMask)
	if stored == 0 {
		// Hole: no bytes on disk, reads as zeros.
		return make([]byte, blockLen), nil
	}
	compOff := ino.BlocksStart
	for _, s := range ino.BlockSizes[:bi] {
		compOff += uint64(s & blockSizeMask)
	}
	if compOff+stored > f.sb.BytesUsed {
		return nil, fmt.Errorf("%w: data block at %d runs past archive end", ErrCorrupt, compOff)
	}
	data, err := f.src.ReadRange(ctx, int64(compOff), int64(stored))
	if err != nil {
		return nil, err
	}
	if raw&blockStoredBit == 0 {
		if data, err = f.inflate(data, int(f.sb.BlockSize)); err != nil {
			return nil, fmt.Errorf("data block at %d: %w", compOff, err)
		}
	}
	if int64(len(data)) != blockLen {
		return nil, fmt.Errorf("%w: data block at %d decodes to %d bytes, want %d",
			ErrCorrupt, compOff, len(data), blockLen)
	}
	return data, nil
}

// tailFragment returns the portion of a shared fragment block holding
// ino's tail, blockLen bytes long.
func (f *FS) tailFragment(ctx context.Context, ino *Inode, blockLen int64) ([]byte, error) {
	if !ino.HasFragment() {
		return nil, fmt.Errorf("%w: file block index beyond block list", ErrCorrupt)
	}
	fe, err := f.fragment(ctx, ino.FragIndex)
	if err != nil {
		return nil, err
	}
	stored := uint64(fe.Size & blockSizeMask)
	if stored == 0 || fe.Start+stored > f.sb.BytesUsed {
		return nil, fmt.Errorf("%w: fragment block at %d with %d stored bytes", ErrCorrupt, fe.Start, stored)
	}
	data, err := f.src.ReadRange(ctx, int64(fe.Start), int64(stored))
	if err != nil {
		return nil, err
	}
	if fe.Size&blockStoredBit == 0 {
		if data, err = f.inflate(data, int(f.sb.BlockSize)); err != nil {
			return nil, fmt.Errorf("fragment block at %d: %w", fe.Start, err)
		}
	}
	lo := int64(ino.FragOffset)
	if lo+blockLen > int64(len(data)) {
		return nil, fmt.Errorf("%w: fragment slice [%d, %d) of %d byte block",
			ErrCorrupt, lo, lo+blockLen, len(data))
	}
	return data[lo : lo+blockLen], nil
}
