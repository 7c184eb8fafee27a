package sqfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// decompressFunc inflates one compressed block. The result must not
// exceed limit bytes.
type decompressFunc func(src []byte, limit int) ([]byte, error)

func newDecompressor(c Compression) (decompressFunc, error) {
	switch c {
	case CompZlib:
		return inflateZlib, nil
	case CompZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		return func(src []byte, limit int) ([]byte, error) {
			out, err := dec.DecodeAll(src, make([]byte, 0, limit))
			if err != nil {
				return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
			}
			if len(out) > limit {
				return nil, fmt.Errorf("%w: block inflates to %d bytes, limit %d", ErrCorrupt, len(out), limit)
			}
			return out, nil
		}, nil
	case CompLZ4:
		return inflateLZ4, nil
	case CompLZMA, CompLZO, CompXZ:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, c)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, c)
	}
}

func inflateZlib(src []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
	}
	defer zr.Close()
	out := make([]byte, 0, limit)
	buf := bytes.NewBuffer(out)
	n, err := io.Copy(buf, io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", ErrCorrupt, err)
	}
	if n > int64(limit) {
		return nil, fmt.Errorf("%w: block inflates past limit %d", ErrCorrupt, limit)
	}
	return buf.Bytes(), nil
}

func inflateLZ4(src []byte, limit int) ([]byte, error) {
	dst := make([]byte, limit)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	return dst[:n], nil
}
