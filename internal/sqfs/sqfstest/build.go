// Package sqfstest builds small squashfs v4 images in memory for tests.
//
// The builder favors simplicity over generality: metadata tables are
// written as stored (uncompressed) blocks unless zlib is requested, in
// which case each table must fit a single metadata block. Trees of test
// size never hit either limit.
package sqfstest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"
)

const (
	superblockSize = 96
	metaBlockSize  = 8192
	metaStoredBit  = 0x8000

	blockSizeMask  = 0xFFFFFF
	blockStoredBit = 1 << 24

	invalidTable    = ^uint64(0)
	invalidFragment = ^uint32(0)
	invalidXattr    = ^uint32(0)

	flagNoXattrs = 0x0200
)

// Entry describes one node of the tree to build. Parent directories are
// created implicitly.
type Entry struct {
	// Path is slash-separated and relative to the root, e.g. "a/b.txt".
	Path string

	// Data holds regular file content. Entries with a Target are
	// symlinks instead; entries with neither are directories.
	Data   []byte
	Target string

	Perm   uint16
	Xattrs map[string][]byte
}

// Builder assembles an image from entries.
type Builder struct {
	blockSize   uint32
	zlib        bool
	noFragments bool
	modTime     uint32
	uid, gid    uint32
}

// Option adjusts the builder.
type Option func(*Builder)

// WithBlockSize sets the data block size. Must be a power of two, 4096
// at minimum.
func WithBlockSize(n uint32) Option { return func(b *Builder) { b.blockSize = n } }

// WithZlib compresses data, fragment, and metadata blocks with zlib
// wherever that shrinks them.
func WithZlib() Option { return func(b *Builder) { b.zlib = true } }

// WithoutFragments stores file tails as short data blocks instead of
// packing them into shared fragment blocks.
func WithoutFragments() Option { return func(b *Builder) { b.noFragments = true } }

// WithOwner sets the uid/gid recorded for every inode.
func WithOwner(uid, gid uint32) Option { return func(b *Builder) { b.uid = uid; b.gid = gid } }

// Build produces a complete image containing the given entries.
func Build(entries []Entry, opts ...Option) ([]byte, error) {
	b := &Builder{blockSize: 4096, modTime: 1700000000}
	for _, o := range opts {
		o(b)
	}
	t, err := buildTree(entries)
	if err != nil {
		return nil, err
	}
	return b.assemble(t)
}

// MustBuild is Build for test setup code that treats failure as fatal.
func MustBuild(entries []Entry, opts ...Option) []byte {
	img, err := Build(entries, opts...)
	if err != nil {
		panic(err)
	}
	return img
}

// BytesSource serves an in-memory image as a ranged byte source. It
// satisfies both the table-reader source and the archive source shapes.
type BytesSource struct {
	Data []byte
	ID   string
}

func (s *BytesSource) ReadRange(_ context.Context, off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int64(len(s.Data)) {
		return nil, fmt.Errorf("range [%d, %d) outside %d byte source", off, off+length, len(s.Data))
	}
	return s.Data[off : off+length : off+length], nil
}

func (s *BytesSource) Size() int64 { return int64(len(s.Data)) }

func (s *BytesSource) SourceID() string {
	if s.ID == "" {
		return "sqfstest-image"
	}
	return s.ID
}

// node is one tree position during assembly.
type node struct {
	name     string
	entry    Entry
	isDir    bool
	children []*node // dirs only, name-sorted

	num    uint32 // inode number
	ref    uint64 // inode table reference
	inoOff int    // decoded offset in the inode table stream

	// regular file placement
	blocksStart uint64
	blockSizes  []uint32
	fragIndex   uint32
	fragOffset  uint32

	// directory placement
	dirStart  uint32
	dirOffset uint16
	dirSize   int

	xattrIndex uint32
}

func buildTree(entries []Entry) (*node, error) {
	root := &node{name: "/", isDir: true, entry: Entry{Perm: 0o755}}
	byPath := map[string]*node{".": root}

	dir := func(p string) (*node, error) {
		n, ok := byPath[p]
		if !ok {
			return nil, fmt.Errorf("missing parent directory %q", p)
		}
		if !n.isDir {
			return nil, fmt.Errorf("%q is not a directory", p)
		}
		return n, nil
	}

	// Create implicit parent directories first.
	for _, e := range entries {
		p := path.Clean(e.Path)
		if p == "." || p == "/" || strings.HasPrefix(p, "..") {
			return nil, fmt.Errorf("invalid entry path %q", e.Path)
		}
		for d := path.Dir(p); d != "."; d = path.Dir(d) {
			if _, ok := byPath[d]; !ok {
				n := &node{name: path.Base(d), isDir: true, entry: Entry{Perm: 0o755}}
				byPath[d] = n
			}
		}
	}
	for _, e := range entries {
		p := path.Clean(e.Path)
		n := &node{name: path.Base(p), entry: e, xattrIndex: invalidXattr}
		if e.Data == nil && e.Target == "" {
			if existing, ok := byPath[p]; ok && existing.isDir {
				existing.entry = e // explicit dir overrides the implicit one
				continue
			}
			n.isDir = true
		}
		if _, ok := byPath[p]; ok {
			return nil, fmt.Errorf("duplicate entry %q", e.Path)
		}
		byPath[p] = n
	}

	// Wire children to parents.
	for p, n := range byPath {
		if p == "." {
			continue
		}
		parent, err := dir(path.Dir(p))
		if err != nil {
			return nil, err
		}
		parent.children = append(parent.children, n)
	}
	var sortChildren func(*node)
	sortChildren = func(n *node) {
		sort.Slice(n.children, func(i, j int) bool { return n.children[i].name < n.children[j].name })
		for _, c := range n.children {
			sortChildren(c)
		}
	}
	sortChildren(root)
	return root, nil
}

func walk(n *node, fn func(*node)) {
	fn(n)
	for _, c := range n.children {
		walk(c, fn)
	}
}

func (b *Builder) assemble(root *node) ([]byte, error) {
	le := binary.LittleEndian
	out := bytes.NewBuffer(make([]byte, superblockSize))

	var nodes []*node
	walk(root, func(n *node) {
		n.num = uint32(len(nodes) + 1)
		n.xattrIndex = invalidXattr
		nodes = append(nodes, n)
	})

	// Data area: full blocks per file, tails packed into fragments.
	var frags []fragment
	fragBuf := &bytes.Buffer{}
	type tailRef struct {
		n   *node
		off uint32
	}
	var pendingTails []tailRef
	flushFrag := func() {
		if fragBuf.Len() == 0 {
			return
		}
		start := uint64(out.Len())
		size := b.writeBlock(out, fragBuf.Bytes())
		frags = append(frags, fragment{start: start, size: size})
		for _, t := range pendingTails {
			t.n.fragIndex = uint32(len(frags) - 1)
			t.n.fragOffset = t.off
		}
		pendingTails = nil
		fragBuf.Reset()
	}
	for _, n := range nodes {
		n.fragIndex = invalidFragment
		if n.isDir || n.entry.Target != "" {
			continue
		}
		data := n.entry.Data
		n.blocksStart = uint64(out.Len())
		bs := int(b.blockSize)
		for len(data) >= bs {
			n.blockSizes = append(n.blockSizes, b.writeBlock(out, data[:bs]))
			data = data[bs:]
		}
		if len(data) > 0 {
			if b.noFragments {
				n.blockSizes = append(n.blockSizes, b.writeBlock(out, data))
			} else {
				if fragBuf.Len()+len(data) > bs {
					flushFrag()
				}
				pendingTails = append(pendingTails, tailRef{n: n, off: uint32(fragBuf.Len())})
				fragBuf.Write(data)
			}
		}
	}
	flushFrag()

	// Xattr key-value and id streams. Indexes are assigned before the
	// inode layout pass because extended inode records are larger.
	kvStream := &bytes.Buffer{}
	idStream := &bytes.Buffer{}
	xattrCount := uint32(0)
	for _, n := range nodes {
		if len(n.entry.Xattrs) == 0 {
			continue
		}
		ref := metaRef(kvStream.Len(), b.zlib)
		pairs, size, err := writeXattrPairs(kvStream, n.entry.Xattrs)
		if err != nil {
			return nil, err
		}
		var rec [16]byte
		le.PutUint64(rec[0:], ref)
		le.PutUint32(rec[8:], pairs)
		le.PutUint32(rec[12:], size)
		idStream.Write(rec[:])
		n.xattrIndex = xattrCount
		xattrCount++
	}

	// Inode table layout pass: record decoded offsets, then refs.
	off := 0
	for _, n := range nodes {
		n.inoOff = off
		off += b.inodeSize(n)
	}
	for _, n := range nodes {
		n.ref = metaRef(n.inoOff, b.zlib)
	}

	// Directory table stream.
	dirStream := &bytes.Buffer{}
	var dirErr error
	walk(root, func(n *node) {
		if !n.isDir || dirErr != nil {
			return
		}
		d := dirStream.Len()
		block, blockOff := metaPos(d, b.zlib)
		n.dirStart, n.dirOffset = uint32(block), uint16(blockOff)
		if err := writeDirEntries(dirStream, n); err != nil {
			dirErr = err
			return
		}
		n.dirSize = dirStream.Len() - d + 3
	})
	if dirErr != nil {
		return nil, dirErr
	}

	// Inode table stream, now that directory placement is known.
	inoStream := &bytes.Buffer{}
	for _, n := range nodes {
		b.writeInode(inoStream, n, root)
	}

	inodeTableStart := uint64(out.Len())
	if err := b.writeMetaStream(out, inoStream.Bytes()); err != nil {
		return nil, fmt.Errorf("inode table: %w", err)
	}
	directoryTableStart := uint64(out.Len())
	if err := b.writeMetaStream(out, dirStream.Bytes()); err != nil {
		return nil, fmt.Errorf("directory table: %w", err)
	}

	// Fragment table: entry metablocks, then the pointer list.
	fragmentTableStart := uint64(invalidTable)
	if len(frags) > 0 {
		fragStream := &bytes.Buffer{}
		for _, fr := range frags {
			var rec [16]byte
			le.PutUint64(rec[0:], fr.start)
			le.PutUint32(rec[8:], fr.size)
			fragStream.Write(rec[:])
		}
		ptr := uint64(out.Len())
		if err := b.writeMetaStream(out, fragStream.Bytes()); err != nil {
			return nil, fmt.Errorf("fragment table: %w", err)
		}
		fragmentTableStart = uint64(out.Len())
		binary.Write(out, le, ptr)
	}

	// Id table: one entry, one block, one pointer.
	idTablePtr := uint64(out.Len())
	idBlock := make([]byte, 8)
	le.PutUint32(idBlock[0:], b.uid)
	le.PutUint32(idBlock[4:], b.gid)
	if b.uid == b.gid {
		idBlock = idBlock[:4]
	}
	if err := b.writeMetaStream(out, idBlock); err != nil {
		return nil, fmt.Errorf("id table: %w", err)
	}
	idTableStart := uint64(out.Len())
	binary.Write(out, le, idTablePtr)

	// Xattr tables: kv stream, id stream, descriptor, pointer list.
	xattrIDTableStart := uint64(invalidTable)
	flags := uint16(flagNoXattrs)
	if xattrCount > 0 {
		flags = 0
		kvStart := uint64(out.Len())
		if err := b.writeMetaStream(out, kvStream.Bytes()); err != nil {
			return nil, fmt.Errorf("xattr kv table: %w", err)
		}
		idPtr := uint64(out.Len())
		if err := b.writeMetaStream(out, idStream.Bytes()); err != nil {
			return nil, fmt.Errorf("xattr id table: %w", err)
		}
		xattrIDTableStart = uint64(out.Len())
		var desc [16]byte
		le.PutUint64(desc[0:], kvStart)
		le.PutUint32(desc[8:], xattrCount)
		out.Write(desc[:])
		binary.Write(out, le, idPtr)
	}

	img := out.Bytes()
	sb := img[:superblockSize]
	le.PutUint32(sb[0:], 0x73717368)
	le.PutUint32(sb[4:], uint32(len(nodes)))
	le.PutUint32(sb[8:], b.modTime)
	le.PutUint32(sb[12:], b.blockSize)
	le.PutUint32(sb[16:], uint32(len(frags)))
	le.PutUint16(sb[20:], 1) // zlib
	le.PutUint16(sb[22:], uint16(log2(b.blockSize)))
	le.PutUint16(sb[24:], flags)
	if b.uid == b.gid {
		le.PutUint16(sb[26:], 1)
	} else {
		le.PutUint16(sb[26:], 2)
	}
	le.PutUint16(sb[28:], 4)
	le.PutUint16(sb[30:], 0)
	le.PutUint64(sb[32:], root.ref)
	le.PutUint64(sb[40:], uint64(len(img)))
	le.PutUint64(sb[48:], idTableStart)
	le.PutUint64(sb[56:], xattrIDTableStart)
	le.PutUint64(sb[64:], inodeTableStart)
	le.PutUint64(sb[72:], directoryTableStart)
	le.PutUint64(sb[80:], fragmentTableStart)
	le.PutUint64(sb[88:], invalidTable)
	return img, nil
}

type fragment struct {
	start uint64
	size  uint32
}

// writeBlock writes one data or fragment block, compressed when that
// helps, and returns the on-disk size entry.
func (b *Builder) writeBlock(out *bytes.Buffer, data []byte) uint32 {
	if b.zlib {
		if z := deflate(data); len(z) < len(data) {
			out.Write(z)
			return uint32(len(z))
		}
	}
	out.Write(data)
	return uint32(len(data)) | blockStoredBit
}

// writeMetaStream chunks a decoded table stream into metadata blocks.
// With zlib enabled the stream must fit one block, since references
// into later blocks could not be computed up front.
func (b *Builder) writeMetaStream(out *bytes.Buffer, stream []byte) error {
	if len(stream) == 0 {
		stream = []byte{0}
	}
	if b.zlib {
		if len(stream) > metaBlockSize {
			return fmt.Errorf("table of %d decoded bytes needs multiple blocks; zlib images keep tables to one", len(stream))
		}
		if z := deflate(stream); len(z) < len(stream) {
			binary.Write(out, binary.LittleEndian, uint16(len(z)))
			out.Write(z)
			return nil
		}
	}
	for len(stream) > 0 {
		n := min(len(stream), metaBlockSize)
		binary.Write(out, binary.LittleEndian, uint16(n)|metaStoredBit)
		out.Write(stream[:n])
		stream = stream[n:]
	}
	return nil
}

// metaPos maps a decoded stream offset to its (block, offset) position.
// Stored blocks encode to a fixed 2+8192 bytes, so the mapping is
// deterministic; zlib images are restricted to a single block where it
// is trivially (0, off).
func metaPos(off int, zlib bool) (block, blockOff int) {
	if zlib {
		return 0, off
	}
	return (off / metaBlockSize) * (metaBlockSize + 2), off % metaBlockSize
}

func metaRef(off int, zlib bool) uint64 {
	block, blockOff := metaPos(off, zlib)
	return uint64(block)<<16 | uint64(blockOff)
}

func (b *Builder) inodeSize(n *node) int {
	switch {
	case n.isDir:
		return 32
	case n.entry.Target != "":
		s := 16 + 8 + len(n.entry.Target)
		if n.xattrIndex != invalidXattr {
			s += 4
		}
		return s
	default:
		if n.xattrIndex != invalidXattr {
			return 16 + 40 + 4*len(n.blockSizes)
		}
		return 16 + 16 + 4*len(n.blockSizes)
	}
}

func (b *Builder) writeInode(out *bytes.Buffer, n *node, root *node) {
	le := binary.LittleEndian
	perm := n.entry.Perm
	if perm == 0 {
		if n.isDir {
			perm = 0o755
		} else {
			perm = 0o644
		}
	}
	hasXattr := n.xattrIndex != invalidXattr

	var tag uint16
	switch {
	case n.isDir:
		tag = 1
	case n.entry.Target != "":
		tag = 3
		if hasXattr {
			tag = 10
		}
	default:
		tag = 2
		if hasXattr {
			tag = 9
		}
	}

	var hdr [16]byte
	le.PutUint16(hdr[0:], tag)
	le.PutUint16(hdr[2:], perm)
	// uid and gid indexes; gid may share the single table entry
	gidIdx := uint16(1)
	if b.uid == b.gid {
		gidIdx = 0
	}
	le.PutUint16(hdr[4:], 0)
	le.PutUint16(hdr[6:], gidIdx)
	le.PutUint32(hdr[8:], b.modTime)
	le.PutUint32(hdr[12:], n.num)
	out.Write(hdr[:])

	switch tag {
	case 1:
		parent := root.num + 1
		for _, p := range allNodes(root) {
			for _, c := range p.children {
				if c == n {
					parent = p.num
				}
			}
		}
		binary.Write(out, le, n.dirStart)
		binary.Write(out, le, uint32(2+len(n.children)))
		binary.Write(out, le, uint16(n.dirSize))
		binary.Write(out, le, n.dirOffset)
		binary.Write(out, le, parent)
	case 2:
		binary.Write(out, le, uint32(n.blocksStart))
		binary.Write(out, le, n.fragIndex)
		binary.Write(out, le, n.fragOffset)
		binary.Write(out, le, uint32(len(n.entry.Data)))
		binary.Write(out, le, n.blockSizes)
	case 9:
		binary.Write(out, le, n.blocksStart)
		binary.Write(out, le, uint64(len(n.entry.Data)))
		binary.Write(out, le, uint64(0)) // sparse
		binary.Write(out, le, uint32(1))
		binary.Write(out, le, n.fragIndex)
		binary.Write(out, le, n.fragOffset)
		binary.Write(out, le, n.xattrIndex)
		binary.Write(out, le, n.blockSizes)
	case 3, 10:
		binary.Write(out, le, uint32(1))
		binary.Write(out, le, uint32(len(n.entry.Target)))
		out.WriteString(n.entry.Target)
		if tag == 10 {
			binary.Write(out, le, n.xattrIndex)
		}
	}
}

func allNodes(root *node) []*node {
	var ns []*node
	walk(root, func(n *node) { ns = append(ns, n) })
	return ns
}

func writeDirEntries(out *bytes.Buffer, dir *node) error {
	le := binary.LittleEndian
	children := dir.children
	for len(children) > 0 {
		// One header per run of children sharing an inode table block.
		block := uint32(children[0].ref >> 16)
		base := children[0].num
		run := 1
		for run < len(children) {
			c := children[run]
			if uint32(c.ref>>16) != block || run == 256 {
				break
			}
			if d := int64(c.num) - int64(base); d < -32768 || d > 32767 {
				break
			}
			run++
		}
		binary.Write(out, le, uint32(run-1))
		binary.Write(out, le, block)
		binary.Write(out, le, base)
		for _, c := range children[:run] {
			if len(c.name) == 0 || len(c.name) > 256 {
				return fmt.Errorf("entry name %q out of range", c.name)
			}
			var tag uint16
			switch {
			case c.isDir:
				tag = 1
			case c.entry.Target != "":
				tag = 3
			default:
				tag = 2
			}
			binary.Write(out, le, uint16(c.ref&0xFFFF))
			binary.Write(out, le, int16(int64(c.num)-int64(base)))
			binary.Write(out, le, tag)
			binary.Write(out, le, uint16(len(c.name)-1))
			out.WriteString(c.name)
		}
		children = children[run:]
	}
	return nil
}

func writeXattrPairs(out *bytes.Buffer, xattrs map[string][]byte) (pairs, size uint32, err error) {
	le := binary.LittleEndian
	names := make([]string, 0, len(xattrs))
	for name := range xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	start := out.Len()
	for _, name := range names {
		var tag uint16
		var rest string
		switch {
		case strings.HasPrefix(name, "user."):
			tag, rest = 0, name[len("user."):]
		case strings.HasPrefix(name, "trusted."):
			tag, rest = 1, name[len("trusted."):]
		case strings.HasPrefix(name, "security."):
			tag, rest = 2, name[len("security."):]
		default:
			return 0, 0, fmt.Errorf("xattr name %q has no recognized prefix", name)
		}
		binary.Write(out, le, tag)
		binary.Write(out, le, uint16(len(rest)))
		out.WriteString(rest)
		val := xattrs[name]
		binary.Write(out, le, uint32(len(val)))
		out.Write(val)
	}
	return uint32(len(names)), uint32(out.Len() - start), nil
}

func deflate(data []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

func log2(n uint32) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
