package sqfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/arcfs/arcfs/internal/sqfs/sqfstest"
)

func openImage(t *testing.T, entries []sqfstest.Entry, opts ...sqfstest.Option) *FS {
	t.Helper()
	img, err := sqfstest.Build(entries, opts...)
	if err != nil {
		t.Fatalf("build image: %v", err)
	}
	src := &sqfstest.BytesSource{Data: img}
	sb, err := DecodeSuperblock(img, src.Size())
	if err != nil {
		t.Fatalf("decode superblock: %v", err)
	}
	fsys, err := New(src, sb)
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	return fsys
}

// pattern produces compressible but position-dependent content.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i / 64)
	}
	return b
}

func TestDecodeSuperblock(t *testing.T) {
	t.Parallel()

	img := sqfstest.MustBuild([]sqfstest.Entry{
		{Path: "a.txt", Data: []byte("hello")},
	})
	sb, err := DecodeSuperblock(img, int64(len(img)))
	if err != nil {
		t.Fatalf("DecodeSuperblock: %v", err)
	}
	if sb.BlockSize != 4096 {
		t.Errorf("block size = %d, want 4096", sb.BlockSize)
	}
	if sb.Compression != CompZlib {
		t.Errorf("compression = %v, want %v", sb.Compression, CompZlib)
	}
	if sb.InodeCount != 2 {
		t.Errorf("inode count = %d, want 2", sb.InodeCount)
	}
	if sb.BytesUsed != uint64(len(img)) {
		t.Errorf("bytes used = %d, want %d", sb.BytesUsed, len(img))
	}
}

func TestDecodeSuperblockRejectsCorruption(t *testing.T) {
	t.Parallel()

	valid := sqfstest.MustBuild([]sqfstest.Entry{
		{Path: "a.txt", Data: []byte("hello")},
	})

	corrupt := func(mutate func(b []byte)) []byte {
		b := bytes.Clone(valid)
		mutate(b)
		return b
	}

	cases := []struct {
		name string
		img  []byte
		size int64
	}{
		{"truncated", valid[:40], int64(len(valid))},
		{"bad magic", corrupt(func(b []byte) { b[0] = 'x' }), int64(len(valid))},
		{"bad version", corrupt(func(b []byte) { b[28] = 3 }), int64(len(valid))},
		{"bad block size", corrupt(func(b []byte) { b[12] = 0x01; b[13] = 0x10 }), int64(len(valid))},
		{"block log mismatch", corrupt(func(b []byte) { b[22] = 13 }), int64(len(valid))},
		{"bytes used beyond object", valid, int64(len(valid)) - 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := DecodeSuperblock(tc.img, tc.size); !errors.Is(err, ErrCorrupt) {
				t.Errorf("err = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{
		{Path: "etc/nginx/nginx.conf", Data: []byte("conf")},
		{Path: "etc/hosts", Data: []byte("localhost")},
		{Path: "usr/bin/true", Data: []byte{}},
	})
	ctx := context.Background()

	root, err := fsys.Resolve(ctx, ".")
	if err != nil {
		t.Fatalf("resolve root: %v", err)
	}
	if root.Kind != KindDir {
		t.Errorf("root kind = %v, want dir", root.Kind)
	}

	ino, err := fsys.Resolve(ctx, "etc/nginx/nginx.conf")
	if err != nil {
		t.Fatalf("resolve nested: %v", err)
	}
	if ino.Kind != KindFile || ino.Size != 4 {
		t.Errorf("kind = %v size = %d, want file of 4", ino.Kind, ino.Size)
	}

	if _, err := fsys.Resolve(ctx, "etc/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing entry err = %v, want ErrNotFound", err)
	}
	if _, err := fsys.Resolve(ctx, "etc/hosts/nested"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("descend through file err = %v, want ErrNotDirectory", err)
	}
}

func TestDirEntriesOrderAndRestart(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{
		{Path: "d/banana", Data: []byte("b")},
		{Path: "d/apple", Data: []byte("a")},
		{Path: "d/cherry", Data: []byte("c")},
		{Path: "d/date", Data: []byte("d")},
	})
	ctx := context.Background()
	dir, err := fsys.Resolve(ctx, "d")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	collect := func(start int) []string {
		var names []string
		for e, err := range fsys.DirEntries(ctx, dir, start) {
			if err != nil {
				t.Fatalf("entries from %d: %v", start, err)
			}
			names = append(names, e.Name)
		}
		return names
	}

	want := []string{"apple", "banana", "cherry", "date"}
	got := collect(0)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("entries = %v, want %v", got, want)
	}
	if got := collect(2); fmt.Sprint(got) != fmt.Sprint(want[2:]) {
		t.Errorf("entries from 2 = %v, want %v", got, want[2:])
	}
	if got := collect(10); len(got) != 0 {
		t.Errorf("entries past end = %v, want none", got)
	}
}

func TestDirEntriesEmptyDir(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{
		{Path: "empty"},
		{Path: "a.txt", Data: []byte("x")},
	})
	ctx := context.Background()
	dir, err := fsys.Resolve(ctx, "empty")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for e, err := range fsys.DirEntries(ctx, dir, 0) {
		t.Errorf("unexpected entry %v (err %v) in empty dir", e, err)
	}
}

func TestDirEntriesOnFile(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{{Path: "a.txt", Data: []byte("x")}})
	ctx := context.Background()
	ino, err := fsys.Resolve(ctx, "a.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, err := range fsys.DirEntries(ctx, ino, 0) {
		if !errors.Is(err, ErrNotDirectory) {
			t.Errorf("err = %v, want ErrNotDirectory", err)
		}
		return
	}
	t.Error("iterator yielded nothing, want ErrNotDirectory")
}

func TestReadFileRange(t *testing.T) {
	t.Parallel()

	content := pattern(10000) // 2 full 4096 blocks plus a tail
	for _, tc := range []struct {
		name string
		opts []sqfstest.Option
	}{
		{"stored with fragments", nil},
		{"stored without fragments", []sqfstest.Option{sqfstest.WithoutFragments()}},
		{"zlib", []sqfstest.Option{sqfstest.WithZlib()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fsys := openImage(t, []sqfstest.Entry{
				{Path: "data.bin", Data: content},
				{Path: "other.bin", Data: pattern(100)},
			}, tc.opts...)
			ctx := context.Background()
			ino, err := fsys.Resolve(ctx, "data.bin")
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}

			reads := []struct{ off, n int64 }{
				{0, 10000},   // whole file
				{0, 16},      // head
				{4090, 100},  // spans first block boundary
				{8192, 1808}, // tail only
				{9999, 1},    // last byte
				{5000, 0},    // empty read
			}
			for _, r := range reads {
				got, err := fsys.ReadFileRange(ctx, ino, r.off, r.n)
				if err != nil {
					t.Fatalf("read [%d, %d): %v", r.off, r.off+r.n, err)
				}
				if !bytes.Equal(got, content[r.off:r.off+r.n]) {
					t.Errorf("read [%d, %d) mismatch", r.off, r.off+r.n)
				}
			}
		})
	}
}

func TestReadFileRangeOutOfRange(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{{Path: "a.bin", Data: pattern(100)}})
	ctx := context.Background()
	ino, err := fsys.Resolve(ctx, "a.bin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for _, r := range []struct{ off, n int64 }{
		{0, 101},
		{100, 1},
		{101, 0},
		{-1, 10},
		{10, -1},
	} {
		if _, err := fsys.ReadFileRange(ctx, ino, r.off, r.n); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("read [%d, %d) err = %v, want ErrOutOfRange", r.off, r.off+r.n, err)
		}
	}

	// Reading exactly to EOF is fine.
	if _, err := fsys.ReadFileRange(ctx, ino, 100, 0); err != nil {
		t.Errorf("empty read at EOF: %v", err)
	}
}

func TestReadFileRangeOnDirectory(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{{Path: "d/f", Data: []byte("x")}})
	ctx := context.Background()
	dir, err := fsys.Resolve(ctx, "d")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := fsys.ReadFileRange(ctx, dir, 0, 1); !errors.Is(err, ErrNotRegular) {
		t.Errorf("err = %v, want ErrNotRegular", err)
	}
}

func TestSymlink(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{
		{Path: "target.txt", Data: []byte("content")},
		{Path: "link", Target: "target.txt"},
	})
	ctx := context.Background()

	ino, err := fsys.Resolve(ctx, "link")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ino.Kind != KindSymlink {
		t.Fatalf("kind = %v, want symlink", ino.Kind)
	}
	target, err := fsys.ReadLink(ino)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "target.txt" {
		t.Errorf("target = %q, want %q", target, "target.txt")
	}

	file, err := fsys.Resolve(ctx, "target.txt")
	if err != nil {
		t.Fatalf("resolve file: %v", err)
	}
	if _, err := fsys.ReadLink(file); !errors.Is(err, ErrNotSymlink) {
		t.Errorf("readlink on file err = %v, want ErrNotSymlink", err)
	}
}

func TestXattrs(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{
		{Path: "tagged.txt", Data: []byte("x"), Xattrs: map[string][]byte{
			"user.note":        []byte("hello"),
			"security.selinux": []byte("ctx"),
		}},
		{Path: "plain.txt", Data: []byte("y")},
	})
	ctx := context.Background()

	ino, err := fsys.Resolve(ctx, "tagged.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	xattrs, err := fsys.Xattrs(ctx, ino)
	if err != nil {
		t.Fatalf("xattrs: %v", err)
	}
	if string(xattrs["user.note"]) != "hello" {
		t.Errorf("user.note = %q, want %q", xattrs["user.note"], "hello")
	}
	if string(xattrs["security.selinux"]) != "ctx" {
		t.Errorf("security.selinux = %q, want %q", xattrs["security.selinux"], "ctx")
	}
	if len(xattrs) != 2 {
		t.Errorf("xattr count = %d, want 2", len(xattrs))
	}

	plain, err := fsys.Resolve(ctx, "plain.txt")
	if err != nil {
		t.Fatalf("resolve plain: %v", err)
	}
	got, err := fsys.Xattrs(ctx, plain)
	if err != nil {
		t.Fatalf("xattrs on plain: %v", err)
	}
	if got != nil {
		t.Errorf("xattrs = %v, want nil", got)
	}
}

func TestMultiBlockMetadata(t *testing.T) {
	t.Parallel()

	// Enough inodes to push the inode table past one metadata block, so
	// refs into later blocks and record spans across block boundaries
	// both get exercised.
	var entries []sqfstest.Entry
	for i := range 600 {
		entries = append(entries, sqfstest.Entry{
			Path: fmt.Sprintf("files/f%04d.txt", i),
			Data: fmt.Appendf(nil, "content of file %d", i),
		})
	}
	fsys := openImage(t, entries)
	ctx := context.Background()

	for _, i := range []int{0, 1, 299, 598, 599} {
		path := fmt.Sprintf("files/f%04d.txt", i)
		ino, err := fsys.Resolve(ctx, path)
		if err != nil {
			t.Fatalf("resolve %s: %v", path, err)
		}
		want := fmt.Sprintf("content of file %d", i)
		got, err := fsys.ReadFileRange(ctx, ino, 0, int64(ino.Size))
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(got) != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}

	dir, err := fsys.Resolve(ctx, "files")
	if err != nil {
		t.Fatalf("resolve dir: %v", err)
	}
	count := 0
	for _, err := range fsys.DirEntries(ctx, dir, 0) {
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		count++
	}
	if count != 600 {
		t.Errorf("entry count = %d, want 600", count)
	}
}

func TestInodeMetadata(t *testing.T) {
	t.Parallel()

	fsys := openImage(t, []sqfstest.Entry{
		{Path: "f.bin", Data: []byte("data"), Perm: 0o600},
	}, sqfstest.WithOwner(1000, 1000))
	ctx := context.Background()

	ino, err := fsys.Resolve(ctx, "f.bin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ino.UID != 1000 || ino.GID != 1000 {
		t.Errorf("uid/gid = %d/%d, want 1000/1000", ino.UID, ino.GID)
	}
	if ino.Perm != 0o600 {
		t.Errorf("perm = %o, want 600", ino.Perm)
	}
	if ino.Mode().Perm() != 0o600 {
		t.Errorf("mode perm = %o, want 600", ino.Mode().Perm())
	}
	if ino.Number == 0 {
		t.Error("inode number = 0, want nonzero")
	}
}

func TestUnsupportedCompression(t *testing.T) {
	t.Parallel()

	img := sqfstest.MustBuild([]sqfstest.Entry{{Path: "a", Data: []byte("x")}})
	img = bytes.Clone(img)
	img[20] = 2 // lzma
	sb, err := DecodeSuperblock(img, int64(len(img)))
	if err != nil {
		t.Fatalf("decode superblock: %v", err)
	}
	if _, err := New(&sqfstest.BytesSource{Data: img}, sb); !errors.Is(err, ErrUnsupportedCompression) {
		t.Errorf("err = %v, want ErrUnsupportedCompression", err)
	}
}
