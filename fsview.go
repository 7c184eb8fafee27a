package arcfs

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/arcfs/arcfs/internal/sqfs"
)

// Interface compliance checks.
var (
	_ fs.FS          = (*FSView)(nil)
	_ fs.StatFS      = (*FSView)(nil)
	_ fs.ReadDirFS   = (*FSView)(nil)
	_ fs.File        = (*viewFile)(nil)
	_ fs.ReadDirFile = (*viewDir)(nil)
)

// FSView adapts an Archive to the stdlib fs interfaces. The context
// given at construction carries through every operation, since the fs
// method set has no context parameter.
type FSView struct {
	ctx context.Context
	a   *Archive
}

// FS returns a stdlib filesystem view of the archive.
func (a *Archive) FS(ctx context.Context) *FSView {
	return &FSView{ctx: ctx, a: a}
}

// Open opens the named file or directory.
func (v *FSView) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	st, err := v.a.Stat(v.ctx, name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if st.IsDir() {
		return &viewDir{view: v, name: name, info: st}, nil
	}
	return &viewFile{view: v, name: name, info: st}, nil
}

// Stat implements fs.StatFS.
func (v *FSView) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	st, err := v.a.Stat(v.ctx, name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return &fileInfo{st: st}, nil
}

// ReadDir implements fs.ReadDirFS, returning the full listing in the
// archive's stable name order.
func (v *FSView) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	var out []fs.DirEntry
	token := ""
	for {
		page, next, err := v.a.List(v.ctx, name, token)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: name, Err: err}
		}
		for _, e := range page {
			out = append(out, &dirEntry{view: v, parent: name, e: e})
		}
		if next == "" {
			return out, nil
		}
		token = next
	}
}

// fileInfo adapts a Stat record to fs.FileInfo.
type fileInfo struct {
	st *Stat
}

func (fi *fileInfo) Name() string {
	p := fi.st.Path
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	if p == "." {
		return "."
	}
	return p
}

func (fi *fileInfo) Size() int64        { return fi.st.Size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.st.Mode }
func (fi *fileInfo) ModTime() time.Time { return fi.st.ModTime }
func (fi *fileInfo) IsDir() bool        { return fi.st.IsDir() }
func (fi *fileInfo) Sys() any           { return fi.st }

// dirEntry adapts a listing entry to fs.DirEntry, resolving the full
// inode lazily on Info.
type dirEntry struct {
	view   *FSView
	parent string
	e      DirEntry
}

func (d *dirEntry) Name() string      { return d.e.Name }
func (d *dirEntry) IsDir() bool       { return d.e.Kind == KindDir }
func (d *dirEntry) Type() fs.FileMode { return d.e.Kind.FileMode() }

func (d *dirEntry) Info() (fs.FileInfo, error) {
	name := d.e.Name
	if d.parent != "." {
		name = d.parent + "/" + d.e.Name
	}
	return d.view.Stat(name)
}

// viewFile is an open regular file with a read cursor.
type viewFile struct {
	view *FSView
	name string
	info *Stat
	off  int64
}

func (f *viewFile) Stat() (fs.FileInfo, error) { return &fileInfo{st: f.info}, nil }
func (f *viewFile) Close() error               { return nil }

func (f *viewFile) Read(p []byte) (int, error) {
	if f.off >= f.info.Size {
		return 0, io.EOF
	}
	n := min(int64(len(p)), f.info.Size-f.off)
	b, err := f.view.a.Read(f.view.ctx, f.name, f.off, n)
	if err != nil {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	copy(p, b)
	f.off += int64(len(b))
	return len(b), nil
}

// ReadAt implements io.ReaderAt without moving the cursor.
func (f *viewFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > f.info.Size {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: sqfs.ErrOutOfRange}
	}
	n := min(int64(len(p)), f.info.Size-off)
	b, err := f.view.a.Read(f.view.ctx, f.name, off, n)
	if err != nil {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: err}
	}
	copy(p, b)
	if int64(len(p)) > n {
		return len(b), io.EOF
	}
	return len(b), nil
}

// viewDir is an open directory handle with listing state.
type viewDir struct {
	view *FSView
	name string
	info *Stat

	token string
	buf   []fs.DirEntry
	done  bool
}

func (d *viewDir) Stat() (fs.FileInfo, error) { return &fileInfo{st: d.info}, nil }
func (d *viewDir) Close() error               { return nil }

func (d *viewDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrNotFile}
}

// ReadDir implements fs.ReadDirFile with the usual n semantics.
func (d *viewDir) ReadDir(n int) ([]fs.DirEntry, error) {
	for !d.done && (n <= 0 || len(d.buf) < n) {
		page, next, err := d.view.a.List(d.view.ctx, d.name, d.token)
		if err != nil {
			return nil, &fs.PathError{Op: "readdir", Path: d.name, Err: err}
		}
		for _, e := range page {
			d.buf = append(d.buf, &dirEntry{view: d.view, parent: d.name, e: e})
		}
		if next == "" {
			d.done = true
			break
		}
		d.token = next
	}
	if n <= 0 {
		out := d.buf
		d.buf = nil
		return out, nil
	}
	if len(d.buf) == 0 {
		return nil, io.EOF
	}
	k := min(n, len(d.buf))
	out := d.buf[:k]
	d.buf = d.buf[k:]
	return out, nil
}
