// Package arcfs presents a squashfs archive stored in an object store as
// a read-only hierarchical filesystem, transferring only the byte ranges
// needed to satisfy each request.
//
// An [Archive] combines a remote range [Source] with a local sparse chunk
// cache: directory walks and file reads decode the archive's tables on
// demand, and every remote fetch is chunk-aligned, deduplicated, and
// persisted so repeat access is served locally.
//
// # Quick start
//
// Open an archive behind an HTTP range endpoint and read a file:
//
//	src, err := arcfshttp.NewSource(ctx, "https://bucket.s3.us-east-1.amazonaws.com/images.sqfs")
//	if err != nil {
//	    return err
//	}
//	a, err := arcfs.Open(ctx, src, arcfs.WithCacheDir("/var/cache/arcfs"))
//	if err != nil {
//	    return err
//	}
//	data, err := a.Read(ctx, "etc/config.json", 0, 4096)
//
// # Prefix routing
//
// A [Router] maps a table of virtual path prefixes onto distinct backing
// archives, constructing each Archive lazily on first use:
//
//	cfg, err := arcfs.LoadRouterConfig("/etc/arcfs/mappings.yaml")
//	r, err := arcfs.NewRouter(cfg, factory)
//	st, err := r.Stat(ctx, "/datasets/2024/train/part-00001")
//
// Archives are immutable per version: a changed backing object is detected
// via its entity tag and surfaced as [ErrVersionMismatch] rather than ever
// mixing bytes from two versions.
package arcfs
