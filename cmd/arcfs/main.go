// Command arcfs inspects and reads remote archive objects through the
// local chunk cache.
//
// Usage:
//
//	arcfs meta    --url URL
//	arcfs stat    --url URL PATH
//	arcfs list    --url URL PATH
//	arcfs cat     --url URL PATH
//	arcfs extract --url URL PATH DEST
//	arcfs prefetch --url URL
//
// The object URL may also name an S3 object via --region/--bucket/--key.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/arcfs/arcfs"
	arcfshttp "github.com/arcfs/arcfs/http"
)

type config struct {
	url     string
	region  string
	bucket  string
	key     string
	cache   string
	chunkKB int
	verbose bool
	long    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "arcfs:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return fmt.Errorf("usage: arcfs <meta|stat|list|cat|extract|prefetch> [flags] [args]")
	}
	cmd := os.Args[1]

	var cfg config
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", "", "archive object URL")
	fs.StringVar(&cfg.region, "region", "", "S3 region (alternative to --url)")
	fs.StringVar(&cfg.bucket, "bucket", "", "S3 bucket (alternative to --url)")
	fs.StringVar(&cfg.key, "key", "", "S3 object key (alternative to --url)")
	fs.StringVar(&cfg.cache, "cache-dir", "", "chunk cache directory (default: user cache dir)")
	fs.IntVar(&cfg.chunkKB, "chunk-kb", 0, "cache chunk size in KiB (default: archive block size)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVarP(&cfg.long, "long", "l", false, "long listing")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	args := fs.Args()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := open(ctx, &cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "meta":
		return printMeta(a)
	case "stat":
		if len(args) != 1 {
			return fmt.Errorf("usage: arcfs stat [flags] PATH")
		}
		return printStat(ctx, a, args[0])
	case "list":
		if len(args) != 1 {
			return fmt.Errorf("usage: arcfs list [flags] PATH")
		}
		return list(ctx, a, args[0], cfg.long)
	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: arcfs cat [flags] PATH")
		}
		return cat(ctx, a, args[0])
	case "extract":
		if len(args) != 2 {
			return fmt.Errorf("usage: arcfs extract [flags] PATH DEST")
		}
		n, err := a.ExtractFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, args[1])
		return nil
	case "prefetch":
		return a.PrefetchMetadata(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func open(ctx context.Context, cfg *config) (*arcfs.Archive, error) {
	url := cfg.url
	if url == "" {
		if cfg.region == "" || cfg.bucket == "" || cfg.key == "" {
			return nil, fmt.Errorf("either --url or --region/--bucket/--key is required")
		}
		url = arcfshttp.S3URL(cfg.region, cfg.bucket, cfg.key)
	}
	src, err := arcfshttp.NewSource(ctx, url)
	if err != nil {
		return nil, err
	}

	opts := []arcfs.Option{}
	if cfg.cache != "" {
		opts = append(opts, arcfs.WithCacheDir(cfg.cache))
	}
	if cfg.chunkKB > 0 {
		opts = append(opts, arcfs.WithChunkSize(int64(cfg.chunkKB)*1024))
	}
	if cfg.verbose {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		opts = append(opts, arcfs.WithLogger(logger))
	}
	return arcfs.Open(ctx, src, opts...)
}

func printMeta(a *arcfs.Archive) error {
	m := a.Meta()
	fmt.Printf("object size:     %d\n", m.ObjectSize)
	fmt.Printf("bytes used:      %d\n", m.BytesUsed)
	fmt.Printf("block size:      %d\n", m.BlockSize)
	fmt.Printf("chunk size:      %d\n", m.ChunkSize)
	fmt.Printf("compression:     %s\n", m.Compression)
	fmt.Printf("inodes:          %d\n", m.InodeCount)
	fmt.Printf("fragments:       %d\n", m.FragCount)
	fmt.Printf("modified:        %s\n", m.ModTime)
	fmt.Printf("inode table:     %#x\n", m.InodeTableStart)
	fmt.Printf("directory table: %#x\n", m.DirectoryTableStart)
	fmt.Printf("fragment table:  %#x\n", m.FragmentTableStart)
	fmt.Printf("id table:        %#x\n", m.IDTableStart)
	return nil
}

func printStat(ctx context.Context, a *arcfs.Archive, path string) error {
	st, err := a.Stat(ctx, path)
	if err != nil {
		return err
	}
	fmt.Printf("path:    %s\n", st.Path)
	fmt.Printf("kind:    %s\n", st.Kind)
	fmt.Printf("mode:    %s\n", st.Mode)
	fmt.Printf("size:    %d\n", st.Size)
	fmt.Printf("uid/gid: %d/%d\n", st.UID, st.GID)
	fmt.Printf("inode:   %d\n", st.Inode)
	fmt.Printf("mtime:   %s\n", st.ModTime)
	if st.Target != "" {
		fmt.Printf("target:  %s\n", st.Target)
	}
	for name, val := range st.Xattrs {
		fmt.Printf("xattr:   %s=%q\n", name, val)
	}
	return nil
}

func list(ctx context.Context, a *arcfs.Archive, path string, long bool) error {
	token := ""
	for {
		page, next, err := a.List(ctx, path, token)
		if err != nil {
			return err
		}
		dir := arcfs.NormalizePath(path)
		for _, e := range page {
			if !long {
				fmt.Println(e.Name)
				continue
			}
			child := e.Name
			if dir != "." {
				child = dir + "/" + e.Name
			}
			st, err := a.Stat(ctx, child)
			if err != nil {
				return err
			}
			fmt.Printf("%s %8d %s\n", st.Mode, st.Size, e.Name)
		}
		if next == "" {
			return nil
		}
		token = next
	}
}

func cat(ctx context.Context, a *arcfs.Archive, path string) error {
	st, err := a.Stat(ctx, path)
	if err != nil {
		return err
	}
	const step = int64(1 << 20)
	for off := int64(0); off < st.Size; {
		n := min(step, st.Size-off)
		b, err := a.Read(ctx, path, off, n)
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(b); err != nil {
			return err
		}
		off += n
	}
	return nil
}
