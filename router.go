package arcfs

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Mapping binds one path prefix to a remote archive object.
type Mapping struct {
	// Prefix is the mount point, e.g. "/data/static". "/" mounts at the
	// root.
	Prefix string `yaml:"prefix"`

	Bucket string `yaml:"bucket"`
	Key    string `yaml:"key"`
}

// RouterConfig is the declarative router configuration.
type RouterConfig struct {
	Mappings []Mapping `yaml:"mappings"`
}

// ParseRouterConfig decodes a YAML router configuration.
func ParseRouterConfig(b []byte) (RouterConfig, error) {
	var cfg RouterConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RouterConfig{}, fmt.Errorf("parsing router config: %w", err)
	}
	return cfg, nil
}

// LoadRouterConfig reads and decodes a YAML router configuration file.
func LoadRouterConfig(path string) (RouterConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RouterConfig{}, err
	}
	return ParseRouterConfig(b)
}

// SourceFactory opens the remote object behind a mapping.
type SourceFactory func(ctx context.Context, bucket, key string) (Source, error)

// Router dispatches paths to archives by longest matching prefix.
// Prefixes match on whole path components: "/data" routes "/data/x" but
// not "/database". Archives open lazily on first use and are shared by
// later calls.
type Router struct {
	mappings []routeEntry // longest prefix first
	factory  SourceFactory
	opts     []Option

	mu      sync.Mutex
	open    map[string]*Archive // by bucket and key
	opening singleflight.Group
}

type routeEntry struct {
	prefix string // normalized, "." for the root mount
	m      Mapping
}

// NewRouter validates cfg and builds a router. Nested prefixes are
// allowed; the deepest match wins. Duplicate prefixes are rejected.
func NewRouter(cfg RouterConfig, factory SourceFactory, opts ...Option) (*Router, error) {
	if factory == nil {
		return nil, fmt.Errorf("router: nil source factory")
	}
	if len(cfg.Mappings) == 0 {
		return nil, fmt.Errorf("router: no mappings")
	}
	seen := make(map[string]bool, len(cfg.Mappings))
	entries := make([]routeEntry, 0, len(cfg.Mappings))
	for _, m := range cfg.Mappings {
		if m.Bucket == "" || m.Key == "" {
			return nil, fmt.Errorf("router: mapping %q needs a bucket and key", m.Prefix)
		}
		p := NormalizePath(m.Prefix)
		if seen[p] {
			return nil, fmt.Errorf("router: duplicate prefix %q", m.Prefix)
		}
		seen[p] = true
		entries = append(entries, routeEntry{prefix: p, m: m})
	}
	sort.Slice(entries, func(i, j int) bool {
		return segments(entries[i].prefix) > segments(entries[j].prefix)
	})
	return &Router{
		mappings: entries,
		factory:  factory,
		opts:     opts,
		open:     make(map[string]*Archive),
	}, nil
}

func segments(p string) int {
	if p == "." {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// Route returns the mapping serving path and the path remainder inside
// its archive. Paths outside every mapping fail with ErrNoMapping.
func (r *Router) Route(path string) (Mapping, string, error) {
	p := NormalizePath(path)
	for _, e := range r.mappings {
		switch {
		case e.prefix == ".":
			return e.m, p, nil
		case p == e.prefix:
			return e.m, ".", nil
		case strings.HasPrefix(p, e.prefix+"/"):
			return e.m, p[len(e.prefix)+1:], nil
		}
	}
	return Mapping{}, "", fmt.Errorf("%q: %w", path, ErrNoMapping)
}

// Archive returns the archive serving path, opening it on first use,
// along with the path remainder inside it. Archives are shared by
// object, so mappings pointing at the same bucket and key share one
// open handle and one local cache; concurrent first uses share one
// open.
func (r *Router) Archive(ctx context.Context, path string) (*Archive, string, error) {
	m, inner, err := r.Route(path)
	if err != nil {
		return nil, "", err
	}
	object := m.Bucket + "\x00" + m.Key

	r.mu.Lock()
	a, ok := r.open[object]
	r.mu.Unlock()
	if ok {
		return a, inner, nil
	}

	v, err, _ := r.opening.Do(object, func() (any, error) {
		r.mu.Lock()
		a, ok := r.open[object]
		r.mu.Unlock()
		if ok {
			return a, nil
		}
		src, err := r.factory(ctx, m.Bucket, m.Key)
		if err != nil {
			return nil, fmt.Errorf("opening source for %q: %w", m.Prefix, err)
		}
		a, err = Open(ctx, src, r.opts...)
		if err != nil {
			return nil, fmt.Errorf("opening archive for %q: %w", m.Prefix, err)
		}
		r.mu.Lock()
		r.open[object] = a
		r.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, "", err
	}
	return v.(*Archive), inner, nil
}

// Stat stats path through its mapped archive.
func (r *Router) Stat(ctx context.Context, path string) (*Stat, error) {
	a, inner, err := r.Archive(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.Stat(ctx, inner)
}

// Read reads from the file at path through its mapped archive.
func (r *Router) Read(ctx context.Context, path string, off, length int64) ([]byte, error) {
	a, inner, err := r.Archive(ctx, path)
	if err != nil {
		return nil, err
	}
	return a.Read(ctx, inner, off, length)
}

// List lists the directory at path through its mapped archive.
func (r *Router) List(ctx context.Context, path, token string) ([]DirEntry, string, error) {
	a, inner, err := r.Archive(ctx, path)
	if err != nil {
		return nil, "", err
	}
	return a.List(ctx, inner, token)
}

// ReadLink reads the symlink at path through its mapped archive.
func (r *Router) ReadLink(ctx context.Context, path string) (string, error) {
	a, inner, err := r.Archive(ctx, path)
	if err != nil {
		return "", err
	}
	return a.ReadLink(ctx, inner)
}

// Close closes every archive the router has opened.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for object, a := range r.open {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.open, object)
	}
	return firstErr
}
