// Package cache keeps built initramfs archives on disk, keyed by the Nix
// store path they were built from.
//
// The cache owns three pieces of linked state: an in-memory index of live
// entries, the running byte total of those entries, and one garbage
// collector root per entry that keeps the entry's closure alive in the
// store. All three are guarded by a single mutex so that the byte total
// always equals the sum of the live entries' sizes.
//
// Misses are built at most once: concurrent callers asking for the same
// store path attach to the in-flight build and share its outcome. Builds
// run detached from the callers' contexts, so a client that goes away does
// not abort a build other clients are waiting for.
//
// When the byte total exceeds the configured maximum, the least recently
// used entries that no reader currently holds are evicted. An entry larger
// than the maximum is still kept, alone, until something replaces it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	digest "github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/netboot/store"
)

// Sentinel errors for cache operations.
var (
	// ErrBuild wraps every failure to produce or place an archive. The
	// builder's own error remains in the chain.
	ErrBuild = errors.New("cache: build failed")

	// ErrBusy is returned when removing an entry that a reader holds.
	ErrBusy = errors.New("cache: entry in use")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
)

// File-name prefixes of files that are never live entries.
const (
	tempPrefix  = ".tmp-"
	evictPrefix = ".evict-"
)

// DefaultFormat is the file-name extension used when WithFormat is unset.
const DefaultFormat = "cpio"

// Builder writes the archive for a store path.
type Builder interface {
	Build(ctx context.Context, ref store.Path, w io.Writer) error
}

// Rooter creates and releases garbage-collector roots.
type Rooter interface {
	Create(name string, target store.Path) (store.Root, error)
	Release(root store.Root) error
	List() ([]store.Root, error)
}

type entry struct {
	key        string
	ref        store.Path
	size       int64
	digest     digest.Digest
	root       store.Root
	lastAccess time.Time
	seq        uint64
	pins       int
}

// Cache is a size-bounded, disk-backed archive cache.
// It is safe for concurrent use.
type Cache struct {
	dir        string
	root       *os.Root
	builder    Builder
	roots      Rooter
	format     string
	maxBytes   int64
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	buildCtx context.Context
	cancel   context.CancelFunc
	builds   sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*flight
	bytes   int64
	seq     uint64
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxBytes sets the maximum cache size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithFormat sets the file-name extension of cached archives. Files with
// another extension found at startup are treated as stale and removed.
func WithFormat(ext string) Option {
	return func(c *Cache) {
		c.format = ext
	}
}

// WithLogger sets the logger for cache operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock sets the time source used for recency.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithMetrics registers the cache's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Cache) {
		c.registerer = reg
	}
}

// New opens the cache stored in dir, reconciling it with the roots known
// to roots. dir must exist.
func New(dir string, builder Builder, roots Rooter, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	if builder == nil {
		return nil, errors.New("cache builder is nil")
	}
	if roots == nil {
		return nil, errors.New("cache rooter is nil")
	}
	c := &Cache{
		dir:     dir,
		builder: builder,
		roots:   roots,
		format:  DefaultFormat,
		clock:   clock.NewClock(),
		logger:  slog.New(slog.DiscardHandler),
		entries: make(map[string]*entry),
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if c.format == "" || strings.ContainsRune(c.format, '/') {
		return nil, fmt.Errorf("invalid cache format %q", c.format)
	}
	metrics, err := newMetrics(c.registerer)
	if err != nil {
		return nil, err
	}
	c.metrics = metrics

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open cache dir: %w", err)
	}
	c.root = root
	c.buildCtx, c.cancel = context.WithCancel(context.Background())

	if err := c.load(); err != nil {
		c.cancel()
		_ = root.Close()
		return nil, err
	}
	return c, nil
}

// Close cancels in-flight builds, waits for them to finish and releases
// the cache directory. Entries stay on disk for the next New.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.builds.Wait()
	return c.root.Close()
}

// Stats is a snapshot of the cache's accounting.
type Stats struct {
	Entries  int
	Bytes    int64
	MaxBytes int64
	Pinned   int
	Building int
}

// Stats returns a consistent snapshot of the cache's accounting.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:  len(c.entries),
		Bytes:    c.bytes,
		MaxBytes: c.maxBytes,
		Building: len(c.flights),
	}
	for _, e := range c.entries {
		if e.pins > 0 {
			s.Pinned++
		}
	}
	return s
}

// Contains reports whether an archive for ref is cached.
func (c *Cache) Contains(ref store.Path) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[c.key(ref)]
	return ok
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Format returns the file-name extension of cached archives.
func (c *Cache) Format() string {
	return c.format
}

// key is the file name, and GC root name, of ref's archive.
func (c *Cache) key(ref store.Path) string {
	return ref.Base() + "." + c.format
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key)
}
