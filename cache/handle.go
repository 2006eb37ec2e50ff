package cache

import (
	"os"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/netboot/store"
)

// Handle is a pinned reference to a cached archive. The archive is not
// evicted while any handle to it is unreleased.
type Handle struct {
	c    *Cache
	e    *entry
	once sync.Once
}

func newHandle(c *Cache, e *entry) *Handle {
	return &Handle{c: c, e: e}
}

// Ref returns the store path the archive was built from.
func (h *Handle) Ref() store.Path {
	return h.e.ref
}

// Key returns the archive's file name within the cache directory.
func (h *Handle) Key() string {
	return h.e.key
}

// Path returns the archive's absolute file name.
func (h *Handle) Path() string {
	return h.c.path(h.e.key)
}

// Size returns the archive size in bytes.
func (h *Handle) Size() int64 {
	return h.e.size
}

// Digest returns the digest of the archive's bytes.
func (h *Handle) Digest() digest.Digest {
	return h.e.digest
}

// Open opens the archive for reading. The returned file stays readable
// after Release.
func (h *Handle) Open() (*os.File, error) {
	return h.c.root.Open(h.e.key)
}

// Release unpins the archive. Calls after the first are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.c.release(h.e)
	})
}
