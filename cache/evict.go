package cache

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/meigma/netboot/store"
)

// Remove deletes ref's archive and releases its root. Removing an absent
// entry is a no-op; removing an entry a reader holds fails with ErrBusy.
func (c *Cache) Remove(ref store.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	e, ok := c.entries[c.key(ref)]
	if !ok {
		return nil
	}
	if e.pins > 0 {
		return fmt.Errorf("%w: %s", ErrBusy, e.key)
	}
	err := c.removeLocked(e)
	c.updateGaugesLocked()
	return err
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpinLocked(e)
}

// unpinLocked drops one pin. An entry that becomes evictable may let an
// over-budget cache shrink.
func (c *Cache) unpinLocked(e *entry) {
	e.pins--
	if e.pins > 0 {
		return
	}
	if e.pins < 0 {
		c.logger.Error("cache entry unpinned too often", "key", e.key)
		e.pins = 0
	}
	c.evictLocked(nil)
	c.updateGaugesLocked()
}

// evictLocked removes least recently used entries until the byte total
// fits the budget. keep and pinned entries are never chosen, and a sole
// remaining entry stays even when it alone exceeds the budget.
func (c *Cache) evictLocked(keep *entry) {
	if c.maxBytes == 0 || c.bytes <= c.maxBytes {
		return
	}
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e == keep || e.pins > 0 {
			continue
		}
		candidates = append(candidates, e)
	}
	slices.SortFunc(candidates, func(a, b *entry) int {
		if n := a.lastAccess.Compare(b.lastAccess); n != 0 {
			return n
		}
		return cmp.Compare(a.seq, b.seq)
	})

	for _, e := range candidates {
		if c.bytes <= c.maxBytes || len(c.entries) <= 1 {
			break
		}
		if err := c.removeLocked(e); err != nil {
			c.metrics.evictionErrors.Inc()
			c.logger.Warn("evict cache entry", "key", e.key, "error", err)
			continue
		}
		c.metrics.evictions.Inc()
		c.logger.Info("evicted cache entry", "key", e.key, "size", e.size)
	}
	if c.bytes > c.maxBytes {
		c.logger.Debug("cache over budget",
			"bytes", c.bytes,
			"max_bytes", c.maxBytes,
			"entries", len(c.entries))
	}
}

// removeLocked unlinks e's archive and releases its root. The archive is
// first moved aside so that a failed release can put it back; an entry
// only leaves the index together with its root.
func (c *Cache) removeLocked(e *entry) error {
	trash := evictPrefix + e.key
	if err := c.root.Rename(e.key, trash); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("move archive aside: %w", err)
		}
		c.logger.Warn("cached archive missing from disk", "key", e.key)
		// Nothing is left to serve. A root that outlives the entry is
		// released by the next startup.
		c.dropLocked(e)
		return c.roots.Release(e.root)
	}

	if err := c.roots.Release(e.root); err != nil {
		if restoreErr := c.root.Rename(trash, e.key); restoreErr != nil {
			// The archive cannot be served under its name any more. Drop it
			// from the index; the next startup reclaims the file and root.
			c.dropLocked(e)
			return errors.Join(err, restoreErr)
		}
		return err
	}
	if err := c.root.Remove(trash); err != nil {
		c.logger.Warn("remove evicted archive", "file", trash, "error", err)
	}
	c.dropLocked(e)
	return nil
}

func (c *Cache) dropLocked(e *entry) {
	delete(c.entries, e.key)
	c.bytes -= e.size
}
