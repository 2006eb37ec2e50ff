package cache

import (
	"cmp"
	"fmt"
	"io/fs"
	"runtime"
	"slices"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/netboot/store"
)

// load reconciles the cache directory with the root directory. Archives
// are kept only when a root of the same name points at the store path
// they were built from; everything else on either side is removed.
// Recency is restored from modification times.
func (c *Cache) load() error {
	roots, err := c.roots.List()
	if err != nil {
		return err
	}
	unmatched := make(map[string]store.Root, len(roots))
	for _, r := range roots {
		unmatched[r.Name] = r
	}

	dirEntries, err := fs.ReadDir(c.root.FS(), ".")
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}

	suffix := "." + c.format
	var found []*entry
	for _, d := range dirEntries {
		name := d.Name()
		if strings.HasPrefix(name, tempPrefix) || strings.HasPrefix(name, evictPrefix) {
			c.removeStale(name, "interrupted write or eviction")
			continue
		}
		if !d.Type().IsRegular() {
			continue
		}
		root, ok := unmatched[name]
		if !ok || !strings.HasSuffix(name, suffix) || root.Target.Base()+suffix != name {
			c.removeStale(name, "no matching gc root")
			continue
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat cached archive %s: %w", name, err)
		}
		found = append(found, &entry{
			key:        name,
			ref:        root.Target,
			size:       info.Size(),
			root:       root,
			lastAccess: info.ModTime(),
		})
		delete(unmatched, name)
	}

	for _, r := range unmatched {
		if err := c.roots.Release(r); err != nil {
			return err
		}
		c.logger.Info("released orphaned gc root", "name", r.Name, "target", r.Target.String())
	}

	if err := c.digestAll(found); err != nil {
		return err
	}

	slices.SortFunc(found, func(a, b *entry) int {
		if n := a.lastAccess.Compare(b.lastAccess); n != 0 {
			return n
		}
		return cmp.Compare(a.key, b.key)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range found {
		e.seq = c.nextSeqLocked()
		c.entries[e.key] = e
		c.bytes += e.size
	}
	c.evictLocked(nil)
	c.updateGaugesLocked()
	c.logger.Info("cache loaded",
		"dir", c.dir,
		"entries", len(c.entries),
		"bytes", c.bytes,
		"max_bytes", c.maxBytes)
	return nil
}

// digestAll computes the digest of every found archive.
func (c *Cache) digestAll(entries []*entry) error {
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, e := range entries {
		g.Go(func() error {
			f, err := c.root.Open(e.key)
			if err != nil {
				return fmt.Errorf("open cached archive: %w", err)
			}
			defer f.Close()
			d, err := digest.Canonical.FromReader(f)
			if err != nil {
				return fmt.Errorf("digest cached archive %s: %w", e.key, err)
			}
			e.digest = d
			return nil
		})
	}
	return g.Wait()
}

func (c *Cache) removeStale(name, reason string) {
	if err := c.root.Remove(name); err != nil {
		c.logger.Warn("remove stale cache file", "file", name, "error", err)
		return
	}
	c.logger.Info("removed stale cache file", "file", name, "reason", reason)
}
