package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	units "github.com/docker/go-units"
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/netboot/internal/file"
	"github.com/meigma/netboot/store"
)

// writeBufferSize batches the builder's many small record writes.
const writeBufferSize = 1 << 20

// flight is an in-progress build for one key. done is closed once entry or
// err is set. waiters counts the callers that will each own a pin on the
// entry when the build succeeds.
type flight struct {
	done     chan struct{}
	waiters  int
	finished bool
	entry    *entry
	err      error
}

// GetOrBuild returns a handle to the archive for ref, building it on a
// miss. The handle pins the archive against eviction until Release.
//
// Concurrent calls for the same ref share one build and observe the same
// outcome. If ctx ends while waiting, GetOrBuild returns ctx.Err() but the
// build carries on for the remaining waiters and to fill the cache.
// Failed builds are not cached; the next call builds again.
func (c *Cache) GetOrBuild(ctx context.Context, ref store.Path) (*Handle, error) {
	key := c.key(ref)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if e, ok := c.entries[key]; ok {
		now := c.clock.Now()
		e.lastAccess = now
		e.pins++
		c.mu.Unlock()
		c.metrics.hits.Inc()
		c.touch(key, now)
		return newHandle(c, e), nil
	}
	f, ok := c.flights[key]
	if !ok {
		f = &flight{done: make(chan struct{})}
		c.flights[key] = f
		c.builds.Add(1)
		go c.build(key, ref, f)
	}
	f.waiters++
	c.mu.Unlock()
	c.metrics.misses.Inc()

	select {
	case <-f.done:
	case <-ctx.Done():
		c.abandon(f)
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return newHandle(c, f.entry), nil
}

// abandon gives back what a departing waiter would have owned: its slot if
// the build is still running, its pin if the build already succeeded.
func (c *Cache) abandon(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !f.finished {
		f.waiters--
		return
	}
	if f.err == nil {
		c.unpinLocked(f.entry)
	}
}

// build runs one flight to completion and publishes its outcome.
func (c *Cache) build(key string, ref store.Path, f *flight) {
	defer c.builds.Done()

	start := c.clock.Now()
	c.logger.Info("building archive", "path", ref.String())
	e, err := c.place(key, ref)

	c.mu.Lock()
	if err == nil {
		e.seq = c.nextSeqLocked()
		e.pins = f.waiters
		c.entries[key] = e
		c.bytes += e.size
		c.evictLocked(e)
		f.entry = e
	} else {
		f.err = err
	}
	f.finished = true
	delete(c.flights, key)
	c.updateGaugesLocked()
	c.mu.Unlock()
	close(f.done)

	elapsed := c.clock.Since(start)
	if err != nil {
		c.metrics.builds.WithLabelValues("failure").Inc()
		c.logger.Error("archive build failed", "path", ref.String(), "duration", elapsed, "error", err)
		return
	}
	c.metrics.builds.WithLabelValues("success").Inc()
	c.logger.Info("archive cached",
		"path", ref.String(),
		"size", units.HumanSize(float64(e.size)),
		"digest", e.digest.String(),
		"duration", elapsed)
}

// place builds the archive into a temporary file, roots ref, and only then
// moves the archive to its final name. A failure at any step leaves no
// file under the final name and no root behind.
func (c *Cache) place(key string, ref store.Path) (*entry, error) {
	tmp, tmpName, err := file.CreateTemp(c.root, tempPrefix+key+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %w", ErrBuild, err)
	}
	placed := false
	defer func() {
		if !placed {
			_ = tmp.Close()
			_ = c.root.Remove(tmpName)
		}
	}()

	digester := digest.Canonical.Digester()
	counter := &file.CountingWriter{W: io.MultiWriter(tmp, digester.Hash())}
	buf := bufio.NewWriterSize(counter, writeBufferSize)
	if err := c.builder.Build(c.buildCtx, ref, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBuild, ref, err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("%w: write archive: %w", ErrBuild, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync archive: %w", ErrBuild, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("%w: close archive: %w", ErrBuild, err)
	}

	root, err := c.roots.Create(key, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}
	if err := c.root.Rename(tmpName, key); err != nil {
		if releaseErr := c.roots.Release(root); releaseErr != nil {
			c.logger.Warn("release gc root of unplaced archive", "key", key, "error", releaseErr)
		}
		return nil, fmt.Errorf("%w: place archive: %w", ErrBuild, err)
	}
	placed = true

	now := c.clock.Now()
	c.touch(key, now)
	return &entry{
		key:        key,
		ref:        ref,
		size:       int64(counter.N), //nolint:gosec // archive sizes fit in int64
		digest:     digester.Digest(),
		root:       root,
		lastAccess: now,
	}, nil
}

// touch records an access in the archive's modification time so that
// recency survives a restart.
func (c *Cache) touch(key string, now time.Time) {
	if err := c.root.Chtimes(key, now, now); err != nil {
		c.logger.Debug("record archive access", "key", key, "error", err)
	}
}

func (c *Cache) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}
