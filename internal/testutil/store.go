package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/meigma/netboot/store"
)

// Store is an on-disk fake of a Nix store. Paths are plain directories
// under a temporary store dir; closures are declared when paths are added.
// Paths added with Remote only appear on disk once realised.
type Store struct {
	dir store.Dir

	mu       sync.Mutex
	deps     map[store.Path][]store.Path
	remote   map[store.Path]map[string]string
	realised []store.Path
	closures int
}

// NewStore creates an empty store in a temporary directory.
func NewStore(tb testing.TB) *Store {
	tb.Helper()
	dir := filepath.Join(tb.TempDir(), "nix", "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("create store dir: %v", err)
	}
	return &Store{
		dir:    store.Dir(dir),
		deps:   make(map[store.Path][]store.Path),
		remote: make(map[store.Path]map[string]string),
	}
}

// Dir returns the store directory.
func (s *Store) Dir() store.Dir {
	return s.dir
}

// Add creates the store path name holding files, keyed by path relative
// to the store path. deps become part of its closure.
func (s *Store) Add(tb testing.TB, name string, files map[string]string, deps ...store.Path) store.Path {
	tb.Helper()
	p := StorePath(s.dir, name)
	if err := writeTree(p, files); err != nil {
		tb.Fatalf("add store path %s: %v", name, err)
	}
	s.mu.Lock()
	s.deps[p] = deps
	s.mu.Unlock()
	return p
}

// Remote declares a store path that is only materialised by Realise.
func (s *Store) Remote(name string, files map[string]string, deps ...store.Path) store.Path {
	p := StorePath(s.dir, name)
	s.mu.Lock()
	s.deps[p] = deps
	s.remote[p] = files
	s.mu.Unlock()
	return p
}

// Symlink creates a symbolic link at rel inside p.
func (s *Store) Symlink(tb testing.TB, p store.Path, rel, target string) {
	tb.Helper()
	link := filepath.Join(p.String(), rel)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		tb.Fatalf("create link parent: %v", err)
	}
	if err := os.Symlink(target, link); err != nil {
		tb.Fatalf("create link: %v", err)
	}
}

// Exists reports whether p is on disk.
func (s *Store) Exists(p store.Path) bool {
	_, err := os.Lstat(p.String())
	return err == nil
}

// Realise materialises a path declared with Remote.
func (s *Store) Realise(_ context.Context, p store.Path) error {
	s.mu.Lock()
	files, ok := s.remote[p]
	if ok {
		delete(s.remote, p)
		s.realised = append(s.realised, p)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("don't know how to build %s", p)
	}
	return writeTree(p, files)
}

// Closure returns p and everything it depends on, sorted.
func (s *Store) Closure(_ context.Context, p store.Path) ([]store.Path, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures++
	if _, ok := s.deps[p]; !ok {
		return nil, fmt.Errorf("path %s is not valid", p)
	}
	seen := map[store.Path]bool{}
	queue := []store.Path{p}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, s.deps[next]...)
	}
	closure := make([]store.Path, 0, len(seen))
	for sp := range seen {
		closure = append(closure, sp)
	}
	slices.Sort(closure)
	return closure, nil
}

// Realised returns the paths materialised by Realise, in order.
func (s *Store) Realised() []store.Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.realised)
}

// Closures returns how many closure queries were made.
func (s *Store) Closures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closures
}

func writeTree(p store.Path, files map[string]string) error {
	if err := os.MkdirAll(p.String(), 0o755); err != nil {
		return err
	}
	for rel, content := range files {
		full := filepath.Join(p.String(), rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
