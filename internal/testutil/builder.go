package testutil

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/meigma/netboot/store"
)

// DefaultArchiveSize is the size of archives produced by Builder for refs
// without an explicit size.
const DefaultArchiveSize = 16

// Builder is a fake archive builder. Its output for a ref is Content(ref,
// size). Builds can be held open with Block and failed with FailNext.
type Builder struct {
	mu      sync.Mutex
	sizes   map[store.Path]int64
	errs    map[store.Path]error
	calls   map[store.Path]int
	gate    chan struct{}
	started chan store.Path
}

// NewBuilder returns a Builder with no configured sizes or failures.
func NewBuilder() *Builder {
	return &Builder{
		sizes:   make(map[store.Path]int64),
		errs:    make(map[store.Path]error),
		calls:   make(map[store.Path]int),
		started: make(chan store.Path, 64),
	}
}

// SetSize sets the archive size produced for ref.
func (b *Builder) SetSize(ref store.Path, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizes[ref] = n
}

// FailNext makes the next build of ref return err.
func (b *Builder) FailNext(ref store.Path, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[ref] = err
}

// Block holds every subsequent build until the returned function is called.
// A held build still honours context cancellation.
func (b *Builder) Block() (unblock func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gate == gate {
				b.gate = nil
			}
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Started receives each ref as its build begins.
func (b *Builder) Started() <-chan store.Path {
	return b.started
}

// Calls returns how many builds of ref have started.
func (b *Builder) Calls(ref store.Path) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[ref]
}

// Build writes Content(ref, size) to w.
func (b *Builder) Build(ctx context.Context, ref store.Path, w io.Writer) error {
	b.mu.Lock()
	b.calls[ref]++
	size, ok := b.sizes[ref]
	if !ok {
		size = DefaultArchiveSize
	}
	err, fail := b.errs[ref]
	delete(b.errs, ref)
	gate := b.gate
	b.mu.Unlock()

	select {
	case b.started <- ref:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return err
	}
	_, err = w.Write(Content(ref, size))
	return err
}

// Content is the archive Builder produces for ref at the given size.
func Content(ref store.Path, size int64) []byte {
	if size <= 0 {
		return nil
	}
	pattern := []byte(ref.Base())
	return bytes.Repeat(pattern, int(size)/len(pattern)+1)[:size]
}
