package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Runner is a fake store.Runner that answers registered command lines.
type Runner struct {
	mu        sync.Mutex
	responses map[string]func() (string, error)
	calls     []string
}

// NewRunner returns a Runner that fails every command until told otherwise.
func NewRunner() *Runner {
	return &Runner{responses: make(map[string]func() (string, error))}
}

// On answers cmd, the command name and arguments joined by spaces, with
// out and err.
func (r *Runner) On(cmd, out string, err error) {
	r.OnFunc(cmd, func() (string, error) { return out, err })
}

// OnFunc answers cmd by calling fn.
func (r *Runner) OnFunc(cmd string, fn func() (string, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[cmd] = fn
}

// Calls returns every command line run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Run implements store.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cmd := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	fn, ok := r.responses[cmd]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unexpected command %q", cmd)
	}
	return fn()
}
