package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// determinateProfileBin is where Determinate Nix installs its binaries.
// It is outside PATH by default, so it is checked after the PATH lookup.
const determinateProfileBin = "/nix/var/nix/profiles/default/bin"

// Runner executes a Nix command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs Nix binaries as child processes.
type ExecRunner struct{}

// Run resolves the named binary, executes it with args and returns stdout.
// Stderr is captured and included in the error when the command fails.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	binaryPath, err := FindBinary(name)
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binaryPath, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", formatError(name, args, &stderr, err)
	}
	return stdout.String(), nil
}

// FindBinary resolves a Nix binary by name ("nix-store", "nix-build"),
// checking PATH first and then the Determinate Nix profile directory.
func FindBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	determinatePath := filepath.Join(determinateProfileBin, name)
	if _, err := os.Stat(determinatePath); err == nil {
		return determinatePath, nil
	}

	return "", fmt.Errorf("%s not found on PATH or at %s", name, determinatePath)
}

// formatError prefers stderr output, which carries the actual Nix
// diagnostic, over the generic exec error.
func formatError(name string, args []string, stderr *bytes.Buffer, err error) error {
	commandString := name + " " + strings.Join(args, " ")
	stderrText := strings.TrimSpace(stderr.String())
	if stderrText != "" {
		return fmt.Errorf("%s: %s", commandString, stderrText)
	}
	return fmt.Errorf("%s: %w", commandString, err)
}

// Nix accesses a Nix store through the nix-store and nix-build commands.
type Nix struct {
	dir    Dir
	runner Runner
	logger *slog.Logger
}

// Option configures a Nix store.
type Option func(*Nix)

// WithRunner sets the command runner. Defaults to ExecRunner.
func WithRunner(r Runner) Option {
	return func(n *Nix) {
		n.runner = r
	}
}

// WithLogger sets the logger for store operations.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Nix) {
		n.logger = logger
	}
}

// NewNix returns a store rooted at dir.
func NewNix(dir Dir, opts ...Option) *Nix {
	n := &Nix{
		dir:    dir,
		runner: ExecRunner{},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dir returns the store directory.
func (n *Nix) Dir() Dir {
	return n.dir
}

// Exists reports whether p is present in the local store.
func (n *Nix) Exists(p Path) bool {
	_, err := os.Lstat(p.String())
	return err == nil
}

// Realise makes p present in the local store, substituting it from the
// configured binary caches or building it as needed.
func (n *Nix) Realise(ctx context.Context, p Path) error {
	n.logger.Info("realising store path", "path", p.String())
	if _, err := n.runner.Run(ctx, "nix-store", "--realise", p.String()); err != nil {
		return fmt.Errorf("realise %s: %w", p, err)
	}
	return nil
}

// Closure returns the runtime closure of p, including p itself, sorted
// by path.
func (n *Nix) Closure(ctx context.Context, p Path) ([]Path, error) {
	out, err := n.runner.Run(ctx, "nix-store", "--query", "--requisites", p.String())
	if err != nil {
		return nil, fmt.Errorf("query closure of %s: %w", p, err)
	}
	var paths []Path
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sp, err := n.dir.ParsePath(line)
		if err != nil {
			return nil, fmt.Errorf("query closure of %s: %w", p, err)
		}
		paths = append(paths, sp)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("query closure of %s: empty closure", p)
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

// Build evaluates attr of the Nix expression in file and builds it,
// returning the resulting store path. No out-link is created, so the
// result is only protected from garbage collection once a root is added.
func (n *Nix) Build(ctx context.Context, file, attr string) (Path, error) {
	args := []string{file, "--no-out-link"}
	if attr != "" {
		args = append(args, "-A", attr)
	}
	n.logger.Info("building expression", "file", file, "attr", attr)
	out, err := n.runner.Run(ctx, "nix-build", args...)
	if err != nil {
		return "", fmt.Errorf("build %s: %w", file, err)
	}
	lines := strings.Fields(out)
	if len(lines) == 0 {
		return "", fmt.Errorf("build %s: %w", file, errors.New("nix-build printed no output path"))
	}
	return n.dir.ParsePath(lines[len(lines)-1])
}
