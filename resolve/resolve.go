// Package resolve maps boot requests to the Nix store paths of the system
// closures they name: a profile link, a NixOS configuration file, or a
// build on a Hydra server.
//
// Failures carry a class from github.com/containerd/errdefs so that
// callers can tell a missing target from a malformed request or an
// unreachable upstream.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/singleflight"

	hydrahttp "github.com/meigma/netboot/http"
	"github.com/meigma/netboot/store"
)

// ErrResolve wraps every resolution failure.
var ErrResolve = errors.New("resolve: cannot resolve boot target")

// toplevelAttr is the attribute of a NixOS configuration that builds the
// bootable system.
const toplevelAttr = "config.system.build.toplevel"

// maxLinkDepth bounds symlink chains followed from a profile.
const maxLinkDepth = 40

// Store is the subset of store operations the resolver needs.
type Store interface {
	Dir() store.Dir
	Exists(p store.Path) bool
	Realise(ctx context.Context, p store.Path) error
	Build(ctx context.Context, file, attr string) (store.Path, error)
}

// HydraClient fetches build documents from a Hydra server.
type HydraClient interface {
	Build(ctx context.Context, id uint64) (*hydrahttp.Build, error)
}

// Resolver turns boot targets into store paths. It is safe for concurrent
// use.
type Resolver struct {
	store      Store
	profileDir string
	configDir  string
	hydra      HydraClient
	logger     *slog.Logger
	group      singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithProfileDir enables profile lookups in dir.
func WithProfileDir(dir string) Option {
	return func(r *Resolver) {
		r.profileDir = dir
	}
}

// WithConfigurationDir enables configuration lookups in dir.
func WithConfigurationDir(dir string) Option {
	return func(r *Resolver) {
		r.configDir = dir
	}
}

// WithHydra enables Hydra lookups through client.
func WithHydra(client HydraClient) Option {
	return func(r *Resolver) {
		r.hydra = client
	}
}

// WithLogger sets the logger for resolution.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New returns a Resolver backed by st. Each lookup kind is disabled until
// its option is given.
func New(st Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:  st,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StorePath returns the store path named id, which must be present
// locally.
func (r *Resolver) StorePath(id string) (store.Path, error) {
	p, err := r.store.Dir().Path(id)
	if err != nil {
		return "", fail(errdefs.ErrInvalidArgument, "store path %q", id)
	}
	if !r.store.Exists(p) {
		return "", fail(errdefs.ErrNotFound, "store path %s", p)
	}
	return p, nil
}

// Profile resolves the profile name to the system it currently points at.
func (r *Resolver) Profile(_ context.Context, name string) (store.Path, error) {
	if r.profileDir == "" {
		return "", fail(errdefs.ErrNotImplemented, "profile lookups are not configured")
	}
	if err := validName("profile", name); err != nil {
		return "", err
	}
	p, err := r.followLinks(filepath.Join(r.profileDir, name))
	if err != nil {
		return "", err
	}
	r.logger.Debug("resolved profile", "profile", name, "path", p.String())
	return p, nil
}

// followLinks follows the symlink chain from link until it reaches the
// store.
func (r *Resolver) followLinks(link string) (store.Path, error) {
	dir := r.store.Dir()
	current := link
	for range maxLinkDepth {
		if p, err := dir.ParsePath(current); err == nil {
			return p, nil
		}
		target, err := os.Readlink(current)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return "", fail(errdefs.ErrNotFound, "profile link %s", current)
		case err != nil:
			return "", fail(errdefs.ErrFailedPrecondition, "profile link %s is not a link to the store", current)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		current = target
	}
	return "", fail(errdefs.ErrFailedPrecondition, "too many links from %s", link)
}

// Configuration evaluates and builds the NixOS configuration name, found
// as name or name.nix in the configuration directory. Concurrent requests
// for one configuration share a single build.
func (r *Resolver) Configuration(ctx context.Context, name string) (store.Path, error) {
	if r.configDir == "" {
		return "", fail(errdefs.ErrNotImplemented, "configuration lookups are not configured")
	}
	if err := validName("configuration", name); err != nil {
		return "", err
	}
	file, ok := firstFile(filepath.Join(r.configDir, name), filepath.Join(r.configDir, name+".nix"))
	if !ok {
		return "", fail(errdefs.ErrNotFound, "configuration %s", name)
	}
	return r.shared(ctx, "configuration/"+name, func(ctx context.Context) (store.Path, error) {
		p, err := r.store.Build(ctx, file, toplevelAttr)
		if err != nil {
			return "", fmt.Errorf("%w: configuration %s: %w", ErrResolve, name, err)
		}
		r.logger.Info("built configuration", "configuration", name, "path", p.String())
		return p, nil
	})
}

// Hydra resolves build on the Hydra server, checking that it belongs to
// project, jobset and job and that it succeeded. Its out output is
// realised locally before returning.
func (r *Resolver) Hydra(ctx context.Context, project, jobset, job, build string) (store.Path, error) {
	if r.hydra == nil {
		return "", fail(errdefs.ErrNotImplemented, "hydra lookups are not configured")
	}
	for _, part := range []struct{ kind, value string }{
		{"project", project}, {"jobset", jobset}, {"job", job},
	} {
		if err := validName(part.kind, part.value); err != nil {
			return "", err
		}
	}
	id, err := strconv.ParseUint(build, 10, 64)
	if err != nil {
		return "", fail(errdefs.ErrInvalidArgument, "hydra build id %q", build)
	}
	key := strings.Join([]string{"hydra", project, jobset, job, build}, "/")
	return r.shared(ctx, key, func(ctx context.Context) (store.Path, error) {
		return r.hydraBuild(ctx, project, jobset, job, id)
	})
}

func (r *Resolver) hydraBuild(ctx context.Context, project, jobset, job string, id uint64) (store.Path, error) {
	b, err := r.hydra.Build(ctx, id)
	switch {
	case errors.Is(err, hydrahttp.ErrNotFound):
		return "", fail(errdefs.ErrNotFound, "hydra build %d", id)
	case err != nil:
		return "", fmt.Errorf("%w: %w: %w", ErrResolve, errdefs.ErrUnavailable, err)
	}
	if b.Project != project || b.Jobset != jobset || b.Job != job {
		return "", fail(errdefs.ErrNotFound, "hydra build %d is %s/%s/%s, not %s/%s/%s",
			id, b.Project, b.Jobset, b.Job, project, jobset, job)
	}
	if !b.Succeeded() {
		return "", fail(errdefs.ErrFailedPrecondition, "hydra build %d has not succeeded", id)
	}
	out, ok := b.Outputs["out"]
	if !ok {
		return "", fail(errdefs.ErrFailedPrecondition, "hydra build %d has no out output", id)
	}
	p, err := r.store.Dir().ParsePath(out.Path)
	if err != nil || p.String() != out.Path {
		return "", fail(errdefs.ErrFailedPrecondition, "hydra build %d output %q is not a store path", id, out.Path)
	}
	if !r.store.Exists(p) {
		r.logger.Info("realising hydra build", "build", id, "path", p.String())
		if err := r.store.Realise(ctx, p); err != nil {
			return "", fmt.Errorf("%w: %w: %w", ErrResolve, errdefs.ErrUnavailable, err)
		}
	}
	return p, nil
}

// shared runs fn once for all concurrent callers with the same key. fn is
// not cancelled when one caller gives up.
func (r *Resolver) shared(ctx context.Context, key string, fn func(context.Context) (store.Path, error)) (store.Path, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(store.Path), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func validName(kind, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fail(errdefs.ErrInvalidArgument, "%s name %q", kind, name)
	}
	return nil
}

func firstFile(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

func fail(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrResolve, class, fmt.Sprintf(format, args...))
}
