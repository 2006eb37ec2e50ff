package netboot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/netboot/archive"
	"github.com/meigma/netboot/cache"
	hydrahttp "github.com/meigma/netboot/http"
	"github.com/meigma/netboot/resolve"
	"github.com/meigma/netboot/server"
	"github.com/meigma/netboot/store"
)

const (
	userAgent         = "nix-netboot-serve"
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Service is a configured netboot server.
type Service struct {
	cfg        Config
	logger     *slog.Logger
	runner     store.Runner
	httpClient *nethttp.Client

	registry *prometheus.Registry
	roots    *store.RootDir
	cache    *cache.Cache
	handler  nethttp.Handler
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRunner sets how Nix commands are run. Defaults to store.ExecRunner.
func WithRunner(r store.Runner) Option {
	return func(s *Service) {
		s.runner = r
	}
}

// WithHTTPClient sets the client used to talk to Hydra.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(s *Service) {
		s.httpClient = client
	}
}

// New validates cfg and assembles the service. The archive cache is loaded
// from disk before New returns.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:        cfg,
		logger:     slog.New(slog.DiscardHandler),
		runner:     store.ExecRunner{},
		httpClient: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	compression, err := archive.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	nix := store.NewNix(store.Dir(cfg.StoreDir),
		store.WithRunner(s.runner),
		store.WithLogger(s.logger.With("component", "store")))
	builder := archive.NewBuilder(nix,
		archive.WithCompression(compression),
		archive.WithLogger(s.logger.With("component", "archive")))

	roots, err := store.OpenRootDir(cfg.GCRootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	c, err := cache.New(cfg.CacheDir, builder, roots,
		cache.WithMaxBytes(cfg.MaxCacheBytes),
		cache.WithFormat(builder.Format()),
		cache.WithLogger(s.logger.With("component", "cache")),
		cache.WithMetrics(s.registry))
	if err != nil {
		_ = roots.Close()
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	s.roots = roots
	s.cache = c

	resolverOpts := []resolve.Option{resolve.WithLogger(s.logger.With("component", "resolve"))}
	if cfg.ProfileDir != "" {
		resolverOpts = append(resolverOpts, resolve.WithProfileDir(cfg.ProfileDir))
	}
	if cfg.ConfigDir != "" {
		resolverOpts = append(resolverOpts, resolve.WithConfigurationDir(cfg.ConfigDir))
	}
	if cfg.HydraURL != "" {
		hydra, err := hydrahttp.NewClient(cfg.HydraURL,
			hydrahttp.WithClient(s.httpClient),
			hydrahttp.WithHeader("User-Agent", userAgent))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%w: %w", ErrStartup, err)
		}
		resolverOpts = append(resolverOpts, resolve.WithHydra(hydra))
		s.logger.Info("hydra lookups enabled", "url", hydra.URL())
	}
	resolver := resolve.New(nix, resolverOpts...)

	s.handler = server.New(c, resolver,
		server.WithLogger(s.logger.With("component", "http")),
		server.WithGatherer(s.registry))
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Service) Handler() nethttp.Handler {
	return s.handler
}

// Cache returns the archive cache.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// Listen binds every configured address. On failure, addresses already
// bound are released.
func (s *Service) Listen(ctx context.Context) ([]net.Listener, error) {
	var lc net.ListenConfig
	listeners := make([]net.Listener, 0, len(s.cfg.Listen))
	for _, addr := range s.cfg.Listen {
		l, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			for _, bound := range listeners {
				_ = bound.Close()
			}
			return nil, fmt.Errorf("%w: listen on %s: %w", ErrStartup, addr, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// Serve accepts connections on every listener until ctx is done or one
// listener fails, then shuts down gracefully. Connections from all
// listeners share one handler; there is no ordering between them.
func (s *Service) Serve(ctx context.Context, listeners []net.Listener) error {
	srv := &nethttp.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error {
			s.logger.Info("listening", "addr", l.Addr().String())
			if err := srv.Serve(l); !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", l.Addr(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close stops in-flight builds and releases the service's directories.
func (s *Service) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.roots != nil {
		errs = append(errs, s.roots.Close())
	}
	return errors.Join(errs...)
}
