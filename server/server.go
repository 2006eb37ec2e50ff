// Package server exposes the boot targets over HTTP for iPXE clients.
//
// Dispatch routes resolve a profile, configuration or Hydra build and
// answer with its initrd. Boot routes address a system closure by its store
// path name and serve the kernel, the initrd and an iPXE script tying the
// two together.
package server

import (
	"context"
	"log/slog"
	nethttp "net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meigma/netboot/cache"
	"github.com/meigma/netboot/store"
)

// banner is the body of the liveness route.
const banner = "nix-netboot-serve"

// Cache produces pinned archives for store paths.
type Cache interface {
	GetOrBuild(ctx context.Context, ref store.Path) (*cache.Handle, error)
}

// Resolver maps boot targets to store paths.
type Resolver interface {
	StorePath(id string) (store.Path, error)
	Profile(ctx context.Context, name string) (store.Path, error)
	Configuration(ctx context.Context, name string) (store.Path, error)
	Hydra(ctx context.Context, project, jobset, job, build string) (store.Path, error)
}

// handlerFunc is a route handler. A returned error is turned into a
// response by the server; handlers that have started writing return nil.
type handlerFunc func(ctx context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error

// Server routes boot requests. It implements http.Handler.
type Server struct {
	cache    Cache
	resolver Resolver
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	handler  nethttp.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for requests and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New returns a Server answering from c and r.
func New(c Cache, r Resolver, opts ...Option) *Server {
	s := &Server{
		cache:    c,
		resolver: r,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.logRequests(s.routes())
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/", s.wrap(s.serveBanner)).Methods(nethttp.MethodGet)

	router.Handle("/dispatch/profile/{name}", s.wrap(s.serveProfile)).Methods(nethttp.MethodGet)
	router.Handle("/dispatch/configuration/{name}", s.wrap(s.serveConfiguration)).Methods(nethttp.MethodGet)
	router.Handle("/dispatch/hydra/{project}/{jobset}/{job}/{build}", s.wrap(s.serveHydra)).Methods(nethttp.MethodGet)

	router.Handle("/boot/{id}/netboot.ipxe", s.wrap(s.serveIPXE)).Methods(nethttp.MethodGet)
	router.Handle("/boot/{id}/initrd", s.wrap(s.serveInitrd)).Methods(nethttp.MethodGet, nethttp.MethodHead)
	router.Handle("/boot/{id}/bzImage", s.wrap(s.serveKernel)).Methods(nethttp.MethodGet)

	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(nethttp.MethodGet)
	}
	return router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) wrap(h handlerFunc) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if err := h(r.Context(), w, r, mux.Vars(r)); err != nil {
			s.writeError(w, r, err)
		}
	})
}

func (s *Server) logRequests(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"remote", r.RemoteAddr)
	})
}

func (s *Server) serveBanner(_ context.Context, w nethttp.ResponseWriter, _ *nethttp.Request, _ map[string]string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(banner))
	return nil
}
