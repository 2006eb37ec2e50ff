package server

import (
	"context"
	nethttp "net/http"

	"github.com/meigma/netboot/store"
)

// dispatch resolves a boot target and serves its initrd.
func (s *Server) dispatch(w nethttp.ResponseWriter, r *nethttp.Request, resolve func() (store.Path, error)) error {
	if _, err := parseTuning(r); err != nil {
		return err
	}
	ref, err := resolve()
	if err != nil {
		return err
	}
	s.logger.Debug("dispatching", "path", r.URL.Path, "target", ref.String())
	return s.serveArchive(w, r, ref)
}

func (s *Server) serveProfile(ctx context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error {
	return s.dispatch(w, r, func() (store.Path, error) {
		return s.resolver.Profile(ctx, vars["name"])
	})
}

func (s *Server) serveConfiguration(ctx context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error {
	return s.dispatch(w, r, func() (store.Path, error) {
		return s.resolver.Configuration(ctx, vars["name"])
	})
}

func (s *Server) serveHydra(ctx context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error {
	return s.dispatch(w, r, func() (store.Path, error) {
		return s.resolver.Hydra(ctx, vars["project"], vars["jobset"], vars["job"], vars["build"])
	})
}
