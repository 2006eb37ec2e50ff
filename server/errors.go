package server

import (
	"context"
	"errors"
	nethttp "net/http"

	"github.com/containerd/errdefs"

	"github.com/meigma/netboot/archive"
)

// statusFor maps an error to the HTTP status reported to the client.
func statusFor(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return nethttp.StatusNotFound
	case errdefs.IsInvalidArgument(err):
		return nethttp.StatusBadRequest
	case errdefs.IsNotImplemented(err):
		return nethttp.StatusNotImplemented
	case errdefs.IsFailedPrecondition(err):
		return nethttp.StatusConflict
	case errdefs.IsUnavailable(err):
		return nethttp.StatusServiceUnavailable
	case errors.Is(err, archive.ErrFetch):
		return nethttp.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nethttp.StatusServiceUnavailable
	default:
		return nethttp.StatusInternalServerError
	}
}

func (s *Server) writeError(w nethttp.ResponseWriter, r *nethttp.Request, err error) {
	status := statusFor(err)
	if status >= nethttp.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	nethttp.Error(w, nethttp.StatusText(status), status)
}
