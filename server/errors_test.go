package server

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netboot/archive"
	"github.com/meigma/netboot/cache"
)

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: fmt.Errorf("profile: %w", errdefs.ErrNotFound), want: nethttp.StatusNotFound},
		{name: "invalid", err: errdefs.ErrInvalidArgument, want: nethttp.StatusBadRequest},
		{name: "not implemented", err: errdefs.ErrNotImplemented, want: nethttp.StatusNotImplemented},
		{name: "failed precondition", err: errdefs.ErrFailedPrecondition, want: nethttp.StatusConflict},
		{name: "unavailable", err: errdefs.ErrUnavailable, want: nethttp.StatusServiceUnavailable},
		{name: "fetch", err: fmt.Errorf("%w: x: %w", cache.ErrBuild, archive.ErrFetch), want: nethttp.StatusBadGateway},
		{name: "build", err: fmt.Errorf("%w: x: %w", cache.ErrBuild, errors.New("boom")), want: nethttp.StatusInternalServerError},
		{name: "deadline", err: context.DeadlineExceeded, want: nethttp.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: nethttp.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestWriteErrorHidesDetails(t *testing.T) {
	t.Parallel()

	s := New(nil, nil)
	req := httptest.NewRequest(nethttp.MethodGet, "/boot/x/initrd", nil)
	rec := httptest.NewRecorder()
	err := fmt.Errorf("%w: /nix/store/x: %w", cache.ErrBuild,
		errors.New("nix-store --query --requisites /nix/store/x: error: opening lock file '/nix/var/nix/db/big-lock'"))

	s.writeError(rec, req, err)

	require.Equal(t, nethttp.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error\n", rec.Body.String())

	rec = httptest.NewRecorder()
	s.writeError(rec, req, fmt.Errorf("%w: profile %q", errdefs.ErrNotFound, "/srv/profiles/host"))
	require.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, "Not Found\n", rec.Body.String())
}
