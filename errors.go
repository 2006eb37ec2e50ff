package netboot

import (
	"errors"

	"github.com/meigma/netboot/archive"
	"github.com/meigma/netboot/cache"
	"github.com/meigma/netboot/resolve"
	"github.com/meigma/netboot/store"
)

// ErrStartup is returned when the service cannot start with its
// configuration.
var ErrStartup = errors.New("netboot: startup failed")

// Errors re-exported from cache.
var (
	// ErrBuild is returned when an archive could not be built or placed.
	ErrBuild = cache.ErrBuild

	// ErrBusy is returned when removing an archive that is being served.
	ErrBusy = cache.ErrBusy

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = cache.ErrClosed
)

// Errors re-exported from archive.
var (
	// ErrFetch is returned when a store path could not be realised.
	ErrFetch = archive.ErrFetch

	// ErrUnsupportedFile is returned when a closure holds a device, socket or pipe.
	ErrUnsupportedFile = archive.ErrUnsupportedFile
)

// Errors re-exported from resolve and store.
var (
	// ErrResolve is returned when a boot target cannot be resolved.
	ErrResolve = resolve.ErrResolve

	// ErrInvalidPath is returned for malformed store paths.
	ErrInvalidPath = store.ErrInvalidPath
)
