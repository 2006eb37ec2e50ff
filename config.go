package netboot

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/meigma/netboot/archive"
	hydrahttp "github.com/meigma/netboot/http"
	"github.com/meigma/netboot/store"
)

// Defaults applied by DefaultConfig.
const (
	DefaultListen    = "127.0.0.1:3030"
	DefaultOpenFiles = 50000
)

// Config describes a netboot service.
type Config struct {
	// Listen holds the TCP addresses to serve on.
	Listen []string

	// ProfileDir holds profile links served under /dispatch/profile.
	// Empty disables profile lookups.
	ProfileDir string

	// ConfigDir holds NixOS configurations served under
	// /dispatch/configuration. Empty disables configuration lookups.
	ConfigDir string

	// GCRootDir receives one garbage-collector root per cached archive. It
	// must be reachable from /nix/var/nix/gcroots and is owned by the
	// service.
	GCRootDir string

	// CacheDir holds the cached archives and is owned by the service.
	CacheDir string

	// StoreDir is the Nix store.
	StoreDir string

	// MaxCacheBytes bounds the total size of cached archives. 0 means
	// unbounded.
	MaxCacheBytes int64

	// OpenFiles is the open-file limit requested at startup. 0 leaves the
	// limit alone.
	OpenFiles uint64

	// HydraURL is the Hydra server behind /dispatch/hydra. Empty disables
	// Hydra lookups.
	HydraURL string

	// Compression is "none" or "zstd".
	Compression string
}

// DefaultConfig returns a Config with defaults for everything but the
// service-owned directories.
func DefaultConfig() Config {
	return Config{
		Listen:      []string{DefaultListen},
		StoreDir:    string(store.DefaultDir),
		OpenFiles:   DefaultOpenFiles,
		HydraURL:    hydrahttp.DefaultURL,
		Compression: archive.CompressionNone.String(),
	}
}

// Validate checks that the configuration can be served. All errors wrap
// ErrStartup.
func (c Config) Validate() error {
	var errs []error
	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("no listen address"))
	}
	for _, addr := range c.Listen {
		if addr == "" {
			errs = append(errs, errors.New("empty listen address"))
		}
	}
	if c.GCRootDir == "" {
		errs = append(errs, errors.New("gc root dir is required"))
	}
	if c.CacheDir == "" {
		errs = append(errs, errors.New("cache dir is required"))
	}
	if c.StoreDir == "" {
		errs = append(errs, errors.New("store dir is required"))
	}
	for _, d := range []struct{ name, path string }{
		{"profile dir", c.ProfileDir},
		{"config dir", c.ConfigDir},
		{"gc root dir", c.GCRootDir},
		{"cache dir", c.CacheDir},
	} {
		if d.path == "" {
			continue
		}
		if err := isDir(d.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}
	if c.GCRootDir != "" && filepath.Clean(c.GCRootDir) == filepath.Clean(c.CacheDir) {
		errs = append(errs, errors.New("gc root dir and cache dir must differ"))
	}
	if c.MaxCacheBytes < 0 {
		errs = append(errs, fmt.Errorf("max cache bytes %d must be >= 0", c.MaxCacheBytes))
	}
	if _, err := archive.ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if c.HydraURL != "" {
		if u, err := url.Parse(c.HydraURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("invalid hydra url %q", c.HydraURL))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrStartup, errors.Join(errs...))
	}
	return nil
}

func isDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}
