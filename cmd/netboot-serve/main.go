// Command netboot-serve serves NixOS systems to iPXE clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	units "github.com/docker/go-units"
	"github.com/spf13/pflag"

	"github.com/meigma/netboot"
	"github.com/meigma/netboot/internal/platform"
)

// envPrefix prefixes the environment variables that supply flag defaults.
const envPrefix = "NETBOOT_"

type options struct {
	cfg           netboot.Config
	maxCacheBytes string
	logLevel      string
	logFormat     string
}

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, stderr io.Writer) error {
	opts, err := parseFlags(args, getenv, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}

	if opts.cfg.OpenFiles > 0 {
		if err := platform.SetNoFile(opts.cfg.OpenFiles); err != nil {
			return fmt.Errorf("%w: raise open file limit to %d: %w", netboot.ErrStartup, opts.cfg.OpenFiles, err)
		}
	}
	if limit, err := platform.NoFile(); err == nil {
		logger.Debug("open file limit", "limit", limit)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := netboot.New(opts.cfg, netboot.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	listeners, err := svc.Listen(ctx)
	if err != nil {
		return err
	}
	c := svc.Cache()
	stats := c.Stats()
	logger.Info("netboot-serve starting",
		"listen", opts.cfg.Listen,
		"cache_dir", c.Dir(),
		"cache_format", c.Format(),
		"cache_entries", stats.Entries,
		"cache_size", units.HumanSize(float64(stats.Bytes)),
		"max_cache_size", maxSize(opts.cfg.MaxCacheBytes))
	return svc.Serve(ctx, listeners)
}

func parseFlags(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	def := netboot.DefaultConfig()
	env := func(name, fallback string) string {
		if v := getenv(envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))); v != "" {
			return v
		}
		return fallback
	}

	listen := def.Listen
	if v := env("listen", ""); v != "" {
		listen = strings.Split(v, ",")
	}
	openFiles := def.OpenFiles
	if v := env("open-files", ""); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return options{}, fmt.Errorf("%sOPEN_FILES: %w", envPrefix, err)
		}
		openFiles = n
	}

	var opts options
	fs := pflag.NewFlagSet("netboot-serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringSliceVar(&opts.cfg.Listen, "listen", listen, "address to serve on (repeatable)")
	fs.StringVar(&opts.cfg.ProfileDir, "profile-dir", env("profile-dir", ""), "directory of profile links served under /dispatch/profile")
	fs.StringVar(&opts.cfg.ConfigDir, "config-dir", env("config-dir", ""), "directory of NixOS configurations served under /dispatch/configuration")
	fs.StringVar(&opts.cfg.GCRootDir, "gc-root-dir", env("gc-root-dir", ""), "directory for garbage collector roots of cached archives")
	fs.StringVar(&opts.cfg.CacheDir, "cpio-cache-dir", env("cpio-cache-dir", ""), "directory for cached archives")
	fs.StringVar(&opts.cfg.StoreDir, "store-dir", env("store-dir", def.StoreDir), "Nix store directory")
	fs.StringVar(&opts.maxCacheBytes, "max-cpio-cache-bytes", env("max-cpio-cache-bytes", "0"), "maximum size of the archive cache, e.g. 10GiB (0 is unbounded)")
	fs.Uint64Var(&opts.cfg.OpenFiles, "open-files", openFiles, "open file limit to request at startup (0 leaves it unchanged)")
	fs.StringVar(&opts.cfg.HydraURL, "hydra-url", env("hydra-url", def.HydraURL), "Hydra server behind /dispatch/hydra (empty disables)")
	fs.StringVar(&opts.cfg.Compression, "compression", env("compression", def.Compression), "archive compression: none or zstd")
	fs.StringVar(&opts.logLevel, "log-level", env("log-level", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", env("log-format", "json"), "log format: json or text")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	n, err := units.RAMInBytes(opts.maxCacheBytes)
	if err != nil {
		return options{}, fmt.Errorf("max-cpio-cache-bytes: %w", err)
	}
	opts.cfg.MaxCacheBytes = n
	return opts, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, handlerOpts)
	case "text":
		h = slog.NewTextHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("log-format: unknown format %q", format)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

func maxSize(n int64) string {
	if n == 0 {
		return "unbounded"
	}
	return units.BytesSize(float64(n))
}
