package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/containerd/errdefs"

	"github.com/meigma/netboot/internal/file"
	"github.com/meigma/netboot/store"
)

// Query parameters that tune the generated iPXE script.
const (
	paramCmdlinePrefix = "cmdline_prefix_args"
	paramCmdlineSuffix = "cmdline_suffix_args"
)

// Files of a NixOS system closure used for booting.
const (
	systemKernel       = "kernel"
	systemInitrd       = "initrd"
	systemInit         = "init"
	systemKernelParams = "kernel-params"
)

var ipxeScript = template.Must(template.New("netboot.ipxe").Parse(`#!ipxe
echo Booting NixOS closure {{.ID}}. Note: initrd may stay pre-0% for a minute or two.

kernel bzImage rdinit={{.Init}}{{range .Args}} {{.}}{{end}}
initrd initrd
boot
`))

// tuning is the set of optional script parameters. Unknown parameters are
// ignored.
type tuning struct {
	prefix []string
	suffix []string
}

func parseTuning(r *nethttp.Request) (tuning, error) {
	q := r.URL.Query()
	var t tuning
	for _, p := range []struct {
		name string
		dst  *[]string
	}{
		{paramCmdlinePrefix, &t.prefix},
		{paramCmdlineSuffix, &t.suffix},
	} {
		v := q.Get(p.name)
		if strings.ContainsAny(v, "\r\n") {
			return tuning{}, fmt.Errorf("%w: %s must be a single line", errdefs.ErrInvalidArgument, p.name)
		}
		args := strings.Fields(v)
		for _, arg := range args {
			if !validCmdlineArg(arg) {
				return tuning{}, fmt.Errorf("%w: %s: invalid kernel argument %q", errdefs.ErrInvalidArgument, p.name, arg)
			}
		}
		*p.dst = args
	}
	return t, nil
}

// validCmdlineArg reports whether arg is safe on an iPXE kernel line. iPXE
// expands settings and interprets operators such as || and &&, so only
// characters that occur in ordinary kernel parameters are allowed.
func validCmdlineArg(arg string) bool {
	for i := 0; i < len(arg); i++ {
		ch := arg[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case strings.IndexByte("-_.,:=/+@", ch) >= 0:
		default:
			return false
		}
	}
	return true
}

func (s *Server) serveIPXE(_ context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error {
	t, err := parseTuning(r)
	if err != nil {
		return err
	}
	ref, err := s.resolver.StorePath(vars["id"])
	if err != nil {
		return err
	}
	params, err := kernelParams(ref)
	if err != nil {
		return err
	}

	args := make([]string, 0, len(t.prefix)+len(params)+len(t.suffix))
	args = append(args, t.prefix...)
	args = append(args, params...)
	args = append(args, t.suffix...)

	var b strings.Builder
	if err := ipxeScript.Execute(&b, struct {
		ID   string
		Init string
		Args []string
	}{
		ID:   ref.Base(),
		Init: filepath.Join(ref.String(), systemInit),
		Args: args,
	}); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, b.String())
	return nil
}

// kernelParams returns the kernel command line the system was built with.
// A system without one boots with no extra parameters.
func kernelParams(ref store.Path) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(ref.String(), systemKernelParams))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read kernel parameters: %w", err)
	}
	return strings.Fields(string(data)), nil
}

func (s *Server) serveKernel(_ context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error {
	ref, err := s.resolver.StorePath(vars["id"])
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(ref.String(), systemKernel))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s has no kernel", errdefs.ErrNotFound, ref)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	nethttp.ServeContent(w, r, "bzImage", time.Time{}, f)
	return nil
}

func (s *Server) serveInitrd(_ context.Context, w nethttp.ResponseWriter, r *nethttp.Request, vars map[string]string) error {
	ref, err := s.resolver.StorePath(vars["id"])
	if err != nil {
		return err
	}
	return s.serveArchive(w, r, ref)
}

// serveArchive answers with the initrd of ref: the system's own stage-1
// initrd, when it has one, followed by the cached closure archive. The
// kernel unpacks concatenated archives in order.
func (s *Server) serveArchive(w nethttp.ResponseWriter, r *nethttp.Request, ref store.Path) error {
	h, err := s.cache.GetOrBuild(r.Context(), ref)
	if err != nil {
		return err
	}
	defer h.Release()

	f, err := h.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")

	stage1, err := os.Open(filepath.Join(ref.String(), systemInitrd))
	if errors.Is(err, os.ErrNotExist) {
		w.Header().Set("ETag", strconv.Quote(h.Digest().String()))
		nethttp.ServeContent(w, r, "initrd", time.Time{}, f)
		return nil
	}
	if err != nil {
		return err
	}
	defer stage1.Close()
	info, err := stage1.Stat()
	if err != nil {
		return err
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size()+h.Size(), 10))
	w.WriteHeader(nethttp.StatusOK)
	if r.Method == nethttp.MethodHead {
		return nil
	}
	if _, err := file.Concat(r.Context(), w, stage1, f); err != nil {
		s.logger.Debug("initrd transfer interrupted", "path", ref.String(), "error", err)
	}
	return nil
}
