package netboot

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netboot/internal/testutil"
	"github.com/meigma/netboot/store"
)

type serviceFixture struct {
	cfg    Config
	store  *testutil.Store
	runner *testutil.Runner
	system store.Path
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	st := testutil.NewStore(t)
	lib := st.Add(t, "glibc-2.40", map[string]string{"lib/libc.so.6": "libc"})
	sys := st.Add(t, "nixos-system-host", map[string]string{
		"init":          "#!/bin/sh",
		"kernel":        "KERNEL",
		"kernel-params": "console=ttyS0",
	}, lib)

	runner := testutil.NewRunner()
	runner.On("nix-store --query --requisites "+sys.String(), sys.String()+"\n"+lib.String()+"\n", nil)

	cfg := validConfig(t)
	cfg.StoreDir = st.Dir().String()
	cfg.HydraURL = ""
	cfg.ProfileDir = filepath.Join(t.TempDir(), "profiles")
	require.NoError(t, os.Mkdir(cfg.ProfileDir, 0o755))
	require.NoError(t, os.Symlink(sys.String(), filepath.Join(cfg.ProfileDir, "host")))

	return &serviceFixture{cfg: cfg, store: st, runner: runner, system: sys}
}

func (f *serviceFixture) open(t *testing.T) *Service {
	t.Helper()
	svc, err := New(f.cfg, WithRunner(f.runner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	req, err := nethttp.NewRequestWithContext(t.Context(), nethttp.MethodGet, url, nethttp.NoBody)
	require.NoError(t, err)
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrStartup)
}

func TestServiceBootsSystem(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	svc := f.open(t)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	status, body := fetch(t, srv.URL+"/dispatch/profile/host")
	require.Equal(t, nethttp.StatusOK, status, body)
	assert.True(t, svc.Cache().Contains(f.system))

	status, body = fetch(t, srv.URL+"/boot/"+f.system.Base()+"/netboot.ipxe")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Contains(t, body, "rdinit="+f.system.String()+"/init console=ttyS0")

	status, body = fetch(t, srv.URL+"/boot/"+f.system.Base()+"/bzImage")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Equal(t, "KERNEL", body)

	status, body = fetch(t, srv.URL+"/metrics")
	require.Equal(t, nethttp.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, "netboot_cache_entries 1")

	roots, err := os.ReadDir(f.cfg.GCRootDir)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	target, err := os.Readlink(filepath.Join(f.cfg.GCRootDir, roots[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, f.system.String(), target)
}

func TestServiceReloadsCache(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	svc := f.open(t)
	h, err := svc.Cache().GetOrBuild(t.Context(), f.system)
	require.NoError(t, err)
	h.Release()
	require.NoError(t, svc.Close())

	svc = f.open(t)
	assert.True(t, svc.Cache().Contains(f.system))
	assert.Equal(t, 1, svc.Cache().Stats().Entries)
}

func TestServiceCompressedArchives(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.cfg.Compression = "zstd"
	svc := f.open(t)
	h, err := svc.Cache().GetOrBuild(t.Context(), f.system)
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, f.system.Base()+".cpio.zst", h.Key())

	file, err := h.Open()
	require.NoError(t, err)
	defer file.Close()
	magic := make([]byte, 4)
	_, err = io.ReadFull(file, magic)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x28, 0xb5, 0x2f, 0xfd}, magic)
}

func TestServiceListenAndServe(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.cfg.Listen = []string{"127.0.0.1:0", "127.0.0.1:0"}
	svc := f.open(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	listeners, err := svc.Listen(ctx)
	require.NoError(t, err)
	require.Len(t, listeners, 2)

	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, listeners) }()

	for _, l := range listeners {
		status, body := fetch(t, "http://"+l.Addr().String()+"/")
		assert.Equal(t, nethttp.StatusOK, status)
		assert.Equal(t, "nix-netboot-serve", body)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestServiceListenFailure(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.cfg.Listen = []string{"127.0.0.1:0", "256.0.0.1:1"}
	svc := f.open(t)

	_, err := svc.Listen(t.Context())
	require.ErrorIs(t, err, ErrStartup)
}

func TestServiceResolvesHydraBuild(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	var userAgent atomic.Value
	hydra := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		userAgent.Store(r.Header.Get("User-Agent"))
		if r.URL.Path != "/build/7" {
			nethttp.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":7,"project":"nixos","jobset":"trunk","job":"netboot",`+
			`"finished":1,"buildstatus":0,"buildoutputs":{"out":{"path":%q}}}`, f.system.String())
	}))
	t.Cleanup(hydra.Close)
	f.cfg.HydraURL = hydra.URL

	svc := f.open(t)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	status, body := fetch(t, srv.URL+"/dispatch/hydra/nixos/trunk/netboot/7")
	require.Equal(t, nethttp.StatusOK, status, body)
	assert.True(t, svc.Cache().Contains(f.system))
	assert.Equal(t, "nix-netboot-serve", userAgent.Load())

	status, _ = fetch(t, srv.URL+"/dispatch/hydra/nixos/trunk/netboot/8")
	assert.Equal(t, nethttp.StatusNotFound, status)
}
