package http_test

import (
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	hydrahttp "github.com/meigma/netboot/http"
)

const buildDocument = `{
  "id": 42,
  "project": "nixos",
  "jobset": "trunk",
  "job": "netboot",
  "finished": 1,
  "buildstatus": 0,
  "buildoutputs": {"out": {"path": "/nix/store/00000000000000000000000000000000-netboot"}}
}`

func TestClientBuild(t *testing.T) {
	var gotAccept, gotAuth string
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/build/42" {
			nethttp.NotFound(w, r)
			return
		}
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(buildDocument))
	}))
	t.Cleanup(server.Close)

	client, err := hydrahttp.NewClient(server.URL+"/", hydrahttp.WithHeader("Authorization", "Bearer token"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	build, err := client.Build(t.Context(), 42)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if gotAccept != "application/json" {
		t.Fatalf("Accept = %q, want application/json", gotAccept)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("Authorization = %q, want Bearer token", gotAuth)
	}
	if build.Project != "nixos" || build.Jobset != "trunk" || build.Job != "netboot" {
		t.Fatalf("Build() = %+v, want nixos/trunk/netboot", build)
	}
	if !build.Succeeded() {
		t.Fatal("Succeeded() = false, want true")
	}
	if got := build.Outputs["out"].Path; got != "/nix/store/00000000000000000000000000000000-netboot" {
		t.Fatalf("out path = %q", got)
	}

	if _, err := client.Build(t.Context(), 7); !errors.Is(err, hydrahttp.ErrNotFound) {
		t.Fatalf("Build(7) error = %v, want ErrNotFound", err)
	}
}

func TestClientServerError(t *testing.T) {
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		nethttp.Error(w, "down", nethttp.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	client, err := hydrahttp.NewClient(server.URL)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Build(t.Context(), 1)
	if err == nil || errors.Is(err, hydrahttp.ErrNotFound) {
		t.Fatalf("Build() error = %v, want server error", err)
	}
}

func TestBuildSucceeded(t *testing.T) {
	zero, one := 0, 1
	tests := []struct {
		name  string
		build hydrahttp.Build
		want  bool
	}{
		{name: "finished ok", build: hydrahttp.Build{Finished: 1, BuildStatus: &zero}, want: true},
		{name: "finished failed", build: hydrahttp.Build{Finished: 1, BuildStatus: &one}},
		{name: "queued", build: hydrahttp.Build{Finished: 0}},
		{name: "no status", build: hydrahttp.Build{Finished: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.build.Succeeded(); got != tt.want {
				t.Fatalf("Succeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://hydra", "::", ""} {
		if _, err := hydrahttp.NewClient(raw); err == nil {
			t.Fatalf("NewClient(%q) error = nil, want error", raw)
		}
	}
}
