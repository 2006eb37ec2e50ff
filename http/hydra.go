// Package http provides a client for the JSON API of a Hydra continuous
// integration server.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultURL is the public NixOS Hydra instance.
const DefaultURL = "https://hydra.nixos.org"

// maxResponseSize bounds the build document read from the server.
const maxResponseSize = 4 << 20

// ErrNotFound is returned when Hydra has no build with the requested id.
var ErrNotFound = errors.New("hydra: build not found")

// Build is the subset of a Hydra build document used for booting.
type Build struct {
	ID          uint64                 `json:"id"`
	Project     string                 `json:"project"`
	Jobset      string                 `json:"jobset"`
	Job         string                 `json:"job"`
	Finished    int                    `json:"finished"`
	BuildStatus *int                   `json:"buildstatus"`
	Outputs     map[string]BuildOutput `json:"buildoutputs"`
}

// BuildOutput is one named output of a build.
type BuildOutput struct {
	Path string `json:"path"`
}

// Succeeded reports whether the build finished with status 0.
func (b *Build) Succeeded() bool {
	return b.Finished == 1 && b.BuildStatus != nil && *b.BuildStatus == 0
}

// Client fetches build documents from a Hydra server.
type Client struct {
	baseURL string
	client  *nethttp.Client
	headers nethttp.Header
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.headers == nil {
			c.headers = make(nethttp.Header)
		}
		c.headers.Set(key, value)
	}
}

// NewClient creates a client for the Hydra server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse hydra url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("hydra url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		client:  nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = nethttp.DefaultClient
	}
	return c, nil
}

// URL returns the server's base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Build fetches the build with the given id.
func (c *Client) Build(ctx context.Context, id uint64) (*Build, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet,
		c.baseURL+"/build/"+strconv.FormatUint(id, 10), nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range c.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch hydra build %d: %w", id, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		// ok
	case nethttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	default:
		return nil, fmt.Errorf("fetch hydra build %d: %s", id, resp.Status)
	}

	var build Build
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&build); err != nil {
		return nil, fmt.Errorf("decode hydra build %d: %w", id, err)
	}
	return &build, nil
}
