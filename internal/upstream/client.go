// Package upstream is the network path to the origin server.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline0/internal/cachestore"
)

// DefaultMaxCapture bounds how much of a response body Capture buffers.
const DefaultMaxCapture = 16 << 20

// ErrResponseTooLarge is returned by Capture when the body exceeds the limit.
var ErrResponseTooLarge = errors.New("upstream: response too large to capture")

// Client sends requests to the origin and captures responses as snapshots.
type Client struct {
	origin     *url.URL
	http       *http.Client
	maxCapture int64
}

func NewClient(origin string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be absolute", origin)
	}
	if hc == nil {
		tr, err := NewTransport()
		if err != nil {
			return nil, err
		}
		hc = &http.Client{Timeout: 30 * time.Second, Transport: tr}
	}
	return &Client{origin: u, http: hc, maxCapture: DefaultMaxCapture}, nil
}

// SetMaxCapture changes the body limit of Capture. n <= 0 restores the
// default.
func (c *Client) SetMaxCapture(n int64) {
	if n <= 0 {
		n = DefaultMaxCapture
	}
	c.maxCapture = n
}

func (c *Client) Origin() *url.URL {
	u := *c.origin
	return &u
}

// Resolve turns a path, or an absolute URL, into an absolute origin URL.
func (c *Client) Resolve(ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return c.origin.ResolveReference(r), nil
}

// Do sends req as is. Callers own the response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// Fetch issues a GET for path against the origin and reads the full body.
func (c *Client) Fetch(ctx context.Context, path string) (cachestore.Snapshot, error) {
	u, err := c.Resolve(path)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	return c.Capture(req)
}

// Capture sends req and captures the response. A transport error is returned
// as is; any status is a successful capture. Bodies over the capture limit
// fail with ErrResponseTooLarge.
func (c *Client) Capture(req *http.Request) (cachestore.Snapshot, error) {
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.http.Do(req)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.ContentLength > c.maxCapture {
		return cachestore.Snapshot{}, fmt.Errorf("%w: %s declares %d bytes", ErrResponseTooLarge, req.URL.Redacted(), resp.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxCapture+1))
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	if int64(len(body)) > c.maxCapture {
		return cachestore.Snapshot{}, fmt.Errorf("%w: %s over %d bytes", ErrResponseTooLarge, req.URL.Redacted(), c.maxCapture)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	same := c.SameOrigin(final)
	typ := cachestore.TypeBasic
	if !same {
		// Redirected off-origin; treated like an opaque response.
		typ = cachestore.TypeOpaque
	}
	return cachestore.NewSnapshot(req.Method, final.String(), resp.StatusCode, resp.Header, body, typ, same, time.Now().Unix()), nil
}

// SameOrigin compares scheme and host with the origin.
func (c *Client) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}
