// Package upstream implements the upstream client (spec §4.6): given a
// (build-id, kind, suffix) query it first checks the client cache, then
// sequentially probes a configured list of peer debug-servers' HTTP
// endpoints, writing the first success into the client cache.
//
// The per-peer *http.Client reuse here is grounded on the teacher repo's
// plumbing/transport/http.client, which likewise keeps a bounded
// groupcache/lru cache of built transports rather than constructing one
// per request.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/dbgserver/dbgserver/buildid"
	"github.com/dbgserver/dbgserver/cache"
	"github.com/dbgserver/dbgserver/locator"
)

// ErrNotImplemented is returned when no peers are configured at all
// (spec §6: "If unset or empty, upstream lookup is disabled").
var ErrNotImplemented = errors.New("upstream: no peers configured")

// ErrNotFound is returned when every configured peer was tried and none
// produced a mapped error worth surfacing instead.
var ErrNotFound = errors.New("upstream: not found on any peer")

const transportCacheSize = 16

// Client probes a fixed, ordered list of peer base URLs.
type Client struct {
	peers   []string
	timeout time.Duration
	cache   *cache.Cache

	transports *lru.Cache
}

// New constructs a Client. peers is the whitespace-separated
// DEBUGSERVER_URLS list already split by the caller; an empty slice
// disables upstream lookup entirely.
func New(peers []string, timeout time.Duration, c *cache.Cache) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		peers:      peers,
		timeout:    timeout,
		cache:      c,
		transports: lru.New(transportCacheSize),
	}
}

// Lookup resolves (id, kind, sourcePath) via the client cache, falling
// back to the configured peers in order. sourcePath is only meaningful
// for locator.Source and must begin with "/".
func (c *Client) Lookup(ctx context.Context, id buildid.ID, kind locator.Kind, sourcePath string) (*os.File, bool, error) {
	suffix := ""
	if kind == locator.Source {
		suffix = cache.Escape(sourcePath)
	}

	if f, hit, err := c.cache.Query(id, kind, suffix); err != nil {
		return nil, false, err
	} else if hit {
		return f, true, nil
	}

	if len(c.peers) == 0 {
		return nil, false, ErrNotImplemented
	}

	var lastErr error
	for _, peer := range c.peers {
		reqURL := buildURL(peer, id, kind, sourcePath)
		if err := c.tryPeer(ctx, reqURL, id, kind, suffix); err != nil {
			lastErr = err
			continue
		}
		f, hit, err := c.cache.Query(id, kind, suffix)
		if err != nil {
			return nil, false, err
		}
		if hit {
			return f, true, nil
		}
	}

	if lastErr != nil {
		return nil, false, lastErr
	}
	return nil, false, ErrNotFound
}

func buildURL(peer string, id buildid.ID, kind locator.Kind, sourcePath string) string {
	base := strings.TrimSuffix(peer, "/")
	u := fmt.Sprintf("%s/buildid/%s/%s", base, id.String(), kind.String())
	if kind == locator.Source {
		u += sourcePath
	}
	return u
}

func (c *Client) tryPeer(ctx context.Context, reqURL string, id buildid.ID, kind locator.Kind, suffix string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return mapError(err)
	}

	resp, err := c.httpClient(reqURL).Do(req)
	if err != nil {
		return mapError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return mapStatus(resp.StatusCode)
	}

	mtime := parseLastModified(resp.Header.Get("Last-Modified"))
	return c.cache.Fill(id, kind, suffix, func(w io.Writer) (time.Time, error) {
		_, err := io.Copy(w, resp.Body)
		return mtime, err
	})
}

// httpClient returns the cached *http.Client for reqURL's scheme+host,
// building and caching one if absent. Every request still carries its
// own per-call timeout via context, so this cache exists purely to reuse
// the underlying transport's connection pool across lookups, not to
// bound request latency.
func (c *Client) httpClient(reqURL string) *http.Client {
	u, err := url.Parse(reqURL)
	if err != nil {
		return http.DefaultClient
	}
	key := u.Scheme + "://" + u.Host

	if v, ok := c.transports.Get(key); ok {
		return v.(*http.Client)
	}
	hc := &http.Client{}
	c.transports.Add(key, hc)
	return hc
}

func parseLastModified(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// mapStatus maps an HTTP failure status to a conventional errno the way
// spec §4.6 describes 4xx/5xx being folded in with transport failures.
func mapStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("upstream: %w", syscall.ENOENT)
	default:
		return fmt.Errorf("upstream: status %d: %w", status, syscall.EIO)
	}
}

// mapError maps a transport-level failure to a conventional errno, per
// spec §4.6: host-unresolved -> network-unreachable, connection-refused
// -> connection-refused, write error -> I/O error, too many redirects ->
// too-many-links.
func mapError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("upstream: %w", syscall.ENETUNREACH)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return fmt.Errorf("upstream: %w", syscall.ECONNREFUSED)
		}
		if opErr.Op == "write" {
			return fmt.Errorf("upstream: %w", syscall.EIO)
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "stopped after") {
		return fmt.Errorf("upstream: %w", syscall.EMLINK)
	}

	return fmt.Errorf("upstream: %w", err)
}
