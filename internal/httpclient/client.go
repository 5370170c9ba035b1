// Package httpclient is the outbound client behind webhook jobs. Unless
// told otherwise it refuses targets on loopback, private and reserved
// networks. The URL is checked before the request and on every redirect,
// and the dialer only connects to resolved addresses that pass the same
// check, so a hostname cannot rebind to an internal address in between.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/teranos/pulsed/errors"
)

// ErrBlocked marks requests refused by the target policy. Retrying them
// cannot help.
var ErrBlocked = errors.New("outbound request blocked")

const defaultMaxRedirects = 10

// reservedPrefixes are blocked on top of what netip classifies as
// loopback, private, link-local, multicast or unspecified.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"), // benchmarking
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fec0::/10"), // site-local
	netip.MustParsePrefix("2001:db8::/32"),
}

// Options configures a Client. The zero value is a guarded client with
// no overall timeout; webhook jobs bound calls through their context.
type Options struct {
	Timeout time.Duration
	// AllowPrivate lets requests reach loopback and private addresses.
	AllowPrivate bool
	// Schemes defaults to http and https.
	Schemes      []string
	MaxRedirects int
}

// Client sends webhook requests under the target policy.
type Client struct {
	http         *http.Client
	schemes      []string
	allowPrivate bool
	maxRedirects int
}

// New builds a Client.
func New(opts Options) *Client {
	c := &Client{
		schemes:      opts.Schemes,
		allowPrivate: opts.AllowPrivate,
		maxRedirects: opts.MaxRedirects,
	}
	if len(c.schemes) == 0 {
		c.schemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = defaultMaxRedirects
	}

	c.http = &http.Client{
		Timeout:       opts.Timeout,
		CheckRedirect: c.checkRedirect,
	}
	if !c.allowPrivate {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.http.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return c.dial(ctx, dialer, network, addr)
			},
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// Do checks req's URL and sends it. A refused target returns an error
// matching ErrBlocked, whether it was caught up front, on a redirect or
// at dial time.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.check(req.URL); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= c.maxRedirects {
		return errors.Newf("stopped after %d redirects", c.maxRedirects)
	}
	if err := c.check(req.URL); err != nil {
		return errors.Wrapf(err, "redirect to %s", req.URL.Redacted())
	}
	return nil
}

// check applies the target policy to u.
func (c *Client) check(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(c.schemes, scheme) {
		return errors.Wrapf(ErrBlocked, "scheme %q not allowed (allowed: %v)", scheme, c.schemes)
	}
	// http://public.example@10.0.0.1/ reads as the first host to a human.
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "credentials in URL")
	}
	host := u.Hostname()
	if host == "" {
		return errors.Wrap(ErrBlocked, "URL has no host")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalName(host) {
		return errors.Wrapf(ErrBlocked, "local host %q", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && blockedAddr(addr) {
		return errors.Wrapf(ErrBlocked, "address %s", addr)
	}
	return nil
}

// dial resolves the host itself and connects only to allowed addresses.
func (c *Client) dial(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address")
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve host %q", host)
	}

	var lastErr error
	for _, ip := range ips {
		if blockedAddr(ip) {
			lastErr = errors.Wrapf(ErrBlocked, "%s resolves to %s", host, ip)
			continue
		}
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Newf("no addresses for host %q", host)
	}
	return nil, lastErr
}

func blockedAddr(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsLoopback() || a.IsPrivate() || a.IsUnspecified() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() || a.IsMulticast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func isLocalName(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
