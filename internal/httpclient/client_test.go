package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulsed/errors"
)

func TestCheckURL(t *testing.T) {
	c := New(Options{})

	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"https", "https://hooks.example.com/deliver", false},
		{"http with port", "http://hooks.example.com:8080/x", false},
		{"public address", "http://93.184.216.34/", false},
		{"file scheme", "file:///etc/passwd", true},
		{"gopher scheme", "gopher://hooks.example.com/", true},
		{"credentials", "http://hooks.example.com@10.0.0.1/", true},
		{"no host", "http:///path", true},
		{"localhost", "http://localhost:8420/api", true},
		{"localhost subdomain", "http://admin.localhost/", true},
		{"loopback", "http://127.0.0.1/", true},
		{"ipv6 loopback", "http://[::1]:9000/", true},
		{"rfc1918", "http://192.168.1.10/", true},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data/", true},
		{"mapped private", "http://[::ffff:10.0.0.1]/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.url)
			require.NoError(t, err)
			err = c.check(u)
			if tt.blocked {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrBlocked), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckURLAllowPrivate(t *testing.T) {
	c := New(Options{AllowPrivate: true})
	for _, raw := range []string{"http://localhost:8420/", "http://10.1.2.3/", "http://[::1]/"} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.NoError(t, c.check(u), raw)
	}

	u, err := url.Parse("ftp://10.1.2.3/")
	require.NoError(t, err)
	assert.True(t, errors.Is(c.check(u), ErrBlocked), "schemes still apply")
}

func TestBlockedAddr(t *testing.T) {
	tests := map[string]bool{
		"8.8.8.8":              false,
		"2606:4700:4700::1111": false,
		"10.20.30.40":          true,
		"172.16.0.1":           true,
		"100.64.0.7":           true,
		"0.0.0.0":              true,
		"224.0.0.251":          true,
		"255.255.255.255":      true,
		"fd12:3456::1":         true,
		"fe80::1":              true,
		"fec0::1":              true,
		"2001:db8::1":          true,
		"::ffff:192.168.0.1":   true,
	}
	for raw, want := range tests {
		assert.Equal(t, want, blockedAddr(netip.MustParseAddr(raw)), raw)
	}
}

// The dialer re-checks resolved addresses, so a public-looking name that
// resolves inward is still refused.
func TestDialRefusesBlockedAddress(t *testing.T) {
	c := New(Options{})
	_, err := c.dial(context.Background(), &net.Dialer{}, "tcp", "127.0.0.1:80")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))
}

func TestRedirectPolicy(t *testing.T) {
	c := New(Options{MaxRedirects: 2})
	prev, err := http.NewRequest(http.MethodGet, "https://hooks.example.com/a", nil)
	require.NoError(t, err)

	inward, err := http.NewRequest(http.MethodGet, "http://10.0.0.5/admin", nil)
	require.NoError(t, err)
	err = c.checkRedirect(inward, []*http.Request{prev})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked))

	onward, err := http.NewRequest(http.MethodGet, "https://hooks.example.com/b", nil)
	require.NoError(t, err)
	assert.NoError(t, c.checkRedirect(onward, []*http.Request{prev}))
	assert.Error(t, c.checkRedirect(onward, []*http.Request{prev, prev}), "redirect limit")
}

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)

	_, err = New(Options{}).Do(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked), "test server listens on loopback")

	resp, err := New(Options{AllowPrivate: true}).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}
