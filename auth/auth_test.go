package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var epoch = time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)

func TestNewTokenManagerRejectsShortSecret(t *testing.T) {
	_, err := NewTokenManager("short", nil)
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	clk := clock.NewFake(epoch)
	m, err := NewTokenManager(testSecret, clk)
	require.NoError(t, err)

	token, err := m.GenerateToken("ops", time.Hour, true)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.True(t, claims.ReadOnly)
	assert.True(t, claims.ExpiresAt.Equal(epoch.Add(time.Hour)))

	clk.Advance(2 * time.Hour)
	_, err = m.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken), "expired")
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	clk := clock.NewFake(epoch)
	other, err := NewTokenManager("ffffffffffffffffffffffffffffffff", clk)
	require.NoError(t, err)
	token, err := other.GenerateToken("ops", time.Hour, false)
	require.NoError(t, err)

	m, err := NewTokenManager(testSecret, clk)
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = m.ValidateToken("not.a.jwt")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestGenerateTokenValidation(t *testing.T) {
	m, err := NewTokenManager(testSecret, nil)
	require.NoError(t, err)
	_, err = m.GenerateToken("", time.Hour, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, err = m.GenerateToken("ops", 0, false)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, a, 2*MinSecretLength)
	assert.NotEqual(t, a, b)

	_, err = NewTokenManager(a, nil)
	assert.NoError(t, err)
}

func TestRequireAuth(t *testing.T) {
	clk := clock.NewFake(epoch)
	m, err := NewTokenManager(testSecret, clk)
	require.NoError(t, err)
	mw := NewMiddleware(m, zaptest.NewLogger(t).Sugar())

	var seen *Claims
	h := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	serve := func(method, token string) int {
		seen = nil
		req := httptest.NewRequest(method, "/api/pulse/jobs", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		return rec.Code
	}

	writer, err := m.GenerateToken("deploy-bot", time.Hour, false)
	require.NoError(t, err)
	reader, err := m.GenerateToken("grafana", time.Hour, true)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, ""))
	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "garbage"))

	assert.Equal(t, http.StatusOK, serve(http.MethodPost, writer))
	require.NotNil(t, seen)
	assert.Equal(t, "deploy-bot", seen.Subject)

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, reader))
	assert.Equal(t, http.StatusForbidden, serve(http.MethodPost, reader))
}

func TestRequireAuthDisabled(t *testing.T) {
	mw := NewMiddleware(nil, zaptest.NewLogger(t).Sugar())
	assert.False(t, mw.Enabled())

	called := false
	mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })(
		httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	assert.True(t, called)
}
