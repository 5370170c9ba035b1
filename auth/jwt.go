// Package auth signs and checks the bearer tokens that guard the HTTP admin
// API. Tokens are HS256 JWTs; the subject is recorded as the creator of
// anything submitted with the token.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/clock"
)

const (
	issuer = "pulsed"

	// MinSecretLength is the shortest HMAC secret accepted.
	MinSecretLength = 32
)

// ErrInvalidToken marks every token rejection.
var ErrInvalidToken = errors.New("invalid token")

// Claims is what a validated token grants.
type Claims struct {
	Subject   string
	ReadOnly  bool
	ExpiresAt time.Time
}

type jwtClaims struct {
	jwt.RegisteredClaims
	ReadOnly bool `json:"ro,omitempty"`
}

// TokenManager handles token creation and validation
type TokenManager struct {
	secret []byte
	clock  clock.Clock
}

// NewTokenManager creates a manager for secret. A nil clock uses the wall
// clock.
func NewTokenManager(secret string, clk clock.Clock) (*TokenManager, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.Newf("jwt secret must be at least %d characters, got %d", MinSecretLength, len(secret))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TokenManager{secret: []byte(secret), clock: clk}, nil
}

// GenerateToken signs a token for subject that expires after ttl.
func (m *TokenManager) GenerateToken(subject string, ttl time.Duration, readOnly bool) (string, error) {
	if subject == "" {
		return "", errors.Wrap(errors.ErrInvalidRequest, "token subject is required")
	}
	if ttl <= 0 {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "token ttl must be positive, got %s", ttl)
	}
	now := m.clock.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ReadOnly: readOnly,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken parses and validates a token, returning its claims.
func (m *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	var claims jwtClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "token rejected"), ErrInvalidToken)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "token has no subject")
	}
	return &Claims{
		Subject:   claims.Subject,
		ReadOnly:  claims.ReadOnly,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GenerateSecret returns a random hex secret suitable for server.jwt_secret.
func GenerateSecret() (string, error) {
	b := make([]byte, MinSecretLength)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "failed to generate random bytes")
	}
	return hex.EncodeToString(b), nil
}
