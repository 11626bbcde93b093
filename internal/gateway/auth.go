package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("gateway: missing credentials")
	ErrInvalidToken       = errors.New("gateway: invalid token")
)

// ownerHeader identifies the caller when auth is disabled. Only sane
// behind a trusted proxy or in development.
const ownerHeader = "X-Owner-ID"

// Authenticator resolves the owner identity behind a request. Enabled
// auth accepts HS256 bearer tokens whose subject is the owner ID.
type Authenticator struct {
	enabled bool
	secret  []byte
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(cfg.JWTSecret),
	}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// Authenticate returns the owner ID of the request. With auth enabled
// only a bearer token counts, read from the Authorization header or,
// for browser WebSocket clients that cannot set headers, from a token
// query parameter. With auth disabled the X-Owner-ID header is trusted
// as-is.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return strings.TrimSpace(r.Header.Get(ownerHeader)), nil
	}
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", ErrMissingCredentials
	}
	return a.ValidateToken(token)
}

type ownerClaims struct {
	jwt.RegisteredClaims
}

// ValidateToken parses a signed owner token and returns its subject.
func (a *Authenticator) ValidateToken(token string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &ownerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*ownerClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueToken signs a bearer token for ownerID. A zero ttl issues a
// token without expiry.
func (a *Authenticator) IssueToken(ownerID string, ttl time.Duration) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", errors.New("gateway: no signing secret configured")
	}
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.New("gateway: owner id required")
	}
	claims := ownerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  ownerID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
