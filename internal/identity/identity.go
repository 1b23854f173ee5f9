// Package identity authenticates WebSocket upgrades and history requests.
// Tokens are HS256 JWTs carrying the user id in a "user_id" claim. The relay
// only verifies tokens; issuing them belongs to whatever login flow fronts it,
// Issue exists for tooling and tests.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/courier-chat/courier/internal/envelope"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator resolves the user behind an HTTP request. An empty UserID with
// a nil error means the request is anonymous and the relay trusts whatever the
// client registers as.
type Authenticator interface {
	Authenticate(r *http.Request) (envelope.UserID, error)
}

// Claims is the JWT payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies tokens signed with a shared secret.
type Tokens struct {
	secret []byte
	issuer string
}

// NewTokens returns Tokens signing with secret and expecting issuer.
func NewTokens(secret []byte, issuer string) *Tokens {
	return &Tokens{secret: secret, issuer: issuer}
}

// Issue signs a token for user valid for ttl.
func (t *Tokens) Issue(user envelope.UserID, ttl time.Duration) (string, error) {
	if err := envelope.ValidateUserID(user); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		UserID: string(user),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    t.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse verifies signature, issuer and expiry, and returns the user id.
func (t *Tokens) Parse(raw string) (envelope.UserID, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	user := envelope.UserID(claims.UserID)
	if err := envelope.ValidateUserID(user); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return user, nil
}

// Authenticate reads the token from the Authorization header or, since
// browsers cannot set headers on a WebSocket upgrade, the "token" query
// parameter.
func (t *Tokens) Authenticate(r *http.Request) (envelope.UserID, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return "", ErrMissingToken
	}
	return t.Parse(raw)
}

// TokenFromRequest extracts a bearer token, preferring the header.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Open accepts every request anonymously.
type Open struct{}

func (Open) Authenticate(*http.Request) (envelope.UserID, error) {
	return "", nil
}
