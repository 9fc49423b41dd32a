package syncsvc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator issues and verifies HS256 tokens whose subject is the user id.
// A nil Authenticator or one without a secret lets every request through.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Issue signs a token for userID. A zero ttl never expires.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: gojwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify returns the user id carried by a valid token.
func (a *Authenticator) Verify(token string) (string, error) {
	claims := &gojwt.RegisteredClaims{}
	if _, err := gojwt.ParseWithClaims(
		token, claims,
		func(*gojwt.Token) (interface{}, error) {
			return a.secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Authenticate verifies the request's token. It returns an empty user id when
// authentication is disabled.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	token := TokenFromRequest(r)
	if token == "" {
		return "", fmt.Errorf("%w: no token", ErrUnauthorized)
	}
	return a.Verify(token)
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
