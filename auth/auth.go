// Package auth verifies bearer tokens issued by the identity provider.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edgeee/chatsync/messaging"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Name   string
	Pic    string
	Email  string
}

// User returns the profile recorded for the caller.
func (i Identity) User() messaging.User {
	return messaging.User{ID: i.UserID, Name: i.Name, Pic: i.Pic, Email: i.Email}
}

type claims struct {
	Name  string `json:"name,omitempty"`
	Pic   string `json:"pic,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens and extracts the caller from the "sub"
// claim.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify returns the identity carried by token.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, messaging.Unauthenticatedf("Missing bearer token")
	}
	var c claims
	_, err := v.parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Identity{}, messaging.Wrap(messaging.KindUnauthenticated, "Token expired", err)
	}
	if err != nil {
		return Identity{}, messaging.Wrap(messaging.KindUnauthenticated, "Invalid token", err)
	}
	if c.Subject == "" {
		return Identity{}, messaging.Unauthenticatedf("Token has no subject")
	}
	return Identity{UserID: c.Subject, Name: c.Name, Pic: c.Pic, Email: c.Email}, nil
}

// Issue signs a token for id that expires after ttl. The server never hands
// tokens out; this backs the CLI and tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:  id.Name,
		Pic:   id.Pic,
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(v.secret)
}

// BearerToken returns the token of the Authorization header, if any.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// A TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Middleware rejects requests without a valid bearer token. fail writes the
// error response.
func Middleware(v TokenVerifier, fail func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(BearerToken(r))
			if err != nil {
				fail(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
