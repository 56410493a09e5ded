// Package auth supplies the chat client's identity. The surrounding
// application stores an opaque bearer token (issued by the LunchConnect
// backend at login); this package decodes the user ID out of that token so
// the session can mark self-authored messages and authenticate its broker
// connection. The client never holds the signing secret, so claims are
// decoded without signature verification — the broker is the one that
// actually authenticates the token.
package auth

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no token is available or the token
// does not yield a user ID. Callers treat it as "do not connect", not as a
// fatal condition.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// idClaims are the claim names under which backend revisions have shipped
// the user ID. Checked in order; first hit wins.
var idClaims = []string{"userId", "uid", "usuario_id", "id", "sub"}

// TokenSource provides the current bearer token. An empty string means no
// credential is available.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource backed by a fixed string.
type StaticToken string

// Token returns the wrapped token.
func (s StaticToken) Token() string { return string(s) }

// TokenFunc adapts a function to the TokenSource interface.
type TokenFunc func() string

// Token invokes the wrapped function.
func (f TokenFunc) Token() string { return f() }

// Context exposes the caller's identity to the chat core. It is the only
// authentication surface the session sees.
type Context struct {
	source TokenSource
}

// NewContext creates a Context reading tokens from the given source.
func NewContext(source TokenSource) *Context {
	return &Context{source: source}
}

// Credential returns the raw bearer token, or ErrUnauthenticated if the
// source has none.
func (c *Context) Credential() (string, error) {
	tok := c.source.Token()
	if tok == "" {
		return "", ErrUnauthenticated
	}
	return tok, nil
}

// CurrentUserID decodes the user ID from the current token. It returns
// ErrUnauthenticated when the token is absent, unparseable, or carries no
// recognizable ID claim.
func (c *Context) CurrentUserID() (string, error) {
	tok, err := c.Credential()
	if err != nil {
		return "", err
	}
	id, err := UserIDFromToken(tok)
	if err != nil {
		return "", err
	}
	return id, nil
}

// VerifiedUserID extracts the user ID from a JWT after verifying its HS256
// signature. This is the relay-side counterpart of UserIDFromToken.
func VerifiedUserID(token string, secret []byte) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: verify token: %v", ErrUnauthenticated, err)
	}
	return idFromClaims(claims)
}

// UserIDFromToken extracts the user ID from a JWT without verifying its
// signature. The ID claim may be a string or a JSON number; numbers are
// rendered in their integer form.
func UserIDFromToken(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: parse token: %v", ErrUnauthenticated, err)
	}
	return idFromClaims(claims)
}

func idFromClaims(claims jwt.MapClaims) (string, error) {
	for _, name := range idClaims {
		v, ok := claims[name]
		if !ok {
			continue
		}
		switch id := v.(type) {
		case string:
			if id != "" {
				return id, nil
			}
		case float64:
			return strconv.FormatInt(int64(id), 10), nil
		}
	}
	return "", fmt.Errorf("%w: no user id claim in token", ErrUnauthenticated)
}
