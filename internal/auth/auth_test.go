package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mintToken builds a signed HS256 token with the given claims. The signing
// key is irrelevant to the client-side decoder but keeps the fixtures
// structurally identical to real backend tokens.
func mintToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("fixture-secret"))
	if err != nil {
		t.Fatalf("sign fixture token: %v", err)
	}
	return signed
}

func TestUserIDFromTokenClaimNames(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"userId string", jwt.MapClaims{"userId": "7"}, "7"},
		{"uid numeric", jwt.MapClaims{"uid": 42}, "42"},
		{"spanish backend revision", jwt.MapClaims{"usuario_id": "u-99"}, "u-99"},
		{"plain id", jwt.MapClaims{"id": 13}, "13"},
		{"sub fallback", jwt.MapClaims{"sub": "user-7"}, "user-7"},
		{"userId wins over sub", jwt.MapClaims{"userId": "7", "sub": "other"}, "7"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok := mintToken(t, tc.claims)
			got, err := UserIDFromToken(tok)
			if err != nil {
				t.Fatalf("UserIDFromToken: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected user id %q, got %q", tc.want, got)
			}
		})
	}
}

func TestUserIDFromTokenGarbage(t *testing.T) {
	_, err := UserIDFromToken("not-a-jwt")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestUserIDFromTokenNoIDClaim(t *testing.T) {
	tok := mintToken(t, jwt.MapClaims{"uname": "ana"})
	_, err := UserIDFromToken(tok)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestVerifiedUserID(t *testing.T) {
	tok := mintToken(t, jwt.MapClaims{"userId": "7"})

	id, err := VerifiedUserID(tok, []byte("fixture-secret"))
	if err != nil {
		t.Fatalf("VerifiedUserID: %v", err)
	}
	if id != "7" {
		t.Errorf("expected user id 7, got %q", id)
	}
}

func TestVerifiedUserIDWrongSecret(t *testing.T) {
	tok := mintToken(t, jwt.MapClaims{"userId": "7"})

	if _, err := VerifiedUserID(tok, []byte("other-secret")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestVerifiedUserIDExpiredToken(t *testing.T) {
	tok := mintToken(t, jwt.MapClaims{"userId": "7", "exp": time.Now().Add(-time.Hour).Unix()})

	if _, err := VerifiedUserID(tok, []byte("fixture-secret")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestContextMissingToken(t *testing.T) {
	ctx := NewContext(StaticToken(""))

	if _, err := ctx.Credential(); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Credential: expected ErrUnauthenticated, got %v", err)
	}
	if _, err := ctx.CurrentUserID(); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("CurrentUserID: expected ErrUnauthenticated, got %v", err)
	}
}

func TestContextCurrentUserID(t *testing.T) {
	tok := mintToken(t, jwt.MapClaims{"userId": "7", "uname": "ana"})
	ctx := NewContext(StaticToken(tok))

	id, err := ctx.CurrentUserID()
	if err != nil {
		t.Fatalf("CurrentUserID: %v", err)
	}
	if id != "7" {
		t.Errorf("expected user id 7, got %q", id)
	}
}

func TestTokenFunc(t *testing.T) {
	calls := 0
	src := TokenFunc(func() string {
		calls++
		return "tok"
	})
	ctx := NewContext(src)

	if tok, err := ctx.Credential(); err != nil || tok != "tok" {
		t.Fatalf("Credential: got %q, %v", tok, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 source call, got %d", calls)
	}
}
