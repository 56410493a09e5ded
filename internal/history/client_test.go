package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lunchconnect/groupchat/internal/auth"
)

func fixtureToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestFetchArrayResponse(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/groups/42/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id":"1","groupId":"42","content":"hola","senderId":"9","timestamp":"2026-08-30T12:00:00Z"},
			{"id":"2","grupo_id":"42","contenido":"¿listos?","remitente_id":"7","fecha":"2026-08-30T12:01:00Z"}
		]`))
	}))
	defer srv.Close()

	authCtx := auth.NewContext(auth.StaticToken(fixtureToken(t, "7")))
	c := NewClient(srv.URL, authCtx)

	msgs, err := c.Fetch(context.Background(), "42", 50)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hola" || msgs[0].IsMine {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Content != "¿listos?" || !msgs[1].IsMine {
		t.Errorf("expected normalized own message, got %+v", msgs[1])
	}
	if gotAuth == "" || gotAuth == "Bearer " {
		t.Error("expected bearer token on request")
	}
}

func TestFetchWrappedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[{"id":"1","groupId":"42","content":"hola","senderId":"9"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.NewContext(auth.StaticToken(fixtureToken(t, "7"))))
	msgs, err := c.Fetch(context.Background(), "42", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

func TestFetchSkipsForeignAndMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"1","groupId":"42","content":"hola","senderId":"9"},
			{"id":"2","groupId":"99","content":"otro grupo","senderId":"9"},
			{"senderId":"9"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.NewContext(auth.StaticToken(fixtureToken(t, "7"))))
	msgs, err := c.Fetch(context.Background(), "42", 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected only the valid group-42 record, got %d", len(msgs))
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.NewContext(auth.StaticToken(fixtureToken(t, "7"))))
	if _, err := c.Fetch(context.Background(), "42", 10); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestFetchUnauthenticated(t *testing.T) {
	c := NewClient("http://unused", auth.NewContext(auth.StaticToken("")))
	_, err := c.Fetch(context.Background(), "42", 10)
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
