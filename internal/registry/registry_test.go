package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

const sampleSnapshot = `{
  "agents": [
    {"id": "a-1", "username": "bob", "mentionKey": "bob", "trustLevel": "standard",
     "receiveMode": "mentions", "deliveryMode": "webhook",
     "webhookUrl": "https://bob.example/hook", "token": "tok-bob", "status": "active"},
    {"id": "a-2", "username": "eve", "mentionKey": "eve", "trustLevel": "elevated",
     "receiveMode": "all", "deliveryMode": "webhook", "token": "tok-eve", "status": "pending"}
  ]
}`

func TestBootstrapFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(path, []byte(sampleSnapshot), 0o600); err != nil {
		t.Fatal(err)
	}

	r := New(Config{FilePath: path})
	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if a := r.Authenticate("tok-bob"); a == nil || a.ID != "a-1" {
		t.Fatalf("expected bob for tok-bob, got %+v", a)
	}
	// Pending agents must not authenticate.
	if a := r.Authenticate("tok-eve"); a != nil {
		t.Fatalf("pending agent authenticated: %+v", a)
	}
	if a := r.Authenticate("unknown"); a != nil {
		t.Fatalf("unknown token authenticated: %+v", a)
	}
}

func TestBootstrapNoSource(t *testing.T) {
	r := New(Config{})
	if err := r.Bootstrap(context.Background()); err != ErrNoSource {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestRefreshSwapsIndex(t *testing.T) {
	body := sampleSnapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gw-token" {
			t.Errorf("missing gateway auth header, got %q", got)
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	r := New(Config{Endpoint: srv.URL, Token: "gw-token"})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if r.Authenticate("tok-bob") == nil {
		t.Fatal("tok-bob should authenticate after first refresh")
	}

	// Token rotation: next snapshot drops tok-bob.
	body = `{"agents":[{"id":"a-1","username":"bob","mentionKey":"bob","trustLevel":"standard",
		"receiveMode":"mentions","deliveryMode":"webhook","token":"tok-bob-2","status":"active"}]}`
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if r.Authenticate("tok-bob") != nil {
		t.Fatal("rotated token still authenticates")
	}
	if r.Authenticate("tok-bob-2") == nil {
		t.Fatal("new token does not authenticate")
	}
}

func TestRefreshFailureKeepsIndex(t *testing.T) {
	fail := false
	failures := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(sampleSnapshot))
	}))
	defer srv.Close()

	r := New(Config{Endpoint: srv.URL, Token: "gw-token"})
	r.OnRefreshFailure(func() { failures++ })
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	fail = true
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if failures != 1 {
		t.Fatalf("expected 1 failure callback, got %d", failures)
	}
	if r.Authenticate("tok-bob") == nil {
		t.Fatal("prior snapshot lost after failed refresh")
	}
}

func TestMentionedIn(t *testing.T) {
	a := &Agent{Username: "bob", MentionKey: "builder"}
	cases := []struct {
		content string
		want    bool
	}{
		{"hey @builder, status?", true},
		{"hey @Bob", true},
		{"hey @BUILDER", true},
		{"builder without at-sign", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := a.MentionedIn(tc.content); got != tc.want {
			t.Errorf("MentionedIn(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}
