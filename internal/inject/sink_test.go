package inject

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/pkg/chat"
)

func testAgent() *registry.Agent {
	return &registry.Agent{
		ID: "a-z", Username: "z", MentionKey: "z",
		DeliveryMode: registry.DeliverLocalInject, Status: "active",
	}
}

func testMessage() chat.Message {
	return chat.Message{
		ID: "m1", RoomID: "r1", Sender: "alice",
		SenderKind: chat.SenderHuman, Content: "hello",
		Timestamp: time.Unix(1000, 0),
	}
}

func TestPostCarriesPayload(t *testing.T) {
	var got payload
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("payload decode: %v", err)
		}
	}))
	defer srv.Close()

	s := New(srv.URL)
	s.post(testAgent(), testMessage(), []chat.ContextEntry{{Sender: "carol", Content: "earlier"}})

	mu.Lock()
	defer mu.Unlock()
	if got.Agent != "z" || got.MessageID != "m1" || got.Room != "r1" {
		t.Fatalf("payload = %+v", got)
	}
	if len(got.Context) != 1 || got.Context[0].Sender != "carol" {
		t.Fatalf("context = %+v", got.Context)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	s := New(srv.URL)
	s.post(testAgent(), testMessage(), nil)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one retry after a 503)", attempts)
	}
}

func TestRejectionIsTerminal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(srv.URL)
	s.post(testAgent(), testMessage(), nil)
	if attempts != 1 {
		t.Fatalf("4xx must not be retried; attempts = %d", attempts)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(srv.URL)
	s.post(testAgent(), testMessage(), nil)
	if attempts != maxAttempts {
		t.Fatalf("attempts = %d, want %d", attempts, maxAttempts)
	}
}
