package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/pkg/chat"
)

func testDispatcher() (*Dispatcher, *metrics.Set, *[]time.Duration) {
	met := metrics.New("")
	d := NewDispatcher(met)
	var waits []time.Duration
	var mu sync.Mutex
	d.sleep = func(dur time.Duration) {
		mu.Lock()
		waits = append(waits, dur)
		mu.Unlock()
	}
	return d, met, &waits
}

func testAgent(url string) *registry.Agent {
	return &registry.Agent{
		ID: "a-v", Username: "v", MentionKey: "v",
		WebhookURL: url, WebhookSecret: "s3cret", Status: "active",
	}
}

func testMessage() chat.Message {
	return chat.Message{
		ID: "msg-1", RoomID: "r1", Sender: "alice",
		SenderKind: chat.SenderHuman, Content: "@v hello",
		Timestamp: time.Unix(1000, 0),
	}
}

func TestRetryThenSuccess(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if got := r.Header.Get("X-Gateway-Secret"); got != "s3cret" {
			t.Errorf("secret header = %q", got)
		}
		if got := r.Header.Get("X-Gateway-Agent"); got != "v" {
			t.Errorf("agent header = %q", got)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("payload decode: %v", err)
		}
		if p.MessageID != "msg-1" || p.Context == nil {
			t.Errorf("unexpected payload: %+v", p)
		}

		if n < 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, met, waits := testDispatcher()
	d.deliver(testAgent(srv.URL), testMessage(), nil)

	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i, w := range want {
		if (*waits)[i] != w {
			t.Errorf("wait %d = %v, want %v", i, (*waits)[i], w)
		}
	}

	snap := met.Snapshot()
	if snap.MessageRetries != 3 {
		t.Errorf("retries = %d, want 3", snap.MessageRetries)
	}
	if snap.MessagesLost != 0 {
		t.Errorf("lost = %d, want 0", snap.MessagesLost)
	}
}

func TestExhaustionRecordsOneLoss(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, met, _ := testDispatcher()
	d.deliver(testAgent(srv.URL), testMessage(), nil)

	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	snap := met.Snapshot()
	if snap.MessagesLost != 1 {
		t.Errorf("lost = %d, want exactly 1", snap.MessagesLost)
	}
	if snap.MessageRetries != 3 {
		t.Errorf("retries = %d, want 3", snap.MessageRetries)
	}
}

func TestClientErrorIsTerminal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, met, waits := testDispatcher()
	d.deliver(testAgent(srv.URL), testMessage(), nil)

	if attempts != 1 {
		t.Fatalf("4xx must not be retried; attempts = %d", attempts)
	}
	if len(*waits) != 0 {
		t.Fatalf("no backoff expected, got %v", *waits)
	}
	if met.Snapshot().MessagesLost != 1 {
		t.Error("4xx should record a failed delivery")
	}
}
