package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/registry"
)

func testAgent() *registry.Agent {
	return &registry.Agent{
		ID: "a-w", Username: "w", MentionKey: "w",
		TrustLevel: registry.TrustStandard, ReceiveMode: registry.ReceiveAll,
		Status: "active",
	}
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses SSE frames off the wire until n frames arrive or the
// deadline passes.  Comment lines are skipped.
func readFrames(t *testing.T, body *bufio.Reader, n int, deadline time.Duration) []sseFrame {
	t.Helper()
	type result struct {
		frames []sseFrame
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var frames []sseFrame
		var cur sseFrame
		for len(frames) < n {
			line, err := body.ReadString('\n')
			if err != nil {
				ch <- result{frames, err}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if cur.event != "" {
					frames = append(frames, cur)
					cur = sseFrame{}
				}
			case strings.HasPrefix(line, ":"):
				// heartbeat comment
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
		ch <- result{frames, nil}
	}()
	select {
	case r := <-ch:
		if len(r.frames) < n {
			t.Fatalf("got %d frames before stream ended (%v)", len(r.frames), r.err)
		}
		return r.frames
	case <-time.After(deadline):
		t.Fatalf("timed out waiting for %d frames", n)
		return nil
	}
}

func newStreamServer(t *testing.T) (*httptest.Server, *Hub, eventlog.Store) {
	t.Helper()
	hub := NewHub()
	log, _ := eventlog.NewInMem("")
	h := NewHandler(hub, log, metrics.New(""))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeAgent(w, r, testAgent())
	}))
	t.Cleanup(ts.Close)
	return ts, hub, log
}

func openStream(t *testing.T, ts *httptest.Server, lastEventID string) (*bufio.Reader, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() { cancel(); resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	return bufio.NewReader(resp.Body), cancel
}

func TestConnectedThenLiveFanout(t *testing.T) {
	ts, hub, log := newStreamServer(t)
	body, _ := openStream(t, ts, "")

	frames := readFrames(t, body, 1, 2*time.Second)
	if frames[0].event != "connected" || frames[0].id != "" {
		t.Fatalf("first frame = %+v, want unnumbered connected", frames[0])
	}

	// Wait until the hub sees the registration before fanning out.
	waitFor(t, func() bool { return hub.Has("a-w") })

	e := eventlog.Entry{Principal: "a-w", RoomID: "r1", Payload: json.RawMessage(`{"id":"m1"}`), At: time.Now()}
	id, err := log.Append(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	e.ID = id
	hub.Fanout("a-w", e)

	frames = readFrames(t, body, 1, 2*time.Second)
	if frames[0].event != "message" || frames[0].id != "1" {
		t.Fatalf("live frame = %+v", frames[0])
	}
	if frames[0].data != `{"id":"m1"}` {
		t.Fatalf("payload altered in transit: %q", frames[0].data)
	}
}

func TestResumeReplaysMissedEvents(t *testing.T) {
	ts, _, log := newStreamServer(t)

	// Events 1..5 persisted while the agent was away.
	for i := 1; i <= 5; i++ {
		_, err := log.Append(context.Background(), eventlog.Entry{
			Principal: "a-w", RoomID: "r1",
			Payload: json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	body, _ := openStream(t, ts, "2")
	frames := readFrames(t, body, 4, 2*time.Second)
	if frames[0].event != "connected" {
		t.Fatalf("first frame = %+v", frames[0])
	}
	wantIDs := []string{"3", "4", "5"}
	for i, want := range wantIDs {
		f := frames[i+1]
		if f.event != "message" || f.id != want {
			t.Fatalf("replay frame %d = %+v, want id %s", i, f, want)
		}
	}
}

func TestStreamCap(t *testing.T) {
	ts, hub, _ := newStreamServer(t)

	b1, _ := openStream(t, ts, "")
	readFrames(t, b1, 1, 2*time.Second)
	b2, _ := openStream(t, ts, "")
	readFrames(t, b2, 1, 2*time.Second)
	waitFor(t, func() bool { return len(hub.StreamsFor("a-w")) == 2 })

	b3, _ := openStream(t, ts, "")
	frames := readFrames(t, b3, 1, 2*time.Second)
	if frames[0].event != "error" {
		t.Fatalf("third stream frame = %+v, want error", frames[0])
	}
	var data map[string]string
	_ = json.Unmarshal([]byte(frames[0].data), &data)
	if data["code"] != "TOO_MANY_CONNECTIONS" {
		t.Fatalf("error code = %q", data["code"])
	}
}

func TestDisconnectFreesSlot(t *testing.T) {
	ts, hub, _ := newStreamServer(t)

	b1, cancel := openStream(t, ts, "")
	readFrames(t, b1, 1, 2*time.Second)
	waitFor(t, func() bool { return hub.Count() == 1 })

	cancel()
	waitFor(t, func() bool { return hub.Count() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
