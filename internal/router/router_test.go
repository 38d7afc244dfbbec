package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/loopguard"
	"github.com/triologue/agentgate/internal/readtrack"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/pkg/chat"
)

// --- fakes -----------------------------------------------------------------

type fakeAgents struct{ agents []*registry.Agent }

func (f *fakeAgents) All() []*registry.Agent { return f.agents }

type fakeSocket struct {
	mu   sync.Mutex
	msgs []chat.Message
}

func (f *fakeSocket) Deliver(m chat.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
}

type fakeSockets struct{ byID map[string]*fakeSocket }

func (f *fakeSockets) Lookup(id string) (SocketSink, bool) {
	s, ok := f.byID[id]
	if !ok {
		return nil, false
	}
	return s, true
}

type fanout struct {
	principal string
	entry     eventlog.Entry
}

type fakeStreams struct {
	present map[string]bool
	mu      sync.Mutex
	fanouts []fanout
}

func (f *fakeStreams) Has(id string) bool { return f.present[id] }
func (f *fakeStreams) Fanout(id string, e eventlog.Entry) {
	f.mu.Lock()
	f.fanouts = append(f.fanouts, fanout{principal: id, entry: e})
	f.mu.Unlock()
}

type dispatched struct {
	agent *registry.Agent
	msg   chat.Message
	ctx   []chat.ContextEntry
}

type fakeWebhooks struct{ ch chan dispatched }

func (f *fakeWebhooks) Dispatch(a *registry.Agent, m chat.Message, c []chat.ContextEntry) {
	f.ch <- dispatched{agent: a, msg: m, ctx: c}
}

type fakeInject struct{ ch chan dispatched }

func (f *fakeInject) Deliver(a *registry.Agent, m chat.Message, c []chat.ContextEntry) {
	f.ch <- dispatched{agent: a, msg: m, ctx: c}
}

type fakeHistory struct {
	mu    sync.Mutex
	calls []string // afterID per call
	msgs  []chat.Message
}

func (f *fakeHistory) FetchMessagesSince(_ context.Context, _, _, afterID string, _ int) ([]chat.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, afterID)
	f.mu.Unlock()
	return f.msgs, nil
}

// --- harness ---------------------------------------------------------------

type harness struct {
	r        *Router
	agents   *fakeAgents
	sockets  *fakeSockets
	streams  *fakeStreams
	webhooks *fakeWebhooks
	inject   *fakeInject
	history  *fakeHistory
	tracker  *readtrack.Tracker
	log      eventlog.Store
}

func newHarness(t *testing.T, agents ...*registry.Agent) *harness {
	t.Helper()
	tracker, err := readtrack.Load(filepath.Join(t.TempDir(), "cursors.json"))
	if err != nil {
		t.Fatal(err)
	}
	log, _ := eventlog.NewInMem("")
	h := &harness{
		agents:   &fakeAgents{agents: agents},
		sockets:  &fakeSockets{byID: map[string]*fakeSocket{}},
		streams:  &fakeStreams{present: map[string]bool{}},
		webhooks: &fakeWebhooks{ch: make(chan dispatched, 8)},
		inject:   &fakeInject{ch: make(chan dispatched, 8)},
		history:  &fakeHistory{},
		tracker:  tracker,
		log:      log,
	}
	h.r = New(Deps{
		Agents:   h.agents,
		History:  h.history,
		Sockets:  h.sockets,
		Streams:  h.streams,
		Webhooks: h.webhooks,
		Inject:   h.inject,
		Guard:    loopguard.New(),
		Tracker:  tracker,
		Log:      log,
	}, 0)
	return h
}

func (h *harness) route(m chat.Message) {
	h.r.handle(context.Background(), m)
}

func awaitDispatch(t *testing.T, ch chan dispatched) dispatched {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dispatch, got none")
		return dispatched{}
	}
}

func expectNoDispatch(t *testing.T, ch chan dispatched) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected dispatch to %s", d.agent.Username)
	case <-time.After(100 * time.Millisecond):
	}
}

func human(id, room, sender, content string) chat.Message {
	return chat.Message{
		ID: id, RoomID: room, RoomName: room, Sender: sender, SenderID: "u-" + sender,
		SenderKind: chat.SenderHuman, Content: content, Timestamp: time.Now(),
	}
}

func webhookAgent(id, name string, mode registry.ReceiveMode) *registry.Agent {
	return &registry.Agent{
		ID: id, Username: name, MentionKey: name, Status: "active",
		TrustLevel: registry.TrustStandard, ReceiveMode: mode,
		DeliveryMode: registry.DeliverWebhook, WebhookURL: "https://" + name + ".example/hook",
		Token: "tok-" + name,
	}
}

// --- tests -----------------------------------------------------------------

func TestSkipSender(t *testing.T) {
	bob := webhookAgent("a-bob", "bob", registry.ReceiveAll)
	h := newHarness(t, bob)

	m := human("m1", "r1", "bob", "@bob echo to self")
	m.SenderID = "a-bob"
	h.route(m)
	expectNoDispatch(t, h.webhooks.ch)
}

func TestReceiveModeMentions(t *testing.T) {
	bob := webhookAgent("a-bob", "bob", registry.ReceiveMentions)
	h := newHarness(t, bob)

	h.route(human("m1", "r1", "alice", "no mention here"))
	expectNoDispatch(t, h.webhooks.ch)

	h.route(human("m2", "r1", "alice", "@bob status?"))
	d := awaitDispatch(t, h.webhooks.ch)
	if d.msg.ID != "m2" {
		t.Fatalf("dispatched wrong message %s", d.msg.ID)
	}
}

func TestMentionWithContextAdvancesCursor(t *testing.T) {
	// Scenario: cursor at msg-100; msg-101 and msg-102 unread; msg-103
	// mentions bob.  Context must carry 101 and 102 but not 103.
	bob := webhookAgent("a-bob", "bob", registry.ReceiveMentions)
	h := newHarness(t, bob)
	h.tracker.Advance("a-bob", "r1", "msg-100")

	h.history.msgs = []chat.Message{
		human("msg-101", "r1", "alice", "first"),
		human("msg-102", "r1", "carol", "second"),
		human("msg-103", "r1", "alice", "@bob status?"),
	}
	h.route(human("msg-103", "r1", "alice", "@bob status?"))

	d := awaitDispatch(t, h.webhooks.ch)
	if len(d.ctx) != 2 {
		t.Fatalf("context length = %d, want 2 (%+v)", len(d.ctx), d.ctx)
	}
	if d.ctx[0].Sender != "alice" || d.ctx[1].Sender != "carol" {
		t.Fatalf("context senders wrong: %+v", d.ctx)
	}

	h.history.mu.Lock()
	after := h.history.calls[0]
	h.history.mu.Unlock()
	if after != "msg-100" {
		t.Fatalf("history fetched after %q, want msg-100", after)
	}

	if c, _ := h.tracker.Get("a-bob", "r1"); c.MessageID != "msg-103" {
		t.Fatalf("cursor = %q, want msg-103", c.MessageID)
	}
}

func TestSocketPrecedenceAndDedup(t *testing.T) {
	bob := webhookAgent("a-bob", "bob", registry.ReceiveAll)
	h := newHarness(t, bob)
	sock := &fakeSocket{}
	h.sockets.byID["a-bob"] = sock
	h.streams.present["a-bob"] = true

	h.route(human("m1", "r1", "alice", "@bob hi"))

	sock.mu.Lock()
	n := len(sock.msgs)
	sock.mu.Unlock()
	if n != 1 {
		t.Fatalf("socket deliveries = %d, want 1", n)
	}
	h.streams.mu.Lock()
	f := len(h.streams.fanouts)
	h.streams.mu.Unlock()
	if f != 0 {
		t.Fatal("socket delivery must suppress stream fanout for the same message")
	}
	expectNoDispatch(t, h.webhooks.ch)

	// Socket-delivered mention advances the cursor without context.
	if c, _ := h.tracker.Get("a-bob", "r1"); c.MessageID != "m1" {
		t.Fatalf("cursor = %q, want m1", c.MessageID)
	}
}

func TestStreamFanoutPersistsFirst(t *testing.T) {
	bob := webhookAgent("a-bob", "bob", registry.ReceiveAll)
	h := newHarness(t, bob)
	h.streams.present["a-bob"] = true

	h.route(human("m1", "r1", "alice", "hello"))
	h.route(human("m2", "r1", "alice", "world"))

	h.streams.mu.Lock()
	defer h.streams.mu.Unlock()
	if len(h.streams.fanouts) != 2 {
		t.Fatalf("fanouts = %d, want 2", len(h.streams.fanouts))
	}
	if h.streams.fanouts[0].entry.ID >= h.streams.fanouts[1].entry.ID {
		t.Fatal("event ids not strictly increasing")
	}
	// Every fanned-out id is replayable.
	entries, _ := h.log.Replay(context.Background(), "a-bob", 0)
	if len(entries) != 2 {
		t.Fatalf("event log entries = %d, want 2", len(entries))
	}
}

func TestLocalInjectPreferredOverSocket(t *testing.T) {
	zed := webhookAgent("a-zed", "zed", registry.ReceiveAll)
	zed.DeliveryMode = registry.DeliverLocalInject
	h := newHarness(t, zed)
	h.sockets.byID["a-zed"] = &fakeSocket{} // present but bypassed

	h.route(human("m1", "r1", "alice", "hello"))
	d := awaitDispatch(t, h.inject.ch)
	if d.agent.ID != "a-zed" {
		t.Fatalf("injected for %s", d.agent.ID)
	}
}

func TestLoopGuardCooldownAndMentionBypass(t *testing.T) {
	// X and Y both elevated, receive all, stream-connected.
	x := webhookAgent("a-x", "x", registry.ReceiveAll)
	y := webhookAgent("a-y", "y", registry.ReceiveAll)
	for _, a := range []*registry.Agent{x, y} {
		a.TrustLevel = registry.TrustElevated
	}
	h := newHarness(t, x, y)
	h.streams.present["a-x"] = true
	h.streams.present["a-y"] = true

	ai := func(id, sender, senderID, content string) chat.Message {
		m := human(id, "r1", sender, content)
		m.SenderID = senderID
		m.SenderKind = chat.SenderAI
		return m
	}

	// t=0: X mentions Y; the guard is bypassed but the exchange is
	// recorded, starting the pair's cooldown.
	h.route(ai("m1", "x", "a-x", "@y ping"))
	// Y replies without a mention while the cooldown is live: denied.
	h.route(ai("m2", "y", "a-y", "ack"))
	// Still denied.
	h.route(ai("m3", "y", "a-y", "ack again"))
	// With a mention: delivered despite the cooldown.
	h.route(ai("m4", "y", "a-y", "@x ack"))

	h.streams.mu.Lock()
	defer h.streams.mu.Unlock()
	var xGot, yGot []string
	for _, f := range h.streams.fanouts {
		switch f.principal {
		case "a-x":
			xGot = append(xGot, f.entry.RoomID)
		case "a-y":
			yGot = append(yGot, f.entry.RoomID)
		}
	}
	// Y receives m1 (mention) only; X receives only m4 (mention bypass),
	// because m2 and m3 landed inside the cooldown m1 started.
	if len(yGot) != 1 {
		t.Fatalf("y deliveries = %d, want 1", len(yGot))
	}
	if len(xGot) != 1 {
		t.Fatalf("x deliveries = %d, want 1 (cooldown should deny m2 and m3)", len(xGot))
	}
}

func TestStandardTrustDropsAITraffic(t *testing.T) {
	bob := webhookAgent("a-bob", "bob", registry.ReceiveAll)
	h := newHarness(t, bob)
	h.streams.present["a-bob"] = true

	m := human("m1", "r1", "x", "no mention")
	m.SenderKind = chat.SenderAI
	h.route(m)

	h.streams.mu.Lock()
	defer h.streams.mu.Unlock()
	if len(h.streams.fanouts) != 0 {
		t.Fatal("standard-trust agent received AI-authored traffic")
	}
}

func TestNoTransportDropsSilently(t *testing.T) {
	// Webhook configured but not mentioned: nothing should fire.
	bob := webhookAgent("a-bob", "bob", registry.ReceiveAll)
	h := newHarness(t, bob)
	h.route(human("m1", "r1", "alice", "hello"))
	expectNoDispatch(t, h.webhooks.ch)
	expectNoDispatch(t, h.inject.ch)
}
