// internal/router/router.go
// Package router is the single consumer of the bridge's inbound callback.
// Messages enter a bounded queue (back-pressure when downstream slows) and
// are processed one at a time, preserving upstream order; per-candidate side
// effects that can block (webhook POSTs, history fetches) run concurrently
// and never stall the queue.
//
// Per message and candidate the pipeline is: skip-sender, receive-mode and
// mention check, trust and loop-guard, transport selection by precedence
// (socket > stream > local-inject > webhook), context materialization on
// mention.  The precedence chain also guarantees a candidate is delivered on
// exactly one transport per message.
package router

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/loopguard"
	"github.com/triologue/agentgate/internal/readtrack"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/pkg/chat"
)

const (
	defaultQueueSize = 256
	contextLimit     = 50
	fetchTimeout     = 10 * time.Second
)

// Deps are the router's collaborators; all required unless noted.
type Deps struct {
	Agents   AgentSource
	History  History
	Sockets  SocketTable
	Streams  StreamTable
	Webhooks WebhookSink
	Inject   InjectSink
	Guard    *loopguard.Guard
	Tracker  *readtrack.Tracker
	Log      eventlog.Store
}

// Router fans inbound messages out to downstream transports.
type Router struct {
	deps   Deps
	queue  chan chat.Message
	tracer trace.Tracer
}

// New builds a Router; call Run in its own goroutine and register Enqueue
// as the bridge callback.
func New(deps Deps, queueSize int) *Router {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Router{
		deps:   deps,
		queue:  make(chan chat.Message, queueSize),
		tracer: otel.Tracer("agentgate/router"),
	}
}

// Enqueue is the bridge's delivery callback.  It blocks when the queue is
// full, which is the intended back-pressure on the upstream read loop.
func (r *Router) Enqueue(m chat.Message) {
	r.queue <- m
}

// Run consumes the queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.queue:
			r.handle(ctx, m)
		}
	}
}

// handle routes one message through the filter pipeline for every candidate.
func (r *Router) handle(ctx context.Context, m chat.Message) {
	ctx, span := r.tracer.Start(ctx, "router.handle",
		trace.WithAttributes(
			attribute.String("message_id", m.ID),
			attribute.String("room", m.RoomID),
			attribute.String("sender_kind", string(m.SenderKind)),
		))
	defer span.End()

	var delivered int
	for _, c := range r.deps.Agents.All() {
		if !c.Active() {
			continue
		}
		// Skip-sender: never echo a message back at its author.
		if c.Username == m.Sender || c.ID == m.SenderID {
			continue
		}

		mentioned := c.MentionedIn(m.Content)
		if c.ReceiveMode == registry.ReceiveMentions && !mentioned {
			continue
		}

		// Trust and loop-guard apply only to unsolicited AI traffic; a
		// direct mention is explicit user intent and bypasses both.
		if !mentioned && m.SenderKind == chat.SenderAI {
			if !c.Elevated() {
				continue
			}
			if !r.deps.Guard.Allow(m.SenderID, c.ID, time.Now()) {
				continue
			}
		}

		if r.deliver(ctx, c, m, mentioned) {
			delivered++
			// A mention-bypassed AI exchange still starts the pair's
			// cooldown; guard-approved deliveries were recorded by Allow.
			if mentioned && m.SenderKind == chat.SenderAI {
				r.deps.Guard.Record(m.SenderID, c.ID, time.Now())
			}
		}
	}
	span.SetAttributes(attribute.Int("delivered", delivered))
}

// deliver picks the transport by precedence and performs the delivery.
// Reports whether any transport accepted the message.
func (r *Router) deliver(ctx context.Context, c *registry.Agent, m chat.Message, mentioned bool) bool {
	// 1. Live socket, unless the agent is wired for local injection.
	if sock, ok := r.deps.Sockets.Lookup(c.ID); ok && c.DeliveryMode != registry.DeliverLocalInject {
		sock.Deliver(m)
		if mentioned {
			// The socket carries only the message itself; the agent is live
			// and catches up on its own, but the cursor still advances.
			r.deps.Tracker.Advance(c.ID, m.RoomID, m.ID)
		}
		return true
	}

	// 2. Live event stream: persist first, then fan out, so the entry is
	// replayable before any consumer can have seen its id.
	if r.deps.Streams.Has(c.ID) {
		payload, err := json.Marshal(m)
		if err != nil {
			return false
		}
		e := eventlog.Entry{Principal: c.ID, RoomID: m.RoomID, Payload: payload, At: time.Now()}
		id, err := r.deps.Log.Append(ctx, e)
		if err != nil {
			logging.Named("router").Warn("eventlog append failed, skipping stream fanout",
				zap.String("agent", c.Username), zap.Error(err))
			return false
		}
		e.ID = id
		r.deps.Streams.Fanout(c.ID, e)
		if mentioned {
			r.deps.Tracker.Advance(c.ID, m.RoomID, m.ID)
		}
		return true
	}

	// 3. Local inject sink.
	if c.DeliveryMode == registry.DeliverLocalInject {
		go func() {
			var ctxEntries []chat.ContextEntry
			if mentioned {
				ctxEntries = r.materialize(ctx, c, m)
				r.deps.Tracker.Advance(c.ID, m.RoomID, m.ID)
			}
			r.deps.Inject.Deliver(c, m, ctxEntries)
		}()
		return true
	}

	// 4. Webhook, mentions only.
	if mentioned && c.WebhookURL != "" {
		go func() {
			ctxEntries := r.materialize(ctx, c, m)
			r.deps.Tracker.Advance(c.ID, m.RoomID, m.ID)
			r.deps.Webhooks.Dispatch(c, m, ctxEntries)
		}()
		return true
	}

	// No transport: drop silently.
	return false
}

// materialize fetches the unread history between the agent's cursor and m,
// excluding m itself.  Failures degrade to an empty context; the mention is
// still delivered.
func (r *Router) materialize(ctx context.Context, c *registry.Agent, m chat.Message) []chat.ContextEntry {
	cursor, _ := r.deps.Tracker.Get(c.ID, m.RoomID)

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	history, err := r.deps.History.FetchMessagesSince(fctx, c.Token, m.RoomID, cursor.MessageID, contextLimit)
	if err != nil {
		logging.Named("router").Warn("context fetch failed",
			zap.String("agent", c.Username), zap.String("room", m.RoomID), zap.Error(err))
		return nil
	}

	unread := history[:0]
	for _, h := range history {
		if h.ID != m.ID {
			unread = append(unread, h)
		}
	}
	return chat.ContextFrom(unread)
}
