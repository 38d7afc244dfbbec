// internal/router/sinks.go
// The router's view of its collaborators.  Transports are polymorphic over a
// small capability set; the router only branches on kind through the
// precedence rule in deliver().  Narrow interfaces keep the package testable
// and keep alternative transports pluggable at the composition root.
package router

import (
	"context"

	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/pkg/chat"
)

// AgentSource yields the current registry snapshot.
type AgentSource interface {
	All() []*registry.Agent
}

// History fetches unread room history for context materialization.
type History interface {
	FetchMessagesSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]chat.Message, error)
}

// SocketSink is a live full-duplex session's delivery capability.
type SocketSink interface {
	Deliver(msg chat.Message)
}

// SocketTable resolves a principal to its live socket, if any.
type SocketTable interface {
	Lookup(principalID string) (SocketSink, bool)
}

// StreamTable is the SSE hub: presence check plus persisted-entry fanout.
type StreamTable interface {
	Has(principalID string) bool
	Fanout(principalID string, e eventlog.Entry)
}

// WebhookSink dispatches to an agent's webhook, fire-and-forget.
type WebhookSink interface {
	Dispatch(agent *registry.Agent, msg chat.Message, ctxEntries []chat.ContextEntry)
}

// InjectSink hands a message to the co-located runtime, fire-and-forget.
type InjectSink interface {
	Deliver(agent *registry.Agent, msg chat.Message, ctxEntries []chat.ContextEntry)
}
