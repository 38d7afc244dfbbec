// internal/bridge/upstream.go
// Package bridge maintains the gateway's single privileged session to the
// chat server and exposes the narrow upstream interface the rest of the
// gateway consumes.  The concrete wire protocol (REST + WebSocket paths,
// payload shapes) is private to this package; substituting another chat
// backend only requires re-implementing Upstream.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/triologue/agentgate/pkg/chat"
)

// Upstream is the contract between the bridge and its consumers (router,
// HTTP surface, socket sessions).
type Upstream interface {
	// Subscribe registers the single inbound-message callback.  Must be
	// called before Connect; messages are delivered in upstream order.
	Subscribe(fn func(chat.Message))

	// SendAsAgent forwards a message under the agent's own credentials and
	// returns the server-assigned message id.
	SendAsAgent(ctx context.Context, agentToken, roomID, content string) (string, error)

	// RoomsFor enumerates rooms visible to the agent.
	RoomsFor(ctx context.Context, agentToken, username string) ([]chat.Room, error)

	// FetchMessagesSince returns up to limit messages in roomID with id
	// after afterID, ascending.  An empty afterID means from the beginning
	// of the server's window.
	FetchMessagesSince(ctx context.Context, agentToken, roomID, afterID string, limit int) ([]chat.Message, error)

	// Connected reports whether a live upstream session exists.
	Connected() bool
}

// ErrNotConnected is returned for upstream-bound operations while no session
// exists.  The HTTP surface maps it to 503.
var ErrNotConnected = errors.New("bridge: no upstream session")

// UpstreamError is a classified non-2xx reply from the chat server.  The
// HTTP surface maps it to 502 with the detail attached.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Status, e.Detail)
}

// IsAuthRejected reports whether the upstream refused the credentials used
// for the call.
func (e *UpstreamError) IsAuthRejected() bool {
	return e.Status == 401 || e.Status == 403
}
