// internal/stream/hub.go
// Package stream implements the unidirectional SSE transport.  The Hub
// tracks open streams per principal (at most two) and fans persisted event
// entries out to them; the HTTP handler in this package owns the wire
// format, replay and heartbeats.
package stream

import (
	"errors"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/util"
)

// MaxPerPrincipal caps concurrent streams per agent.
const MaxPerPrincipal = 2

const sendBufferSize = 64

// ErrTooManyStreams is returned when a principal is at the stream cap.
var ErrTooManyStreams = errors.New("stream: too many concurrent streams")

// Stream is one open SSE connection.
type Stream struct {
	id        string
	principal string
	send      chan eventlog.Entry
	gone      chan struct{} // closed by the hub on deregister or slow-consumer eviction
	goneOnce  sync.Once

	lastEventID atomic.Int64 // newest id written to this stream
}

// ID returns the stream's ULID.
func (s *Stream) ID() string { return s.id }

// LastEventID returns the newest event id written to this stream.
func (s *Stream) LastEventID() int64 { return s.lastEventID.Load() }

func (s *Stream) markGone() { s.goneOnce.Do(func() { close(s.gone) }) }

// Hub is the principal-id -> streams map.
type Hub struct {
	mu      sync.RWMutex
	byID    map[string][]*Stream
	closing chan struct{}
}

func NewHub() *Hub {
	return &Hub{byID: map[string][]*Stream{}, closing: make(chan struct{})}
}

// Register opens a stream for the principal, enforcing the cap.
func (h *Hub) Register(principal string) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.byID[principal]) >= MaxPerPrincipal {
		return nil, ErrTooManyStreams
	}
	s := &Stream{
		id:        util.MustID(),
		principal: principal,
		send:      make(chan eventlog.Entry, sendBufferSize),
		gone:      make(chan struct{}),
	}
	h.byID[principal] = append(h.byID[principal], s)
	return s, nil
}

// Deregister removes the stream; safe to call after eviction.
func (h *Hub) Deregister(s *Stream) {
	h.mu.Lock()
	streams := h.byID[s.principal]
	for i, cur := range streams {
		if cur == s {
			h.byID[s.principal] = append(streams[:i], streams[i+1:]...)
			break
		}
	}
	if len(h.byID[s.principal]) == 0 {
		delete(h.byID, s.principal)
	}
	h.mu.Unlock()
	s.markGone()
}

// Has reports whether the principal has at least one open stream.
func (h *Hub) Has(principal string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID[principal]) > 0
}

// Fanout delivers the persisted entry to every stream of the principal.  A
// stream that cannot keep up is evicted rather than allowed to stall the
// router; it notices via its gone channel and terminates.
func (h *Hub) Fanout(principal string, e eventlog.Entry) {
	h.mu.RLock()
	streams := append([]*Stream(nil), h.byID[principal]...)
	h.mu.RUnlock()

	for _, s := range streams {
		select {
		case s.send <- e:
		default:
			logging.Named("stream").Warn("stream consumer too slow, evicting",
				zap.String("principal", principal), zap.String("stream", s.id))
			h.Deregister(s)
		}
	}
}

// StreamsFor returns the principal's open streams (status endpoint).
func (h *Hub) StreamsFor(principal string) []*Stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*Stream(nil), h.byID[principal]...)
}

// Count returns the total number of open streams.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int
	for _, streams := range h.byID {
		n += len(streams)
	}
	return n
}

// Principals lists the agents with at least one open stream.
func (h *Hub) Principals() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byID))
	for p := range h.byID {
		out = append(out, p)
	}
	return out
}

// Shutdown signals every open stream to emit its shutdown event and close.
func (h *Hub) Shutdown() {
	close(h.closing)
}

// Closing exposes the shutdown signal to handlers.
func (h *Hub) Closing() <-chan struct{} { return h.closing }
