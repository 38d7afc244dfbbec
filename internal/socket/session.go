// internal/socket/session.go
// A Session is one authenticated full-duplex agent connection.  All wire
// writes are serialized through the send channel and drained by writePump,
// which also owns the 30 s ping cadence.  A missed pong is not fatal on its
// own; liveness comes from the transport's native close signal.
package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/internal/util"
	"github.com/triologue/agentgate/pkg/chat"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 64
)

// Session is a live authenticated socket.
type Session struct {
	id    string
	agent *registry.Agent
	token string // bearer presented at auth time; audited on registry refresh

	conn *websocket.Conn
	send chan serverFrame

	done      chan struct{}
	closeOnce sync.Once
	replaced  atomic.Bool
}

func newSession(conn *websocket.Conn, agent *registry.Agent, token string) *Session {
	return &Session{
		id:    util.MustID(),
		agent: agent,
		token: token,
		conn:  conn,
		send:  make(chan serverFrame, sendBufferSize),
		done:  make(chan struct{}),
	}
}

// Agent returns the principal this session authenticated as.
func (s *Session) Agent() *registry.Agent { return s.agent }

// ID returns the session's ULID.
func (s *Session) ID() string { return s.id }

// Deliver enqueues an inbound room message for the peer.  A full buffer
// means the peer is not draining; the frame is dropped and logged rather
// than blocking the router.
func (s *Session) Deliver(msg chat.Message) {
	m := msg
	s.enqueue(serverFrame{Type: "message", Message: &m})
}

func (s *Session) enqueue(f serverFrame) {
	select {
	case s.send <- f:
	case <-s.done:
	default:
		logging.Named("socket").Warn("socket send buffer full, dropping frame",
			zap.String("agent", s.agent.Username), zap.String("type", f.Type))
	}
}

// writePump serializes frames onto the wire and emits pings.  It exits when
// the session closes.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				logging.Named("socket").Debug("socket write", zap.Error(err))
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(serverFrame{Type: "ping"}); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// close sends a close frame with the given code and tears the session down.
// Idempotent.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
