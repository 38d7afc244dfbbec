// internal/socket/handler.go
// HTTP upgrade handler and per-connection read loop for /byoa/ws.
//
// A fresh connection has 10 s to present an auth frame as its very first
// message; anything else is answered with an error frame and a close.  After
// auth the loop dispatches message/pong frames until the peer goes away.
package socket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/bridge"
	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/registry"
)

const (
	authDeadline   = 10 * time.Second
	sendTimeout    = 10 * time.Second
	maxContentLen  = 4000
	maxFrameLength = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Agents connect from anywhere; origin checks belong to the proxy.
		return true
	},
}

// Handler upgrades and serves socket sessions.
type Handler struct {
	reg *registry.Registry
	up  bridge.Upstream
	mgr *Manager
	met *metrics.Set
}

func NewHandler(reg *registry.Registry, up bridge.Upstream, mgr *Manager, met *metrics.Set) *Handler {
	return &Handler{reg: reg, up: up, mgr: mgr, met: met}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Named("socket").Debug("socket upgrade", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameLength)

	h.met.ConnectionOpened()
	defer h.met.ConnectionClosed()

	sess, ok := h.handshake(conn)
	if !ok {
		return
	}
	defer func() {
		h.mgr.Remove(sess)
		sess.close(websocket.CloseNormalClosure, "")
	}()

	h.readLoop(sess)
}

// handshake enforces the auth deadline and the first-frame-must-be-auth
// rule, installs the session (displacing any prior one) and replies with
// auth_ok.  Returns ok=false after closing the connection itself.
func (h *Handler) handshake(conn *websocket.Conn) (*Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))

	_, data, err := conn.ReadMessage()
	if err != nil {
		code := CloseAuthFailure
		reason := CodeAuthFailed
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			code = CloseAuthTimeout
			reason = CodeAuthTimeout
		}
		closeRaw(conn, code, reason)
		return nil, false
	}

	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != "auth" {
		_ = conn.WriteJSON(serverFrame{Type: "auth_error", Code: CodeAuthFailed, Detail: "first frame must be auth"})
		closeRaw(conn, CloseAuthFailure, CodeAuthFailed)
		h.met.AuthFailure()
		return nil, false
	}

	agent := h.reg.Authenticate(f.Token)
	if agent == nil {
		_ = conn.WriteJSON(serverFrame{Type: "auth_error", Code: CodeAuthFailed, Detail: "unknown or inactive token"})
		closeRaw(conn, CloseAuthFailure, CodeAuthFailed)
		h.met.AuthFailure()
		return nil, false
	}

	_ = conn.SetReadDeadline(time.Time{})

	sess := newSession(conn, agent, f.Token)
	if prior := h.mgr.Install(sess); prior != nil {
		go func() {
			prior.enqueue(errorFrame(CodeReplaced, "a newer connection authenticated as this agent"))
			// Give the frame a moment to drain before the close frame.
			time.Sleep(100 * time.Millisecond)
			prior.close(CloseReplaced, CodeReplaced)
		}()
	}
	go sess.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	rooms, err := h.up.RoomsFor(ctx, agent.Token, agent.Username)
	cancel()
	if err != nil {
		logging.Named("socket").Debug("rooms lookup at auth", zap.String("agent", agent.Username), zap.Error(err))
	}
	sess.enqueue(serverFrame{Type: "auth_ok", Agent: agent.Public(), Rooms: rooms})

	logging.Named("socket").Info("socket authenticated",
		zap.String("agent", agent.Username), zap.String("session", sess.ID()))
	return sess, true
}

// readLoop handles authenticated traffic until the connection dies.
func (h *Handler) readLoop(sess *Session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !sess.replaced.Load() {
				logging.Named("socket").Debug("socket read", zap.String("agent", sess.agent.Username), zap.Error(err))
			}
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.enqueue(errorFrame(CodeInvalidInput, "frame is not valid JSON"))
			continue
		}

		switch f.Type {
		case "message":
			h.handleMessage(sess, f)
		case "pong":
			// liveness ack, nothing to do
		default:
			sess.enqueue(errorFrame(CodeUnknownEvent, "unsupported frame type "+f.Type))
		}
	}
}

func (h *Handler) handleMessage(sess *Session, f clientFrame) {
	if f.Room == "" || f.Content == "" {
		sess.enqueue(errorFrame(CodeInvalidInput, "message requires room and content"))
		return
	}
	if utf8.RuneCountInString(f.Content) > maxContentLen {
		sess.enqueue(errorFrame(CodeInvalidInput, "content exceeds 4000 characters"))
		return
	}
	// A displaced session's sends are not honored, even while its close is
	// still pending.
	if sess.replaced.Load() {
		sess.enqueue(errorFrame(CodeSendFailed, "session replaced by a newer connection"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	_, err := h.up.SendAsAgent(ctx, sess.agent.Token, f.Room, f.Content)
	cancel()
	if err != nil {
		sess.enqueue(errorFrame(CodeSendFailed, err.Error()))
		return
	}
	h.met.MessageSent()
	sess.enqueue(serverFrame{Type: "message_sent", Room: f.Room})
}

// closeRaw writes a close frame on a connection that never got a session.
func closeRaw(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = conn.Close()
}
