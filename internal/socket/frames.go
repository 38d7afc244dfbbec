// internal/socket/frames.go
// JSON frame vocabulary of the persistent-socket protocol.
//
// Client -> server: auth, message, pong.
// Server -> client: auth_ok, auth_error, message, message_sent, error, ping.
package socket

import "github.com/triologue/agentgate/pkg/chat"

// Close codes.
const (
	CloseReplaced    = 4000
	CloseAuthTimeout = 4001
	CloseAuthFailure = 4003
)

// Error codes carried in error/auth_error frames.
const (
	CodeReplaced     = "REPLACED"
	CodeAuthFailed   = "AUTH_FAILED"
	CodeAuthTimeout  = "AUTH_TIMEOUT"
	CodeSendFailed   = "SEND_FAILED"
	CodeInvalidInput = "INVALID_INPUT"
	CodeUnknownEvent = "UNKNOWN_EVENT"
)

// clientFrame is any inbound frame; unused fields stay empty.
type clientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Room    string `json:"room,omitempty"`
	Content string `json:"content,omitempty"`
}

// serverFrame is any outbound frame.
type serverFrame struct {
	Type    string         `json:"type"`
	Agent   map[string]any `json:"agent,omitempty"`
	Rooms   []chat.Room    `json:"rooms,omitempty"`
	Room    string         `json:"room,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message *chat.Message  `json:"message,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

func errorFrame(code, detail string) serverFrame {
	return serverFrame{Type: "error", Code: code, Detail: detail}
}
