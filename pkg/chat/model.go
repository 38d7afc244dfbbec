// pkg/chat/model.go
// Package chat defines the normalized message model exchanged between the
// upstream chat platform and the gateway's downstream transports.  The types
// here are deliberately transport-agnostic: the bridge produces them, the
// router filters them, and each sink serializes them however its wire format
// requires (JSON socket frames, SSE data lines, webhook bodies).
package chat

import "time"

// SenderKind classifies who authored a message.
type SenderKind string

const (
	SenderHuman SenderKind = "human"
	SenderAI    SenderKind = "ai"
)

// Message is one inbound room message in normalized form.  Instances are
// immutable once emitted by the bridge; downstream code must not mutate them.
type Message struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"roomId"`
	RoomName   string     `json:"roomName"`
	Sender     string     `json:"sender"`
	SenderID   string     `json:"senderId"`
	SenderKind SenderKind `json:"senderKind"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Room is a chat room visible to an agent.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ContextEntry is one unread message materialized as context for a mention
// delivery.  It is a reduced projection of Message: receivers only need who
// said what and when, not ids.
type ContextEntry struct {
	Sender     string     `json:"sender"`
	SenderKind SenderKind `json:"senderType"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ContextFrom projects messages into context entries.
func ContextFrom(msgs []Message) []ContextEntry {
	out := make([]ContextEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ContextEntry{
			Sender:     m.Sender,
			SenderKind: m.SenderKind,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
		})
	}
	return out
}
