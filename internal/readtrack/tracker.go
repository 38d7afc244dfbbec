// internal/readtrack/tracker.go
// Package readtrack keeps the durable per-(agent, room) last-seen cursor
// used to materialize unread context on mention.  The whole map is one JSON
// document rewritten on each update; volumes are tiny and the gateway is a
// single process, so last-writer-wins is sufficient.
package readtrack

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
)

// Cursor marks the newest message an agent has been shown in a room.
type Cursor struct {
	MessageID string    `json:"messageId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker is the cursor map plus its file mirror.
type Tracker struct {
	path string

	mu      sync.Mutex
	cursors map[string]Cursor // key: principal + "/" + room
}

func key(principal, room string) string { return principal + "/" + room }

// Load reads the document at path; a missing file is an empty tracker.
func Load(path string) (*Tracker, error) {
	t := &Tracker{path: path, cursors: map[string]Cursor{}}
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(body, &t.cursors); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the cursor for (principal, room), if any.
func (t *Tracker) Get(principal, room string) (Cursor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cursors[key(principal, room)]
	return c, ok
}

// Advance moves the cursor forward and rewrites the document.  Called only
// when routing delivers a mention to the owning agent.
func (t *Tracker) Advance(principal, room, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[key(principal, room)] = Cursor{MessageID: messageID, UpdatedAt: time.Now()}
	t.persistLocked()
}

// Flush rewrites the document; called at shutdown.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistLocked()
}

func (t *Tracker) persistLocked() {
	if t.path == "" {
		return
	}
	body, err := json.MarshalIndent(t.cursors, "", "  ")
	if err != nil {
		logging.Named("readtrack").Warn("read tracker encode", zap.Error(err))
		return
	}
	if err := os.WriteFile(t.path, body, 0o600); err != nil {
		logging.Named("readtrack").Warn("read tracker write", zap.Error(err))
	}
}
