// internal/socket/manager.go
// Manager owns the principal-id -> session map and enforces the one-socket-
// per-principal invariant: an authenticated reconnect replaces the prior
// session.  The swap happens under the lock, closing the loser happens
// outside it.
package socket

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/triologue/agentgate/internal/registry"
)

// Manager tracks live sessions by principal id.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*Session
}

func NewManager() *Manager {
	return &Manager{byID: map[string]*Session{}}
}

// Install registers s as the principal's session, returning the session it
// displaced (nil for a first connect).  The caller closes the prior one.
func (m *Manager) Install(s *Session) *Session {
	m.mu.Lock()
	prior := m.byID[s.agent.ID]
	m.byID[s.agent.ID] = s
	m.mu.Unlock()
	if prior != nil {
		prior.replaced.Store(true)
	}
	return prior
}

// Remove deregisters s unless it has already been displaced by a newer
// session for the same principal.
func (m *Manager) Remove(s *Session) {
	m.mu.Lock()
	if cur := m.byID[s.agent.ID]; cur == s {
		delete(m.byID, s.agent.ID)
	}
	m.mu.Unlock()
}

// Get returns the live session for a principal, or nil.
func (m *Manager) Get(principalID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[principalID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Agents lists the principals with a live socket (health endpoint).
func (m *Manager) Agents() []*registry.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*registry.Agent, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s.agent)
	}
	return out
}

// AuditTokens counts live sessions whose bearer token a fresh authentication
// would now reject.  Called after each registry refresh; the count feeds the
// token-revocation-while-connected metric.
func (m *Manager) AuditTokens(authenticate func(token string) *registry.Agent) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var revoked int
	for _, s := range sessions {
		if a := authenticate(s.token); a == nil || a.ID != s.agent.ID {
			revoked++
		}
	}
	return revoked
}

// Shutdown closes every session with the graceful-shutdown code.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.byID = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "gateway shutdown")
	}
}
