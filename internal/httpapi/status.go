// internal/httpapi/status.go
// Health, per-agent session status and the metrics pages.
package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type connectedAgent struct {
		Username  string `json:"username"`
		Transport string `json:"transport"`
	}
	var agents []connectedAgent
	for _, a := range s.sockets.Agents() {
		agents = append(agents, connectedAgent{Username: a.Username, Transport: "socket"})
	}
	byID := map[string]string{}
	for _, a := range s.reg.All() {
		byID[a.ID] = a.Username
	}
	for _, p := range s.streams.Principals() {
		name := byID[p]
		if name == "" {
			name = p
		}
		agents = append(agents, connectedAgent{Username: name, Transport: "stream"})
	}

	var idleSeconds float64
	if last := s.up.LastActivity(); !last.IsZero() {
		idleSeconds = time.Since(last).Seconds()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"upstream": map[string]any{
			"connected":   s.up.Connected(),
			"state":       s.up.CurrentState().String(),
			"idleSeconds": int(idleSeconds),
		},
		"agents": agents,
	})
}

func (s *Server) handleSSEHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports the calling agent's live session inventory.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	type streamStatus struct {
		ID          string `json:"id"`
		LastEventID int64  `json:"lastEventId"`
	}
	streams := []streamStatus{}
	for _, st := range s.streams.StreamsFor(agent.ID) {
		streams = append(streams, streamStatus{ID: st.ID(), LastEventID: st.LastEventID()})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agent":              agent.Public(),
		"trustLevel":         agent.TrustLevel,
		"deliveryMode":       agent.DeliveryMode,
		"socket":             s.sockets.Get(agent.ID) != nil,
		"streams":            streams,
		"rateLimitLimit":     sendLimit(agent),
		"rateLimitRemaining": s.limiter.Remaining(agent.ID, sendLimit(agent), time.Now()),
	})
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.met.Report()))
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.met.Snapshot())
}
