// internal/httpapi/send.go
// Send endpoints: the per-request agent send with rate limiting and
// idempotent replay, and the legacy /send shape.  Both forward upstream via
// the bridge under the calling agent's credentials.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/triologue/agentgate/internal/bridge"
	"github.com/triologue/agentgate/internal/idempotency"
)

type sendRequest struct {
	RoomID         string `json:"roomId"`
	Room           string `json:"room"` // legacy field name
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (req *sendRequest) room() string {
	if req.RoomID != "" {
		return req.RoomID
	}
	return req.Room
}

// handleAgentSend serves POST /byoa/sse/messages.
func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	limit := sendLimit(agent)
	d := s.limiter.Allow(agent.ID, limit, time.Now())
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "RATE_LIMITED",
			"retryAfter": int(d.RetryAfter.Seconds()),
		})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "body is not valid JSON")
		return
	}
	if msg := validateSend(&req); msg != "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", msg)
		return
	}

	// Idempotent replay: an already-processed key returns the identical
	// body without touching upstream.
	if req.IdempotencyKey != "" {
		if res, ok := s.idem.Get(r.Context(), agent.ID, req.IdempotencyKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(res.Status)
			_, _ = w.Write(res.Body)
			return
		}
	}

	id, err := s.up.SendAsAgent(r.Context(), agent.Token, req.room(), req.Content)
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	s.met.MessageSent()

	body, _ := json.Marshal(map[string]string{"messageId": id})
	if req.IdempotencyKey != "" {
		s.idem.Put(r.Context(), agent.ID, req.IdempotencyKey, idempotency.Result{
			Status: http.StatusOK,
			Body:   body,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleLegacySend serves POST /send with the older {room, content} body.
// No rate limiting or idempotency; kept for agents that predate the byoa
// surface.
func (s *Server) handleLegacySend(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "body is not valid JSON")
		return
	}
	if msg := validateSend(&req); msg != "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", msg)
		return
	}

	id, err := s.up.SendAsAgent(r.Context(), agent.Token, req.room(), req.Content)
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	s.met.MessageSent()
	writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

func validateSend(req *sendRequest) string {
	if req.room() == "" {
		return "room is required"
	}
	if req.Content == "" {
		return "content is required"
	}
	if utf8.RuneCountInString(req.Content) > maxContentLen {
		return "content exceeds 4000 characters"
	}
	return ""
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, bridge.ErrNotConnected) {
		writeError(w, http.StatusServiceUnavailable, "BRIDGE_UNAVAILABLE", "no upstream session")
		return
	}
	var ue *bridge.UpstreamError
	if errors.As(err, &ue) {
		writeJSON(w, http.StatusBadGateway, apiError{
			Error:   "SEND_FAILED",
			Message: ue.Detail,
			Code:    strconv.Itoa(ue.Status),
		})
		return
	}
	writeError(w, http.StatusBadGateway, "SEND_FAILED", err.Error())
}
