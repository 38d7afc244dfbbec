// internal/stream/handler.go
// The SSE endpoint: headers, replay, live fanout and heartbeats.
//
// Wire format per frame: an optional "id:" line, an "event:" line and a
// "data:" line terminated by a blank line; comment lines start with ":".
// The id line is omitted for frames that are not replayable (connected,
// error, shutdown).
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/eventlog"
	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/registry"
)

const heartbeatPeriod = 25 * time.Second

// Handler serves /byoa/sse/stream for an already-authenticated agent.
type Handler struct {
	hub *Hub
	log eventlog.Store
	met *metrics.Set
}

func NewHandler(hub *Hub, log eventlog.Store, met *metrics.Set) *Handler {
	return &Handler{hub: hub, log: log, met: met}
}

// ServeAgent runs one stream session.  Authentication happened on the HTTP
// request; the caller passes the resolved agent.
func (h *Handler) ServeAgent(w http.ResponseWriter, r *http.Request, agent *registry.Agent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // defeat proxy buffering
	w.WriteHeader(http.StatusOK)

	afterID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	s, err := h.hub.Register(agent.ID)
	if err != nil {
		writeEvent(w, 0, "error", map[string]string{"code": "TOO_MANY_CONNECTIONS"})
		flusher.Flush()
		return
	}
	h.met.ConnectionOpened()
	defer func() {
		h.hub.Deregister(s)
		h.met.ConnectionClosed()
	}()

	writeEvent(w, 0, "connected", map[string]any{
		"agent":      agent.Public(),
		"trustLevel": agent.TrustLevel,
		"serverTime": time.Now().UTC().Format(time.RFC3339),
	})
	flusher.Flush()

	// Replay everything the agent missed, oldest first, original ids.
	if afterID > 0 {
		entries, err := h.log.Replay(r.Context(), agent.ID, afterID)
		if err != nil {
			logging.Named("stream").Warn("stream replay", zap.String("agent", agent.Username), zap.Error(err))
		}
		for _, e := range entries {
			if err := writeEvent(w, e.ID, "message", json.RawMessage(e.Payload)); err != nil {
				return
			}
			s.lastEventID.Store(e.ID)
		}
		flusher.Flush()
	}

	logging.Named("stream").Info("stream open",
		zap.String("agent", agent.Username), zap.String("stream", s.ID()),
		zap.Int64("resumeAfter", afterID))

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.gone:
			return
		case <-h.hub.Closing():
			writeEvent(w, 0, "shutdown", map[string]string{"reason": "gateway shutdown"})
			flusher.Flush()
			return
		case e := <-s.send:
			if err := writeEvent(w, e.ID, "message", json.RawMessage(e.Payload)); err != nil {
				return
			}
			s.lastEventID.Store(e.ID)
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// parseLastEventID tolerates an absent or malformed header by resuming from
// the live edge.
func parseLastEventID(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// writeEvent emits one SSE frame.  id 0 omits the id line.
func writeEvent(w io.Writer, id int64, event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body)
	return err
}
