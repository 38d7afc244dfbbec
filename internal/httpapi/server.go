// internal/httpapi/server.go
// Package httpapi is the downstream HTTP surface: the socket upgrade path,
// the SSE endpoints, the send endpoints and the health/metrics pages, wired
// onto a chi router with bearer middleware.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triologue/agentgate/internal/bridge"
	"github.com/triologue/agentgate/internal/idempotency"
	"github.com/triologue/agentgate/internal/metrics"
	"github.com/triologue/agentgate/internal/ratelimit"
	"github.com/triologue/agentgate/internal/registry"
	"github.com/triologue/agentgate/internal/socket"
	"github.com/triologue/agentgate/internal/stream"
)

// maxContentLen caps send content; longer bodies are invalid input.
const maxContentLen = 4000

// Per-window request limits on /byoa/sse/messages by trust level.
const (
	limitStandard = 10
	limitElevated = 30
)

// UpstreamInfo is the bridge surface the HTTP layer needs: the shared
// Upstream operations plus session-state detail for health reporting.
type UpstreamInfo interface {
	bridge.Upstream
	CurrentState() bridge.State
	LastActivity() time.Time
}

// Server carries the handler dependencies.
type Server struct {
	reg     *registry.Registry
	up      UpstreamInfo
	sockets *socket.Manager
	streams *stream.Hub
	streamH *stream.Handler
	socketH http.Handler
	idem    idempotency.Cache
	limiter *ratelimit.Limiter
	met     *metrics.Set
}

func NewServer(
	reg *registry.Registry,
	up UpstreamInfo,
	sockets *socket.Manager,
	streams *stream.Hub,
	streamH *stream.Handler,
	socketH http.Handler,
	idem idempotency.Cache,
	limiter *ratelimit.Limiter,
	met *metrics.Set,
) *Server {
	return &Server{
		reg:     reg,
		up:      up,
		sockets: sockets,
		streams: streams,
		streamH: streamH,
		socketH: socketH,
		idem:    idem,
		limiter: limiter,
		met:     met,
	}
}

// Routes assembles the full route table.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetricsReport)
	r.Get("/metrics/json", s.handleMetricsJSON)
	r.Handle("/metrics/prom", promhttp.Handler())

	r.With(s.requireAgent).Post("/send", s.handleLegacySend)

	r.Handle("/byoa/ws", s.socketH)
	r.Route("/byoa/sse", func(r chi.Router) {
		r.Get("/health", s.handleSSEHealth)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAgent)
			r.Get("/stream", s.handleStream)
			r.Post("/messages", s.handleAgentSend)
			r.Get("/status", s.handleStatus)
		})
	})

	return r
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.streamH.ServeAgent(w, r, agentFrom(r.Context()))
}

// --- shared response helpers ----------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: code, Message: msg})
}
