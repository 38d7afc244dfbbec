// internal/metrics/metrics.go
// Package metrics holds the gateway's counter set.  Counters are lock-free
// and mirrored into Prometheus collectors at increment time; a periodic job
// appends a snapshot line to a JSON-lines file so numbers survive restarts
// and scrape outages.  The HTTP surface exposes the same snapshot as a human
// report and as structured JSON.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/internal/util"
)

var (
	registerOnce sync.Once

	promActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "active_connections",
		Help: "Current number of live downstream connections (socket + stream).",
	})
	promConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "connections_total",
		Help: "Total downstream connections accepted.",
	})
	promDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "disconnects_total",
		Help: "Total downstream disconnects.",
	})
	promAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "auth_failures_total",
		Help: "Requests and frames rejected for bad or missing credentials.",
	})
	promRevokedLive = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "revoked_token_sessions_total",
		Help: "Live sessions whose token a fresh authentication would reject.",
	})
	promSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "messages_sent_total",
		Help: "Messages forwarded upstream on behalf of agents.",
	})
	promLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "messages_lost_total",
		Help: "Webhook deliveries abandoned: rejected with a 4xx or retries exhausted.",
	})
	promRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "message_retries_total",
		Help: "Webhook delivery retries.",
	})
	promRefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "registry_refresh_failures_total",
		Help: "Agent registry refresh attempts that failed.",
	})
	promAgents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentgate", Subsystem: "gateway",
		Name: "agents",
		Help: "Connected agents by transport.",
	}, []string{"transport"})
)

// Register exports the collectors; safe to call multiple times.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			promActive, promConnections, promDisconnects, promAuthFailures,
			promRevokedLive, promSent, promLost, promRetries,
			promRefreshFailures, promAgents,
		)
	})
}

// Set is the gateway counter set.
type Set struct {
	logPath string

	active          atomic.Int64
	connections     atomic.Int64
	disconnects     atomic.Int64
	authFailures    atomic.Int64
	revokedLive     atomic.Int64
	sent            atomic.Int64
	lost            atomic.Int64
	retries         atomic.Int64
	refreshFailures atomic.Int64

	mu          sync.Mutex
	byTransport map[string]int64
}

// New returns a Set that flushes snapshots to logPath ("" disables the file).
func New(logPath string) *Set {
	Register()
	return &Set{logPath: logPath, byTransport: map[string]int64{}}
}

func (s *Set) ConnectionOpened() {
	s.active.Inc()
	s.connections.Inc()
	promActive.Inc()
	promConnections.Inc()
}

func (s *Set) ConnectionClosed() {
	s.active.Dec()
	s.disconnects.Inc()
	promActive.Dec()
	promDisconnects.Inc()
}

func (s *Set) AuthFailure() {
	s.authFailures.Inc()
	promAuthFailures.Inc()
}

// RevokedTokenLive records a live session whose token would fail a fresh
// authentication, i.e. the revocation gap the registry refresh observed.
func (s *Set) RevokedTokenLive() {
	s.revokedLive.Inc()
	promRevokedLive.Inc()
}

func (s *Set) MessageSent() {
	s.sent.Inc()
	promSent.Inc()
}

func (s *Set) MessageLost() {
	s.lost.Inc()
	promLost.Inc()
}

func (s *Set) MessageRetried() {
	s.retries.Inc()
	promRetries.Inc()
}

func (s *Set) RefreshFailure() {
	s.refreshFailures.Inc()
	promRefreshFailures.Inc()
}

// SetTransportCount publishes the connected-agent count for a transport.
func (s *Set) SetTransportCount(transport string, n int) {
	s.mu.Lock()
	s.byTransport[transport] = int64(n)
	s.mu.Unlock()
	promAgents.WithLabelValues(transport).Set(float64(n))
}

// Snapshot is one durable metrics record.
type Snapshot struct {
	ID                   string           `json:"id"`
	At                   time.Time        `json:"at"`
	ActiveConnections    int64            `json:"activeConnections"`
	TotalConnections     int64            `json:"totalConnections"`
	Disconnects          int64            `json:"disconnects"`
	AuthFailures         int64            `json:"authFailures"`
	RevokedTokenSessions int64            `json:"revokedTokenSessions"`
	MessagesSent         int64            `json:"messagesSent"`
	MessagesLost         int64            `json:"messagesLost"`
	MessageRetries       int64            `json:"messageRetries"`
	RefreshFailures      int64            `json:"refreshFailures"`
	AgentsByTransport    map[string]int64 `json:"agentsByTransport"`
}

// Snapshot captures the current counter values.
func (s *Set) Snapshot() Snapshot {
	s.mu.Lock()
	byTransport := make(map[string]int64, len(s.byTransport))
	for k, v := range s.byTransport {
		byTransport[k] = v
	}
	s.mu.Unlock()

	return Snapshot{
		ID:                   util.MustID(),
		At:                   time.Now().UTC(),
		ActiveConnections:    s.active.Load(),
		TotalConnections:     s.connections.Load(),
		Disconnects:          s.disconnects.Load(),
		AuthFailures:         s.authFailures.Load(),
		RevokedTokenSessions: s.revokedLive.Load(),
		MessagesSent:         s.sent.Load(),
		MessagesLost:         s.lost.Load(),
		MessageRetries:       s.retries.Load(),
		RefreshFailures:      s.refreshFailures.Load(),
		AgentsByTransport:    byTransport,
	}
}

// Flush appends one snapshot line to the JSON-lines log.
func (s *Set) Flush() {
	if s.logPath == "" {
		return
	}
	snap := s.Snapshot()
	line, err := json.Marshal(snap)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logging.Named("metrics").Warn("metrics log open", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		logging.Named("metrics").Warn("metrics log write", zap.Error(err))
	}
}

// Report renders the snapshot as a human-readable text block.
func (s *Set) Report() string {
	snap := s.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "agent gateway metrics (%s)\n\n", snap.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "active connections:      %d\n", snap.ActiveConnections)
	fmt.Fprintf(&b, "total connections:       %d\n", snap.TotalConnections)
	fmt.Fprintf(&b, "disconnects:             %d\n", snap.Disconnects)
	fmt.Fprintf(&b, "auth failures:           %d\n", snap.AuthFailures)
	fmt.Fprintf(&b, "revoked-token sessions:  %d\n", snap.RevokedTokenSessions)
	fmt.Fprintf(&b, "messages sent:           %d\n", snap.MessagesSent)
	fmt.Fprintf(&b, "messages lost:           %d\n", snap.MessagesLost)
	fmt.Fprintf(&b, "message retries:         %d\n", snap.MessageRetries)
	fmt.Fprintf(&b, "refresh failures:        %d\n", snap.RefreshFailures)

	transports := make([]string, 0, len(snap.AgentsByTransport))
	for k := range snap.AgentsByTransport {
		transports = append(transports, k)
	}
	sort.Strings(transports)
	for _, tr := range transports {
		fmt.Fprintf(&b, "agents via %-12s %d\n", tr+":", snap.AgentsByTransport[tr])
	}
	return b.String()
}
