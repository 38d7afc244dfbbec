// internal/bridge/client.go
// The upstream session proper: credential acquisition, the WebSocket event
// stream, and the reconnection state machine.
//
// States: disconnected -> authenticating -> connected -> closing.  Any read
// error, ping failure or idle timeout tears the connection down and schedules
// a reconnect with exponential backoff (base 2s, cap 30s).  A reconnecting
// flag coalesces concurrent disconnect signals so at most one reconnect loop
// is in flight.  Disconnect reasons that indicate server-side invalidation
// drop the cached credential before the next authentication.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/pkg/chat"
)

// State of the upstream session.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Config parameterises the Bridge.
type Config struct {
	BaseURL  string // e.g. https://chat.example
	WSURL    string // e.g. wss://chat.example; required (cmd/agentgate derives it from the base URL)
	Username string // gateway principal username
	Token    string // gateway principal token
	DataDir  string // credential cache location; "" disables the mirror

	ConnectTimeout time.Duration // initial connect / dial deadline; default 10 s
	IdleTimeout    time.Duration // silent-connection threshold; default 60 s
	PingInterval   time.Duration // application ping cadence; default 30 s
}

func (c *Config) withDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Bridge implements Upstream over the chat server's REST + WebSocket API.
type Bridge struct {
	cfg   Config
	httpc *http.Client
	creds *credentialCache

	onMessage func(chat.Message)

	state        atomic.Int32
	reconnecting atomic.Bool
	lastActivity atomic.Int64 // unix nanos of last upstream traffic

	mu   sync.Mutex // guards conn and gen
	conn *websocket.Conn
	gen  int // connection generation; stale loops compare before tearing down

	closing   chan struct{}
	closeOnce sync.Once
}

// New builds a Bridge; call Subscribe then Connect.
func New(cfg Config) *Bridge {
	cfg.withDefaults()
	return &Bridge{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.ConnectTimeout},
		creds:   newCredentialCache(cfg.DataDir),
		closing: make(chan struct{}),
	}
}

// Subscribe registers the inbound callback.  Later calls replace the earlier
// one; the router is the only intended subscriber.
func (b *Bridge) Subscribe(fn func(chat.Message)) { b.onMessage = fn }

// Connected implements Upstream.
func (b *Bridge) Connected() bool { return State(b.state.Load()) == StateConnected }

// CurrentState returns the session state for health reporting.
func (b *Bridge) CurrentState() State { return State(b.state.Load()) }

// LastActivity returns the time of the most recent upstream traffic.
func (b *Bridge) LastActivity() time.Time {
	ns := b.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Connect establishes the initial session.  On failure the reconnect loop is
// scheduled anyway so the gateway converges without operator action; the
// error is returned for startup logging only.
func (b *Bridge) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()
	if err := b.connect(ctx); err != nil {
		b.scheduleReconnect("initial connect failed")
		return err
	}
	return nil
}

// Close terminates the session permanently.  Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.state.Store(int32(StateClosing))
		close(b.closing)
		b.mu.Lock()
		if b.conn != nil {
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			_ = b.conn.Close()
			b.conn = nil
		}
		b.mu.Unlock()
	})
	return nil
}

// connect acquires a session credential and dials the event stream.
func (b *Bridge) connect(ctx context.Context) error {
	b.state.Store(int32(StateAuthenticating))

	token, ok := b.creds.get()
	if !ok {
		var err error
		token, err = b.authenticate(ctx)
		if err != nil {
			b.state.Store(int32(StateDisconnected))
			return err
		}
	}

	u := b.cfg.WSURL + "/api/v4/events?session=" + url.QueryEscape(token)
	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.ConnectTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			b.creds.drop()
		}
		b.state.Store(int32(StateDisconnected))
		return err
	}

	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.conn = conn
	b.mu.Unlock()

	b.touch()
	b.state.Store(int32(StateConnected))
	logging.Named("bridge").Info("upstream connected", zap.String("url", b.cfg.WSURL))

	done := make(chan struct{})
	go b.pinger(conn, done)
	go b.watchdog(conn, done)
	go b.readLoop(conn, gen, done)
	return nil
}

// authenticate trades the gateway principal for a session credential.
func (b *Bridge) authenticate(ctx context.Context) (string, error) {
	var out struct {
		SessionToken string     `json:"sessionToken"`
		ExpiresAt    *time.Time `json:"expiresAt"`
	}
	err := b.postJSON(ctx, b.cfg.BaseURL+"/api/v4/agents/auth", "", map[string]string{
		"username": b.cfg.Username,
		"token":    b.cfg.Token,
		"kind":     "gateway",
	}, &out)
	if err != nil {
		return "", err
	}
	var explicit time.Time
	if out.ExpiresAt != nil {
		explicit = *out.ExpiresAt
	}
	b.creds.put(out.SessionToken, expiryOf(out.SessionToken, explicit))
	return out.SessionToken, nil
}

// wire envelope of the upstream event stream.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wireMessage struct {
	ID         string `json:"id"`
	RoomID     string `json:"roomId"`
	RoomName   string `json:"roomName"`
	Sender     string `json:"sender"`
	SenderID   string `json:"senderId"`
	SenderKind string `json:"senderKind"`
	Content    string `json:"content"`
	Ts         int64  `json:"ts"` // epoch millis
}

// readLoop consumes the event stream until the connection dies, then tears
// down and schedules a reconnect.  Messages are handed to the subscriber in
// receive order; the loop does not reorder.
func (b *Bridge) readLoop(conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)

	var reason string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			if serverInvalidated(err) {
				b.creds.drop()
			}
			break
		}
		b.touch()

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Named("bridge").Debug("upstream frame undecodable", zap.Error(err))
			continue
		}
		switch env.Event {
		case "message":
			var wm wireMessage
			if err := json.Unmarshal(env.Data, &wm); err != nil {
				logging.Named("bridge").Warn("upstream message undecodable", zap.Error(err))
				continue
			}
			if b.onMessage != nil {
				b.onMessage(chat.Message{
					ID:         wm.ID,
					RoomID:     wm.RoomID,
					RoomName:   wm.RoomName,
					Sender:     wm.Sender,
					SenderID:   wm.SenderID,
					SenderKind: chat.SenderKind(wm.SenderKind),
					Content:    wm.Content,
					Timestamp:  time.UnixMilli(wm.Ts),
				})
			}
		case "hello", "pong":
			// liveness only; touch() above already recorded it
		default:
			logging.Named("bridge").Debug("upstream event ignored", zap.String("event", env.Event))
		}
	}

	// Tear down only if we are still the current generation; a stale loop
	// must not clobber a newer connection.
	b.mu.Lock()
	current := b.gen == gen
	if current {
		b.conn = nil
	}
	b.mu.Unlock()
	_ = conn.Close()
	if !current {
		return
	}

	select {
	case <-b.closing:
		return
	default:
	}
	b.state.Store(int32(StateDisconnected))
	logging.Named("bridge").Warn("upstream disconnected", zap.String("reason", reason))
	b.scheduleReconnect(reason)
}

// serverInvalidated reports whether the close reason indicates the server
// revoked our session (token invalidation, policy close).
func serverInvalidated(err error) bool {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.ClosePolicyViolation, 4001, 4003:
			return true
		}
	}
	return false
}

// pinger writes an application-level ping on a fixed cadence.  It is the
// only writer on the upstream socket (sends go over REST), so no write lock
// is needed.
func (b *Bridge) pinger(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(b.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-b.closing:
			return
		case <-t.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(map[string]string{"event": "ping"}); err != nil {
				_ = conn.Close() // readLoop observes the error and reconnects
				return
			}
		}
	}
}

// watchdog closes the connection when no upstream traffic is observed for
// the idle window, turning a silent half-open connection into a reconnect.
func (b *Bridge) watchdog(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(b.cfg.IdleTimeout / 4)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-b.closing:
			return
		case <-t.C:
			if time.Since(b.LastActivity()) > b.cfg.IdleTimeout {
				logging.Named("bridge").Warn("upstream silent, forcing reconnect",
					zap.Duration("idle", b.cfg.IdleTimeout))
				_ = conn.Close()
				return
			}
		}
	}
}

// scheduleReconnect starts the single-flight reconnect loop.  Subsequent
// disconnect signals while one is running are coalesced.
func (b *Bridge) scheduleReconnect(reason string) {
	select {
	case <-b.closing:
		return
	default:
	}
	if !b.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer b.reconnecting.Store(false)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Second
		bo.MaxInterval = 30 * time.Second
		bo.Multiplier = 2
		bo.MaxElapsedTime = 0 // retry forever
		bo.Reset()            // start from InitialInterval, not the constructor's default

		for {
			wait := bo.NextBackOff()
			select {
			case <-b.closing:
				return
			case <-time.After(wait):
			}

			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ConnectTimeout)
			err := b.connect(ctx)
			cancel()
			if err == nil {
				return
			}
			if ue, ok := err.(*UpstreamError); ok && ue.IsAuthRejected() {
				b.creds.drop()
			}
			logging.Named("bridge").Warn("upstream reconnect failed",
				zap.String("cause", reason), zap.Error(err))
		}
	}()
}

func (b *Bridge) touch() { b.lastActivity.Store(time.Now().UnixNano()) }
