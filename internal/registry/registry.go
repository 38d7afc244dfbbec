// internal/registry/registry.go
// Package registry loads and refreshes the authoritative agent snapshot and
// serves O(1) bearer-token authentication against it.
//
// The snapshot is fetched from an upstream configuration endpoint using the
// gateway's own token, with a local JSON file as bootstrap fallback.  The two
// sources are never simultaneously authoritative: a successful refresh
// overwrites the whole index, a failed refresh leaves the prior index intact.
// Callers must not cache Authenticate results past a single request; token
// validity may change between calls.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
)

// ErrNoSource is returned by Bootstrap when neither the endpoint nor the
// fallback file yields a snapshot.  Startup treats it as fatal.
var ErrNoSource = errors.New("registry: no config endpoint and no bootstrap file")

// Config parameterises a Registry.
type Config struct {
	Endpoint string // upstream config URL; "" disables remote refresh
	Token    string // gateway's own bearer token for the endpoint
	FilePath string // bootstrap fallback; "" disables the file source

	HTTPTimeout time.Duration // per-fetch timeout; default 10 s
}

// Registry holds the current agent snapshot plus derived indexes.  The whole
// index set is rebuilt off to the side and swapped under the write lock so
// readers never observe a partial index.
type Registry struct {
	cfg   Config
	httpc *http.Client

	mu         sync.RWMutex
	agents     []*Agent
	byToken    map[string]*Agent
	byUsername map[string]*Agent

	// onRefreshFailure is bumped on every failed refresh (metrics hook).
	onRefreshFailure func()
}

// New returns an empty Registry; call Bootstrap before serving.
func New(cfg Config) *Registry {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Registry{
		cfg:        cfg,
		httpc:      &http.Client{Timeout: cfg.HTTPTimeout},
		byToken:    map[string]*Agent{},
		byUsername: map[string]*Agent{},
	}
}

// OnRefreshFailure installs a callback invoked once per failed refresh.
func (r *Registry) OnRefreshFailure(fn func()) { r.onRefreshFailure = fn }

// snapshot is the wire/file format of an agent config document.
type snapshot struct {
	Agents []*Agent `json:"agents"`
}

// Bootstrap performs the initial load: endpoint first, file fallback second.
// Both missing or failing is a startup error.
func (r *Registry) Bootstrap(ctx context.Context) error {
	if r.cfg.Endpoint != "" {
		if err := r.Refresh(ctx); err == nil {
			return nil
		} else {
			logging.Named("registry").Warn("registry endpoint bootstrap failed, trying file",
				zap.String("endpoint", r.cfg.Endpoint), zap.Error(err))
		}
	}
	if r.cfg.FilePath != "" {
		if err := r.loadFile(); err == nil {
			return nil
		} else {
			logging.Named("registry").Warn("registry file bootstrap failed",
				zap.String("path", r.cfg.FilePath), zap.Error(err))
		}
	}
	return ErrNoSource
}

// Refresh fetches the snapshot from the endpoint and swaps the index.  A
// fetch or decode error leaves the current index untouched.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.cfg.Endpoint == "" {
		return errors.New("registry: no endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		r.refreshFailed(err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("registry: endpoint returned %d", resp.StatusCode)
		r.refreshFailed(err)
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		r.refreshFailed(err)
		return err
	}
	if err := r.install(body); err != nil {
		r.refreshFailed(err)
		return err
	}
	return nil
}

func (r *Registry) refreshFailed(err error) {
	logging.Named("registry").Warn("registry refresh failed, serving prior snapshot", zap.Error(err))
	if r.onRefreshFailure != nil {
		r.onRefreshFailure()
	}
}

func (r *Registry) loadFile() error {
	body, err := os.ReadFile(r.cfg.FilePath)
	if err != nil {
		return err
	}
	return r.install(body)
}

// install decodes body and atomically swaps the index set.
func (r *Registry) install(body []byte) error {
	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("registry: decode snapshot: %w", err)
	}

	byToken := make(map[string]*Agent, len(snap.Agents))
	byUsername := make(map[string]*Agent, len(snap.Agents))
	for _, a := range snap.Agents {
		if a.ID == "" || a.Username == "" {
			continue
		}
		if a.Token != "" {
			byToken[a.Token] = a
		}
		byUsername[a.Username] = a
	}

	r.mu.Lock()
	r.agents = snap.Agents
	r.byToken = byToken
	r.byUsername = byUsername
	r.mu.Unlock()

	logging.Sugar().Debugw("registry snapshot installed", "agents", len(snap.Agents))
	return nil
}

// Authenticate resolves a bearer token to an active agent, or nil.  The
// result is valid for the current request only.
func (r *Registry) Authenticate(bearer string) *Agent {
	if bearer == "" {
		return nil
	}
	r.mu.RLock()
	a := r.byToken[bearer]
	r.mu.RUnlock()
	if a == nil || !a.Active() {
		return nil
	}
	return a
}

// ByUsername returns the agent with the given username, active or not.
func (r *Registry) ByUsername(name string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUsername[name]
}

// WebhookAgents returns active agents with a configured webhook URL.
func (r *Registry) WebhookAgents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Active() && a.WebhookURL != "" {
			out = append(out, a)
		}
	}
	return out
}

// All returns the current snapshot.  The slice is shared; callers must not
// mutate it or the agents it points to.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents
}
