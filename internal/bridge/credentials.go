// internal/bridge/credentials.go
// Expiry-aware cache for the gateway's upstream session credential.  The
// current credential is mirrored to a single-entry JSON file in the data dir
// so a restarted gateway can resume without re-authenticating; a stale entry
// is ignored on load.
//
// When the auth endpoint omits an explicit expiry the session token is a JWT
// and the exp claim is read from it without signature verification: the
// gateway only needs the timestamp, trust in the token comes from the server
// that just issued it over TLS.
package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
)

// expirySkew is subtracted from the stored expiry so a credential is never
// used within a minute of going stale.
const expirySkew = 60 * time.Second

const credentialFile = "credentials.json"

type credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type credentialCache struct {
	path string // "" disables the file mirror

	mu  sync.Mutex
	cur *credential
}

func newCredentialCache(dataDir string) *credentialCache {
	c := &credentialCache{}
	if dataDir != "" {
		c.path = filepath.Join(dataDir, credentialFile)
		c.load()
	}
	return c
}

// load restores the mirrored credential if present and still fresh.
func (c *credentialCache) load() {
	body, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var cred credential
	if err := json.Unmarshal(body, &cred); err != nil {
		logging.Named("bridge").Warn("credential cache unreadable, ignoring", zap.Error(err))
		return
	}
	if time.Now().After(cred.ExpiresAt.Add(-expirySkew)) {
		return // stale
	}
	c.cur = &cred
}

// get returns the cached token if it is still valid under the skew buffer.
func (c *credentialCache) get() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return "", false
	}
	if time.Now().After(c.cur.ExpiresAt.Add(-expirySkew)) {
		c.cur = nil
		return "", false
	}
	return c.cur.Token, true
}

// put stores a fresh credential and rewrites the file mirror.
func (c *credentialCache) put(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.cur = &credential{Token: token, ExpiresAt: expiresAt}
	c.mu.Unlock()

	if c.path == "" {
		return
	}
	body, _ := json.Marshal(credential{Token: token, ExpiresAt: expiresAt})
	if err := os.WriteFile(c.path, body, 0o600); err != nil {
		logging.Named("bridge").Warn("credential cache write failed", zap.Error(err))
	}
}

// drop discards the credential, forcing the next session to re-authenticate.
// Called when a disconnect reason indicates server-side invalidation.
func (c *credentialCache) drop() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
	if c.path != "" {
		_ = os.Remove(c.path)
	}
}

// expiryOf resolves a credential's expiry: the server-provided timestamp
// when present, otherwise the token's JWT exp claim, otherwise a
// conservative 10-minute default.
func expiryOf(token string, explicit time.Time) time.Time {
	if !explicit.IsZero() {
		return explicit
	}
	if claims := jwtClaims(token); claims != nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(10 * time.Minute)
}

func jwtClaims(token string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}
