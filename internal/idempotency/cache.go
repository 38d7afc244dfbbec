// internal/idempotency/cache.go
// Package idempotency caches send results keyed by (principal, idempotency
// key) so a retried POST returns the identical body instead of producing a
// duplicate room message.  Entries live for one hour.  The check/process/
// mark discipline belongs to the caller: look up before sending, store only
// after a successful send.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
)

// TTL is how long a cached result is honored.
const TTL = time.Hour

// Result is the replayable outcome of a successful send.
type Result struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Cache stores and replays send results.
type Cache interface {
	Get(ctx context.Context, principal, key string) (*Result, bool)
	Put(ctx context.Context, principal, key string, res Result)
	// Sweep drops expired entries (in-memory implementation only; Redis
	// expires server-side).
	Sweep()
}

// ---------------------------------------------------------------------------
// in-memory

type memEntry struct {
	res     Result
	expires time.Time
}

type memCache struct {
	mu sync.Mutex
	m  map[string]memEntry
}

// NewInMem returns a process-local Cache.
func NewInMem() Cache {
	return &memCache{m: map[string]memEntry{}}
}

func cacheKey(principal, key string) string { return principal + "\x00" + key }

func (c *memCache) Get(_ context.Context, principal, key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[cacheKey(principal, key)]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	res := e.res
	return &res, true
}

func (c *memCache) Put(_ context.Context, principal, key string, res Result) {
	c.mu.Lock()
	c.m[cacheKey(principal, key)] = memEntry{res: res, expires: time.Now().Add(TTL)}
	c.mu.Unlock()
}

func (c *memCache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.m {
		if now.After(e.expires) {
			delete(c.m, k)
		}
	}
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// redis

type redisCache struct {
	cli *redis.Client
}

// NewRedis returns a Cache shared across gateway instances.
func NewRedis(cli *redis.Client) Cache {
	return &redisCache{cli: cli}
}

func redisKey(principal, key string) string {
	return "agentgate:idem:" + principal + ":" + key
}

func (c *redisCache) Get(ctx context.Context, principal, key string) (*Result, bool) {
	body, err := c.cli.Get(ctx, redisKey(principal, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Named("idempotency").Warn("idempotency redis get", zap.Error(err))
		}
		return nil, false
	}
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, false
	}
	return &res, true
}

func (c *redisCache) Put(ctx context.Context, principal, key string, res Result) {
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.cli.Set(ctx, redisKey(principal, key), body, TTL).Err(); err != nil {
		logging.Named("idempotency").Warn("idempotency redis set", zap.Error(err))
	}
}

func (c *redisCache) Sweep() {} // server-side TTL
