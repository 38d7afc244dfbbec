// internal/eventlog/redis.go
// Redis-backed store for deployments where several gateway instances (or a
// restart-heavy single one) must agree on event ids.  INCR against a shared
// counter is the id allocator; entries live in a sorted set scored by id so
// replay is one ZRANGEBYSCORE.  Error handling mirrors the rest of the
// gateway's storage: append errors surface (the router must not hand a frame
// to a stream that cannot be replayed), read errors degrade to empty.
package eventlog

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
)

const (
	redisCounterKey = "agentgate:eventlog:seq"
	redisEntriesKey = "agentgate:eventlog:entries"
)

type redisStore struct {
	cli *redis.Client
}

// NewRedis returns a Store backed by the given client.
func NewRedis(cli *redis.Client) Store {
	return &redisStore{cli: cli}
}

func (r *redisStore) Append(ctx context.Context, e Entry) (int64, error) {
	id, err := r.cli.Incr(ctx, redisCounterKey).Result()
	if err != nil {
		return 0, err
	}
	e.ID = id
	if e.At.IsZero() {
		e.At = time.Now()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	if err := r.cli.ZAdd(ctx, redisEntriesKey, redis.Z{Score: float64(id), Member: string(body)}).Err(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *redisStore) Replay(ctx context.Context, principal string, afterID int64) ([]Entry, error) {
	vals, err := r.cli.ZRangeByScore(ctx, redisEntriesKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterID, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		logging.Named("eventlog").Warn("eventlog redis replay", zap.Error(err))
		return nil, nil
	}
	var out []Entry
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		if e.Principal == principal {
			out = append(out, e)
		}
	}
	return out, nil
}

// Prune walks expired members from the low end of the set.  Ids and
// timestamps increase together, so expired entries are a score prefix.
func (r *redisStore) Prune(ctx context.Context) error {
	cutoff := time.Now().Add(-Retention)
	var lastExpired int64

	for {
		vals, err := r.cli.ZRangeWithScores(ctx, redisEntriesKey, 0, 99).Result()
		if err != nil {
			logging.Named("eventlog").Warn("eventlog redis prune", zap.Error(err))
			return nil
		}
		if len(vals) == 0 {
			break
		}
		advanced := false
		for _, z := range vals {
			var e Entry
			if err := json.Unmarshal([]byte(z.Member.(string)), &e); err != nil {
				lastExpired = int64(z.Score) // undecodable, drop it
				advanced = true
				continue
			}
			if e.At.Before(cutoff) {
				lastExpired = e.ID
				advanced = true
			}
		}
		if !advanced {
			break
		}
		if err := r.cli.ZRemRangeByScore(ctx, redisEntriesKey,
			"-inf", strconv.FormatInt(lastExpired, 10)).Err(); err != nil {
			logging.Named("eventlog").Warn("eventlog redis prune", zap.Error(err))
			return nil
		}
		if len(vals) < 100 {
			break
		}
	}
	return nil
}
