package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"learnova.app/backend/internal/quota"
)

const (
	anonymousKeyPrefix = "learnova:anon:"
	// Visitor counters never reset by date; the TTL only evicts abandoned visitors.
	anonymousKeyTTL = 180 * 24 * time.Hour
)

// Returns the remaining count after the decrement, or -1 when nothing is left.
var reserveAnonymousScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then v = ARGV[1] end
v = tonumber(v)
if v <= 0 then return -1 end
v = v - 1
redis.call('SET', KEYS[1], v, 'EX', ARGV[2])
return v
`)

var releaseAnonymousScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return tonumber(ARGV[1]) end
v = math.min(tonumber(v) + 1, tonumber(ARGV[1]))
redis.call('SET', KEYS[1], v, 'EX', ARGV[2])
return v
`)

// RedisAnonymousStore keeps visitor counters in Redis so several API
// instances share them.
type RedisAnonymousStore struct {
	client redis.UniversalClient
	limit  int
}

func NewRedisAnonymousStore(client redis.UniversalClient, limit int) *RedisAnonymousStore {
	return &RedisAnonymousStore{client: client, limit: limit}
}

func anonymousKey(visitorID string) string {
	return anonymousKeyPrefix + visitorID
}

func (r *RedisAnonymousStore) Remaining(ctx context.Context, visitorID string) (int, error) {
	v, err := r.client.Get(ctx, anonymousKey(visitorID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.limit, nil
		}
		return 0, persistenceErr("redis get anonymous quota", err)
	}
	return min(max(v, 0), r.limit), nil
}

func (r *RedisAnonymousStore) Reserve(ctx context.Context, visitorID string) (int, error) {
	v, err := reserveAnonymousScript.Run(ctx, r.client, []string{anonymousKey(visitorID)}, r.limit, int(anonymousKeyTTL.Seconds())).Int()
	if err != nil {
		return 0, persistenceErr("redis reserve anonymous quota", err)
	}
	if v < 0 {
		return 0, quota.ErrSignUpRequired
	}
	return v, nil
}

func (r *RedisAnonymousStore) Release(ctx context.Context, visitorID string) (int, error) {
	v, err := releaseAnonymousScript.Run(ctx, r.client, []string{anonymousKey(visitorID)}, r.limit, int(anonymousKeyTTL.Seconds())).Int()
	if err != nil {
		return 0, persistenceErr("redis release anonymous quota", err)
	}
	return v, nil
}

func (r *RedisAnonymousStore) Clear(ctx context.Context, visitorID string) error {
	if err := r.client.Del(ctx, anonymousKey(visitorID)).Err(); err != nil {
		return persistenceErr("redis clear anonymous quota", err)
	}
	return nil
}

var _ AnonymousStore = (*RedisAnonymousStore)(nil)
