package flight

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"enrollo/pkg/platform/sentinel"
)

const lockPrefix = "flight:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-taken by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with token-checked release.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire flight lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("flight lock %s: %w", key, sentinel.ErrLockHeld)
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{lockPrefix + key}, token).Err(); err != nil {
			return fmt.Errorf("release flight lock: %w", err)
		}
		return nil
	}, nil
}
