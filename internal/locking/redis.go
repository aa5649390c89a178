package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker extends the local arena across executors sharing a Redis.
// The lease expires after ttl so a crashed executor cannot hold a request
// forever; mutations still carry a version check in the database.
type RedisLocker struct {
	client redis.UniversalClient
	local  *LocalLocker
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		local:  NewLocalLocker(),
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		prefix: "approvalflow:lock:request:",
	}
}

func (l *RedisLocker) key(requestID int64) string {
	return fmt.Sprintf("%s%d", l.prefix, requestID)
}

func (l *RedisLocker) Lock(ctx context.Context, requestID int64) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, requestID)
	if err != nil {
		return nil, err
	}

	key := l.key(requestID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release with a fresh context, the caller's may already be done
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				slog.Error("Failed to release request lock", "key", key, "error", err)
			}
			unlockLocal()
		})
	}, nil
}
