package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/harvest/internal/shared"
)

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker guards singleton jobs across worker replicas.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker builds a Locker. A nil client makes every Acquire succeed.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the job lock. ok is false when another worker holds it.
func (l *Locker) Acquire(ctx context.Context, job string) (release func(), ok bool, err error) {
	if l == nil || l.client == nil {
		return func() {}, true, nil
	}
	key := shared.JobLockKey(job)
	token := uuid.NewString()
	ok, err = l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, true, nil
}
