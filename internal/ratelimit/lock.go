package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockNamespace = "coursepay:lock:"

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockKeyEmpty      = errors.New("lock name is empty")
	ErrLockTTL           = errors.New("lock ttl must be positive")
)

// compare-and-delete: a lease that already expired and was taken by another
// instance is left alone.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named leases so only one instance runs a background job
// at a time. Leases expire after their ttl even if never released.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

func lockKey(name string) string {
	return lockNamespace + strings.ToLower(strings.TrimSpace(name))
}

// TryLock returns the lease token and whether the lease was acquired. A lease
// held elsewhere is not an error.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	switch {
	case l == nil || l.client == nil:
		return "", false, ErrLockNotConfigured
	case strings.TrimSpace(name) == "":
		return "", false, ErrLockKeyEmpty
	case ttl <= 0:
		return "", false, ErrLockTTL
	}

	token := uuid.NewString()
	err := l.client.SetArgs(ctx, lockKey(name), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// Release gives the lease back early. Releasing without a client is a no-op.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return releaseLease.Run(ctx, l.client, []string{lockKey(name)}, token).Err()
}
