package redisstore

import (
	"context"
	"fmt"
	"time"

	"sharepool/services/pool/internal/kv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 10 * time.Second
	lockPoll        = 50 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our owner id, so
// a holder whose TTL lapsed cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a SET NX PX lock shared by every replica on the same Redis.
//
//	<p>:lock:<key>  owner id, expires after TTL
type Locker struct {
	client *redis.Client
	keys   keys
	// TTL bounds how long a crashed holder blocks others.
	TTL time.Duration
	// Wait bounds how long Lock retries before ErrLockBusy.
	Wait time.Duration
}

var _ kv.Locker = (*Locker)(nil)

func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, keys: newKeys(prefix), TTL: defaultLockTTL, Wait: defaultLockWait}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.keys.k("lock", key)
	owner := uuid.NewString()
	deadline := time.NewTimer(l.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, k, owner, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				// The caller's ctx may be done by now.
				_ = releaseScript.Run(context.Background(), l.client, []string{k}, owner).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s", kv.ErrLockBusy, key)
		case <-ticker.C:
		}
	}
}
