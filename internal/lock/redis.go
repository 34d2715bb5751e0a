package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "editionsync:lock:"

	pollMin = 50 * time.Millisecond
	pollMax = time.Second
)

// releaseScript deletes the lock only if it is still held by the caller's
// token, so an expired-and-reacquired lock is never released by the old owner.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript resets the expiry only while the caller's token still owns the key.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis is a distributed lock backed by SET NX PX. While a lock is held a
// watchdog re-extends the key every ttl/3, so the TTL only bounds how long a
// crashed holder can block other processes.
type Redis struct {
	rdb goredis.UniversalClient
	ttl time.Duration
	log *slog.Logger
}

// NewRedis returns a Redis locker. ttl must be positive.
func NewRedis(rdb goredis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{rdb: rdb, ttl: ttl, log: logger}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %q: %w", addr, err)
	}
	return rdb, nil
}

// Lock polls until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()
	delay := pollMin

	for {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("acquiring lock %q: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %q: %w", key, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > pollMax {
			delay = pollMax
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(k, key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// The caller's ctx may already be cancelled; release on a fresh one.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.rdb, []string{k}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
				r.log.Error("releasing lock", "key", key, "error", err)
			}
		})
	}, nil
}

// keepAlive extends the key every ttl/3 until stop is closed or the token no
// longer owns the key. A failed extension is retried on the next tick.
func (r *Redis) keepAlive(k, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := r.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := extendScript.Run(ctx, r.rdb, []string{k}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil && !errors.Is(err, goredis.Nil):
			r.log.Warn("extending lock", "key", key, "error", err)
		case n == 0:
			r.log.Error("lock lost before release", "key", key)
			return
		}
	}
}
