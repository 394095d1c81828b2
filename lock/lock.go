// Package lock provides a Redis-backed mutual exclusion lock for digest runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("lock is held by another process")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only if the key still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis hands out locks stored as Redis keys with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a lock manager. ttl bounds how long a crashed holder blocks others;
// a live holder keeps extending it until release.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// Acquire takes the lock for key, returning ErrHeld if it is taken.
// The lock is renewed every ttl/3 until the returned release function is called.
// Release only removes the lock if it is still ours.
func (r *Redis) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("set lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrHeld)
	}
	r.logger.Debug("Lock acquired", "key", key, "ttl", r.ttl.String())

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(context.WithoutCancel(ctx), key, token, stop, done)

	var once sync.Once
	release := func(ctx context.Context) error {
		once.Do(func() { close(stop) })
		<-done
		n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if n == 0 {
			r.logger.Warn("Lock expired before release", "key", key)
		}
		return nil
	}
	return release, nil
}

func (r *Redis) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ok, err := r.refresh(ctx, key, token)
		if err != nil {
			// The next tick tries again while the key is still alive.
			r.logger.Warn("Failed to renew lock", "key", key, "error", err)
			continue
		}
		if !ok {
			r.logger.Warn("Lock lost before renewal", "key", key)
			return
		}
	}
}

// refresh resets the TTL of key if it still carries token.
func (r *Redis) refresh(ctx context.Context, key, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.ttl/3)
	defer cancel()

	n, err := refreshScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return n == 1, nil
}
