// Package lock provides the named, expiring locks that keep batch runs and
// DLQ sweeps from overlapping, within one process or across instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/go-redis/redis/v8"
)

// ErrLocked is returned by Acquire when the lock is held by someone else.
var ErrLocked = errors.New("lock is held")

// Unlock releases an acquired lock. Releasing a lock that has expired and
// been taken by another holder is a no-op.
type Unlock func(ctx context.Context) error

// Locker hands out named locks with a time-to-live.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

type localEntry struct {
	token   string
	expires time.Time
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock util.Clock
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker(clock util.Clock) *LocalLocker {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &LocalLocker{held: make(map[string]localEntry), clock: clock}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLocked
	}
	token := util.GenerateRandomHex(16)
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if e, ok := l.held[key]; ok && e.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance connected to the same
// Redis database.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a RedisLocker. Keys are stored under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "outreach:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// NewRedisClient builds a client from address, password and database number.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Acquire implements Locker with SET NX PX.
func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	token := util.GenerateRandomHex(16)
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock %s: %w", full, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	slog.Debug("RedisLocker.Acquire", "key", full, "ttl", ttl)
	return func(ctx context.Context) error {
		if err := unlockScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release redis lock %s: %w", full, err)
		}
		return nil
	}, nil
}
