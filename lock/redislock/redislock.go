// Package redislock implements lock.Locker on Redis so that several tally
// nodes sharing one database serialize the same users.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/tally"
	"github.com/xraph/tally/lock"
)

// compile-time interface check
var _ lock.Locker = (*Locker)(nil)

const (
	defaultTTL   = 30 * time.Second
	defaultRetry = 25 * time.Millisecond
	defaultWait  = 10 * time.Second
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a SET NX PX lock with a random token per acquisition.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix sets the key prefix. Default "tally:lock:".
func WithPrefix(p string) Option { return func(l *Locker) { l.prefix = p } }

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

// WithRetryInterval sets the polling interval while waiting.
func WithRetryInterval(d time.Duration) Option { return func(l *Locker) { l.retry = d } }

// WithMaxWait bounds how long Lock waits before returning tally.ErrLockTimeout.
func WithMaxWait(d time.Duration) Option { return func(l *Locker) { l.wait = d } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Locker) { l.logger = logger } }

// New creates a Locker on an existing client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "tally:lock:",
		ttl:    defaultTTL,
		retry:  defaultRetry,
		wait:   defaultWait,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect dials addr and pings it before returning a Locker.
func Connect(ctx context.Context, addr, password string, db int, opts ...Option) (*Locker, error) {
	if addr == "" {
		return nil, fmt.Errorf("redislock: address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redislock: failed to ping server: %w", err)
	}
	return New(client, opts...), nil
}

func (l *Locker) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	k := l.prefix + key
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		err := l.client.SetArgs(ctx, k, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
		if err == nil {
			return l.unlocker(k, token), nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redislock: acquire %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", tally.ErrLockTimeout, key)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(k, token string) lock.Unlock {
	var once sync.Once
	return func() { once.Do(func() { l.release(k, token) }) }
}

func (l *Locker) release(k, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{k}, token).Err(); err != nil {
		l.logger.Warn("redislock: release failed", "key", k, "error", err)
	}
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}
