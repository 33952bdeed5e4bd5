// Package lease provides a Redis-backed exclusive lease for batch jobs that
// run on several replicas without a shared database session.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extend pushes the expiry out only while the key still holds our token.
var extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config holds lease configuration
type Config struct {
	// Key is the Redis key guarding the job
	Key string
	// TTL bounds how long a crashed holder keeps the lease
	TTL time.Duration
	// RefreshInterval is how often a live holder extends the lease back to
	// TTL. It must be shorter than TTL; zero means TTL/3.
	RefreshInterval time.Duration
}

// DefaultConfig returns a lease for key with a two minute TTL.
func DefaultConfig(key string) Config {
	return Config{Key: key, TTL: 2 * time.Minute}
}

// Lease is a SET NX PX lock with a random token per acquisition.
type Lease struct {
	client redis.UniversalClient
	config Config
	logger *zap.Logger
}

// New creates a lease.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Lease, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		return nil, errors.New("lease key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig(cfg.Key).TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTL / 3
	}
	if cfg.RefreshInterval >= cfg.TTL {
		return nil, fmt.Errorf("lease refresh interval %s must be shorter than ttl %s", cfg.RefreshInterval, cfg.TTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lease{client: client, config: cfg, logger: logger}, nil
}

// TryLock acquires the lease without waiting. While held, the lease is
// extended every RefreshInterval, so a run longer than TTL keeps it. The
// returned unlock stops the extension and releases the lease unless it was
// already lost to someone else.
func (l *Lease) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.config.Key, token, l.config.TTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.config.Key, err)
	}
	if !ok {
		return nil, false, nil
	}

	keepCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go l.keepAlive(keepCtx, token, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			stop()
			<-done
			l.release(token)
		})
	}
	return unlock, true, nil
}

func (l *Lease) keepAlive(ctx context.Context, token string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendCtx, cancel := context.WithTimeout(ctx, l.config.RefreshInterval)
			n, err := extend.Run(extendCtx, l.client, []string{l.config.Key}, token, l.config.TTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("failed to extend lease", zap.String("key", l.config.Key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("lease lost while held", zap.String("key", l.config.Key),
					zap.Duration("ttl", l.config.TTL))
				return
			}
		}
	}
}

func (l *Lease) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := release.Run(ctx, l.client, []string{l.config.Key}, token).Int()
	if err != nil {
		l.logger.Error("failed to release lease", zap.String("key", l.config.Key), zap.Error(err))
		return
	}
	if n == 0 {
		l.logger.Warn("lease expired before release", zap.String("key", l.config.Key),
			zap.Duration("ttl", l.config.TTL))
	}
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
