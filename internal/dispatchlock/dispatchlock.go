// Package dispatchlock builds the lock that serializes reminder dispatch runs
// across every process able to start one: the cron dispatcher, the API's
// manual dispatch route and renewalctl.
package dispatchlock

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxrenew/internal/config"
	"github.com/drfirst/go-rxrenew/internal/domain/reminder"
	"github.com/drfirst/go-rxrenew/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrenew/pkg/lease"
)

// LeaseKey is the Redis key of the dispatch lease.
const LeaseKey = "rxrenew:reminder-dispatch"

// New returns the locker selected by DISPATCH_LOCK. A nil locker means runs
// are not serialized and rely on per-reminder claims alone. The returned
// close function is never nil.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (reminder.Locker, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() {}

	switch cfg.DispatchLock {
	case "postgres":
		if pool == nil {
			return nil, noop, fmt.Errorf("DISPATCH_LOCK=postgres needs a database pool")
		}
		return postgres.NewAdvisoryLocker(pool, postgres.LockReminderDispatch, logger), noop, nil

	case "redis":
		client, err := lease.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("dispatch lease: %w", err)
		}
		lcfg := lease.DefaultConfig(LeaseKey)
		if cfg.DispatchLockTTL > 0 {
			lcfg.TTL = cfg.DispatchLockTTL
		}
		l, err := lease.New(client, lcfg, logger)
		if err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("dispatch lease: %w", err)
		}
		return l, func() { _ = client.Close() }, nil

	case "none":
		logger.Warn("reminder dispatch runs are not serialized", zap.String("dispatch_lock", cfg.DispatchLock))
		return nil, noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown DISPATCH_LOCK %q", cfg.DispatchLock)
	}
}
