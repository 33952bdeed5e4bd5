package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Advisory lock ids. Each background job uses its own id.
const (
	LockOutboxRelay      int64 = 123456789
	LockReminderDispatch int64 = 123456790
)

// AdvisoryLocker holds a session-level pg_try_advisory_lock on a dedicated
// connection for the duration of a run.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	lockID int64
	logger *zap.Logger
}

// NewAdvisoryLocker creates a locker for lockID.
func NewAdvisoryLocker(pool *pgxpool.Pool, lockID int64, logger *zap.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdvisoryLocker{pool: pool, lockID: lockID, logger: logger}
}

// TryLock acquires the lock without waiting. The advisory lock belongs to a
// session, so the connection is held until unlock is called.
func (l *AdvisoryLocker) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		// The run's context may already be cancelled; unlocking must still happen.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
			l.logger.Error("failed to release advisory lock",
				zap.Int64("lock_id", l.lockID),
				zap.Error(err))
			// A broken session drops its advisory locks when closed.
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return unlock, true, nil
}
