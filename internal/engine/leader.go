package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/launchpool/settler/internal/metrics"
)

// leaderLockKey is the advisory lock every replica competes for. The lock
// is session-scoped on a dedicated connection, so a dying process releases
// it the moment its connection drops.
const leaderLockKey int64 = 0x736574746c6572 // "settler"

type LeaderConfig struct {
	Logger *slog.Logger
	// ConnStr is dialed into a dedicated connection owned by the leader
	// lock. The shared pool is not used: advisory locks live and die with
	// one session.
	ConnStr string
}

func (cfg *LeaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnStr == "" {
		return errors.New("database connection string is required")
	}
	return nil
}

// Leader tracks whether this replica holds the settlement leadership lock.
// Acquisition is non-blocking; a replica that loses its lock connection
// demotes itself immediately and competes again on the next beat.
type Leader struct {
	log     *slog.Logger
	connStr string

	mu       sync.Mutex
	conn     *pgx.Conn
	isLeader bool
}

func NewLeader(cfg LeaderConfig) (*Leader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid leader config: %w", err)
	}
	return &Leader{log: cfg.Logger, connStr: cfg.ConnStr}, nil
}

// IsLeader reports the in-memory leadership state.
func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLeader
}

// Beat is called on every heartbeat. A leader proves its lock connection
// still works with a trivial query and demotes itself on any error; a
// follower attempts a non-blocking acquisition.
func (l *Leader) Beat(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isLeader {
		if _, err := l.conn.Exec(ctx, `SELECT 1`); err != nil {
			l.demote()
			return false, fmt.Errorf("leader heartbeat query failed: %w", err)
		}
		return true, nil
	}
	return l.tryAcquire(ctx)
}

func (l *Leader) tryAcquire(ctx context.Context) (bool, error) {
	if l.conn == nil || l.conn.IsClosed() {
		conn, err := pgx.Connect(ctx, l.connStr)
		if err != nil {
			return false, fmt.Errorf("failed to open leader lock connection: %w", err)
		}
		l.conn = conn
	}

	var acquired bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, leaderLockKey).Scan(&acquired); err != nil {
		l.demote()
		return false, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		metrics.IsLeader.Set(0)
		return false, nil
	}

	l.isLeader = true
	metrics.IsLeader.Set(1)
	l.log.Info("engine: acquired settlement leadership")
	return true, nil
}

// demote drops leadership in memory and discards the lock connection.
// Closing the session releases the advisory lock server-side.
func (l *Leader) demote() {
	if l.conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = l.conn.Close(closeCtx)
		cancel()
		l.conn = nil
	}
	if l.isLeader {
		l.log.Warn("engine: lost settlement leadership")
	}
	l.isLeader = false
	metrics.IsLeader.Set(0)
}

// Release gives up leadership on orderly shutdown: the lock is unlocked
// explicitly before the connection closes so a standby can take over
// without waiting out a TCP timeout.
func (l *Leader) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	if l.isLeader {
		if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, leaderLockKey); err != nil {
			l.log.Warn("engine: failed to release advisory lock", "error", err)
		} else {
			l.log.Info("engine: released settlement leadership")
		}
	}
	_ = l.conn.Close(ctx)
	l.conn = nil
	l.isLeader = false
	metrics.IsLeader.Set(0)
}
