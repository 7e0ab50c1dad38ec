// Package leaderboard reads the trading platform's leaderboard periods and
// closed trades. The settlement engine uses it to find the next period to
// settle and the top profitable wallets inside a period window.
//
// Everything here is read-only; settlement state never leaks back into the
// platform's tables.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/launchpool/settler/internal/sol"
)

// Period is one leaderboard competition window.
type Period struct {
	ID        string
	Name      string
	StartTime time.Time
	EndTime   time.Time
}

// WalletStanding is one wallet's aggregate over a period window.
type WalletStanding struct {
	Wallet         string
	UserID         string
	ProfitLamports int64
	TradeCount     int64
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Client struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

// NextPeriodToProcess returns the next ended period the engine should
// settle: the earliest period ending strictly after lastEnd with its end
// already in the past. A nil lastEnd means the engine has never settled
// anything; only the most recently ended period is returned then, so a
// fresh deployment does not backfill history.
//
// Returns nil when no period qualifies.
func (c *Client) NextPeriodToProcess(ctx context.Context, lastEnd *time.Time, now time.Time) (*Period, error) {
	var row pgx.Row
	if lastEnd == nil {
		row = c.pool.QueryRow(ctx, `
			SELECT id, name, start_time, end_time
			FROM leaderboard_periods
			WHERE end_time <= $1
			ORDER BY end_time DESC
			LIMIT 1
		`, now)
	} else {
		row = c.pool.QueryRow(ctx, `
			SELECT id, name, start_time, end_time
			FROM leaderboard_periods
			WHERE end_time > $1 AND end_time <= $2
			ORDER BY end_time ASC
			LIMIT 1
		`, *lastEnd, now)
	}

	var p Period
	err := row.Scan(&p.ID, &p.Name, &p.StartTime, &p.EndTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find next period: %w", err)
	}
	return &p, nil
}

// ActivePeriod returns the period covering now, or nil when none is
// running.
func (c *Client) ActivePeriod(ctx context.Context, now time.Time) (*Period, error) {
	var p Period
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, start_time, end_time
		FROM leaderboard_periods
		WHERE start_time <= $1 AND end_time > $1
		ORDER BY end_time ASC
		LIMIT 1
	`, now).Scan(&p.ID, &p.Name, &p.StartTime, &p.EndTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active period: %w", err)
	}
	return &p, nil
}

// TopWalletsForPeriod ranks wallets by summed profit over trades closed in
// [start, end). Wallets below minTrades, at or below zero profit, or with
// an address that is not a valid Solana pubkey are dropped. Ordering is
// profit desc, trade count desc, wallet asc, capped at limit.
func (c *Client) TopWalletsForPeriod(ctx context.Context, start, end time.Time, minTrades, limit int) ([]WalletStanding, error) {
	if limit <= 0 {
		return []WalletStanding{}, nil
	}

	// Fetch beyond limit so wallets dropped for an invalid address do not
	// leave rank slots empty that a later row could fill.
	fetchLimit := limit * 10
	rows, err := c.pool.Query(ctx, `
		SELECT wallet_address,
		       MIN(user_id) AS user_id,
		       SUM(profit_lamports)::bigint AS profit_lamports,
		       COUNT(*) AS trade_count
		FROM trade_events
		WHERE closed_at >= $1 AND closed_at < $2
		GROUP BY wallet_address
		HAVING COUNT(*) >= $3 AND SUM(profit_lamports) > 0
		ORDER BY SUM(profit_lamports) DESC, COUNT(*) DESC, wallet_address ASC
		LIMIT $4
	`, start, end, minTrades, fetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top wallets: %w", err)
	}
	defer rows.Close()

	standings := []WalletStanding{}
	for rows.Next() {
		var ws WalletStanding
		if err := rows.Scan(&ws.Wallet, &ws.UserID, &ws.ProfitLamports, &ws.TradeCount); err != nil {
			return nil, fmt.Errorf("failed to scan wallet standing: %w", err)
		}
		if err := sol.ValidateWalletAddress(ws.Wallet); err != nil {
			c.log.Warn("leaderboard: dropping wallet with invalid address",
				"wallet", ws.Wallet, "error", err)
			continue
		}
		standings = append(standings, ws)
		if len(standings) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wallet standings: %w", err)
	}
	return standings, nil
}
