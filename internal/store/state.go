package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// EnsureState inserts the singleton state row if it does not exist yet.
// Safe to call on every startup.
func (s *Store) EnsureState(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rewards_state (id) VALUES (1)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure rewards state row: %w", err)
	}
	return nil
}

// GetState returns the singleton rewards state row.
func (s *Store) GetState(ctx context.Context) (*RewardsState, error) {
	return getState(ctx, s.pool)
}

func getState(ctx context.Context, q querier) (*RewardsState, error) {
	var st RewardsState
	err := q.QueryRow(ctx, `
		SELECT carry_rewards_lamports, treasury_accrued_lamports,
		       last_processed_period_id, last_processed_period_end, updated_at
		FROM rewards_state WHERE id = 1
	`).Scan(
		&st.CarryRewardsLamports, &st.TreasuryAccruedLamports,
		&st.LastProcessedPeriodID, &st.LastProcessedPeriodEnd, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read rewards state: %w", err)
	}
	return &st, nil
}

// AdvanceCursor moves the processed-period cursor forward. Used when a
// period's epoch is already settled and only the cursor lags behind.
func (s *Store) AdvanceCursor(ctx context.Context, periodID string, periodEnd time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return advanceCursor(ctx, tx, periodID, periodEnd)
	})
}

// advanceCursor updates the cursor inside tx. The guard keeps the cursor
// strictly monotonic by period end even if a transition replays.
func advanceCursor(ctx context.Context, tx pgx.Tx, periodID string, periodEnd time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE rewards_state
		SET last_processed_period_id = $1,
		    last_processed_period_end = $2,
		    updated_at = now()
		WHERE id = 1
		  AND (last_processed_period_end IS NULL OR last_processed_period_end < $2)
	`, periodID, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to advance period cursor: %w", err)
	}
	return nil
}
