package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/launchpool/settler/internal/pot"
)

// ClaimMeasurement captures the vault balance delta of one fee claim and
// its split between the rewards pool and the treasury.
type ClaimMeasurement struct {
	Signatures     []string
	AfterBalance   uint64
	TotalInflow    uint64
	RewardInflow   uint64
	TreasuryInflow uint64
}

// DecidePayParams commits an epoch to paying out: claim results, pot
// composition and the payout plan land in one transaction, the state carry
// drops to zero, and the treasury accrues this epoch's share exactly once.
// CarryIn is the carry the pot was composed from; the transaction aborts
// if the stored carry no longer matches it.
type DecidePayParams struct {
	EpochID  uuid.UUID
	Claim    ClaimMeasurement
	CarryIn  uint64
	TotalPot uint64
	Plan     [3]pot.PlanEntry
}

// DecideSkipParams settles an epoch without a payout: the pot rolls into
// the carry, the treasury still accrues, and the period cursor advances.
type DecideSkipParams struct {
	EpochID   uuid.UUID
	Claim     ClaimMeasurement
	CarryIn   uint64
	TotalPot  uint64
	Reason    string
	PeriodID  string
	PeriodEnd time.Time
}

// FinalizeParams completes a paying epoch: winner rows are written from the
// persisted plan and the period cursor advances, all in one transaction.
type FinalizeParams struct {
	EpochID   uuid.UUID
	PeriodID  string
	PeriodEnd time.Time
	Signature string
	TotalPaid uint64
	Plan      [3]pot.PlanEntry
}

// GetEpoch returns an epoch by id.
func (s *Store) GetEpoch(ctx context.Context, id uuid.UUID) (*Epoch, error) {
	return scanEpoch(s.pool.QueryRow(ctx,
		`SELECT `+epochColumns+` FROM rewards_epochs WHERE id = $1`, id))
}

// GetEpochByPeriodID returns the epoch for a leaderboard period, or
// ErrNotFound when the period has never been picked up.
func (s *Store) GetEpochByPeriodID(ctx context.Context, periodID string) (*Epoch, error) {
	return scanEpoch(s.pool.QueryRow(ctx,
		`SELECT `+epochColumns+` FROM rewards_epochs WHERE period_id = $1`, periodID))
}

// CreateEpoch inserts a created epoch for the period, snapshotting the pool
// bps in force right now. If the period already has an epoch the existing
// row is returned unchanged.
func (s *Store) CreateEpoch(ctx context.Context, periodID string, periodStart, periodEnd time.Time, poolBps uint16) (*Epoch, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rewards_epochs (period_id, period_start, period_end, rewards_pool_bps)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (period_id) DO NOTHING
	`, periodID, periodStart, periodEnd, poolBps)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoch for period %s: %w", periodID, err)
	}
	if tag.RowsAffected() == 1 {
		s.log.Info("store: created epoch", "period", periodID, "poolBps", poolBps)
	}
	return s.GetEpochByPeriodID(ctx, periodID)
}

// MarkEpochClaiming records the pre-claim vault balance and moves the epoch
// into claiming. This write lands before any fees are claimed so a crash
// mid-claim leaves enough to recompute the inflow later.
func (s *Store) MarkEpochClaiming(ctx context.Context, id uuid.UUID, beforeBalance uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rewards_epochs
		SET status = $2, before_balance = $3, claim_started_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, StatusClaiming, beforeBalance, StatusCreated)
	if err != nil {
		return fmt.Errorf("failed to mark epoch claiming: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("epoch %s was not in created status", id)
	}
	return nil
}

// DecidePay runs the pay decision transaction.
func (s *Store) DecidePay(ctx context.Context, p DecidePayParams) error {
	sigs, err := json.Marshal(p.Claim.Signatures)
	if err != nil {
		return fmt.Errorf("failed to marshal claim signatures: %w", err)
	}
	plan, err := json.Marshal(p.Plan[:])
	if err != nil {
		return fmt.Errorf("failed to marshal payout plan: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rewards_epochs
			SET status = $2,
			    after_balance = $3, total_inflow = $4, reward_inflow = $5, treasury_inflow = $6,
			    claim_tx_signatures = $7, claim_completed_at = COALESCE(claim_completed_at, now()),
			    carry_in = $8, total_pot = $9,
			    payout_plan = $10, payout_started_at = now(), total_paid = $9,
			    updated_at = now()
			WHERE id = $1 AND status IN ($11, $12)
		`, p.EpochID, StatusPaying,
			p.Claim.AfterBalance, p.Claim.TotalInflow, p.Claim.RewardInflow, p.Claim.TreasuryInflow,
			sigs, p.CarryIn, p.TotalPot, plan, StatusCreated, StatusClaiming)
		if err != nil {
			return fmt.Errorf("failed to update epoch for payout: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("epoch %s was not in a decidable status", p.EpochID)
		}

		if err := accrueTreasury(ctx, tx, p.EpochID, p.Claim.TreasuryInflow); err != nil {
			return err
		}

		// The pot now belongs to this epoch's payout; the carry is spent.
		// Guarded on the carry the pot was composed from: if anything moved
		// it since the read, the whole decision rolls back instead of
		// overwriting the newer value.
		tag, err = tx.Exec(ctx, `
			UPDATE rewards_state SET carry_rewards_lamports = 0, updated_at = now()
			WHERE id = 1 AND carry_rewards_lamports = $1
		`, p.CarryIn)
		if err != nil {
			return fmt.Errorf("failed to zero rewards carry: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("rewards carry moved since it was read as %d, pay decision aborted", p.CarryIn)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("store: epoch committed to payout",
		"epoch", p.EpochID, "carryIn", p.CarryIn, "totalPot", p.TotalPot)
	return nil
}

// DecideSkip runs the skip decision transaction.
func (s *Store) DecideSkip(ctx context.Context, p DecideSkipParams) error {
	sigs, err := json.Marshal(p.Claim.Signatures)
	if err != nil {
		return fmt.Errorf("failed to marshal claim signatures: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rewards_epochs
			SET status = $2, failure_reason = $3,
			    after_balance = $4, total_inflow = $5, reward_inflow = $6, treasury_inflow = $7,
			    claim_tx_signatures = $8, claim_completed_at = COALESCE(claim_completed_at, now()),
			    carry_in = $9, total_pot = $10,
			    updated_at = now()
			WHERE id = $1 AND status IN ($11, $12)
		`, p.EpochID, StatusSkipped, p.Reason,
			p.Claim.AfterBalance, p.Claim.TotalInflow, p.Claim.RewardInflow, p.Claim.TreasuryInflow,
			sigs, p.CarryIn, p.TotalPot, StatusCreated, StatusClaiming)
		if err != nil {
			return fmt.Errorf("failed to update epoch for skip: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("epoch %s was not in a decidable status", p.EpochID)
		}

		if err := accrueTreasury(ctx, tx, p.EpochID, p.Claim.TreasuryInflow); err != nil {
			return err
		}

		// The whole pot rolls forward for the next period. Same carry guard
		// as the pay decision.
		tag, err = tx.Exec(ctx, `
			UPDATE rewards_state SET carry_rewards_lamports = $1, updated_at = now()
			WHERE id = 1 AND carry_rewards_lamports = $2
		`, p.TotalPot, p.CarryIn)
		if err != nil {
			return fmt.Errorf("failed to carry pot forward: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("rewards carry moved since it was read as %d, skip decision aborted", p.CarryIn)
		}

		return advanceCursor(ctx, tx, p.PeriodID, p.PeriodEnd)
	})
	if err != nil {
		return err
	}

	s.log.Info("store: epoch skipped",
		"epoch", p.EpochID, "reason", p.Reason, "carriedPot", p.TotalPot)
	return nil
}

// accrueTreasury adds the epoch's treasury share to the accrued total. The
// per-epoch flag flips false to true at most once, so a replayed decide
// never double-counts.
func accrueTreasury(ctx context.Context, tx pgx.Tx, epochID uuid.UUID, treasuryInflow uint64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE rewards_epochs SET treasury_accrued = TRUE
		WHERE id = $1 AND treasury_accrued = FALSE
	`, epochID)
	if err != nil {
		return fmt.Errorf("failed to flag treasury accrual: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE rewards_state
		SET treasury_accrued_lamports = treasury_accrued_lamports + $1, updated_at = now()
		WHERE id = 1
	`, treasuryInflow)
	if err != nil {
		return fmt.Errorf("failed to accrue treasury inflow: %w", err)
	}
	return nil
}

// SetEpochPayoutSignature persists the payout transaction signature the
// moment the transaction is accepted, before anything else happens. If the
// process dies right after the send, recovery can verify this signature
// instead of paying again.
func (s *Store) SetEpochPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rewards_epochs SET payout_tx_signature = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, signature, StatusPaying)
	if err != nil {
		return fmt.Errorf("failed to record payout signature: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("epoch %s was not in paying status", id)
	}
	return nil
}

// FinalizeEpoch completes a paying epoch: three winner rows, completed
// status, and the cursor advance commit together.
func (s *Store) FinalizeEpoch(ctx context.Context, p FinalizeParams) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, entry := range p.Plan {
			_, err := tx.Exec(ctx, `
				INSERT INTO rewards_winners
					(epoch_id, rank, wallet_address, user_id, profit_lamports, trade_count, payout_lamports)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT DO NOTHING
			`, p.EpochID, entry.Rank, entry.Wallet, entry.UserID,
				entry.ProfitLamports, entry.TradeCount, entry.AmountLamports)
			if err != nil {
				return fmt.Errorf("failed to insert winner rank %d: %w", entry.Rank, err)
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE rewards_epochs
			SET status = $2, payout_tx_signature = $3, payout_completed_at = now(),
			    total_paid = $4, updated_at = now()
			WHERE id = $1 AND status = $5
		`, p.EpochID, StatusCompleted, p.Signature, p.TotalPaid, StatusPaying)
		if err != nil {
			return fmt.Errorf("failed to complete epoch: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("epoch %s was not in paying status", p.EpochID)
		}

		return advanceCursor(ctx, tx, p.PeriodID, p.PeriodEnd)
	})
	if err != nil {
		return err
	}

	s.log.Info("store: epoch completed",
		"epoch", p.EpochID, "signature", p.Signature, "totalPaid", p.TotalPaid)
	return nil
}

// FailEpoch marks an epoch failed without touching the carry. Used when
// nothing was taken from the carry yet.
func (s *Store) FailEpoch(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rewards_epochs SET status = $2, failure_reason = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, StatusFailed, reason, StatusCompleted, StatusSkipped)
	if err != nil {
		return fmt.Errorf("failed to mark epoch failed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("epoch %s is already settled", id)
	}
	s.log.Warn("store: epoch failed", "epoch", id, "reason", reason)
	return nil
}

// FailEpochRestoringPot marks a paying epoch failed and returns its pot to
// the carry in the same transaction. The cursor does not move, so the next
// pass retries the same period.
func (s *Store) FailEpochRestoringPot(ctx context.Context, id uuid.UUID, reason string, totalPot uint64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rewards_epochs SET status = $2, failure_reason = $3, updated_at = now()
			WHERE id = $1 AND status = $4
		`, id, StatusFailed, reason, StatusPaying)
		if err != nil {
			return fmt.Errorf("failed to mark epoch failed: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("epoch %s was not in paying status", id)
		}

		_, err = tx.Exec(ctx, `
			UPDATE rewards_state
			SET carry_rewards_lamports = carry_rewards_lamports + $1, updated_at = now()
			WHERE id = 1
		`, totalPot)
		if err != nil {
			return fmt.Errorf("failed to restore pot to carry: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Warn("store: epoch failed, pot restored to carry",
		"epoch", id, "reason", reason, "restoredPot", totalPot)
	return nil
}

// ResetFailedEpoch returns a failed epoch to created for another attempt.
// Claim measurements are cleared so the inflow is measured fresh; whatever
// the failed run claimed already sits in the vault and in the carry.
func (s *Store) ResetFailedEpoch(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rewards_epochs
		SET status = $2, failure_reason = NULL,
		    before_balance = NULL, after_balance = NULL,
		    total_inflow = NULL, reward_inflow = NULL, treasury_inflow = NULL,
		    claim_started_at = NULL, claim_completed_at = NULL, claim_tx_signatures = '[]'::jsonb,
		    carry_in = NULL, total_pot = NULL,
		    payout_plan = NULL, payout_started_at = NULL, payout_tx_signature = NULL, total_paid = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, StatusCreated, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset epoch: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("epoch %s was not in failed status", id)
	}
	s.log.Info("store: failed epoch reset for retry", "epoch", id)
	return nil
}

// RecordRecoveredClaim stores a claim measurement recomputed during
// recovery and returns the epoch to created. The measurement stays on the
// row, so the next pass decides directly instead of claiming again.
func (s *Store) RecordRecoveredClaim(ctx context.Context, id uuid.UUID, m ClaimMeasurement) error {
	sigs, err := json.Marshal(m.Signatures)
	if err != nil {
		return fmt.Errorf("failed to marshal claim signatures: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE rewards_epochs
		SET status = $2,
		    after_balance = $3, total_inflow = $4, reward_inflow = $5, treasury_inflow = $6,
		    claim_tx_signatures = $7, claim_completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = $8
	`, id, StatusCreated,
		m.AfterBalance, m.TotalInflow, m.RewardInflow, m.TreasuryInflow, sigs, StatusClaiming)
	if err != nil {
		return fmt.Errorf("failed to record recovered claim: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("epoch %s was not in claiming status", id)
	}
	return nil
}

// ListStuckEpochs returns claiming or paying epochs whose last update is
// older than cutoff, oldest period first.
func (s *Store) ListStuckEpochs(ctx context.Context, cutoff time.Time) ([]Epoch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+epochColumns+`
		FROM rewards_epochs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY period_end ASC
	`, StatusClaiming, StatusPaying, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck epochs: %w", err)
	}
	defer rows.Close()
	return collectEpochs(rows)
}

// ListRecentEpochs returns settlement history, most recent period first.
func (s *Store) ListRecentEpochs(ctx context.Context, limit int) ([]Epoch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+epochColumns+`
		FROM rewards_epochs
		ORDER BY period_end DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list epochs: %w", err)
	}
	defer rows.Close()
	return collectEpochs(rows)
}

// LatestEpoch returns the epoch with the most recent period end.
func (s *Store) LatestEpoch(ctx context.Context) (*Epoch, error) {
	return scanEpoch(s.pool.QueryRow(ctx,
		`SELECT `+epochColumns+` FROM rewards_epochs ORDER BY period_end DESC LIMIT 1`))
}

// ListWinnersByEpochIDs returns winners grouped by epoch, each group sorted
// by rank.
func (s *Store) ListWinnersByEpochIDs(ctx context.Context, epochIDs []uuid.UUID) (map[uuid.UUID][]Winner, error) {
	if len(epochIDs) == 0 {
		return map[uuid.UUID][]Winner{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, epoch_id, rank, wallet_address, user_id,
		       profit_lamports, trade_count, payout_lamports, created_at
		FROM rewards_winners
		WHERE epoch_id = ANY($1)
		ORDER BY epoch_id, rank ASC
	`, epochIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list winners: %w", err)
	}
	defer rows.Close()

	winners := map[uuid.UUID][]Winner{}
	for rows.Next() {
		var w Winner
		if err := rows.Scan(&w.ID, &w.EpochID, &w.Rank, &w.WalletAddress, &w.UserID,
			&w.ProfitLamports, &w.TradeCount, &w.PayoutLamports, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		winners[w.EpochID] = append(winners[w.EpochID], w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate winners: %w", err)
	}
	return winners, nil
}

func collectEpochs(rows pgx.Rows) ([]Epoch, error) {
	epochs := []Epoch{}
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate epochs: %w", err)
	}
	return epochs, nil
}
