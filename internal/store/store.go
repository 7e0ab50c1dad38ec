// Package store persists rewards settlement state in PostgreSQL: the
// singleton rewards state row, one epoch per leaderboard period, and the
// winner rows written when an epoch completes.
//
// Every state transition that must survive a crash is a single method here,
// and every multi-statement method runs in one transaction. The settlement
// state machine never touches the database except through this package.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/launchpool/settler/internal/pot"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// EpochStatus is the lifecycle status of a rewards epoch.
type EpochStatus string

const (
	StatusCreated   EpochStatus = "created"
	StatusClaiming  EpochStatus = "claiming"
	StatusPaying    EpochStatus = "paying"
	StatusCompleted EpochStatus = "completed"
	StatusSkipped   EpochStatus = "skipped"
	StatusFailed    EpochStatus = "failed"
)

// Settled reports whether the epoch reached a terminal outcome that will
// never be retried. Failed epochs are not settled; they reset to created on
// the next pass.
func (s EpochStatus) Settled() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Failure reasons recorded on skipped and failed epochs.
const (
	ReasonInsufficientEligibleWallets = "insufficient_eligible_wallets"
	ReasonInsufficientVaultBalance    = "insufficient_vault_balance"
	ReasonStuckClaimingNoBalance      = "stuck_in_claiming_no_before_balance"
	ReasonStuckPayingNoPlan           = "stuck_in_paying_no_plan"
)

// RewardsState is the singleton engine state row. Carry holds rewards rolled
// over from skipped epochs; treasury accrues the platform's share of claimed
// fees. The cursor marks the most recent period whose settlement finished.
type RewardsState struct {
	CarryRewardsLamports    uint64
	TreasuryAccruedLamports uint64
	LastProcessedPeriodID   *string
	LastProcessedPeriodEnd  *time.Time
	UpdatedAt               time.Time
}

// Epoch is one settlement run for one leaderboard period.
type Epoch struct {
	ID                uuid.UUID
	PeriodID          string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Status            EpochStatus
	RewardsPoolBps    uint16
	BeforeBalance     *uint64
	AfterBalance      *uint64
	TotalInflow       *uint64
	RewardInflow      *uint64
	TreasuryInflow    *uint64
	TreasuryAccrued   bool
	ClaimStartedAt    *time.Time
	ClaimCompletedAt  *time.Time
	ClaimTxSignatures []string
	CarryIn           *uint64
	TotalPot          *uint64
	PayoutPlan        []pot.PlanEntry
	PayoutStartedAt   *time.Time
	PayoutCompletedAt *time.Time
	PayoutTxSignature *string
	TotalPaid         *uint64
	FailureReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Winner is one paid rank of a completed epoch.
type Winner struct {
	ID             uuid.UUID
	EpochID        uuid.UUID
	Rank           int
	WalletAddress  string
	UserID         string
	ProfitLamports int64
	TradeCount     int64
	PayoutLamports uint64
	CreatedAt      time.Time
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

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so single reads can
// run inside or outside a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const epochColumns = `
	id, period_id, period_start, period_end, status, rewards_pool_bps,
	before_balance, after_balance, total_inflow, reward_inflow, treasury_inflow,
	treasury_accrued, claim_started_at, claim_completed_at, claim_tx_signatures,
	carry_in, total_pot, payout_plan, payout_started_at, payout_completed_at,
	payout_tx_signature, total_paid, failure_reason, created_at, updated_at`

func scanEpoch(row pgx.Row) (*Epoch, error) {
	var e Epoch
	err := row.Scan(
		&e.ID, &e.PeriodID, &e.PeriodStart, &e.PeriodEnd, &e.Status, &e.RewardsPoolBps,
		&e.BeforeBalance, &e.AfterBalance, &e.TotalInflow, &e.RewardInflow, &e.TreasuryInflow,
		&e.TreasuryAccrued, &e.ClaimStartedAt, &e.ClaimCompletedAt, &e.ClaimTxSignatures,
		&e.CarryIn, &e.TotalPot, &e.PayoutPlan, &e.PayoutStartedAt, &e.PayoutCompletedAt,
		&e.PayoutTxSignature, &e.TotalPaid, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan epoch: %w", err)
	}
	return &e, nil
}
