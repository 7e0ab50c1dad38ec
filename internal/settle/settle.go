// Package settle is the settlement state machine. Each pass first recovers
// any epoch stuck mid-phase, then drives at most one leaderboard period
// through claim, decide, payout and finalize. Every phase boundary is a
// durable store write, so a crash at any point is either resumed or
// compensated on a later pass.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/launchpool/settler/internal/leaderboard"
	"github.com/launchpool/settler/internal/ledger"
	"github.com/launchpool/settler/internal/metrics"
	"github.com/launchpool/settler/internal/pot"
	"github.com/launchpool/settler/internal/store"
)

// DryRunSignature is recorded instead of a transaction signature when
// payouts are suppressed by configuration.
const DryRunSignature = "DRY_RUN_NO_TX"

const defaultStuckTimeout = 15 * time.Minute

// winnerCount is the number of paid ranks per epoch, fixed by the payout
// weights.
const winnerCount = len(pot.PayoutWeights)

// Store is the durable state the machine transitions through.
type Store interface {
	GetState(ctx context.Context) (*store.RewardsState, error)
	AdvanceCursor(ctx context.Context, periodID string, periodEnd time.Time) error
	GetEpochByPeriodID(ctx context.Context, periodID string) (*store.Epoch, error)
	CreateEpoch(ctx context.Context, periodID string, periodStart, periodEnd time.Time, poolBps uint16) (*store.Epoch, error)
	MarkEpochClaiming(ctx context.Context, id uuid.UUID, beforeBalance uint64) error
	DecidePay(ctx context.Context, p store.DecidePayParams) error
	DecideSkip(ctx context.Context, p store.DecideSkipParams) error
	SetEpochPayoutSignature(ctx context.Context, id uuid.UUID, signature string) error
	FinalizeEpoch(ctx context.Context, p store.FinalizeParams) error
	FailEpoch(ctx context.Context, id uuid.UUID, reason string) error
	FailEpochRestoringPot(ctx context.Context, id uuid.UUID, reason string, totalPot uint64) error
	ResetFailedEpoch(ctx context.Context, id uuid.UUID) error
	RecordRecoveredClaim(ctx context.Context, id uuid.UUID, m store.ClaimMeasurement) error
	ListStuckEpochs(ctx context.Context, cutoff time.Time) ([]store.Epoch, error)
}

// Ledger is the chain gateway.
type Ledger interface {
	VaultBalance(ctx context.Context) (uint64, error)
	ClaimFees(ctx context.Context) ([]string, error)
	SendPayout(ctx context.Context, entries []pot.PlanEntry) (string, error)
	AwaitConfirmation(ctx context.Context, signature string) error
	VerifyTransaction(ctx context.Context, signature string) (bool, error)
}

// Board is the read-only leaderboard query port.
type Board interface {
	NextPeriodToProcess(ctx context.Context, lastEnd *time.Time, now time.Time) (*leaderboard.Period, error)
	TopWalletsForPeriod(ctx context.Context, start, end time.Time, minTrades, limit int) ([]leaderboard.WalletStanding, error)
}

// Notifier announces terminal epoch outcomes, e.g. to a chat channel.
// Implementations must be best effort; the machine does not check for
// errors and never blocks settlement on an announcement.
type Notifier interface {
	EpochCompleted(ctx context.Context, epoch *store.Epoch, plan []pot.PlanEntry, signature string, totalPot uint64)
	EpochSkipped(ctx context.Context, epoch *store.Epoch, reason string, carriedPot uint64)
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Board  Board
	Ledger Ledger
	Clock  clockwork.Clock

	// Notifier is optional; nil disables announcements.
	Notifier Notifier

	// PoolBps is the rewards share of claimed fees, snapshotted onto each
	// epoch at creation.
	PoolBps uint16
	// MinTrades a wallet must have closed in the period to qualify.
	MinTrades int
	// VaultReserve is the balance the vault keeps after a payout.
	VaultReserve uint64
	// DryRun suppresses on-chain payouts; epochs still finalize with a
	// sentinel signature.
	DryRun bool
	// StuckTimeout is how old a claiming or paying epoch must be before
	// recovery takes it over.
	StuckTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Board == nil {
		return errors.New("leaderboard is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StuckTimeout == 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	return nil
}

// Settler drives epochs to settlement. One pass at a time; the scheduler
// guarantees passes never overlap.
type Settler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Settler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settle config: %w", err)
	}
	return &Settler{log: cfg.Logger, cfg: cfg}, nil
}

// Result summarizes one settlement pass.
type Result struct {
	// Recovered is the number of stuck epochs recovery resolved.
	Recovered int
	// PeriodID is the leaderboard period the pass worked on, empty when no
	// period was due.
	PeriodID string
	// Status is the epoch status at the end of the pass.
	Status store.EpochStatus
}

// Settle runs one full pass: recovery first, then at most one period.
func (s *Settler) Settle(ctx context.Context) (Result, error) {
	var res Result
	defer s.updateStateGauges(ctx)

	recovered, err := s.RecoverStuck(ctx)
	res.Recovered = recovered
	if err != nil {
		return res, err
	}
	if err := s.settleNext(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

// RecoverStuck resolves epochs left in claiming or paying longer than the
// stuck timeout. Individual recovery failures are logged and skipped so one
// bad epoch cannot block the rest; the error return is reserved for not
// being able to list stuck epochs at all.
func (s *Settler) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.StuckTimeout)
	stuck, err := s.cfg.Store.ListStuckEpochs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck epochs: %w", err)
	}

	recovered := 0
	for i := range stuck {
		epoch := &stuck[i]
		s.log.Warn("settle: recovering stuck epoch",
			"period", epoch.PeriodID, "status", epoch.Status, "updatedAt", epoch.UpdatedAt)

		var err error
		switch epoch.Status {
		case store.StatusClaiming:
			err = s.recoverClaiming(ctx, epoch)
		case store.StatusPaying:
			err = s.recoverPaying(ctx, epoch)
		}
		if err != nil {
			s.log.Error("settle: failed to recover stuck epoch",
				"period", epoch.PeriodID, "status", epoch.Status, "error", err)
			metrics.RecoveredEpochsTotal.WithLabelValues("error").Inc()
			continue
		}
		recovered++
	}
	return recovered, nil
}

// recoverClaiming recomputes the claim inflow from the recorded pre-claim
// balance. Fees claimed before the crash are captured by the balance delta;
// the claim itself is never retried.
func (s *Settler) recoverClaiming(ctx context.Context, epoch *store.Epoch) error {
	if epoch.BeforeBalance == nil {
		metrics.RecoveredEpochsTotal.WithLabelValues("failed").Inc()
		return s.cfg.Store.FailEpoch(ctx, epoch.ID, store.ReasonStuckClaimingNoBalance)
	}

	after, err := s.cfg.Ledger.VaultBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-read vault balance: %w", err)
	}
	var totalInflow uint64
	if after > *epoch.BeforeBalance {
		totalInflow = after - *epoch.BeforeBalance
	}
	rewardInflow, treasuryInflow := pot.SplitInflow(totalInflow, epoch.RewardsPoolBps)

	err = s.cfg.Store.RecordRecoveredClaim(ctx, epoch.ID, store.ClaimMeasurement{
		Signatures:     epoch.ClaimTxSignatures,
		AfterBalance:   after,
		TotalInflow:    totalInflow,
		RewardInflow:   rewardInflow,
		TreasuryInflow: treasuryInflow,
	})
	if err != nil {
		return err
	}
	s.log.Info("settle: recovered claim from balance delta",
		"period", epoch.PeriodID, "totalInflow", totalInflow)
	metrics.RecoveredEpochsTotal.WithLabelValues("remeasured").Inc()
	return nil
}

// recoverPaying resolves an epoch that crashed between the pay decision and
// finalize. A persisted signature that verifies means the transfer landed
// and only bookkeeping is missing. An unverified or missing signature with
// a persisted plan means the transfer can be sent: verification just proved
// the old attempt never landed, and its blockhash expired long before the
// stuck timeout. Without a plan there is nothing safe to do but return the
// pot to the carry.
func (s *Settler) recoverPaying(ctx context.Context, epoch *store.Epoch) error {
	totalPot := orZero(epoch.TotalPot)

	if epoch.PayoutTxSignature != nil && *epoch.PayoutTxSignature != "" {
		ok, err := s.cfg.Ledger.VerifyTransaction(ctx, *epoch.PayoutTxSignature)
		if err != nil {
			return fmt.Errorf("failed to verify payout transaction: %w", err)
		}
		if ok {
			if err := s.finalize(ctx, epoch, *epoch.PayoutTxSignature, totalPot, epoch.PayoutPlan); err != nil {
				return err
			}
			metrics.RecoveredEpochsTotal.WithLabelValues("confirmed").Inc()
			return nil
		}
		s.log.Warn("settle: persisted payout signature never confirmed, re-sending",
			"period", epoch.PeriodID, "signature", *epoch.PayoutTxSignature)
	}

	if len(epoch.PayoutPlan) == winnerCount {
		status, err := s.payout(ctx, epoch, epoch.PayoutPlan, totalPot)
		if err != nil {
			return err
		}
		outcome := "repaid"
		if status == store.StatusFailed {
			outcome = "failed"
		}
		metrics.RecoveredEpochsTotal.WithLabelValues(outcome).Inc()
		return nil
	}

	metrics.RecoveredEpochsTotal.WithLabelValues("failed").Inc()
	return s.cfg.Store.FailEpochRestoringPot(ctx, epoch.ID, store.ReasonStuckPayingNoPlan, totalPot)
}

// settleNext processes the next unsettled leaderboard period, if any.
func (s *Settler) settleNext(ctx context.Context, res *Result) error {
	state, err := s.cfg.Store.GetState(ctx)
	if err != nil {
		return err
	}

	period, err := s.cfg.Board.NextPeriodToProcess(ctx, state.LastProcessedPeriodEnd, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to find next period: %w", err)
	}
	if period == nil {
		s.log.Debug("settle: no ended period awaiting settlement")
		return nil
	}
	res.PeriodID = period.ID

	epoch, runnable, err := s.resolveEpoch(ctx, period)
	if err != nil {
		return err
	}
	res.Status = epoch.Status
	if !runnable {
		return nil
	}

	claim, err := s.claim(ctx, epoch)
	if err != nil {
		return err
	}

	status, plan, totalPot, err := s.decide(ctx, epoch, claim)
	if err != nil {
		return err
	}
	res.Status = status
	if status != store.StatusPaying {
		return nil
	}

	status, err = s.payout(ctx, epoch, plan[:], totalPot)
	if err != nil {
		return err
	}
	res.Status = status
	return nil
}

// resolveEpoch finds or creates the epoch for the period and reports
// whether this pass may run it. Settled epochs only need the cursor pulled
// forward; claiming and paying epochs belong to recovery once they age
// past the stuck timeout.
func (s *Settler) resolveEpoch(ctx context.Context, period *leaderboard.Period) (*store.Epoch, bool, error) {
	epoch, err := s.cfg.Store.GetEpochByPeriodID(ctx, period.ID)
	if errors.Is(err, store.ErrNotFound) {
		epoch, err = s.cfg.Store.CreateEpoch(ctx, period.ID, period.StartTime, period.EndTime, s.cfg.PoolBps)
	}
	if err != nil {
		return nil, false, err
	}

	switch {
	case epoch.Status.Settled():
		if err := s.cfg.Store.AdvanceCursor(ctx, epoch.PeriodID, epoch.PeriodEnd); err != nil {
			return nil, false, err
		}
		return epoch, false, nil
	case epoch.Status == store.StatusClaiming || epoch.Status == store.StatusPaying:
		s.log.Info("settle: epoch in flight, waiting for stuck timeout",
			"period", epoch.PeriodID, "status", epoch.Status)
		return epoch, false, nil
	case epoch.Status == store.StatusFailed:
		s.log.Info("settle: retrying failed epoch",
			"period", epoch.PeriodID, "reason", orEmpty(epoch.FailureReason))
		if err := s.cfg.Store.ResetFailedEpoch(ctx, epoch.ID); err != nil {
			return nil, false, err
		}
		epoch, err = s.cfg.Store.GetEpochByPeriodID(ctx, period.ID)
		if err != nil {
			return nil, false, err
		}
	}
	return epoch, true, nil
}

// claim runs the claim phase, or reuses the measurements a recovered epoch
// already carries. The claiming status and pre-claim balance land in the
// store before any fees move, so a crash mid-claim can always be resolved
// from the balance delta.
func (s *Settler) claim(ctx context.Context, epoch *store.Epoch) (store.ClaimMeasurement, error) {
	if epoch.AfterBalance != nil {
		s.log.Info("settle: reusing recovered claim measurements",
			"period", epoch.PeriodID, "totalInflow", orZero(epoch.TotalInflow))
		return store.ClaimMeasurement{
			Signatures:     epoch.ClaimTxSignatures,
			AfterBalance:   *epoch.AfterBalance,
			TotalInflow:    orZero(epoch.TotalInflow),
			RewardInflow:   orZero(epoch.RewardInflow),
			TreasuryInflow: orZero(epoch.TreasuryInflow),
		}, nil
	}

	before, err := s.cfg.Ledger.VaultBalance(ctx)
	if err != nil {
		return store.ClaimMeasurement{}, fmt.Errorf("failed to read pre-claim balance: %w", err)
	}
	if err := s.cfg.Store.MarkEpochClaiming(ctx, epoch.ID, before); err != nil {
		return store.ClaimMeasurement{}, err
	}

	signatures, err := s.cfg.Ledger.ClaimFees(ctx)
	if err != nil {
		return store.ClaimMeasurement{}, fmt.Errorf("failed to claim fees: %w", err)
	}
	after, err := s.cfg.Ledger.VaultBalance(ctx)
	if err != nil {
		return store.ClaimMeasurement{}, fmt.Errorf("failed to read post-claim balance: %w", err)
	}

	var totalInflow uint64
	if after > before {
		totalInflow = after - before
	}
	rewardInflow, treasuryInflow := pot.SplitInflow(totalInflow, epoch.RewardsPoolBps)
	s.log.Info("settle: claim complete",
		"period", epoch.PeriodID, "claims", len(signatures),
		"totalInflow", totalInflow, "rewardInflow", rewardInflow, "treasuryInflow", treasuryInflow)

	return store.ClaimMeasurement{
		Signatures:     signatures,
		AfterBalance:   after,
		TotalInflow:    totalInflow,
		RewardInflow:   rewardInflow,
		TreasuryInflow: treasuryInflow,
	}, nil
}

// decide composes the pot and commits the epoch to either a skip or a
// payout in one store transaction. Once the pay decision commits, the
// carry is zero and the pot belongs to this epoch alone.
func (s *Settler) decide(ctx context.Context, epoch *store.Epoch, claim store.ClaimMeasurement) (store.EpochStatus, [winnerCount]pot.PlanEntry, uint64, error) {
	var plan [winnerCount]pot.PlanEntry

	state, err := s.cfg.Store.GetState(ctx)
	if err != nil {
		return "", plan, 0, err
	}
	carryIn := state.CarryRewardsLamports
	totalPot, err := pot.ComposePot(carryIn, claim.RewardInflow)
	if err != nil {
		return "", plan, 0, err
	}

	top, err := s.cfg.Board.TopWalletsForPeriod(ctx, epoch.PeriodStart, epoch.PeriodEnd, s.cfg.MinTrades, winnerCount)
	if err != nil {
		return "", plan, 0, fmt.Errorf("failed to query top wallets: %w", err)
	}

	if len(top) < winnerCount {
		s.log.Info("settle: skipping period, not enough eligible wallets",
			"period", epoch.PeriodID, "eligible", len(top), "carriedPot", totalPot)
		err := s.skip(ctx, epoch, claim, carryIn, totalPot, store.ReasonInsufficientEligibleWallets)
		return store.StatusSkipped, plan, totalPot, err
	}

	minRequired := totalPot + s.cfg.VaultReserve + ledger.EstimatePayoutFee(winnerCount)
	if claim.AfterBalance < minRequired {
		s.log.Warn("settle: skipping period, vault balance below required minimum",
			"period", epoch.PeriodID, "balance", claim.AfterBalance, "required", minRequired)
		err := s.skip(ctx, epoch, claim, carryIn, totalPot, store.ReasonInsufficientVaultBalance)
		return store.StatusSkipped, plan, totalPot, err
	}

	var standings [winnerCount]pot.Standing
	for i, w := range top[:winnerCount] {
		standings[i] = pot.Standing{
			Wallet:         w.Wallet,
			UserID:         w.UserID,
			ProfitLamports: w.ProfitLamports,
			TradeCount:     w.TradeCount,
		}
	}
	plan = pot.BuildPayoutPlan(totalPot, standings)

	err = s.cfg.Store.DecidePay(ctx, store.DecidePayParams{
		EpochID:  epoch.ID,
		Claim:    claim,
		CarryIn:  carryIn,
		TotalPot: totalPot,
		Plan:     plan,
	})
	if err != nil {
		return "", plan, 0, err
	}
	s.log.Info("settle: pay decision committed",
		"period", epoch.PeriodID, "carryIn", carryIn, "totalPot", totalPot)
	return store.StatusPaying, plan, totalPot, nil
}

func (s *Settler) skip(ctx context.Context, epoch *store.Epoch, claim store.ClaimMeasurement, carryIn, totalPot uint64, reason string) error {
	err := s.cfg.Store.DecideSkip(ctx, store.DecideSkipParams{
		EpochID:   epoch.ID,
		Claim:     claim,
		CarryIn:   carryIn,
		TotalPot:  totalPot,
		Reason:    reason,
		PeriodID:  epoch.PeriodID,
		PeriodEnd: epoch.PeriodEnd,
	})
	if err != nil {
		return err
	}
	metrics.EpochsSettledTotal.WithLabelValues(string(store.StatusSkipped)).Inc()
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.EpochSkipped(ctx, epoch, reason, totalPot)
	}
	return nil
}

// payout sends the planned transfer and finalizes. The signature is
// persisted the moment the send is accepted, before waiting on
// confirmation: if the process dies in between, recovery can verify the
// transaction instead of paying twice.
func (s *Settler) payout(ctx context.Context, epoch *store.Epoch, plan []pot.PlanEntry, totalPot uint64) (store.EpochStatus, error) {
	if s.cfg.DryRun {
		s.log.Info("settle: dry run, skipping on-chain payout", "period", epoch.PeriodID, "totalPot", totalPot)
		if err := s.finalize(ctx, epoch, DryRunSignature, totalPot, plan); err != nil {
			return "", err
		}
		return store.StatusCompleted, nil
	}

	signature, err := s.cfg.Ledger.SendPayout(ctx, plan)
	if err != nil {
		s.log.Error("settle: payout send failed, restoring pot to carry",
			"period", epoch.PeriodID, "totalPot", totalPot, "error", err)
		reason := fmt.Sprintf("payout_send_failed: %v", err)
		if err := s.cfg.Store.FailEpochRestoringPot(ctx, epoch.ID, reason, totalPot); err != nil {
			return "", err
		}
		metrics.EpochsSettledTotal.WithLabelValues(string(store.StatusFailed)).Inc()
		return store.StatusFailed, nil
	}

	if err := s.cfg.Store.SetEpochPayoutSignature(ctx, epoch.ID, signature); err != nil {
		return "", fmt.Errorf("failed to persist payout signature %s: %w", signature, err)
	}

	if err := s.cfg.Ledger.AwaitConfirmation(ctx, signature); err != nil {
		if errors.Is(err, ledger.ErrTransactionFailed) {
			s.log.Error("settle: payout failed on chain, restoring pot to carry",
				"period", epoch.PeriodID, "signature", signature, "error", err)
			reason := fmt.Sprintf("payout_transaction_failed: %v", err)
			if err := s.cfg.Store.FailEpochRestoringPot(ctx, epoch.ID, reason, totalPot); err != nil {
				return "", err
			}
			metrics.EpochsSettledTotal.WithLabelValues(string(store.StatusFailed)).Inc()
			return store.StatusFailed, nil
		}
		// Unconfirmed is not failed: the signature is persisted, so
		// recovery will verify before anything is re-sent.
		return "", fmt.Errorf("payout %s not confirmed yet: %w", signature, err)
	}

	if err := s.finalize(ctx, epoch, signature, totalPot, plan); err != nil {
		return "", err
	}
	return store.StatusCompleted, nil
}

// finalize writes winners, completes the epoch and advances the cursor.
func (s *Settler) finalize(ctx context.Context, epoch *store.Epoch, signature string, totalPot uint64, plan []pot.PlanEntry) error {
	if len(plan) != winnerCount {
		return fmt.Errorf("cannot finalize epoch %s with %d plan entries", epoch.ID, len(plan))
	}
	err := s.cfg.Store.FinalizeEpoch(ctx, store.FinalizeParams{
		EpochID:   epoch.ID,
		PeriodID:  epoch.PeriodID,
		PeriodEnd: epoch.PeriodEnd,
		Signature: signature,
		TotalPaid: totalPot,
		Plan:      [winnerCount]pot.PlanEntry(plan),
	})
	if err != nil {
		return err
	}
	s.log.Info("settle: epoch completed",
		"period", epoch.PeriodID, "totalPaid", totalPot, "signature", signature)
	metrics.EpochsSettledTotal.WithLabelValues(string(store.StatusCompleted)).Inc()
	metrics.LamportsPaidTotal.Add(float64(totalPot))
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.EpochCompleted(ctx, epoch, plan, signature, totalPot)
	}
	return nil
}

// updateStateGauges publishes the carry and treasury gauges from the
// current state row. Best effort.
func (s *Settler) updateStateGauges(ctx context.Context) {
	state, err := s.cfg.Store.GetState(ctx)
	if err != nil {
		s.log.Debug("settle: failed to refresh state gauges", "error", err)
		return
	}
	metrics.LamportsCarriedOver.Set(float64(state.CarryRewardsLamports))
	metrics.TreasuryAccruedLamports.Set(float64(state.TreasuryAccruedLamports))
}

func orZero(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func orEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
