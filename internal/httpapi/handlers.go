package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/launchpool/settler/internal/engine"
	"github.com/launchpool/settler/internal/pot"
	"github.com/launchpool/settler/internal/settle"
	"github.com/launchpool/settler/internal/store"
)

// Lamport amounts are serialized as decimal strings throughout; 64-bit
// integers are not safe as JSON numbers.

// StatusResponse is the GET /api/rewards/status payload.
type StatusResponse struct {
	Enabled          bool              `json:"enabled"`
	IsLeader         bool              `json:"isLeader"`
	DryRun           bool              `json:"dryRun"`
	CarryLamports    string            `json:"carryLamports"`
	TreasuryLamports string            `json:"treasuryLamports"`
	Cursor           *CursorInfo       `json:"cursor,omitempty"`
	Vault            *VaultInfo        `json:"vault,omitempty"`
	ActivePeriod     *ActivePeriodInfo `json:"activePeriod,omitempty"`
	LastEpoch        *EpochSummary     `json:"lastEpoch,omitempty"`
}

// CursorInfo is the most recent period whose settlement finished.
type CursorInfo struct {
	PeriodID  string    `json:"periodId"`
	PeriodEnd time.Time `json:"periodEnd"`
}

type VaultInfo struct {
	Address         string `json:"address"`
	BalanceLamports string `json:"balanceLamports"`
	BalanceSol      string `json:"balanceSol"`
}

// ActivePeriodInfo is the leaderboard period currently running, with a
// countdown to its end.
type ActivePeriodInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	EndsAt           time.Time `json:"endsAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

type EpochSummary struct {
	ID                   string    `json:"id"`
	PeriodID             string    `json:"periodId"`
	Status               string    `json:"status"`
	PeriodStart          time.Time `json:"periodStart"`
	PeriodEnd            time.Time `json:"periodEnd"`
	RewardInflowLamports *string   `json:"rewardInflowLamports,omitempty"`
	TotalPotLamports     *string   `json:"totalPotLamports,omitempty"`
	TotalPaidLamports    *string   `json:"totalPaidLamports,omitempty"`
	PayoutTxSignature    *string   `json:"payoutTxSignature,omitempty"`
	FailureReason        *string   `json:"failureReason,omitempty"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// HistoryResponse is the GET /api/rewards/history payload.
type HistoryResponse struct {
	Epochs []HistoryEpoch `json:"epochs"`
}

type HistoryEpoch struct {
	ID                     string        `json:"id"`
	PeriodID               string        `json:"periodId"`
	Status                 string        `json:"status"`
	PeriodStart            time.Time     `json:"periodStart"`
	PeriodEnd              time.Time     `json:"periodEnd"`
	TotalInflowLamports    *string       `json:"totalInflowLamports,omitempty"`
	RewardInflowLamports   *string       `json:"rewardInflowLamports,omitempty"`
	TreasuryInflowLamports *string       `json:"treasuryInflowLamports,omitempty"`
	CarryInLamports        *string       `json:"carryInLamports,omitempty"`
	TotalPotLamports       *string       `json:"totalPotLamports,omitempty"`
	TotalPaidLamports      *string       `json:"totalPaidLamports,omitempty"`
	PayoutTxSignature      *string       `json:"payoutTxSignature,omitempty"`
	FailureReason          *string       `json:"failureReason,omitempty"`
	Winners                []WinnerEntry `json:"winners"`
	UpdatedAt              time.Time     `json:"updatedAt"`
}

type WinnerEntry struct {
	Rank           int    `json:"rank"`
	Wallet         string `json:"wallet"`
	ProfitLamports string `json:"profitLamports"`
	TradeCount     int64  `json:"tradeCount"`
	PayoutLamports string `json:"payoutLamports"`
}

// RulesResponse is the GET /api/rewards/rules payload.
type RulesResponse struct {
	PoolBps              uint16   `json:"poolBps"`
	MinTrades            int      `json:"minTrades"`
	WinnersPerEpoch      int      `json:"winnersPerEpoch"`
	Split                []uint64 `json:"split"`
	VaultReserveLamports string   `json:"vaultReserveLamports"`
	VaultReserveSol      string   `json:"vaultReserveSol"`
	Eligibility          string   `json:"eligibility"`
}

// RunResponse is the POST /api/rewards/run payload.
type RunResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type LeaderResponse struct {
	IsLeader bool `json:"isLeader"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	state, err := s.cfg.Store.GetState(ctx)
	if err != nil {
		s.log.Error("httpapi: failed to load rewards state", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load rewards state")
		return
	}

	resp := StatusResponse{
		Enabled:          s.cfg.Engine.Enabled(),
		IsLeader:         s.cfg.Engine.IsLeader(),
		DryRun:           s.cfg.DryRun,
		CarryLamports:    lamports(state.CarryRewardsLamports),
		TreasuryLamports: lamports(state.TreasuryAccruedLamports),
	}
	if state.LastProcessedPeriodID != nil && state.LastProcessedPeriodEnd != nil {
		resp.Cursor = &CursorInfo{
			PeriodID:  *state.LastProcessedPeriodID,
			PeriodEnd: state.LastProcessedPeriodEnd.UTC(),
		}
	}

	if s.cfg.Vault != nil {
		if bal, err := s.vaultBalance(ctx); err != nil {
			s.log.Warn("httpapi: failed to read vault balance", "error", err)
		} else {
			resp.Vault = &VaultInfo{
				Address:         s.cfg.Vault.VaultAddress(),
				BalanceLamports: lamports(bal),
				BalanceSol:      solAmount(bal),
			}
		}
	}

	now := s.cfg.Clock.Now()
	if period, err := s.cfg.Board.ActivePeriod(ctx, now); err != nil {
		s.log.Warn("httpapi: failed to read active period", "error", err)
	} else if period != nil {
		remaining := int64(period.EndTime.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		resp.ActivePeriod = &ActivePeriodInfo{
			ID:               period.ID,
			Name:             period.Name,
			EndsAt:           period.EndTime.UTC(),
			RemainingSeconds: remaining,
		}
	}

	last, err := s.cfg.Store.LatestEpoch(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No epochs settled yet.
	case err != nil:
		s.log.Warn("httpapi: failed to load latest epoch", "error", err)
	default:
		resp.LastEpoch = summarizeEpoch(last)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()

	limit, err := historyLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	epochs, err := s.cfg.Store.ListRecentEpochs(ctx, limit)
	if err != nil {
		s.log.Error("httpapi: failed to list epochs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list epochs")
		return
	}

	ids := make([]uuid.UUID, len(epochs))
	for i := range epochs {
		ids[i] = epochs[i].ID
	}
	winners, err := s.cfg.Store.ListWinnersByEpochIDs(ctx, ids)
	if err != nil {
		s.log.Error("httpapi: failed to list winners", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list winners")
		return
	}

	resp := HistoryResponse{Epochs: make([]HistoryEpoch, len(epochs))}
	for i := range epochs {
		resp.Epochs[i] = historyEpoch(&epochs[i], winners[epochs[i].ID])
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, RulesResponse{
		PoolBps:              s.cfg.PoolBps,
		MinTrades:            s.cfg.MinTrades,
		WinnersPerEpoch:      len(pot.PayoutWeights),
		Split:                pot.PayoutWeights[:],
		VaultReserveLamports: lamports(s.cfg.VaultReserve),
		VaultReserveSol:      solAmount(s.cfg.VaultReserve),
		Eligibility: fmt.Sprintf(
			"top %d wallets by realized profit with at least %d closed trades in the period",
			len(pot.PayoutWeights), s.cfg.MinTrades),
	})
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, LeaderResponse{IsLeader: s.cfg.Engine.IsLeader()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminSecret == "" {
		s.writeJSON(w, http.StatusServiceUnavailable,
			RunResponse{OK: false, Message: "manual trigger is not configured"})
		return
	}
	secret := r.Header.Get(adminSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
		s.writeJSON(w, http.StatusUnauthorized, RunResponse{OK: false, Message: "unauthorized"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), manualRunTimeout)
	defer cancel()

	s.log.Info("httpapi: manual settlement run requested", "remote", remoteIP(r))
	res, err := s.cfg.Engine.RunNow(ctx)
	switch {
	case errors.Is(err, engine.ErrDisabled):
		s.writeJSON(w, http.StatusServiceUnavailable,
			RunResponse{OK: false, Message: "settlement engine is disabled"})
	case errors.Is(err, engine.ErrNotLeader):
		s.writeJSON(w, http.StatusConflict,
			RunResponse{OK: false, Message: "this replica is not the settlement leader"})
	case errors.Is(err, engine.ErrBusy):
		s.writeJSON(w, http.StatusConflict,
			RunResponse{OK: false, Message: "a settlement pass is already running"})
	case err != nil:
		s.log.Error("httpapi: manual settlement run failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError,
			RunResponse{OK: false, Message: fmt.Sprintf("settlement pass failed: %v", err)})
	default:
		s.writeJSON(w, http.StatusOK, RunResponse{OK: true, Message: runMessage(res)})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("httpapi: failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.cfg.Store.Ping(ctx); err != nil {
		s.log.Debug("httpapi: readyz store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("store not ready\n")); err != nil {
			s.log.Error("httpapi: failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("httpapi: failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("httpapi: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func summarizeEpoch(e *store.Epoch) *EpochSummary {
	return &EpochSummary{
		ID:                   e.ID.String(),
		PeriodID:             e.PeriodID,
		Status:               string(e.Status),
		PeriodStart:          e.PeriodStart.UTC(),
		PeriodEnd:            e.PeriodEnd.UTC(),
		RewardInflowLamports: lamportsPtr(e.RewardInflow),
		TotalPotLamports:     lamportsPtr(e.TotalPot),
		TotalPaidLamports:    lamportsPtr(e.TotalPaid),
		PayoutTxSignature:    e.PayoutTxSignature,
		FailureReason:        e.FailureReason,
		UpdatedAt:            e.UpdatedAt.UTC(),
	}
}

func historyEpoch(e *store.Epoch, winners []store.Winner) HistoryEpoch {
	h := HistoryEpoch{
		ID:                     e.ID.String(),
		PeriodID:               e.PeriodID,
		Status:                 string(e.Status),
		PeriodStart:            e.PeriodStart.UTC(),
		PeriodEnd:              e.PeriodEnd.UTC(),
		TotalInflowLamports:    lamportsPtr(e.TotalInflow),
		RewardInflowLamports:   lamportsPtr(e.RewardInflow),
		TreasuryInflowLamports: lamportsPtr(e.TreasuryInflow),
		CarryInLamports:        lamportsPtr(e.CarryIn),
		TotalPotLamports:       lamportsPtr(e.TotalPot),
		TotalPaidLamports:      lamportsPtr(e.TotalPaid),
		PayoutTxSignature:      e.PayoutTxSignature,
		FailureReason:          e.FailureReason,
		Winners:                make([]WinnerEntry, len(winners)),
		UpdatedAt:              e.UpdatedAt.UTC(),
	}
	for i, win := range winners {
		h.Winners[i] = WinnerEntry{
			Rank:           win.Rank,
			Wallet:         win.WalletAddress,
			ProfitLamports: strconv.FormatInt(win.ProfitLamports, 10),
			TradeCount:     win.TradeCount,
			PayoutLamports: lamports(win.PayoutLamports),
		}
	}
	return h
}

// historyLimit parses ?limit, defaulting to 20 and clamping to [1, 100].
func historyLimit(r *http.Request) (int, error) {
	q := r.URL.Query().Get("limit")
	if q == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if n < 1 {
		n = 1
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, nil
}

func runMessage(res settle.Result) string {
	var parts []string
	if res.Recovered > 0 {
		parts = append(parts, fmt.Sprintf("recovered %d stuck epochs", res.Recovered))
	}
	if res.PeriodID != "" {
		parts = append(parts, fmt.Sprintf("period %s settled with status %s", res.PeriodID, res.Status))
	}
	if len(parts) == 0 {
		return "no period due for settlement"
	}
	return strings.Join(parts, "; ")
}

func lamports(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func lamportsPtr(v *uint64) *string {
	if v == nil {
		return nil
	}
	s := strconv.FormatUint(*v, 10)
	return &s
}

// solAmount renders lamports as a SOL decimal string, e.g. 50000000 → "0.05".
func solAmount(v uint64) string {
	return decimal.New(int64(v), -9).String()
}
