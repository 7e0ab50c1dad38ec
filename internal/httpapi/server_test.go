package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/launchpool/settler/internal/engine"
	"github.com/launchpool/settler/internal/httpapi"
	"github.com/launchpool/settler/internal/leaderboard"
	"github.com/launchpool/settler/internal/settle"
	"github.com/launchpool/settler/internal/store"
	settlertesting "github.com/launchpool/settler/internal/testing"
)

const testAdminSecret = "swordfish"

type mockStore struct {
	GetStateFunc              func(ctx context.Context) (*store.RewardsState, error)
	LatestEpochFunc           func(ctx context.Context) (*store.Epoch, error)
	ListRecentEpochsFunc      func(ctx context.Context, limit int) ([]store.Epoch, error)
	ListWinnersByEpochIDsFunc func(ctx context.Context, epochIDs []uuid.UUID) (map[uuid.UUID][]store.Winner, error)
	PingFunc                  func(ctx context.Context) error
}

func (m *mockStore) GetState(ctx context.Context) (*store.RewardsState, error) {
	return m.GetStateFunc(ctx)
}

func (m *mockStore) LatestEpoch(ctx context.Context) (*store.Epoch, error) {
	return m.LatestEpochFunc(ctx)
}

func (m *mockStore) ListRecentEpochs(ctx context.Context, limit int) ([]store.Epoch, error) {
	return m.ListRecentEpochsFunc(ctx, limit)
}

func (m *mockStore) ListWinnersByEpochIDs(ctx context.Context, epochIDs []uuid.UUID) (map[uuid.UUID][]store.Winner, error) {
	return m.ListWinnersByEpochIDsFunc(ctx, epochIDs)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.PingFunc(ctx)
}

type mockBoard struct {
	ActivePeriodFunc func(ctx context.Context, now time.Time) (*leaderboard.Period, error)
}

func (m *mockBoard) ActivePeriod(ctx context.Context, now time.Time) (*leaderboard.Period, error) {
	return m.ActivePeriodFunc(ctx, now)
}

type mockVault struct {
	Address          string
	VaultBalanceFunc func(ctx context.Context) (uint64, error)
}

func (m *mockVault) VaultAddress() string {
	return m.Address
}

func (m *mockVault) VaultBalance(ctx context.Context) (uint64, error) {
	return m.VaultBalanceFunc(ctx)
}

type mockEngine struct {
	enabled    bool
	isLeader   bool
	RunNowFunc func(ctx context.Context) (settle.Result, error)
}

func (m *mockEngine) Enabled() bool {
	return m.enabled
}

func (m *mockEngine) IsLeader() bool {
	return m.isLeader
}

func (m *mockEngine) RunNow(ctx context.Context) (settle.Result, error) {
	return m.RunNowFunc(ctx)
}

// emptyStore serves an engine that has never settled anything.
func emptyStore() *mockStore {
	return &mockStore{
		GetStateFunc: func(ctx context.Context) (*store.RewardsState, error) {
			return &store.RewardsState{}, nil
		},
		LatestEpochFunc: func(ctx context.Context) (*store.Epoch, error) {
			return nil, store.ErrNotFound
		},
		ListRecentEpochsFunc: func(ctx context.Context, limit int) ([]store.Epoch, error) {
			return []store.Epoch{}, nil
		},
		ListWinnersByEpochIDsFunc: func(ctx context.Context, epochIDs []uuid.UUID) (map[uuid.UUID][]store.Winner, error) {
			return map[uuid.UUID][]store.Winner{}, nil
		},
		PingFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

func quietBoard() *mockBoard {
	return &mockBoard{
		ActivePeriodFunc: func(ctx context.Context, now time.Time) (*leaderboard.Period, error) {
			return nil, nil
		},
	}
}

func idleEngine() *mockEngine {
	return &mockEngine{
		enabled:  true,
		isLeader: true,
		RunNowFunc: func(ctx context.Context) (settle.Result, error) {
			return settle.Result{}, nil
		},
	}
}

func newTestServer(t *testing.T, opts ...func(*httpapi.Config)) *httpapi.Server {
	t.Helper()

	cfg := httpapi.Config{
		Logger:       settlertesting.NewLogger(),
		Store:        emptyStore(),
		Board:        quietBoard(),
		Engine:       idleEngine(),
		ListenAddr:   "127.0.0.1:0",
		AdminSecret:  testAdminSecret,
		PoolBps:      5000,
		MinTrades:    3,
		VaultReserve: 50_000_000,
		VersionInfo:  httpapi.VersionInfo{Version: "test", Commit: "none", Date: "unknown"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := httpapi.New(cfg)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *httpapi.Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func uintPtr(v uint64) *uint64 {
	return &v
}

func strPtr(v string) *string {
	return &v
}

func TestSettler_HTTPAPI_ConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() httpapi.Config {
		return httpapi.Config{
			Logger:     settlertesting.NewLogger(),
			Store:      emptyStore(),
			Board:      quietBoard(),
			Engine:     idleEngine(),
			ListenAddr: ":8080",
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
	require.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	require.Equal(t, 10*time.Second, cfg.ReadHeaderTimeout)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)

	cfg = valid()
	cfg.Logger = nil
	require.ErrorContains(t, cfg.Validate(), "logger is required")

	cfg = valid()
	cfg.Store = nil
	require.ErrorContains(t, cfg.Validate(), "store is required")

	cfg = valid()
	cfg.Engine = nil
	require.ErrorContains(t, cfg.Validate(), "engine is required")

	cfg = valid()
	cfg.ListenAddr = ""
	require.ErrorContains(t, cfg.Validate(), "listen addr is required")
}

func TestSettler_HTTPAPI_Status(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	periodEnd := now.Add(-time.Hour)
	epochID := uuid.New()

	st := emptyStore()
	st.GetStateFunc = func(ctx context.Context) (*store.RewardsState, error) {
		return &store.RewardsState{
			CarryRewardsLamports:    123_456_789,
			TreasuryAccruedLamports: 987_654_321,
			LastProcessedPeriodID:   strPtr("period-a"),
			LastProcessedPeriodEnd:  &periodEnd,
		}, nil
	}
	st.LatestEpochFunc = func(ctx context.Context) (*store.Epoch, error) {
		return &store.Epoch{
			ID:                epochID,
			PeriodID:          "period-a",
			PeriodStart:       periodEnd.Add(-7 * 24 * time.Hour),
			PeriodEnd:         periodEnd,
			Status:            store.StatusCompleted,
			RewardInflow:      uintPtr(100_000_000),
			TotalPot:          uintPtr(100_000_000),
			TotalPaid:         uintPtr(100_000_000),
			PayoutTxSignature: strPtr("sig-1"),
			UpdatedAt:         now.Add(-30 * time.Minute),
		}, nil
	}

	board := &mockBoard{
		ActivePeriodFunc: func(ctx context.Context, got time.Time) (*leaderboard.Period, error) {
			require.Equal(t, now, got)
			return &leaderboard.Period{
				ID:        "period-b",
				Name:      "Week 2",
				StartTime: periodEnd,
				EndTime:   now.Add(90 * time.Minute),
			}, nil
		},
	}

	vault := &mockVault{
		Address: "So11111111111111111111111111111111111111112",
		VaultBalanceFunc: func(ctx context.Context) (uint64, error) {
			return 5_000_000_000, nil
		},
	}

	srv := newTestServer(t, func(cfg *httpapi.Config) {
		cfg.Store = st
		cfg.Board = board
		cfg.Vault = vault
		cfg.Clock = clock
		cfg.DryRun = true
	})

	rec := doRequest(t, srv, http.MethodGet, "/api/rewards/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp httpapi.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.True(t, resp.Enabled)
	require.True(t, resp.IsLeader)
	require.True(t, resp.DryRun)
	require.Equal(t, "123456789", resp.CarryLamports)
	require.Equal(t, "987654321", resp.TreasuryLamports)

	require.NotNil(t, resp.Cursor)
	require.Equal(t, "period-a", resp.Cursor.PeriodID)
	require.True(t, resp.Cursor.PeriodEnd.Equal(periodEnd))

	require.NotNil(t, resp.Vault)
	require.Equal(t, vault.Address, resp.Vault.Address)
	require.Equal(t, "5000000000", resp.Vault.BalanceLamports)
	require.Equal(t, "5", resp.Vault.BalanceSol)

	require.NotNil(t, resp.ActivePeriod)
	require.Equal(t, "period-b", resp.ActivePeriod.ID)
	require.Equal(t, "Week 2", resp.ActivePeriod.Name)
	require.Equal(t, int64(5400), resp.ActivePeriod.RemainingSeconds)

	require.NotNil(t, resp.LastEpoch)
	require.Equal(t, epochID.String(), resp.LastEpoch.ID)
	require.Equal(t, "completed", resp.LastEpoch.Status)
	require.Equal(t, "100000000", *resp.LastEpoch.TotalPaidLamports)
	require.Equal(t, "sig-1", *resp.LastEpoch.PayoutTxSignature)
}

func TestSettler_HTTPAPI_StatusWithoutVault(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/rewards/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.NotContains(t, raw, "vault")
	require.NotContains(t, raw, "cursor")
	require.NotContains(t, raw, "activePeriod")
	require.NotContains(t, raw, "lastEpoch")
	require.Equal(t, "0", raw["carryLamports"])
}

func TestSettler_HTTPAPI_StatusVaultBalanceCached(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	calls := 0
	vault := &mockVault{
		Address: "So11111111111111111111111111111111111111112",
		VaultBalanceFunc: func(ctx context.Context) (uint64, error) {
			calls++
			return 1_000_000_000, nil
		},
	}

	srv := newTestServer(t, func(cfg *httpapi.Config) {
		cfg.Vault = vault
		cfg.Clock = clock
	})

	doRequest(t, srv, http.MethodGet, "/api/rewards/status", nil)
	doRequest(t, srv, http.MethodGet, "/api/rewards/status", nil)
	require.Equal(t, 1, calls)

	clock.Advance(16 * time.Second)
	doRequest(t, srv, http.MethodGet, "/api/rewards/status", nil)
	require.Equal(t, 2, calls)
}

func TestSettler_HTTPAPI_History(t *testing.T) {
	t.Parallel()

	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	completedID := uuid.New()
	skippedID := uuid.New()

	st := emptyStore()
	var gotLimit int
	st.ListRecentEpochsFunc = func(ctx context.Context, limit int) ([]store.Epoch, error) {
		gotLimit = limit
		return []store.Epoch{
			{
				ID:                completedID,
				PeriodID:          "period-2",
				PeriodStart:       end.Add(-7 * 24 * time.Hour),
				PeriodEnd:         end,
				Status:            store.StatusCompleted,
				TotalInflow:       uintPtr(200_000_000),
				RewardInflow:      uintPtr(100_000_000),
				TreasuryInflow:    uintPtr(100_000_000),
				CarryIn:           uintPtr(0),
				TotalPot:          uintPtr(100_000_000),
				TotalPaid:         uintPtr(100_000_000),
				PayoutTxSignature: strPtr("sig-2"),
			},
			{
				ID:            skippedID,
				PeriodID:      "period-1",
				PeriodStart:   end.Add(-14 * 24 * time.Hour),
				PeriodEnd:     end.Add(-7 * 24 * time.Hour),
				Status:        store.StatusSkipped,
				FailureReason: strPtr(store.ReasonInsufficientEligibleWallets),
			},
		}, nil
	}
	st.ListWinnersByEpochIDsFunc = func(ctx context.Context, epochIDs []uuid.UUID) (map[uuid.UUID][]store.Winner, error) {
		require.Equal(t, []uuid.UUID{completedID, skippedID}, epochIDs)
		return map[uuid.UUID][]store.Winner{
			completedID: {
				{Rank: 1, WalletAddress: "wallet-1", ProfitLamports: 10, TradeCount: 4, PayoutLamports: 50_000_000},
				{Rank: 2, WalletAddress: "wallet-2", ProfitLamports: 5, TradeCount: 3, PayoutLamports: 30_000_000},
				{Rank: 3, WalletAddress: "wallet-3", ProfitLamports: 3, TradeCount: 3, PayoutLamports: 20_000_000},
			},
		}, nil
	}

	srv := newTestServer(t, func(cfg *httpapi.Config) {
		cfg.Store = st
	})

	rec := doRequest(t, srv, http.MethodGet, "/api/rewards/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 20, gotLimit)

	var resp httpapi.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Epochs, 2)

	completed := resp.Epochs[0]
	require.Equal(t, "period-2", completed.PeriodID)
	require.Equal(t, "completed", completed.Status)
	require.Equal(t, "200000000", *completed.TotalInflowLamports)
	require.Equal(t, "0", *completed.CarryInLamports)
	require.Len(t, completed.Winners, 3)
	require.Equal(t, 1, completed.Winners[0].Rank)
	require.Equal(t, "wallet-1", completed.Winners[0].Wallet)
	require.Equal(t, "50000000", completed.Winners[0].PayoutLamports)
	require.Equal(t, int64(4), completed.Winners[0].TradeCount)

	skipped := resp.Epochs[1]
	require.Equal(t, "skipped", skipped.Status)
	require.Equal(t, store.ReasonInsufficientEligibleWallets, *skipped.FailureReason)
	require.Empty(t, skipped.Winners)
	require.Contains(t, rec.Body.String(), `"winners":[]`)
}

func TestSettler_HTTPAPI_HistoryLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{name: "explicit", query: "?limit=5", wantCode: http.StatusOK, wantLimit: 5},
		{name: "clamped high", query: "?limit=500", wantCode: http.StatusOK, wantLimit: 100},
		{name: "clamped low", query: "?limit=0", wantCode: http.StatusOK, wantLimit: 1},
		{name: "not a number", query: "?limit=abc", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := emptyStore()
			var gotLimit int
			st.ListRecentEpochsFunc = func(ctx context.Context, limit int) ([]store.Epoch, error) {
				gotLimit = limit
				return []store.Epoch{}, nil
			}
			srv := newTestServer(t, func(cfg *httpapi.Config) {
				cfg.Store = st
			})

			rec := doRequest(t, srv, http.MethodGet, "/api/rewards/history"+tt.query, nil)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				require.Equal(t, tt.wantLimit, gotLimit)
			}
		})
	}
}

func TestSettler_HTTPAPI_Rules(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/rewards/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp httpapi.RulesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint16(5000), resp.PoolBps)
	require.Equal(t, 3, resp.MinTrades)
	require.Equal(t, 3, resp.WinnersPerEpoch)
	require.Equal(t, []uint64{50, 30, 20}, resp.Split)
	require.Equal(t, "50000000", resp.VaultReserveLamports)
	require.Equal(t, "0.05", resp.VaultReserveSol)
	require.Contains(t, resp.Eligibility, "3 closed trades")
}

func TestSettler_HTTPAPI_Leader(t *testing.T) {
	t.Parallel()

	for _, isLeader := range []bool{true, false} {
		eng := idleEngine()
		eng.isLeader = isLeader
		srv := newTestServer(t, func(cfg *httpapi.Config) {
			cfg.Engine = eng
		})

		rec := doRequest(t, srv, http.MethodGet, "/api/rewards/leader", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp httpapi.LeaderResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, isLeader, resp.IsLeader)
	}
}

func TestSettler_HTTPAPI_RunAuthorization(t *testing.T) {
	t.Parallel()

	t.Run("missing secret", func(t *testing.T) {
		t.Parallel()
		eng := idleEngine()
		eng.RunNowFunc = func(ctx context.Context) (settle.Result, error) {
			t.Fatal("run must not be triggered without the admin secret")
			return settle.Result{}, nil
		}
		srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.Engine = eng })

		rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var resp httpapi.RunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.False(t, resp.OK)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		eng := idleEngine()
		eng.RunNowFunc = func(ctx context.Context) (settle.Result, error) {
			t.Fatal("run must not be triggered with a bad admin secret")
			return settle.Result{}, nil
		}
		srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.Engine = eng })

		rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run",
			map[string]string{"x-admin-secret": "guess"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("correct secret", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t)

		rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run",
			map[string]string{"x-admin-secret": testAdminSecret})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp httpapi.RunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.True(t, resp.OK)
		require.Equal(t, "no period due for settlement", resp.Message)
	})

	t.Run("secret not configured", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.AdminSecret = "" })

		rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run",
			map[string]string{"x-admin-secret": testAdminSecret})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp httpapi.RunResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.False(t, resp.OK)
		require.Contains(t, resp.Message, "not configured")
	})
}

func TestSettler_HTTPAPI_RunEngineStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		result      settle.Result
		err         error
		wantCode    int
		wantOK      bool
		wantMessage string
	}{
		{
			name:        "disabled",
			err:         engine.ErrDisabled,
			wantCode:    http.StatusServiceUnavailable,
			wantMessage: "disabled",
		},
		{
			name:        "not leader",
			err:         engine.ErrNotLeader,
			wantCode:    http.StatusConflict,
			wantMessage: "not the settlement leader",
		},
		{
			name:        "busy",
			err:         engine.ErrBusy,
			wantCode:    http.StatusConflict,
			wantMessage: "already running",
		},
		{
			name:        "pass error",
			err:         errors.New("vault balance query failed"),
			wantCode:    http.StatusInternalServerError,
			wantMessage: "vault balance query failed",
		},
		{
			name:        "settled",
			result:      settle.Result{Recovered: 2, PeriodID: "period-x", Status: store.StatusCompleted},
			wantCode:    http.StatusOK,
			wantOK:      true,
			wantMessage: "recovered 2 stuck epochs; period period-x settled with status completed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			eng := idleEngine()
			eng.RunNowFunc = func(ctx context.Context) (settle.Result, error) {
				return tt.result, tt.err
			}
			srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.Engine = eng })

			rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run",
				map[string]string{"x-admin-secret": testAdminSecret})
			require.Equal(t, tt.wantCode, rec.Code)

			var resp httpapi.RunResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, tt.wantOK, resp.OK)
			require.Contains(t, resp.Message, tt.wantMessage)
		})
	}
}

func TestSettler_HTTPAPI_RunRateLimited(t *testing.T) {
	t.Parallel()

	runs := 0
	eng := idleEngine()
	eng.RunNowFunc = func(ctx context.Context) (settle.Result, error) {
		runs++
		return settle.Result{}, nil
	}
	srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.Engine = eng })

	header := map[string]string{"x-admin-secret": testAdminSecret}
	for i := 0; i < 3; i++ {
		rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run", header)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}
	require.Equal(t, 3, runs)

	rec := doRequest(t, srv, http.MethodPost, "/api/rewards/run", header)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, 3, runs)

	var resp httpapi.RateLimitError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "rate_limit_exceeded", resp.Error)
	require.Greater(t, resp.RetryAfter, 0)
}

func TestSettler_HTTPAPI_Probes(t *testing.T) {
	t.Parallel()

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t)
		rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "ok\n", rec.Body.String())
	})

	t.Run("readyz ok", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t)
		rec := doRequest(t, srv, http.MethodGet, "/readyz", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readyz store down", func(t *testing.T) {
		t.Parallel()
		st := emptyStore()
		st.PingFunc = func(ctx context.Context) error {
			return errors.New("connection refused")
		}
		srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.Store = st })

		rec := doRequest(t, srv, http.MethodGet, "/readyz", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Contains(t, rec.Body.String(), "not ready")
	})

	t.Run("version", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t)
		rec := doRequest(t, srv, http.MethodGet, "/version", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var info httpapi.VersionInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		require.Equal(t, "test", info.Version)
	})
}

func TestSettler_HTTPAPI_StatusStoreError(t *testing.T) {
	t.Parallel()

	st := emptyStore()
	st.GetStateFunc = func(ctx context.Context) (*store.RewardsState, error) {
		return nil, errors.New("db down")
	}
	srv := newTestServer(t, func(cfg *httpapi.Config) { cfg.Store = st })

	rec := doRequest(t, srv, http.MethodGet, "/api/rewards/status", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "failed to load rewards state"))
}
