// Package httpapi serves the settlement engine's HTTP surface: public
// status, history, rules, and leader endpoints under /api/rewards, an
// admin-only manual trigger, and the health, readiness, and version probes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/launchpool/settler/internal/leaderboard"
	"github.com/launchpool/settler/internal/metrics"
	"github.com/launchpool/settler/internal/settle"
	"github.com/launchpool/settler/internal/store"
)

const (
	adminSecretHeader = "x-admin-secret"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	// balanceCacheTTL bounds how often /status hits the RPC endpoint for
	// the vault balance.
	balanceCacheTTL = 15 * time.Second

	queryTimeout     = 10 * time.Second
	manualRunTimeout = 4 * time.Minute
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Store is the slice of the settlement store the API reads.
type Store interface {
	GetState(ctx context.Context) (*store.RewardsState, error)
	LatestEpoch(ctx context.Context) (*store.Epoch, error)
	ListRecentEpochs(ctx context.Context, limit int) ([]store.Epoch, error)
	ListWinnersByEpochIDs(ctx context.Context, epochIDs []uuid.UUID) (map[uuid.UUID][]store.Winner, error)
	Ping(ctx context.Context) error
}

// Board reads the active leaderboard period for the status countdown.
type Board interface {
	ActivePeriod(ctx context.Context, now time.Time) (*leaderboard.Period, error)
}

// Vault reads the live vault balance.
type Vault interface {
	VaultAddress() string
	VaultBalance(ctx context.Context) (uint64, error)
}

// Engine is the scheduler surface the API drives.
type Engine interface {
	Enabled() bool
	IsLeader() bool
	RunNow(ctx context.Context) (settle.Result, error)
}

type Config struct {
	Logger *slog.Logger
	Store  Store
	Board  Board
	Engine Engine

	// Vault is optional; /status omits the live balance when the ledger
	// gateway is not configured.
	Vault Vault

	Clock clockwork.Clock

	ListenAddr string

	// AdminSecret guards POST /run. Empty disables the manual trigger.
	AdminSecret string

	PoolBps      uint16
	MinTrades    int
	VaultReserve uint64
	DryRun       bool

	AllowedOrigins []string

	VersionInfo VersionInfo

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Board == nil {
		return errors.New("leaderboard client is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

type Server struct {
	log        *slog.Logger
	cfg        Config
	router     *chi.Mux
	httpSrv    *http.Server
	runLimiter *RateLimiter

	balMu        sync.Mutex
	balLamports  uint64
	balFetchedAt time.Time
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
		// A burst of 3 manual triggers, then one every 10 seconds per IP.
		runLimiter: NewRateLimiter(rate.Every(10*time.Second), 3),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout must outlast a synchronous manual settlement pass.
		WriteTimeout:   manualRunTimeout + time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.instrument)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", adminSecretHeader},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/api/rewards", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/rules", s.handleRules)
		r.Get("/leader", s.handleLeader)
		r.With(RateLimitMiddleware(s.runLimiter)).Post("/run", s.handleRun)
	})
}

// instrument records request duration and outcome per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
		s.log.Debug("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"remote", remoteIP(r),
		)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("httpapi: listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("httpapi: shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// vaultBalance returns the vault balance, cached for balanceCacheTTL.
// Concurrent callers share one in-flight refresh.
func (s *Server) vaultBalance(ctx context.Context) (uint64, error) {
	s.balMu.Lock()
	defer s.balMu.Unlock()

	if !s.balFetchedAt.IsZero() && s.cfg.Clock.Since(s.balFetchedAt) < balanceCacheTTL {
		return s.balLamports, nil
	}

	bal, err := s.cfg.Vault.VaultBalance(ctx)
	if err != nil {
		return 0, err
	}
	s.balLamports = bal
	s.balFetchedAt = s.cfg.Clock.Now()
	return bal, nil
}

// remoteIP extracts the client IP. The RealIP middleware has already folded
// any X-Forwarded-For header into RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
