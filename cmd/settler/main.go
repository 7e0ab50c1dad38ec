package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/launchpool/settler/internal/config"
	"github.com/launchpool/settler/internal/engine"
	"github.com/launchpool/settler/internal/httpapi"
	"github.com/launchpool/settler/internal/leaderboard"
	"github.com/launchpool/settler/internal/ledger"
	"github.com/launchpool/settler/internal/logger"
	"github.com/launchpool/settler/internal/metrics"
	"github.com/launchpool/settler/internal/notify"
	"github.com/launchpool/settler/internal/settle"
	"github.com/launchpool/settler/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultListenAddr = "0.0.0.0:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the HTTP API (or set SETTLER_LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (or set METRICS_ADDR env var; empty disables)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 10*time.Second, "Maximum time to wait for in-flight requests during graceful shutdown")

	flag.Parse()

	// Best effort; production sets real environment variables.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	cfg, err := config.LoadFromEnv(*listenAddrFlag, *metricsAddrFlag, *verboseFlag)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		log.Info("database migrations applied")
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	// The singleton row normally exists from the schema migration; seeding
	// here keeps a database restored without it from failing every pass.
	if err := st.EnsureState(ctx); err != nil {
		return err
	}
	board, err := leaderboard.New(leaderboard.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	gateway, err := buildGateway(ctx, log, cfg)
	if err != nil {
		return err
	}

	var settler *settle.Settler
	if gateway != nil {
		var notifier settle.Notifier
		if cfg.SlackConfigured() {
			announcer, err := notify.New(notify.Config{
				Logger:   log,
				BotToken: cfg.SlackBotToken,
				Channel:  cfg.SlackChannel,
			})
			if err != nil {
				return err
			}
			notifier = announcer
			log.Info("slack announcer enabled", "channel", cfg.SlackChannel)
		}

		settler, err = settle.New(settle.Config{
			Logger:       log,
			Store:        st,
			Board:        board,
			Ledger:       gateway,
			Notifier:     notifier,
			PoolBps:      cfg.PoolBps,
			MinTrades:    cfg.MinTrades,
			VaultReserve: cfg.VaultReserve,
			DryRun:       cfg.DryRun,
		})
		if err != nil {
			return err
		}
	}

	leader, err := engine.NewLeader(engine.LeaderConfig{Logger: log, ConnStr: cfg.DatabaseURL})
	if err != nil {
		return err
	}
	engCfg := engine.Config{Logger: log, Leader: leader}
	if settler != nil {
		engCfg.Settler = settler
	}
	eng, err := engine.New(engCfg)
	if err != nil {
		return err
	}

	apiCfg := httpapi.Config{
		Logger:          log,
		Store:           st,
		Board:           board,
		Engine:          eng,
		ListenAddr:      cfg.ListenAddr,
		AdminSecret:     cfg.AdminSecret,
		PoolBps:         cfg.PoolBps,
		MinTrades:       cfg.MinTrades,
		VaultReserve:    cfg.VaultReserve,
		DryRun:          cfg.DryRun,
		VersionInfo:     httpapi.VersionInfo{Version: version, Commit: commit, Date: date},
		ShutdownTimeout: *shutdownTimeoutFlag,
	}
	if gateway != nil {
		apiCfg.Vault = gateway
	}
	api, err := httpapi.New(apiCfg)
	if err != nil {
		return err
	}

	log.Info("rewards settlement engine starting",
		"version", version,
		"listenAddr", cfg.ListenAddr,
		"enabled", gateway != nil,
		"dryRun", cfg.DryRun,
		"poolBps", cfg.PoolBps,
		"minTrades", cfg.MinTrades)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return api.Run(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("rewards settlement engine shut down")
	return nil
}

// buildGateway constructs the ledger gateway, or returns nil when the
// required configuration is absent or unusable. A nil gateway leaves the
// engine dormant: the HTTP surface still serves reads, but nothing settles
// and no state is mutated.
func buildGateway(ctx context.Context, log *slog.Logger, cfg *config.Config) (*ledger.Client, error) {
	if !cfg.GatewayConfigured() {
		log.Warn("ledger gateway not configured, settlement disabled",
			"hint", "set SOLANA_RPC_URL, REWARDS_VAULT_PRIVATE_KEY, REWARDS_TOKEN_MINT and BAGS_API_KEY")
		return nil, nil
	}

	vaultKey, err := solana.PrivateKeyFromBase58(cfg.VaultPrivateKey)
	if err != nil {
		log.Warn("invalid REWARDS_VAULT_PRIVATE_KEY, settlement disabled", "error", err)
		return nil, nil
	}
	tokenMint, err := solana.PublicKeyFromBase58(cfg.TokenMint)
	if err != nil {
		log.Warn("invalid REWARDS_TOKEN_MINT, settlement disabled", "error", err)
		return nil, nil
	}

	claimer, err := ledger.NewBagsClient(ledger.BagsConfig{
		Logger: log,
		APIKey: cfg.BagsAPIKey,
		APIURL: cfg.BagsAPIURL,
	})
	if err != nil {
		return nil, err
	}

	gateway, err := ledger.New(ledger.Config{
		Logger:    log,
		RPC:       rpc.New(cfg.RPCURL),
		Claimer:   claimer,
		VaultKey:  vaultKey,
		TokenMint: tokenMint,
	})
	if err != nil {
		return nil, err
	}
	// Smoke check. A failed read is logged, not fatal: the RPC endpoint may
	// recover before the first settlement pass needs it.
	smokeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if balance, err := gateway.VaultBalance(smokeCtx); err != nil {
		log.Warn("vault balance smoke check failed", "error", err)
	} else {
		log.Info("ledger gateway initialized",
			"vault", gateway.VaultAddress(), "tokenMint", tokenMint.String(), "balance", balance)
	}
	return gateway, nil
}
