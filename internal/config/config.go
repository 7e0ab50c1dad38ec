// Package config loads the settlement engine's configuration from
// environment variables. Flags own the listen addresses; everything
// money-related and every credential comes from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// DefaultPoolBps is the rewards share of claimed fees when
	// REWARDS_POOL_BPS is unset: an even split with the treasury.
	DefaultPoolBps uint16 = 5000

	// DefaultMinTrades is the minimum closed trades a wallet needs in a
	// period to qualify for a payout.
	DefaultMinTrades = 3

	// DefaultVaultReserve is the balance kept in the vault after a payout,
	// covering future transaction fees.
	DefaultVaultReserve uint64 = 50_000_000

	maxPoolBps = 10_000
)

// Config holds all configuration for the settlement engine.
type Config struct {
	// DatabaseURL is the Postgres connection string used for the state
	// store, the leaderboard queries and the leader lock connection.
	DatabaseURL string
	// RunMigrations runs the embedded schema migrations on startup.
	RunMigrations bool

	// PoolBps is the rewards share of claimed fees, in basis points.
	PoolBps uint16
	// MinTrades is the eligibility floor for winner selection.
	MinTrades int
	// VaultReserve is the minimum balance left in the vault after a payout.
	VaultReserve uint64
	// DryRun suppresses on-chain payouts.
	DryRun bool

	// Ledger gateway configuration. All four are required for settlement;
	// if any is missing the engine runs dormant and only serves reads.
	RPCURL          string
	VaultPrivateKey string
	TokenMint       string
	BagsAPIKey      string
	// BagsAPIURL overrides the fee-claim service endpoint (tests, staging).
	BagsAPIURL string

	// AdminSecret guards the manual-trigger endpoint. Empty disables it.
	AdminSecret string

	// Slack announcer configuration (optional).
	SlackBotToken string
	SlackChannel  string

	// Server configuration.
	ListenAddr  string
	MetricsAddr string

	Verbose bool
}

// LoadFromEnv loads configuration from environment variables. The listen
// address flags are passed in and may be overridden by SETTLER_LISTEN_ADDR
// and METRICS_ADDR.
func LoadFromEnv(listenAddrFlag, metricsAddrFlag string, verbose bool) (*Config, error) {
	cfg := &Config{
		ListenAddr:  listenAddrFlag,
		MetricsAddr: metricsAddrFlag,
		Verbose:     verbose,
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RunMigrations = envBool("POSTGRES_RUN_MIGRATIONS")

	poolBps, err := envUint64("REWARDS_POOL_BPS", uint64(DefaultPoolBps))
	if err != nil {
		return nil, err
	}
	if poolBps > maxPoolBps {
		poolBps = maxPoolBps
	}
	cfg.PoolBps = uint16(poolBps)

	minTrades, err := envInt("REWARDS_MIN_TRADES", DefaultMinTrades)
	if err != nil {
		return nil, err
	}
	if minTrades < 0 {
		minTrades = 0
	}
	cfg.MinTrades = minTrades

	cfg.VaultReserve, err = envUint64("VAULT_RESERVE_LAMPORTS", DefaultVaultReserve)
	if err != nil {
		return nil, err
	}
	cfg.DryRun = envBool("REWARDS_DRY_RUN")

	cfg.RPCURL = os.Getenv("SOLANA_RPC_URL")
	cfg.VaultPrivateKey = os.Getenv("REWARDS_VAULT_PRIVATE_KEY")
	cfg.TokenMint = os.Getenv("REWARDS_TOKEN_MINT")
	cfg.BagsAPIKey = os.Getenv("BAGS_API_KEY")
	cfg.BagsAPIURL = os.Getenv("BAGS_API_URL")

	cfg.AdminSecret = os.Getenv("REWARDS_ADMIN_SECRET")

	cfg.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	cfg.SlackChannel = os.Getenv("SLACK_REWARDS_CHANNEL")

	if addr := os.Getenv("SETTLER_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	return cfg, nil
}

// GatewayConfigured reports whether every credential the ledger gateway
// needs is present. A partially configured gateway counts as unconfigured:
// the engine runs dormant rather than half-working.
func (c *Config) GatewayConfigured() bool {
	return c.RPCURL != "" && c.VaultPrivateKey != "" && c.TokenMint != "" && c.BagsAPIKey != ""
}

// SlackConfigured reports whether settlement announcements can be posted.
func (c *Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true"
}

func envUint64(key string, def uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
