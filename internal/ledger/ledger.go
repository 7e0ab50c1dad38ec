// Package ledger is the engine's only gateway to the Solana chain and the
// upstream fee-claim service. It reads the vault balance, claims creator
// fees into the vault, sends the winner payout as a single transaction, and
// verifies payout signatures during recovery.
//
// The gateway holds the vault keypair and never touches the database.
package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/launchpool/settler/internal/metrics"
	"github.com/launchpool/settler/internal/pot"
	"github.com/launchpool/settler/internal/retry"
	"github.com/launchpool/settler/internal/sol"
)

// ErrPermanent marks failures that will not succeed on retry, like an
// invalid payout plan. The state machine fails the epoch instead of leaving
// it for the stuck-timeout recovery.
var ErrPermanent = errors.New("permanent ledger failure")

// ErrTransactionFailed means the chain executed the transaction and it
// failed. The funds did not move.
var ErrTransactionFailed = errors.New("transaction failed on chain")

// lamportsPerSignature is the base fee per signature on mainnet.
const lamportsPerSignature = 5_000

// RPC is the slice of the Solana RPC client the gateway uses.
type RPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// Claimer builds claim transactions for the vault's fee positions.
type Claimer interface {
	ClaimTransactions(ctx context.Context, feeClaimer, tokenMint string) ([]string, error)
}

type Config struct {
	Logger    *slog.Logger
	RPC       RPC
	Claimer   Claimer
	VaultKey  solana.PrivateKey
	TokenMint solana.PublicKey

	// Clock is used for confirmation polling. Defaults to the real clock.
	Clock clockwork.Clock

	// ConfirmTimeout bounds how long a submitted transaction is polled
	// before confirmation is given up on. Defaults to 90s, past blockhash
	// expiry.
	ConfirmTimeout time.Duration

	// ConfirmPollInterval is the delay between status polls. Defaults to 2s.
	ConfirmPollInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana rpc client is required")
	}
	if cfg.Claimer == nil {
		return errors.New("fee claimer is required")
	}
	if len(cfg.VaultKey) == 0 {
		return errors.New("vault private key is required")
	}
	if cfg.TokenMint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.ConfirmPollInterval == 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	return nil
}

type Client struct {
	log   *slog.Logger
	cfg   Config
	vault solana.PublicKey
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:   cfg.Logger,
		cfg:   cfg,
		vault: cfg.VaultKey.PublicKey(),
	}, nil
}

// VaultAddress returns the vault wallet address.
func (c *Client) VaultAddress() string {
	return c.vault.String()
}

// VaultBalance returns the vault balance in lamports at confirmed
// commitment.
func (c *Client) VaultBalance(ctx context.Context) (uint64, error) {
	var balance uint64
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		start := time.Now()
		out, err := c.cfg.RPC.GetBalance(ctx, c.vault, rpc.CommitmentConfirmed)
		observeChain("get_balance", start, err)
		if err != nil {
			return fmt.Errorf("failed to get vault balance: %w", err)
		}
		balance = out.Value
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ClaimFees claims all pending creator fees for the configured mint into
// the vault. Each claim transaction from the upstream service is signed and
// submitted on its own; a failing position is logged and skipped so one bad
// position cannot block the rest. Returns the signatures that confirmed.
//
// An empty result with no error means there was nothing to claim.
func (c *Client) ClaimFees(ctx context.Context) ([]string, error) {
	var encoded []string
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		encoded, err = c.cfg.Claimer.ClaimTransactions(ctx, c.vault.String(), c.cfg.TokenMint.String())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claim transactions: %w", err)
	}

	if len(encoded) == 0 {
		c.log.Debug("ledger: no fees to claim")
		return []string{}, nil
	}

	signatures := []string{}
	for i, txB64 := range encoded {
		sig, err := c.submitClaim(ctx, txB64)
		if err != nil {
			c.log.Warn("ledger: claim transaction failed, skipping position",
				"index", i, "error", err)
			continue
		}
		signatures = append(signatures, sig.String())
	}

	c.log.Info("ledger: claimed fees",
		"claimed", len(signatures), "failed", len(encoded)-len(signatures))
	return signatures, nil
}

// submitClaim signs and submits one upstream-built claim transaction and
// waits for it to confirm.
func (c *Client) submitClaim(ctx context.Context, txB64 string) (solana.Signature, error) {
	data, err := base64.StdEncoding.DecodeString(txB64)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to decode claim transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to deserialize claim transaction: %w", err)
	}

	if err := c.signAsVault(tx); err != nil {
		return solana.Signature{}, err
	}

	sig, err := c.send(ctx, tx, "send_claim")
	if err != nil {
		return solana.Signature{}, err
	}
	if err := c.AwaitConfirmation(ctx, sig.String()); err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// SendPayout submits the winner payout as one transaction with one transfer
// per plan entry, fee paid by the vault. The whole plan is validated before
// anything is sent; a validation failure returns ErrPermanent and no
// transaction leaves the process.
//
// SendPayout returns as soon as the transaction is accepted by the RPC
// node. The caller persists the signature first and only then waits for
// confirmation; a resend with a fresh blockhash would be a second payment,
// so this call is never retried.
func (c *Client) SendPayout(ctx context.Context, entries []pot.PlanEntry) (string, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: empty payout plan", ErrPermanent)
	}

	instructions := make([]solana.Instruction, 0, len(entries))
	for _, entry := range entries {
		if entry.AmountLamports == 0 {
			return "", fmt.Errorf("%w: zero payout for wallet %s", ErrPermanent, entry.Wallet)
		}
		if err := sol.ValidateLamports(entry.AmountLamports); err != nil {
			return "", fmt.Errorf("%w: rank %d: %s", ErrPermanent, entry.Rank, err)
		}
		if err := sol.ValidateWalletAddress(entry.Wallet); err != nil {
			return "", fmt.Errorf("%w: rank %d: %s", ErrPermanent, entry.Rank, err)
		}
		recipient, err := solana.PublicKeyFromBase58(entry.Wallet)
		if err != nil {
			return "", fmt.Errorf("%w: rank %d wallet %s: %s", ErrPermanent, entry.Rank, entry.Wallet, err)
		}
		instructions = append(instructions,
			system.NewTransferInstruction(entry.AmountLamports, c.vault, recipient).Build())
	}

	start := time.Now()
	blockhash, err := c.cfg.RPC.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	observeChain("get_latest_blockhash", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash.Value.Blockhash,
		solana.TransactionPayer(c.vault),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build payout transaction: %w", err)
	}
	if err := c.signAsVault(tx); err != nil {
		return "", err
	}

	sig, err := c.send(ctx, tx, "send_payout")
	if err != nil {
		return "", err
	}

	c.log.Info("ledger: payout transaction submitted",
		"signature", sig.String(), "transfers", len(entries))
	return sig.String(), nil
}

func (c *Client) signAsVault(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.vault) {
			return &c.cfg.VaultKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, tx *solana.Transaction, op string) (solana.Signature, error) {
	maxRetries := uint(3)
	start := time.Now()
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &maxRetries,
	})
	observeChain(op, start, err)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// AwaitConfirmation polls until the signature reaches confirmed commitment.
// Returns ErrTransactionFailed when the chain reports an execution error,
// and a timeout error when the transaction is still unseen past
// ConfirmTimeout.
func (c *Client) AwaitConfirmation(ctx context.Context, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		start := time.Now()
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		observeChain("get_signature_statuses", start, err)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if confirmed(status.ConfirmationStatus) {
				return nil
			}
		} else if err != nil {
			c.log.Debug("ledger: signature status poll failed", "error", err)
		}

		if c.cfg.Clock.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for confirmation of %s", signature)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.ConfirmPollInterval):
		}
	}
}

// VerifyTransaction reports whether a signature landed successfully at
// confirmed commitment. Used by recovery before any payout retry. The
// status cache is consulted first; when the node no longer has the status,
// the transaction itself is looked up.
func (c *Client) VerifyTransaction(ctx context.Context, signature string) (bool, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	var statuses *rpc.GetSignatureStatusesResult
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		start := time.Now()
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, true, sig)
		observeChain("get_signature_statuses", start, err)
		if err != nil {
			return err
		}
		statuses = out
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to get signature status: %w", err)
	}

	if len(statuses.Value) > 0 && statuses.Value[0] != nil {
		status := statuses.Value[0]
		if status.Err != nil {
			return false, nil
		}
		return confirmed(status.ConfirmationStatus), nil
	}

	// Status pruned; look the transaction up directly.
	maxTxVersion := uint64(0)
	start := time.Now()
	res, err := c.cfg.RPC.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxTxVersion,
	})
	observeChain("get_transaction", start, err)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up transaction: %w", err)
	}
	if res == nil || res.Meta == nil {
		return false, nil
	}
	return res.Meta.Err == nil, nil
}

// EstimatePayoutFee returns a conservative fee estimate in lamports for a
// payout with n transfers. The real single-signer fee is one signature; the
// headroom keeps the vault reserve check safe under fee market drift.
func EstimatePayoutFee(n int) uint64 {
	return uint64(n+1) * lamportsPerSignature
}

func confirmed(status rpc.ConfirmationStatusType) bool {
	return status == rpc.ConfirmationStatusConfirmed || status == rpc.ConfirmationStatusFinalized
}

func observeChain(op string, start time.Time, err error) {
	metrics.ChainRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ChainRequestTotal.WithLabelValues(op, status).Inc()
}
