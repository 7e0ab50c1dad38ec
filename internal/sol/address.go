package sol

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// MaxSafeLamports is the largest lamport amount the engine will consider.
// Amounts are serialized as decimal strings on the wire, but downstream
// consumers read them into IEEE doubles, so values beyond 2^53-1 are refused
// rather than silently rounded.
const MaxSafeLamports uint64 = 1<<53 - 1

// ValidateWalletAddress checks that the given string is a plausible Solana
// account address (base58, 32-44 chars, decodes to a 32-byte key).
func ValidateWalletAddress(addr string) error {
	if len(addr) < 32 || len(addr) > 44 {
		return fmt.Errorf("invalid address length %d, expected 32-44", len(addr))
	}
	decoded, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("failed to decode address: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid decoded address size: expected %d, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return nil
}

// ValidateLamports checks that the amount is within the safe integer range.
func ValidateLamports(amount uint64) error {
	if amount > MaxSafeLamports {
		return fmt.Errorf("amount %d exceeds safe integer range", amount)
	}
	return nil
}
