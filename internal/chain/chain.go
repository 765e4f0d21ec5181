// Package chain defines the contract the fund ledger requires from the
// external settlement layer, and an in-process simulated implementation used
// for development and tests.
package chain

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a confirmation wait exceeds its deadline.
var ErrTimeout = errors.New("chain: confirmation wait timed out")

// TxReceipt is what the settlement layer returns for a submitted transfer:
// the transaction reference and the block height after which it can no
// longer confirm.
type TxReceipt struct {
	TxRef        string
	ExpiryHeight int64
}

// Client is the settlement layer as consumed by the ledger and the
// reconciler. Implementations execute value transfers on an external chain
// and report eventual confirmation; calls may block on network I/O and are
// never made while holding a ledger lock.
type Client interface {
	// GetBalance returns the on-chain token balance of an address, in
	// whole tokens.
	GetBalance(ctx context.Context, address string) (int64, error)

	// Transfer moves tokens from the system account to dest. requestID
	// deduplicates retries of the same intent.
	Transfer(ctx context.Context, requestID, dest string, amount int64) (TxReceipt, error)

	// BatchTransfer moves tokens from the system account to several
	// destinations in one transaction.
	BatchTransfer(ctx context.Context, requestID string, dests []string, amounts []int64) (TxReceipt, error)

	// CollectPayment pulls an approved user payment: splitRatio of the
	// amount goes to the creator destination, the rest to the treasury,
	// which holds it on behalf of the agent pool and developer ledgers.
	CollectPayment(ctx context.Context, depositID int64, source, creatorDest string, amount int64, splitRatio float64) (TxReceipt, error)

	// CollectStaking pulls an approved staking deposit into escrow.
	CollectStaking(ctx context.Context, stakingID int64, source string, amount int64) (TxReceipt, error)

	// CollectPoolCharge pulls an approved pool top-up from the creator.
	CollectPoolCharge(ctx context.Context, chargeID int64, source string, amount int64) (TxReceipt, error)

	// WaitForConfirmation blocks until the transaction confirms or the
	// timeout elapses, returning ErrTimeout in the latter case.
	WaitForConfirmation(ctx context.Context, txRef string, timeout time.Duration) error

	// IsConfirmed reports whether a transaction has confirmed.
	IsConfirmed(ctx context.Context, txRef string) (bool, error)

	// CurrentHeight returns the chain's current block height, used for
	// the reconciler's expiry check.
	CurrentHeight(ctx context.Context) (int64, error)

	// ValidateSignature verifies a signed message and returns the signer
	// address, or empty when verification fails.
	ValidateSignature(pubKey, message, signature string) string

	// IsValidAddress checks wallet address syntax.
	IsValidAddress(address string) bool

	// TreasuryAddress returns the system account address.
	TreasuryAddress() string
}
