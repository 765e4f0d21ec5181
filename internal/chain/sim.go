package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sim is an in-process settlement layer. Submitted transactions confirm
// after a configurable number of blocks; the test or dev harness advances
// the height. Transactions fail-listed by request id never confirm.
type Sim struct {
	mu sync.Mutex

	height       int64
	confirmAfter int64
	treasury     string

	balances map[string]int64
	txs      map[string]*simTx
	failing  map[string]bool
}

type simTx struct {
	submittedAt  int64
	expiryHeight int64
	failed       bool
}

// NewSim creates a simulated chain that confirms transactions confirmAfter
// blocks after submission.
func NewSim(treasury string, confirmAfter int64) *Sim {
	return &Sim{
		height:       1,
		confirmAfter: confirmAfter,
		treasury:     treasury,
		balances:     make(map[string]int64),
		txs:          make(map[string]*simTx),
		failing:      make(map[string]bool),
	}
}

// AdvanceHeight moves the simulated chain forward by n blocks.
func (s *Sim) AdvanceHeight(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
}

// FailNext marks a request id so its transaction never confirms.
func (s *Sim) FailNext(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[requestID] = true
}

// SubmitExternal records a user-submitted transaction (an approval signed
// outside this process) so confirmation waits can observe it.
func (s *Sim) SubmitExternal(txRef string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[txRef] = &simTx{
		submittedAt:  s.height,
		expiryHeight: s.height + 150,
		failed:       s.failing[txRef],
	}
	delete(s.failing, txRef)
}

// SetBalance seeds an address balance.
func (s *Sim) SetBalance(address string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] = amount
}

func (s *Sim) submit(requestID string) TxReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	txRef := uuid.NewString()
	tx := &simTx{
		submittedAt:  s.height,
		expiryHeight: s.height + 150,
		failed:       s.failing[requestID],
	}
	delete(s.failing, requestID)
	s.txs[txRef] = tx
	return TxReceipt{TxRef: txRef, ExpiryHeight: tx.expiryHeight}
}

func (s *Sim) GetBalance(_ context.Context, address string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

func (s *Sim) Transfer(_ context.Context, requestID, dest string, amount int64) (TxReceipt, error) {
	r := s.submit(requestID)
	s.mu.Lock()
	s.balances[dest] += amount
	s.mu.Unlock()
	return r, nil
}

func (s *Sim) BatchTransfer(_ context.Context, requestID string, dests []string, amounts []int64) (TxReceipt, error) {
	if len(dests) != len(amounts) {
		return TxReceipt{}, fmt.Errorf("batch transfer: %d destinations, %d amounts", len(dests), len(amounts))
	}
	r := s.submit(requestID)
	s.mu.Lock()
	for i, d := range dests {
		s.balances[d] += amounts[i]
	}
	s.mu.Unlock()
	return r, nil
}

func (s *Sim) CollectPayment(_ context.Context, depositID int64, source, creatorDest string, amount int64, splitRatio float64) (TxReceipt, error) {
	r := s.submit(fmt.Sprintf("deposit-%d", depositID))
	s.mu.Lock()
	s.balances[source] -= amount
	creatorShare := int64(float64(amount) * splitRatio)
	s.balances[creatorDest] += creatorShare
	s.balances[s.treasury] += amount - creatorShare
	s.mu.Unlock()
	return r, nil
}

func (s *Sim) CollectStaking(_ context.Context, stakingID int64, source string, amount int64) (TxReceipt, error) {
	r := s.submit(fmt.Sprintf("staking-%d", stakingID))
	s.mu.Lock()
	s.balances[source] -= amount
	s.balances[s.treasury] += amount
	s.mu.Unlock()
	return r, nil
}

func (s *Sim) CollectPoolCharge(_ context.Context, chargeID int64, source string, amount int64) (TxReceipt, error) {
	r := s.submit(fmt.Sprintf("charge-%d", chargeID))
	s.mu.Lock()
	s.balances[source] -= amount
	s.balances[s.treasury] += amount
	s.mu.Unlock()
	return r, nil
}

func (s *Sim) WaitForConfirmation(ctx context.Context, txRef string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		confirmed, err := s.IsConfirmed(ctx, txRef)
		if err != nil {
			return err
		}
		if confirmed {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Sim) IsConfirmed(_ context.Context, txRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txRef]
	if !ok {
		return false, fmt.Errorf("unknown tx %s", txRef)
	}
	if tx.failed {
		return false, nil
	}
	return s.height >= tx.submittedAt+s.confirmAfter, nil
}

func (s *Sim) CurrentHeight(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

func (s *Sim) ValidateSignature(pubKey, message, signature string) string {
	// The simulated chain trusts every signature and echoes the key as
	// the address.
	if pubKey == "" || signature == "" {
		return ""
	}
	return pubKey
}

func (s *Sim) IsValidAddress(address string) bool {
	return address != ""
}

func (s *Sim) TreasuryAddress() string {
	return s.treasury
}
