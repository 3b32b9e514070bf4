package escrow

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/loopmarket/dealdesk/internal/idgen"
	"github.com/loopmarket/dealdesk/internal/money"
)

// MemoryLedger is an in-memory escrow ledger for demo/development mode.
type MemoryLedger struct {
	accounts     map[string]*Account
	transactions map[string][]*Transaction // accountID -> entries, oldest first
	mu           sync.RWMutex
}

// NewMemoryLedger creates a new in-memory escrow ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts:     make(map[string]*Account),
		transactions: make(map[string][]*Transaction),
	}
}

// CreateAccount seeds an escrow account. Account creation is owned by the
// marketplace core in production; this exists for development and tests.
func (m *MemoryLedger) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ReleasedAmount == "" {
		a.ReleasedAmount = "0.00"
	}
	if a.RefundedAmount == "" {
		a.RefundedAmount = "0.00"
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *MemoryLedger) ApplyHold(ctx context.Context, accountID, amount string, metadata map[string]interface{}) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	if acct.Status != AccountDisputed {
		acct.Status = AccountDisputed
	}
	acct.UpdatedAt = time.Now()

	txn := &Transaction{
		ID:        idgen.WithPrefix("etx_"),
		AccountID: accountID,
		Type:      TxnDisputeHold,
		Amount:    amount,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	m.transactions[accountID] = append(m.transactions[accountID], txn)
	return txn, nil
}

func (m *MemoryLedger) ReleasePayout(ctx context.Context, accountID, amount string, direction PayoutDirection, metadata map[string]interface{}) (*Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if !direction.Valid() {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	delta, _ := money.Parse(amount)
	switch direction {
	case ReleaseToSeller:
		acct.ReleasedAmount = addAmount(acct.ReleasedAmount, delta)
	case RefundToBuyer:
		acct.RefundedAmount = addAmount(acct.RefundedAmount, delta)
	}
	acct.UpdatedAt = time.Now()

	txn := &Transaction{
		ID:        idgen.WithPrefix("etx_"),
		AccountID: accountID,
		Type:      TxnDisputePayout,
		Amount:    amount,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	m.transactions[accountID] = append(m.transactions[accountID], txn)
	return txn, nil
}

func (m *MemoryLedger) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryLedger) ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.transactions[accountID]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	result := make([]*Transaction, 0, limit)
	for _, t := range entries[:limit] {
		cp := *t
		result = append(result, &cp)
	}
	return result, nil
}

func addAmount(current string, delta *big.Int) string {
	cur, _ := money.Parse(current)
	return money.Format(new(big.Int).Add(cur, delta))
}

var _ Ledger = (*MemoryLedger)(nil)
