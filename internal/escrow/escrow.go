// Package escrow models the escrowed funds a negotiation carries and the
// ledger operations the dispute engine applies against them.
//
// The ledger is abstract: no payment rail is touched here. Holds and
// payouts are bookkeeping entries against an escrow account record, with
// an append-only transaction trail.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/loopmarket/dealdesk/internal/money"
)

var (
	ErrAccountNotFound = errors.New("escrow account not found")
	ErrInvalidAmount   = errors.New("invalid escrow amount")
)

// AccountStatus represents the state of an escrow account.
type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountFunded   AccountStatus = "funded"
	AccountDisputed AccountStatus = "disputed"
	AccountReleased AccountStatus = "released"
	AccountRefunded AccountStatus = "refunded"
	AccountClosed   AccountStatus = "closed"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxnDisputeHold    TransactionType = "dispute_hold"
	TxnDisputeRelease TransactionType = "dispute_release"
	TxnDisputePayout  TransactionType = "dispute_payout"
)

// PayoutDirection says which party a payout favors.
type PayoutDirection string

const (
	ReleaseToSeller PayoutDirection = "release_to_seller"
	RefundToBuyer   PayoutDirection = "refund_to_buyer"
)

// Valid reports whether d is a known payout direction.
func (d PayoutDirection) Valid() bool {
	return d == ReleaseToSeller || d == RefundToBuyer
}

// Account is the escrow account owned by a negotiation.
type Account struct {
	ID             string        `json:"id"`
	Status         AccountStatus `json:"status"`
	Currency       string        `json:"currency"`
	ReleasedAmount string        `json:"releasedAmount"` // cumulative, favors seller
	RefundedAmount string        `json:"refundedAmount"` // cumulative, favors buyer
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Transaction is an append-only escrow ledger entry.
type Transaction struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"accountId"`
	Type      TransactionType        `json:"type"`
	Amount    string                 `json:"amount"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"` // disputeId, reason, direction, note
	CreatedAt time.Time              `json:"createdAt"`
}

// Ledger applies dispute-driven fund effects to escrow accounts.
//
// ApplyHold records a hold transaction and moves the account to disputed
// (idempotent if already disputed). ReleasePayout records a payout
// transaction and increments the account's released or refunded total
// per direction. Neither call fails once the account is resolved; the
// dispute engine owns all preconditions above the ledger.
type Ledger interface {
	ApplyHold(ctx context.Context, accountID, amount string, metadata map[string]interface{}) (*Transaction, error)
	ReleasePayout(ctx context.Context, accountID, amount string, direction PayoutDirection, metadata map[string]interface{}) (*Transaction, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error)
}

// validateAmount rejects non-positive or malformed amounts.
func validateAmount(amount string) error {
	if !money.IsPositive(amount) {
		return ErrInvalidAmount
	}
	return nil
}
