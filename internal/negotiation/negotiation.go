// Package negotiation exposes the deal negotiations the dispute engine
// operates against.
//
// The negotiation/offer lifecycle itself is owned by the marketplace core;
// this service only needs to resolve a negotiation to its parties, its
// escrow account, and its current status.
package negotiation

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("negotiation not found")

// Status represents the state of a negotiation.
type Status string

const (
	StatusActive     Status = "active"
	StatusAgreed     Status = "agreed"
	StatusFulfilling Status = "fulfilling"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Negotiation is a buyer/seller deal over a marketplace listing.
type Negotiation struct {
	ID              string    `json:"id"`
	BuyerID         string    `json:"buyerId"`
	SellerID        string    `json:"sellerId"`
	ListingID       string    `json:"listingId,omitempty"`
	EscrowAccountID string    `json:"escrowAccountId"`
	Status          Status    `json:"status"`
	Premium         bool      `json:"premium"` // premium-tier deal, feeds conversion tracking
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Finder resolves negotiations by id. This is the only contract the
// dispute engine consumes.
type Finder interface {
	Get(ctx context.Context, id string) (*Negotiation, error)
}

// Store persists negotiation records. The full CRUD surface lives in the
// marketplace core; this service only creates records when seeding and
// reads them everywhere else.
type Store interface {
	Finder
	Create(ctx context.Context, n *Negotiation) error
}
