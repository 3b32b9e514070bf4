// Package dispute implements the deal dispute and escrow resolution
// workflow.
//
// Flow:
//  1. Buyer or seller raises a dispute against a negotiation
//  2. An operator acknowledges it, requests input, or escalates
//  3. Funds are earmarked against the dispute via escrow holds
//  4. Parties trade counter-proposals; settlements pay out from the hold
//  5. The dispute resolves or closes; the event trail is kept forever
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/loopmarket/dealdesk/internal/escrow"
)

var (
	ErrDisputeNotFound         = errors.New("dispute not found")
	ErrNegotiationNotFound     = errors.New("negotiation not found")
	ErrDuplicateActiveDispute  = errors.New("negotiation already has an active dispute")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientHoldBalance = errors.New("payout exceeds current hold balance")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen            Status = "open"
	StatusUnderReview     Status = "under_review"
	StatusAwaitingParties Status = "awaiting_parties"
	StatusEscalated       Status = "escalated"
	StatusResolved        Status = "resolved"
	StatusClosed          Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusUnderReview, StatusAwaitingParties,
		StatusEscalated, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Severity drives the SLA window assigned at creation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for the operator queue, most urgent first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// Category classifies what the dispute is about.
type Category string

const (
	CategoryEscrow   Category = "escrow"
	CategoryDelivery Category = "delivery"
	CategoryQuality  Category = "quality"
	CategoryOther    Category = "other"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryEscrow, CategoryDelivery, CategoryQuality, CategoryOther:
		return true
	}
	return false
}

// EventType classifies an audit-log entry.
type EventType string

const (
	EventCreated               EventType = "created"
	EventStatusChanged         EventType = "status_changed"
	EventEscalationTriggered   EventType = "escalation_triggered"
	EventResolutionRecorded    EventType = "resolution_recorded"
	EventAssignmentUpdated     EventType = "assignment_updated"
	EventEvidenceAttached      EventType = "evidence_attached"
	EventSLABreachRecorded     EventType = "sla_breach_recorded"
	EventEscrowHoldApplied     EventType = "escrow_hold_applied"
	EventEscrowCounterProposed EventType = "escrow_counter_proposed"
	EventEscrowPayoutReleased  EventType = "escrow_payout_released"
)

// EvidenceType classifies an evidence attachment.
type EvidenceType string

const (
	EvidenceLink EvidenceType = "link"
	EvidenceFile EvidenceType = "file"
	EvidenceNote EvidenceType = "note"
)

// Valid reports whether t is a known evidence type.
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceLink, EvidenceFile, EvidenceNote:
		return true
	}
	return false
}

// MaxCreateAttachments caps evidence submitted at raise time.
const MaxCreateAttachments = 5

// Dispute is a disagreement over a negotiation's escrowed funds.
type Dispute struct {
	ID               string   `json:"id"`
	NegotiationID    string   `json:"negotiationId"`
	RaisedByUserID   string   `json:"raisedByUserId"`
	Status           Status   `json:"status"`
	Severity         Severity `json:"severity"`
	Category         Category `json:"category"`
	Summary          string   `json:"summary"`
	Description      string   `json:"description,omitempty"`
	RequestedOutcome string   `json:"requestedOutcome,omitempty"`

	// Financial tracking, all amounts in the negotiation's currency.
	HoldAmount             string `json:"holdAmount"`                      // cumulative funds earmarked, decremented by payouts
	CounterProposalAmount  string `json:"counterProposalAmount,omitempty"` // latest offer on record, overwritten not accumulated
	ResolutionPayoutAmount string `json:"resolutionPayoutAmount"`          // cumulative paid out across settlements

	AssignedToUserID string `json:"assignedToUserId,omitempty"`

	RaisedAt       time.Time  `json:"raisedAt"`
	SLADueAt       *time.Time `json:"slaDueAt,omitempty"`
	SLABreachedAt  *time.Time `json:"slaBreachedAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	EscalatedAt    *time.Time `json:"escalatedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the dispute is in a final state.
// Terminal disputes are never deleted; the audit trail is kept.
func (d *Dispute) IsTerminal() bool {
	switch d.Status {
	case StatusResolved, StatusClosed:
		return true
	}
	return false
}

// ActiveStatuses are the states that block raising another dispute on
// the same negotiation.
func ActiveStatuses() []Status {
	return []Status{StatusOpen, StatusUnderReview, StatusAwaitingParties, StatusEscalated}
}

// transitions is the allowed status adjacency.
var transitions = map[Status][]Status{
	StatusOpen:            {StatusUnderReview, StatusEscalated},
	StatusUnderReview:     {StatusAwaitingParties, StatusEscalated, StatusResolved},
	StatusAwaitingParties: {StatusUnderReview, StatusEscalated},
	StatusEscalated:       {StatusUnderReview, StatusAwaitingParties, StatusResolved},
	StatusResolved:        {StatusClosed},
	StatusClosed:          {},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SLAWindow returns the time allowed before a dispute of the given
// severity must be resolved.
func SLAWindow(s Severity) time.Duration {
	switch s {
	case SeverityCritical:
		return 4 * time.Hour
	case SeverityHigh:
		return 24 * time.Hour
	case SeverityMedium:
		return 72 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Event is an append-only audit-log entry. Events are immutable once
// written and strictly ordered within a dispute.
type Event struct {
	ID          string                 `json:"id"`
	DisputeID   string                 `json:"disputeId"`
	ActorUserID string                 `json:"actorUserId,omitempty"` // empty for system-triggered events
	Type        EventType              `json:"type"`
	Status      Status                 `json:"status,omitempty"` // dispute status at time of event, when relevant
	Message     string                 `json:"message,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Evidence is an immutable attachment supporting a dispute.
type Evidence struct {
	ID               string       `json:"id"`
	DisputeID        string       `json:"disputeId"`
	UploadedByUserID string       `json:"uploadedByUserId"`
	Type             EvidenceType `json:"type"`
	URL              string       `json:"url"`
	Label            string       `json:"label,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// HoldOp carries one atomic escrow-hold application: the dispute's hold
// counter increment, the ledger hold, and the audit event commit together.
type HoldOp struct {
	DisputeID       string
	EscrowAccountID string
	Amount          string
	Event           *Event
}

// PayoutOp carries one atomic settlement payout: the guarded hold
// decrement, the payout counter increment, the ledger payout, and the
// audit event commit together. The store records the post-payout hold in
// Event.Metadata["remainingHold"] before persisting the event.
type PayoutOp struct {
	DisputeID       string
	EscrowAccountID string
	Amount          string
	Direction       escrow.PayoutDirection
	Event           *Event
}

// QueueFilter selects disputes for the operator triage queue.
type QueueFilter struct {
	Statuses   []Status // empty = all active statuses
	AssignedTo string   // filter by operator, empty = any
	Limit      int      // default 20, max 100
	Offset     int
}

// Store persists disputes, their event log, and their evidence.
//
// Every mutating method is one atomic unit: the dispute mutation, the
// event append, and any evidence or escrow-ledger effects commit or roll
// back together. Counter mutations (hold, payout) are relative
// increments applied inside the unit, never read-modify-write from
// caller-held state.
type Store interface {
	// CreateDispute inserts the dispute, its opening events, and up to
	// MaxCreateAttachments evidence rows. Returns
	// ErrDuplicateActiveDispute if the negotiation already has an
	// active dispute; the check is race-free at the store layer.
	CreateDispute(ctx context.Context, d *Dispute, events []*Event, evidence []*Evidence) error

	Get(ctx context.Context, id string) (*Dispute, error)
	HasActiveDispute(ctx context.Context, negotiationID string) (bool, error)

	// UpdateStatus moves the dispute from to target, stamping the
	// first-entry timestamps, and appends evt. Fails with
	// ErrInvalidTransition if the stored status no longer equals from.
	UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time, evt *Event) (*Dispute, error)

	Assign(ctx context.Context, id, assigneeUserID string, evt *Event) (*Dispute, error)
	AttachEvidence(ctx context.Context, ev *Evidence, evt *Event) error
	ApplyHold(ctx context.Context, op HoldOp) (*Dispute, error)
	RecordCounterProposal(ctx context.Context, id, amount string, evt *Event) (*Dispute, error)
	SettlePayout(ctx context.Context, op PayoutOp) (*Dispute, error)

	// MarkSLABreached stamps slaBreachedAt and appends evt, once.
	// Returns false without error when the breach was already recorded
	// or the dispute has since resolved.
	MarkSLABreached(ctx context.Context, id string, at time.Time, evt *Event) (bool, error)
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)

	// ListQueue returns one page of disputes ordered by severity, SLA
	// due time, then raise time, plus the total matching count.
	ListQueue(ctx context.Context, filter QueueFilter) ([]*Dispute, int, error)
	ListEvents(ctx context.Context, disputeID string, limit int) ([]*Event, error)
	LatestEvent(ctx context.Context, disputeID string) (*Event, error)
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)
}
