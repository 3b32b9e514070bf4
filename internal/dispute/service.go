package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/loopmarket/dealdesk/internal/escrow"
	"github.com/loopmarket/dealdesk/internal/idgen"
	"github.com/loopmarket/dealdesk/internal/metrics"
	"github.com/loopmarket/dealdesk/internal/money"
	"github.com/loopmarket/dealdesk/internal/negotiation"
	"github.com/loopmarket/dealdesk/internal/traces"
)

// Platform event types announced to the rest of the marketplace.
const (
	PlatformDisputeRaised = "DEAL_DISPUTE_RAISED"
	PlatformEscrowHold    = "DEAL_DISPUTE_ESCROW_HOLD"
	PlatformEscrowCounter = "DEAL_DISPUTE_ESCROW_COUNTER"
	PlatformEscrowPayout  = "DEAL_DISPUTE_ESCROW_PAYOUT"
	PlatformStatusChanged = "DEAL_DISPUTE_STATUS_CHANGED"
	PlatformSLABreached   = "DEAL_DISPUTE_SLA_BREACHED"
)

// PlatformEvent is the fire-and-forget announcement contract. Delivery is
// best-effort: publish failures are logged, never retried synchronously,
// and never roll back a committed dispute mutation.
type PlatformEvent struct {
	Type          string                 `json:"type"`
	NegotiationID string                 `json:"negotiationId"`
	TriggeredBy   string                 `json:"triggeredBy,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Publisher announces lifecycle events to the rest of the platform.
type Publisher interface {
	Publish(ctx context.Context, evt PlatformEvent)
}

// MultiPublisher fans one event out to several publishers in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, evt PlatformEvent) {
	for _, p := range m {
		p.Publish(ctx, evt)
	}
}

// ConversionRecorder tracks premium-tier conversions downstream when a
// premium negotiation's dispute resolves.
type ConversionRecorder interface {
	RecordConversion(ctx context.Context, negotiationID, disputeID string) error
}

// RaiseRequest contains the parameters for raising a dispute.
type RaiseRequest struct {
	NegotiationID    string            `json:"negotiationId" binding:"required"`
	RaisedByUserID   string            `json:"raisedByUserId" binding:"required"`
	Summary          string            `json:"summary" binding:"required"`
	Description      string            `json:"description"`
	RequestedOutcome string            `json:"requestedOutcome"`
	Severity         Severity          `json:"severity" binding:"required"`
	Category         Category          `json:"category" binding:"required"`
	Attachments      []AttachmentInput `json:"attachments"`
}

// AttachmentInput is evidence submitted at raise time.
type AttachmentInput struct {
	Type  EvidenceType `json:"type" binding:"required"`
	URL   string       `json:"url" binding:"required"`
	Label string       `json:"label"`
}

// Service implements dispute business logic. All state lives behind the
// Store; the service holds no mutable state of its own, so operations on
// distinct disputes run concurrently without coordination.
type Service struct {
	store        Store
	negotiations negotiation.Finder
	publisher    Publisher
	conversions  ConversionRecorder
	logger       *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, negotiations negotiation.Finder) *Service {
	return &Service{
		store:        store,
		negotiations: negotiations,
		logger:       slog.Default(),
	}
}

// WithPublisher adds a platform event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithConversionRecorder adds a premium-conversion hook.
func (s *Service) WithConversionRecorder(r ConversionRecorder) *Service {
	s.conversions = r
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Raise opens a dispute against a negotiation.
//
// At most one active dispute may exist per negotiation; the store
// enforces this under concurrency, the pre-check here just gives a
// cleaner error without burning an insert.
func (s *Service) Raise(ctx context.Context, req RaiseRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Raise",
		attribute.String("negotiation_id", req.NegotiationID),
		attribute.String("severity", string(req.Severity)),
	)
	defer span.End()

	if strings.TrimSpace(req.Summary) == "" {
		return nil, fmt.Errorf("summary is required")
	}
	if !req.Severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", req.Severity)
	}
	if !req.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", req.Category)
	}

	neg, err := s.negotiations.Get(ctx, req.NegotiationID)
	if err != nil {
		if errors.Is(err, negotiation.ErrNotFound) {
			return nil, ErrNegotiationNotFound
		}
		return nil, fmt.Errorf("resolve negotiation: %w", err)
	}

	active, err := s.store.HasActiveDispute(ctx, neg.ID)
	if err != nil {
		return nil, fmt.Errorf("check active dispute: %w", err)
	}
	if active {
		return nil, ErrDuplicateActiveDispute
	}

	now := time.Now()
	slaDue := now.Add(SLAWindow(req.Severity))
	d := &Dispute{
		ID:                     idgen.WithPrefix("dsp_"),
		NegotiationID:          neg.ID,
		RaisedByUserID:         req.RaisedByUserID,
		Status:                 StatusOpen,
		Severity:               req.Severity,
		Category:               req.Category,
		Summary:                req.Summary,
		Description:            req.Description,
		RequestedOutcome:       req.RequestedOutcome,
		HoldAmount:             "0.00",
		ResolutionPayoutAmount: "0.00",
		RaisedAt:               now,
		SLADueAt:               &slaDue,
		UpdatedAt:              now,
	}

	attachments := req.Attachments
	if len(attachments) > MaxCreateAttachments {
		attachments = attachments[:MaxCreateAttachments]
	}
	evidence := make([]*Evidence, 0, len(attachments))
	for _, a := range attachments {
		if !a.Type.Valid() {
			return nil, fmt.Errorf("unknown evidence type %q", a.Type)
		}
		evidence = append(evidence, &Evidence{
			ID:               idgen.WithPrefix("evd_"),
			DisputeID:        d.ID,
			UploadedByUserID: req.RaisedByUserID,
			Type:             a.Type,
			URL:              a.URL,
			Label:            a.Label,
			CreatedAt:        now,
		})
	}

	events := []*Event{{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   d.ID,
		ActorUserID: req.RaisedByUserID,
		Type:        EventCreated,
		Status:      StatusOpen,
		Message:     req.Summary,
		CreatedAt:   now,
	}}
	if len(evidence) > 0 {
		events = append(events, &Event{
			ID:          idgen.WithPrefix("evt_"),
			DisputeID:   d.ID,
			ActorUserID: req.RaisedByUserID,
			Type:        EventEvidenceAttached,
			Metadata:    map[string]interface{}{"count": len(evidence)},
			CreatedAt:   now,
		})
	}

	if err := s.store.CreateDispute(ctx, d, events, evidence); err != nil {
		return nil, err
	}

	metrics.DisputesRaisedTotal.WithLabelValues(string(req.Severity)).Inc()
	s.publish(ctx, PlatformEvent{
		Type:          PlatformDisputeRaised,
		NegotiationID: neg.ID,
		TriggeredBy:   req.RaisedByUserID,
		Payload: map[string]interface{}{
			"disputeId":   d.ID,
			"severity":    string(d.Severity),
			"category":    string(d.Category),
			"attachments": len(evidence),
		},
	})

	return d, nil
}

// TransitionStatus moves a dispute along the allowed state diagram.
// First entry into under_review, escalated, resolved, and closed stamps
// the matching timestamp exactly once.
func (s *Service) TransitionStatus(ctx context.Context, id string, target Status, actorUserID, note string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.TransitionStatus",
		attribute.String("dispute_id", id),
		attribute.String("target", string(target)),
	)
	defer span.End()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(d.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, target)
	}

	eventType := EventStatusChanged
	switch target {
	case StatusEscalated:
		eventType = EventEscalationTriggered
	case StatusResolved:
		eventType = EventResolutionRecorded
	}

	now := time.Now()
	evt := &Event{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   id,
		ActorUserID: actorUserID,
		Type:        eventType,
		Status:      target,
		Message:     note,
		Metadata:    map[string]interface{}{"from": string(d.Status), "to": string(target)},
		CreatedAt:   now,
	}

	updated, err := s.store.UpdateStatus(ctx, id, d.Status, target, now, evt)
	if err != nil {
		return nil, err
	}

	metrics.DisputeTransitionsTotal.WithLabelValues(string(target)).Inc()
	s.publish(ctx, PlatformEvent{
		Type:          PlatformStatusChanged,
		NegotiationID: updated.NegotiationID,
		TriggeredBy:   actorUserID,
		Payload: map[string]interface{}{
			"disputeId": id,
			"from":      string(d.Status),
			"to":        string(target),
			"note":      note,
		},
	})

	if target == StatusResolved {
		s.recordConversion(ctx, updated)
	}

	return updated, nil
}

// Assign hands the dispute to an operator.
func (s *Service) Assign(ctx context.Context, id, assigneeUserID, actorUserID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Assign", attribute.String("dispute_id", id))
	defer span.End()

	evt := &Event{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   id,
		ActorUserID: actorUserID,
		Type:        EventAssignmentUpdated,
		Message:     fmt.Sprintf("Assigned to %s", assigneeUserID),
		Metadata:    map[string]interface{}{"assigneeUserId": assigneeUserID},
		CreatedAt:   time.Now(),
	}
	return s.store.Assign(ctx, id, assigneeUserID, evt)
}

// AttachEvidence adds a supporting attachment after raise time.
func (s *Service) AttachEvidence(ctx context.Context, id, actorUserID string, input AttachmentInput) (*Evidence, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.AttachEvidence", attribute.String("dispute_id", id))
	defer span.End()

	if !input.Type.Valid() {
		return nil, fmt.Errorf("unknown evidence type %q", input.Type)
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}

	now := time.Now()
	ev := &Evidence{
		ID:               idgen.WithPrefix("evd_"),
		DisputeID:        id,
		UploadedByUserID: actorUserID,
		Type:             input.Type,
		URL:              input.URL,
		Label:            input.Label,
		CreatedAt:        now,
	}
	evt := &Event{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   id,
		ActorUserID: actorUserID,
		Type:        EventEvidenceAttached,
		Metadata:    map[string]interface{}{"evidenceId": ev.ID, "url": input.URL},
		CreatedAt:   now,
	}

	if err := s.store.AttachEvidence(ctx, ev, evt); err != nil {
		return nil, err
	}
	return ev, nil
}

// ApplyEscrowHold earmarks funds against the dispute. Concurrent holds
// accumulate: the store applies a relative increment, never an absolute
// set.
func (s *Service) ApplyEscrowHold(ctx context.Context, id, actorUserID, amount, reason string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.ApplyEscrowHold",
		attribute.String("dispute_id", id),
	)
	defer span.End()

	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	neg, err := s.negotiations.Get(ctx, d.NegotiationID)
	if err != nil {
		// A dispute whose negotiation no longer resolves is unusable.
		return nil, ErrDisputeNotFound
	}

	evt := &Event{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   id,
		ActorUserID: actorUserID,
		Type:        EventEscrowHoldApplied,
		Message:     reason,
		Metadata:    map[string]interface{}{"amount": amount, "reason": reason},
		CreatedAt:   time.Now(),
	}

	updated, err := s.store.ApplyHold(ctx, HoldOp{
		DisputeID:       id,
		EscrowAccountID: neg.EscrowAccountID,
		Amount:          amount,
		Event:           evt,
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowHoldsTotal.Inc()
	s.publish(ctx, PlatformEvent{
		Type:          PlatformEscrowHold,
		NegotiationID: neg.ID,
		TriggeredBy:   actorUserID,
		Payload: map[string]interface{}{
			"disputeId": id,
			"amount":    amount,
			"reason":    reason,
		},
	})

	return updated, nil
}

// RecordCounterProposal records the latest settlement offer. This is a
// negotiation signal only: no funds move and the ledger is not touched.
func (s *Service) RecordCounterProposal(ctx context.Context, id, actorUserID, amount, note string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.RecordCounterProposal",
		attribute.String("dispute_id", id),
	)
	defer span.End()

	if !money.IsPositive(amount) {
		return nil, ErrInvalidAmount
	}

	evt := &Event{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   id,
		ActorUserID: actorUserID,
		Type:        EventEscrowCounterProposed,
		Message:     note,
		Metadata:    map[string]interface{}{"amount": amount},
		CreatedAt:   time.Now(),
	}

	updated, err := s.store.RecordCounterProposal(ctx, id, amount, evt)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, PlatformEvent{
		Type:          PlatformEscrowCounter,
		NegotiationID: updated.NegotiationID,
		TriggeredBy:   actorUserID,
		Payload: map[string]interface{}{
			"disputeId": id,
			"amount":    amount,
			"note":      note,
		},
	})

	return updated, nil
}

// SettleEscrowPayout releases part of the held funds toward one party.
// The payout never exceeds the current hold; the store enforces the
// bound inside the transaction so concurrent settlements cannot
// overdraw.
func (s *Service) SettleEscrowPayout(ctx context.Context, id, actorUserID, amount string, direction escrow.PayoutDirection, note string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SettleEscrowPayout",
		attribute.String("dispute_id", id),
		attribute.String("direction", string(direction)),
	)
	defer span.End()

	if !money.IsPositive(amount) || !direction.Valid() {
		return nil, ErrInvalidAmount
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	neg, err := s.negotiations.Get(ctx, d.NegotiationID)
	if err != nil {
		return nil, ErrDisputeNotFound
	}

	// Early bound check for a clean error; the store re-checks under
	// the transaction.
	held, _ := money.Parse(d.HoldAmount)
	want, _ := money.Parse(amount)
	if held.Cmp(want) < 0 {
		return nil, ErrInsufficientHoldBalance
	}

	evt := &Event{
		ID:          idgen.WithPrefix("evt_"),
		DisputeID:   id,
		ActorUserID: actorUserID,
		Type:        EventEscrowPayoutReleased,
		Message:     note,
		Metadata:    map[string]interface{}{"amount": amount, "direction": string(direction)},
		CreatedAt:   time.Now(),
	}

	updated, err := s.store.SettlePayout(ctx, PayoutOp{
		DisputeID:       id,
		EscrowAccountID: neg.EscrowAccountID,
		Amount:          amount,
		Direction:       direction,
		Event:           evt,
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowPayoutsTotal.WithLabelValues(string(direction)).Inc()
	s.publish(ctx, PlatformEvent{
		Type:          PlatformEscrowPayout,
		NegotiationID: neg.ID,
		TriggeredBy:   actorUserID,
		Payload: map[string]interface{}{
			"disputeId":     id,
			"amount":        amount,
			"direction":     string(direction),
			"remainingHold": updated.HoldAmount,
		},
	})

	return updated, nil
}

// SweepSLABreaches records a breach for every overdue, unresolved
// dispute that has not been marked yet. Idempotent: a dispute's breach
// is recorded at most once no matter how often the sweep runs. Returns
// the number of breaches recorded.
func (s *Service) SweepSLABreaches(ctx context.Context, now time.Time) (int, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SweepSLABreaches")
	defer span.End()

	overdue, err := s.store.ListOverdue(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("list overdue disputes: %w", err)
	}

	recorded := 0
	for _, d := range overdue {
		evt := &Event{
			ID:        idgen.WithPrefix("evt_"),
			DisputeID: d.ID,
			Type:      EventSLABreachRecorded,
			Status:    d.Status,
			Metadata:  map[string]interface{}{"slaDueAt": d.SLADueAt},
			CreatedAt: now,
		}
		applied, err := s.store.MarkSLABreached(ctx, d.ID, now, evt)
		if err != nil {
			s.logger.Warn("failed to record SLA breach", "disputeId", d.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		recorded++
		metrics.SLABreachesTotal.Inc()
		s.publish(ctx, PlatformEvent{
			Type:          PlatformSLABreached,
			NegotiationID: d.NegotiationID,
			Payload: map[string]interface{}{
				"disputeId": d.ID,
				"severity":  string(d.Severity),
				"slaDueAt":  d.SLADueAt,
			},
		})
	}
	return recorded, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// Events returns the dispute's audit trail, oldest first.
func (s *Service) Events(ctx context.Context, id string, limit int) ([]*Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, limit)
}

// publish announces a platform event. Best-effort: failures here are the
// publisher's to log, never the caller's to handle.
func (s *Service) publish(ctx context.Context, evt PlatformEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, evt)
}

// recordConversion feeds the premium-conversion tracker when a premium
// negotiation's dispute resolves. Best-effort.
func (s *Service) recordConversion(ctx context.Context, d *Dispute) {
	if s.conversions == nil {
		return
	}
	neg, err := s.negotiations.Get(ctx, d.NegotiationID)
	if err != nil || !neg.Premium {
		return
	}
	if err := s.conversions.RecordConversion(ctx, neg.ID, d.ID); err != nil {
		s.logger.Warn("premium conversion record failed", "disputeId", d.ID, "error", err)
	}
}
