package dispute

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/loopmarket/dealdesk/internal/escrow"
	"github.com/loopmarket/dealdesk/internal/money"
)

// MemoryStore is an in-memory Store for development and tests. A single
// mutex serializes every mutation, which also covers the embedded
// escrow ledger: a hold or payout and its ledger effect land together
// or not at all, matching the Postgres transaction semantics.
type MemoryStore struct {
	mu       sync.Mutex
	disputes map[string]*Dispute
	events   map[string][]*Event   // dispute ID -> ordered events
	evidence map[string][]*Evidence
	ledger   escrow.Ledger
}

// NewMemoryStore creates an empty in-memory store backed by the given
// escrow ledger.
func NewMemoryStore(ledger escrow.Ledger) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		events:   make(map[string][]*Event),
		evidence: make(map[string][]*Evidence),
		ledger:   ledger,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute, events []*Event, evidence []*Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.NegotiationID == d.NegotiationID && !existing.IsTerminal() {
			return ErrDuplicateActiveDispute
		}
	}

	cp := *d
	m.disputes[d.ID] = &cp
	for _, e := range events {
		ec := *e
		m.events[d.ID] = append(m.events[d.ID], &ec)
	}
	for _, ev := range evidence {
		vc := *ev
		m.evidence[d.ID] = append(m.evidence[d.ID], &vc)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) HasActiveDispute(ctx context.Context, negotiationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.NegotiationID == negotiationID && !d.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, at time.Time, evt *Event) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if d.Status != from {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}

	d.Status = to
	d.UpdatedAt = at
	switch to {
	case StatusUnderReview:
		if d.AcknowledgedAt == nil {
			t := at
			d.AcknowledgedAt = &t
		}
	case StatusEscalated:
		if d.EscalatedAt == nil {
			t := at
			d.EscalatedAt = &t
		}
	case StatusResolved:
		if d.ResolvedAt == nil {
			t := at
			d.ResolvedAt = &t
		}
	case StatusClosed:
		if d.ClosedAt == nil {
			t := at
			d.ClosedAt = &t
		}
	}

	m.appendEventLocked(evt)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Assign(ctx context.Context, id, assigneeUserID string, evt *Event) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	d.AssignedToUserID = assigneeUserID
	d.UpdatedAt = evt.CreatedAt
	m.appendEventLocked(evt)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) AttachEvidence(ctx context.Context, ev *Evidence, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[ev.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	vc := *ev
	m.evidence[ev.DisputeID] = append(m.evidence[ev.DisputeID], &vc)
	d.UpdatedAt = ev.CreatedAt
	m.appendEventLocked(evt)
	return nil
}

func (m *MemoryStore) ApplyHold(ctx context.Context, op HoldOp) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[op.DisputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}

	if _, err := m.ledger.ApplyHold(ctx, op.EscrowAccountID, op.Amount, map[string]interface{}{
		"disputeId": op.DisputeID,
	}); err != nil {
		return nil, err
	}

	held, _ := money.Parse(d.HoldAmount)
	add, ok2 := money.Parse(op.Amount)
	if !ok2 {
		return nil, ErrInvalidAmount
	}
	d.HoldAmount = money.Format(new(big.Int).Add(held, add))
	d.UpdatedAt = op.Event.CreatedAt

	m.appendEventLocked(op.Event)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) RecordCounterProposal(ctx context.Context, id, amount string, evt *Event) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	d.CounterProposalAmount = amount
	d.UpdatedAt = evt.CreatedAt
	m.appendEventLocked(evt)
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) SettlePayout(ctx context.Context, op PayoutOp) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[op.DisputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}

	held, _ := money.Parse(d.HoldAmount)
	amount, ok2 := money.Parse(op.Amount)
	if !ok2 {
		return nil, ErrInvalidAmount
	}
	if held.Cmp(amount) < 0 {
		return nil, ErrInsufficientHoldBalance
	}

	if _, err := m.ledger.ReleasePayout(ctx, op.EscrowAccountID, op.Amount, op.Direction, map[string]interface{}{
		"disputeId": op.DisputeID,
	}); err != nil {
		return nil, err
	}

	d.HoldAmount = money.Format(new(big.Int).Sub(held, amount))
	paid, _ := money.Parse(d.ResolutionPayoutAmount)
	d.ResolutionPayoutAmount = money.Format(new(big.Int).Add(paid, amount))
	d.UpdatedAt = op.Event.CreatedAt

	if op.Event.Metadata == nil {
		op.Event.Metadata = make(map[string]interface{})
	}
	op.Event.Metadata["remainingHold"] = d.HoldAmount
	m.appendEventLocked(op.Event)

	cp := *d
	return &cp, nil
}

func (m *MemoryStore) MarkSLABreached(ctx context.Context, id string, at time.Time, evt *Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return false, ErrDisputeNotFound
	}
	if d.SLABreachedAt != nil || d.IsTerminal() {
		return false, nil
	}
	t := at
	d.SLABreachedAt = &t
	d.UpdatedAt = at
	m.appendEventLocked(evt)
	return true, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.IsTerminal() || d.SLABreachedAt != nil {
			continue
		}
		if d.SLADueAt == nil || d.SLADueAt.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLADueAt.Before(*out[j].SLADueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = ActiveStatuses()
	}
	match := func(d *Dispute) bool {
		ok := false
		for _, st := range statuses {
			if d.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
		if f.AssignedTo != "" && d.AssignedToUserID != f.AssignedTo {
			return false
		}
		return true
	}

	var all []*Dispute
	for _, d := range m.disputes {
		if match(d) {
			cp := *d
			all = append(all, &cp)
		}
	}
	sortQueue(all)

	total := len(all)
	if f.Offset >= len(all) {
		return nil, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, disputeID string, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[disputeID]
	out := make([]*Event, 0, len(events))
	for _, e := range events {
		ec := *e
		out = append(out, &ec)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LatestEvent(ctx context.Context, disputeID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[disputeID]
	if len(events) == 0 {
		return nil, nil
	}
	cp := *events[len(events)-1]
	return &cp, nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evidence := m.evidence[disputeID]
	out := make([]*Evidence, 0, len(evidence))
	// Newest first.
	for i := len(evidence) - 1; i >= 0; i-- {
		ec := *evidence[i]
		out = append(out, &ec)
	}
	return out, nil
}

func (m *MemoryStore) appendEventLocked(evt *Event) {
	ec := *evt
	m.events[evt.DisputeID] = append(m.events[evt.DisputeID], &ec)
}

// sortQueue orders the operator queue: severity (critical first), then
// SLA due time ascending, then raise time ascending.
func sortQueue(ds []*Dispute) {
	sort.SliceStable(ds, func(i, j int) bool {
		ri, rj := ds[i].Severity.Rank(), ds[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		di, dj := ds[i].SLADueAt, ds[j].SLADueAt
		switch {
		case di != nil && dj != nil && !di.Equal(*dj):
			return di.Before(*dj)
		case di != nil && dj == nil:
			return true
		case di == nil && dj != nil:
			return false
		}
		return ds[i].RaisedAt.Before(ds[j].RaisedAt)
	})
}
