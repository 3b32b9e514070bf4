package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loopmarket/dealdesk/internal/escrow"
	"github.com/loopmarket/dealdesk/internal/negotiation"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []PlatformEvent
}

func (p *capturingPublisher) Publish(ctx context.Context, evt PlatformEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturingPublisher) byType(t string) []PlatformEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PlatformEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	service      *Service
	store        *MemoryStore
	ledger       *escrow.MemoryLedger
	negotiations *negotiation.MemoryStore
	publisher    *capturingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	ledger := escrow.NewMemoryLedger()
	if err := ledger.CreateAccount(ctx, &escrow.Account{
		ID:       "acct_1",
		Status:   escrow.AccountFunded,
		Currency: "EUR",
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	negotiations := negotiation.NewMemoryStore()
	if err := negotiations.Create(ctx, &negotiation.Negotiation{
		ID:              "neg_1",
		BuyerID:         "usr_buyer",
		SellerID:        "usr_seller",
		EscrowAccountID: "acct_1",
		Status:          negotiation.StatusFulfilling,
	}); err != nil {
		t.Fatalf("seed negotiation: %v", err)
	}

	store := NewMemoryStore(ledger)
	publisher := &capturingPublisher{}
	service := NewService(store, negotiations).WithPublisher(publisher)

	return &fixture{
		service:      service,
		store:        store,
		ledger:       ledger,
		negotiations: negotiations,
		publisher:    publisher,
	}
}

func (f *fixture) raise(t *testing.T, req RaiseRequest) *Dispute {
	t.Helper()
	if req.NegotiationID == "" {
		req.NegotiationID = "neg_1"
	}
	if req.RaisedByUserID == "" {
		req.RaisedByUserID = "usr_buyer"
	}
	if req.Summary == "" {
		req.Summary = "Half the pallet arrived water-damaged"
	}
	if req.Severity == "" {
		req.Severity = SeverityHigh
	}
	if req.Category == "" {
		req.Category = CategoryQuality
	}
	d, err := f.service.Raise(context.Background(), req)
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	return d
}

func TestRaiseDispute(t *testing.T) {
	f := newFixture(t)
	d := f.raise(t, RaiseRequest{
		Severity: SeverityHigh,
		Attachments: []AttachmentInput{
			{Type: EvidenceLink, URL: "https://cdn.example.com/damage.jpg"},
		},
	})

	if d.Status != StatusOpen {
		t.Errorf("status = %s, want open", d.Status)
	}
	if d.HoldAmount != "0.00" || d.ResolutionPayoutAmount != "0.00" {
		t.Errorf("amounts not zeroed: hold=%s payout=%s", d.HoldAmount, d.ResolutionPayoutAmount)
	}
	if d.SLADueAt == nil {
		t.Fatal("SLA due not set")
	}
	want := d.RaisedAt.Add(24 * time.Hour)
	if !d.SLADueAt.Equal(want) {
		t.Errorf("SLA due = %v, want %v", d.SLADueAt, want)
	}

	events, err := f.store.ListEvents(context.Background(), d.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (created + evidence), got %d", len(events))
	}
	if events[0].Type != EventCreated || events[1].Type != EventEvidenceAttached {
		t.Errorf("event order wrong: %s, %s", events[0].Type, events[1].Type)
	}

	evidence, err := f.store.ListEvidence(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evidence) != 1 {
		t.Errorf("expected 1 evidence row, got %d", len(evidence))
	}

	if got := f.publisher.byType(PlatformDisputeRaised); len(got) != 1 {
		t.Errorf("expected 1 raised announcement, got %d", len(got))
	}
}

func TestRaiseDisputeSLAWindows(t *testing.T) {
	windows := map[Severity]time.Duration{
		SeverityCritical: 4 * time.Hour,
		SeverityHigh:     24 * time.Hour,
		SeverityMedium:   72 * time.Hour,
		SeverityLow:      7 * 24 * time.Hour,
	}
	for severity, want := range windows {
		if got := SLAWindow(severity); got != want {
			t.Errorf("SLAWindow(%s) = %v, want %v", severity, got, want)
		}
	}
}

func TestRaiseDisputeAttachmentCap(t *testing.T) {
	f := newFixture(t)
	var attachments []AttachmentInput
	for i := 0; i < 8; i++ {
		attachments = append(attachments, AttachmentInput{
			Type: EvidenceLink,
			URL:  fmt.Sprintf("https://cdn.example.com/photo-%d.jpg", i),
		})
	}
	d := f.raise(t, RaiseRequest{Attachments: attachments})

	evidence, err := f.store.ListEvidence(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evidence) != MaxCreateAttachments {
		t.Errorf("expected %d evidence rows, got %d", MaxCreateAttachments, len(evidence))
	}
}

func TestRaiseDisputeRejectsDuplicateActive(t *testing.T) {
	f := newFixture(t)
	f.raise(t, RaiseRequest{})

	_, err := f.service.Raise(context.Background(), RaiseRequest{
		NegotiationID:  "neg_1",
		RaisedByUserID: "usr_seller",
		Summary:        "Payment still outstanding",
		Severity:       SeverityMedium,
		Category:       CategoryEscrow,
	})
	if !errors.Is(err, ErrDuplicateActiveDispute) {
		t.Fatalf("expected ErrDuplicateActiveDispute, got %v", err)
	}
}

func TestRaiseDisputeAllowedAfterResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	mustTransition(t, f.service, d.ID, StatusUnderReview, StatusResolved)

	if _, err := f.service.Raise(ctx, RaiseRequest{
		NegotiationID:  "neg_1",
		RaisedByUserID: "usr_seller",
		Summary:        "New issue after resolution",
		Severity:       SeverityLow,
		Category:       CategoryOther,
	}); err != nil {
		t.Fatalf("expected new dispute after resolution, got %v", err)
	}
}

func TestRaiseDisputeUnknownNegotiation(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Raise(context.Background(), RaiseRequest{
		NegotiationID:  "neg_missing",
		RaisedByUserID: "usr_buyer",
		Summary:        "anything",
		Severity:       SeverityLow,
		Category:       CategoryOther,
	})
	if !errors.Is(err, ErrNegotiationNotFound) {
		t.Fatalf("expected ErrNegotiationNotFound, got %v", err)
	}
}

func mustTransition(t *testing.T, s *Service, id string, targets ...Status) *Dispute {
	t.Helper()
	var d *Dispute
	var err error
	for _, target := range targets {
		d, err = s.TransitionStatus(context.Background(), id, target, "usr_op", "")
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	return d
}

func TestTransitionMatrix(t *testing.T) {
	allowed := map[Status][]Status{
		StatusOpen:            {StatusUnderReview, StatusEscalated},
		StatusUnderReview:     {StatusAwaitingParties, StatusEscalated, StatusResolved},
		StatusAwaitingParties: {StatusUnderReview, StatusEscalated},
		StatusEscalated:       {StatusUnderReview, StatusAwaitingParties, StatusResolved},
		StatusResolved:        {StatusClosed},
		StatusClosed:          {},
	}
	all := []Status{StatusOpen, StatusUnderReview, StatusAwaitingParties, StatusEscalated, StatusResolved, StatusClosed}

	for from, targets := range allowed {
		ok := make(map[Status]bool)
		for _, to := range targets {
			ok[to] = true
			if !CanTransition(from, to) {
				t.Errorf("%s -> %s should be allowed", from, to)
			}
		}
		for _, to := range all {
			if !ok[to] && CanTransition(from, to) {
				t.Errorf("%s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestTransitionRejected(t *testing.T) {
	f := newFixture(t)
	d := f.raise(t, RaiseRequest{})

	_, err := f.service.TransitionStatus(context.Background(), d.ID, StatusResolved, "usr_op", "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for open -> resolved, got %v", err)
	}

	// State must be unchanged and no event recorded.
	got, err := f.service.Get(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOpen {
		t.Errorf("status = %s, want open", got.Status)
	}
	events, _ := f.store.ListEvents(context.Background(), d.ID, 0)
	if len(events) != 1 {
		t.Errorf("expected only the created event, got %d", len(events))
	}
}

func TestTransitionStampsFirstEntryTimestamps(t *testing.T) {
	f := newFixture(t)
	d := f.raise(t, RaiseRequest{})

	got := mustTransition(t, f.service, d.ID, StatusUnderReview)
	if got.AcknowledgedAt == nil {
		t.Fatal("acknowledgedAt not stamped")
	}
	first := *got.AcknowledgedAt

	// Leave and re-enter review; the original timestamp must survive.
	got = mustTransition(t, f.service, d.ID, StatusEscalated, StatusUnderReview)
	if got.AcknowledgedAt == nil || !got.AcknowledgedAt.Equal(first) {
		t.Errorf("acknowledgedAt changed on re-entry: %v vs %v", got.AcknowledgedAt, first)
	}
	if got.EscalatedAt == nil {
		t.Error("escalatedAt not stamped")
	}
}

func TestTransitionEventTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	mustTransition(t, f.service, d.ID, StatusUnderReview, StatusEscalated, StatusResolved)

	events, err := f.store.ListEvents(ctx, d.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []EventType{EventCreated, EventStatusChanged, EventEscalationTriggered, EventResolutionRecorded}
	if len(types) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(types), len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestApplyEscrowHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	got, err := f.service.ApplyEscrowHold(ctx, d.ID, "usr_op", "250.00", "damaged goods claim")
	if err != nil {
		t.Fatal(err)
	}
	if got.HoldAmount != "250.00" {
		t.Errorf("hold = %s, want 250.00", got.HoldAmount)
	}

	acct, err := f.ledger.GetAccount(ctx, "acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Status != escrow.AccountDisputed {
		t.Errorf("account status = %s, want disputed", acct.Status)
	}
	txns, _ := f.ledger.ListTransactions(ctx, "acct_1", 0)
	if len(txns) != 1 || txns[0].Type != escrow.TxnDisputeHold {
		t.Errorf("expected one dispute_hold transaction, got %+v", txns)
	}
}

func TestApplyEscrowHoldInvalidAmount(t *testing.T) {
	f := newFixture(t)
	d := f.raise(t, RaiseRequest{})

	for _, amount := range []string{"", "0", "-10", "abc"} {
		if _, err := f.service.ApplyEscrowHold(context.Background(), d.ID, "usr_op", amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %q: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestConcurrentHoldsAccumulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.ApplyEscrowHold(ctx, d.ID, "usr_op", "10.00", ""); err != nil {
				t.Errorf("concurrent hold: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := f.service.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.HoldAmount != "100.00" {
		t.Errorf("hold = %s, want 100.00 after %d x 10.00", got.HoldAmount, workers)
	}
	txns, _ := f.ledger.ListTransactions(ctx, "acct_1", 0)
	if len(txns) != workers {
		t.Errorf("expected %d ledger transactions, got %d", workers, len(txns))
	}
}

func TestRecordCounterProposalOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	if _, err := f.service.RecordCounterProposal(ctx, d.ID, "usr_seller", "200.00", "first offer"); err != nil {
		t.Fatal(err)
	}
	got, err := f.service.RecordCounterProposal(ctx, d.ID, "usr_buyer", "125.00", "counter")
	if err != nil {
		t.Fatal(err)
	}
	if got.CounterProposalAmount != "125.00" {
		t.Errorf("counter = %s, want 125.00 (latest offer wins)", got.CounterProposalAmount)
	}

	// No ledger movement from proposals.
	txns, _ := f.ledger.ListTransactions(ctx, "acct_1", 0)
	if len(txns) != 0 {
		t.Errorf("counter proposal must not touch the ledger, got %d transactions", len(txns))
	}
}

func TestSettleEscrowPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	if _, err := f.service.ApplyEscrowHold(ctx, d.ID, "usr_op", "250.00", ""); err != nil {
		t.Fatal(err)
	}

	got, err := f.service.SettleEscrowPayout(ctx, d.ID, "usr_op", "100.00", escrow.RefundToBuyer, "partial refund")
	if err != nil {
		t.Fatal(err)
	}
	if got.HoldAmount != "150.00" {
		t.Errorf("hold = %s, want 150.00", got.HoldAmount)
	}
	if got.ResolutionPayoutAmount != "100.00" {
		t.Errorf("payout = %s, want 100.00", got.ResolutionPayoutAmount)
	}

	acct, _ := f.ledger.GetAccount(ctx, "acct_1")
	if acct.RefundedAmount != "100.00" {
		t.Errorf("refunded = %s, want 100.00", acct.RefundedAmount)
	}

	evt, err := f.store.LatestEvent(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != EventEscrowPayoutReleased {
		t.Fatalf("latest event = %s", evt.Type)
	}
	if evt.Metadata["remainingHold"] != "150.00" {
		t.Errorf("remainingHold metadata = %v, want 150.00", evt.Metadata["remainingHold"])
	}
}

func TestSettleEscrowPayoutExceedsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	if _, err := f.service.ApplyEscrowHold(ctx, d.ID, "usr_op", "50.00", ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.service.SettleEscrowPayout(ctx, d.ID, "usr_op", "75.00", escrow.ReleaseToSeller, "")
	if !errors.Is(err, ErrInsufficientHoldBalance) {
		t.Fatalf("expected ErrInsufficientHoldBalance, got %v", err)
	}

	// Nothing must have moved.
	got, _ := f.service.Get(ctx, d.ID)
	if got.HoldAmount != "50.00" || got.ResolutionPayoutAmount != "0.00" {
		t.Errorf("state changed on rejected payout: hold=%s payout=%s", got.HoldAmount, got.ResolutionPayoutAmount)
	}
	acct, _ := f.ledger.GetAccount(ctx, "acct_1")
	if acct.ReleasedAmount != "0.00" {
		t.Errorf("ledger moved on rejected payout: released=%s", acct.ReleasedAmount)
	}
}

func TestConcurrentPayoutsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	if _, err := f.service.ApplyEscrowHold(ctx, d.ID, "usr_op", "100.00", ""); err != nil {
		t.Fatal(err)
	}

	// 5 workers each try to pay out 30.00 from a 100.00 hold; at most 3
	// can succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.SettleEscrowPayout(ctx, d.ID, "usr_op", "30.00", escrow.RefundToBuyer, "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientHoldBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("succeeded = %d, want 3", succeeded)
	}
	got, _ := f.service.Get(ctx, d.ID)
	if got.HoldAmount != "10.00" || got.ResolutionPayoutAmount != "90.00" {
		t.Errorf("hold=%s payout=%s, want 10.00/90.00", got.HoldAmount, got.ResolutionPayoutAmount)
	}
}

func TestSLASweepIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{Severity: SeverityCritical})

	past := d.SLADueAt.Add(time.Minute)
	n, err := f.service.SweepSLABreaches(ctx, past)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("first sweep recorded %d breaches, want 1", n)
	}

	n, err = f.service.SweepSLABreaches(ctx, past.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second sweep recorded %d breaches, want 0", n)
	}

	got, _ := f.service.Get(ctx, d.ID)
	if got.SLABreachedAt == nil {
		t.Fatal("slaBreachedAt not stamped")
	}
	if got := f.publisher.byType(PlatformSLABreached); len(got) != 1 {
		t.Errorf("expected 1 breach announcement, got %d", len(got))
	}
}

func TestSLASweepSkipsResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{Severity: SeverityCritical})
	mustTransition(t, f.service, d.ID, StatusUnderReview, StatusResolved)

	n, err := f.service.SweepSLABreaches(ctx, d.SLADueAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("resolved dispute swept: %d breaches", n)
	}
}

// Full lifecycle: raise with evidence, assign, hold, counter, payout,
// resolve. Verifies final amounts, the ledger, and the full event trail.
func TestDisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := f.raise(t, RaiseRequest{
		Severity: SeverityHigh,
		Category: CategoryQuality,
		Attachments: []AttachmentInput{
			{Type: EvidenceLink, URL: "https://cdn.example.com/damage.jpg", Label: "arrival photos"},
		},
	})

	if _, err := f.service.Assign(ctx, d.ID, "usr_op", "usr_admin"); err != nil {
		t.Fatal(err)
	}
	mustTransition(t, f.service, d.ID, StatusUnderReview)

	if _, err := f.service.ApplyEscrowHold(ctx, d.ID, "usr_op", "250.00", "quality claim"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.RecordCounterProposal(ctx, d.ID, "usr_seller", "125.00", "split the difference"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.SettleEscrowPayout(ctx, d.ID, "usr_op", "125.00", escrow.RefundToBuyer, "agreed settlement"); err != nil {
		t.Fatal(err)
	}
	final := mustTransition(t, f.service, d.ID, StatusResolved)

	if final.Status != StatusResolved || final.ResolvedAt == nil {
		t.Errorf("not resolved: %s / %v", final.Status, final.ResolvedAt)
	}
	if final.HoldAmount != "125.00" {
		t.Errorf("hold = %s, want 125.00", final.HoldAmount)
	}
	if final.CounterProposalAmount != "125.00" {
		t.Errorf("counter = %s, want 125.00", final.CounterProposalAmount)
	}
	if final.ResolutionPayoutAmount != "125.00" {
		t.Errorf("payout = %s, want 125.00", final.ResolutionPayoutAmount)
	}

	txns, _ := f.ledger.ListTransactions(ctx, "acct_1", 0)
	if len(txns) != 2 {
		t.Errorf("expected 2 ledger transactions (hold + payout), got %d", len(txns))
	}
	acct, _ := f.ledger.GetAccount(ctx, "acct_1")
	if acct.RefundedAmount != "125.00" {
		t.Errorf("refunded = %s, want 125.00", acct.RefundedAmount)
	}

	events, _ := f.store.ListEvents(ctx, d.ID, 0)
	want := []EventType{
		EventCreated,
		EventEvidenceAttached,
		EventAssignmentUpdated,
		EventStatusChanged,
		EventEscrowHoldApplied,
		EventEscrowCounterProposed,
		EventEscrowPayoutReleased,
		EventResolutionRecorded,
	}
	if len(events) != len(want) {
		types := make([]EventType, 0, len(events))
		for _, e := range events {
			types = append(types, e.Type)
		}
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), types)
	}
	for i := range want {
		if events[i].Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Type, want[i])
		}
	}
}

type fakeConversions struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeConversions) RecordConversion(ctx context.Context, negotiationID, disputeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, negotiationID)
	return nil
}

func TestPremiumConversionRecordedOnResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.negotiations.Create(ctx, &negotiation.Negotiation{
		ID:              "neg_premium",
		BuyerID:         "usr_buyer",
		SellerID:        "usr_seller",
		EscrowAccountID: "acct_1",
		Status:          negotiation.StatusFulfilling,
		Premium:         true,
	}); err != nil {
		t.Fatal(err)
	}

	conversions := &fakeConversions{}
	f.service.WithConversionRecorder(conversions)

	d := f.raise(t, RaiseRequest{NegotiationID: "neg_premium"})
	mustTransition(t, f.service, d.ID, StatusUnderReview, StatusResolved)

	conversions.mu.Lock()
	defer conversions.mu.Unlock()
	if len(conversions.calls) != 1 || conversions.calls[0] != "neg_premium" {
		t.Errorf("conversion calls = %v, want [neg_premium]", conversions.calls)
	}
}

func TestAttachEvidenceAfterRaise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.raise(t, RaiseRequest{})

	ev, err := f.service.AttachEvidence(ctx, d.ID, "usr_seller", AttachmentInput{
		Type: EvidenceFile,
		URL:  "https://cdn.example.com/invoice.pdf",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.UploadedByUserID != "usr_seller" {
		t.Errorf("uploader = %s", ev.UploadedByUserID)
	}

	evt, _ := f.store.LatestEvent(ctx, d.ID)
	if evt.Type != EventEvidenceAttached {
		t.Errorf("latest event = %s", evt.Type)
	}

	if _, err := f.service.AttachEvidence(ctx, "dsp_missing", "usr_seller", AttachmentInput{
		Type: EvidenceLink,
		URL:  "https://example.com",
	}); !errors.Is(err, ErrDisputeNotFound) {
		t.Errorf("expected ErrDisputeNotFound, got %v", err)
	}
}
