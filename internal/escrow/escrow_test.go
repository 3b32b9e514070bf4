package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedAccount(t *testing.T, ledger *MemoryLedger, id string) {
	t.Helper()
	now := time.Now()
	err := ledger.CreateAccount(context.Background(), &Account{
		ID:        id,
		Status:    AccountFunded,
		Currency:  "EUR",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
}

func TestApplyHold_MovesAccountToDisputed(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	seedAccount(t, ledger, "esc_1")

	txn, err := ledger.ApplyHold(ctx, "esc_1", "250.00", map[string]interface{}{"disputeId": "dsp_1"})
	if err != nil {
		t.Fatalf("ApplyHold failed: %v", err)
	}
	if txn.Type != TxnDisputeHold {
		t.Errorf("expected dispute_hold transaction, got %s", txn.Type)
	}

	acct, err := ledger.GetAccount(ctx, "esc_1")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acct.Status != AccountDisputed {
		t.Errorf("expected account status disputed, got %s", acct.Status)
	}
}

func TestApplyHold_IdempotentStatus(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	seedAccount(t, ledger, "esc_1")

	if _, err := ledger.ApplyHold(ctx, "esc_1", "100.00", nil); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	if _, err := ledger.ApplyHold(ctx, "esc_1", "50.00", nil); err != nil {
		t.Fatalf("second hold failed: %v", err)
	}

	acct, _ := ledger.GetAccount(ctx, "esc_1")
	if acct.Status != AccountDisputed {
		t.Errorf("expected account to stay disputed, got %s", acct.Status)
	}

	txns, _ := ledger.ListTransactions(ctx, "esc_1", 0)
	if len(txns) != 2 {
		t.Errorf("expected 2 ledger entries, got %d", len(txns))
	}
}

func TestApplyHold_UnknownAccount(t *testing.T) {
	ledger := NewMemoryLedger()

	_, err := ledger.ApplyHold(context.Background(), "esc_missing", "10.00", nil)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestApplyHold_InvalidAmount(t *testing.T) {
	ledger := NewMemoryLedger()
	seedAccount(t, ledger, "esc_1")

	for _, amount := range []string{"0", "-5.00", "garbage"} {
		if _, err := ledger.ApplyHold(context.Background(), "esc_1", amount, nil); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ApplyHold(%q): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestReleasePayout_DirectionBookkeeping(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	seedAccount(t, ledger, "esc_1")

	if _, err := ledger.ReleasePayout(ctx, "esc_1", "75.00", ReleaseToSeller, nil); err != nil {
		t.Fatalf("ReleasePayout to seller failed: %v", err)
	}
	if _, err := ledger.ReleasePayout(ctx, "esc_1", "25.00", RefundToBuyer, nil); err != nil {
		t.Fatalf("ReleasePayout to buyer failed: %v", err)
	}
	if _, err := ledger.ReleasePayout(ctx, "esc_1", "25.00", RefundToBuyer, nil); err != nil {
		t.Fatalf("second refund failed: %v", err)
	}

	acct, _ := ledger.GetAccount(ctx, "esc_1")
	if acct.ReleasedAmount != "75.00" {
		t.Errorf("expected releasedAmount 75.00, got %s", acct.ReleasedAmount)
	}
	if acct.RefundedAmount != "50.00" {
		t.Errorf("expected refundedAmount 50.00, got %s", acct.RefundedAmount)
	}
}

func TestReleasePayout_InvalidDirection(t *testing.T) {
	ledger := NewMemoryLedger()
	seedAccount(t, ledger, "esc_1")

	_, err := ledger.ReleasePayout(context.Background(), "esc_1", "10.00", PayoutDirection("sideways"), nil)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for bad direction, got %v", err)
	}
}

func TestListTransactions_Order(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	seedAccount(t, ledger, "esc_1")

	_, _ = ledger.ApplyHold(ctx, "esc_1", "100.00", nil)
	_, _ = ledger.ReleasePayout(ctx, "esc_1", "40.00", RefundToBuyer, nil)

	txns, err := ledger.ListTransactions(ctx, "esc_1", 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txns))
	}
	if txns[0].Type != TxnDisputeHold || txns[1].Type != TxnDisputePayout {
		t.Errorf("expected hold then payout, got %s then %s", txns[0].Type, txns[1].Type)
	}
}
