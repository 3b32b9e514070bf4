package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loopmarket/dealdesk/internal/dispute"
)

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:         "wh_test1",
		URL:        "https://example.com/hook",
		Secret:     "secret123",
		EventTypes: []string{dispute.PlatformDisputeRaised},
		Active:     true,
		CreatedAt:  time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	store.Delete(ctx, "wh_test1")
	if _, err := store.Get(ctx, "wh_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", EventTypes: []string{dispute.PlatformDisputeRaised}})
	store.Create(ctx, &Subscription{ID: "wh2", EventTypes: []string{dispute.PlatformEscrowPayout}})
	store.Create(ctx, &Subscription{ID: "wh3"}) // empty = all events

	subs, err := store.GetByEvent(ctx, dispute.PlatformDisputeRaised)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Errorf("expected 2 matches (explicit + catch-all), got %d", len(subs))
	}
}

func TestDispatchDeliversSignedPayload(t *testing.T) {
	var mu sync.Mutex
	var body []byte
	var signature, eventHeader string
	received := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Dealdesk-Signature")
		eventHeader = r.Header.Get("X-Dealdesk-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		received <- struct{}{}
	}))
	defer server.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Secret: "topsecret",
		Active: true,
	})
	d := NewDispatcher(store)

	event := &Event{
		ID:            "whe_1",
		Type:          dispute.PlatformEscrowHold,
		NegotiationID: "neg_1",
		Timestamp:     time.Now(),
		Data:          map[string]interface{}{"amount": "250.00"},
	}
	if err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	if eventHeader != dispute.PlatformEscrowHold {
		t.Errorf("event header = %q", eventHeader)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if signature != want {
		t.Errorf("signature mismatch: got %s want %s", signature, want)
	}

	var got Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.NegotiationID != "neg_1" || got.Data["amount"] != "250.00" {
		t.Errorf("payload wrong: %+v", got)
	}
}

func TestDispatchSkipsInactive(t *testing.T) {
	var delivered bool
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	}))
	defer server.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Active: false,
	})
	d := NewDispatcher(store)

	if err := d.Dispatch(context.Background(), &Event{
		ID:        "whe_1",
		Type:      dispute.PlatformStatusChanged,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered {
		t.Error("inactive subscription received a delivery")
	}
}

func TestDeliveryFailureRecorded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Active: true,
	})
	d := NewDispatcher(store)
	d.maxAttempts = 2
	d.baseDelay = 5 * time.Millisecond

	if err := d.Dispatch(context.Background(), &Event{
		ID:        "whe_1",
		Type:      dispute.PlatformSLABreached,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sub, _ := store.Get(context.Background(), "wh1")
		if sub.LastError != "" {
			if sub.LastError != "status 502" {
				t.Errorf("lastError = %q", sub.LastError)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delivery failure never recorded")
}

func TestDeliveryRetriesTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Active: true,
	})
	d := NewDispatcher(store)
	d.baseDelay = 5 * time.Millisecond

	if err := d.Dispatch(context.Background(), &Event{
		ID:        "whe_1",
		Type:      dispute.PlatformDisputeRaised,
		Timestamp: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sub, _ := store.Get(context.Background(), "wh1")
		if sub.LastSuccess != nil {
			if got := attempts.Load(); got != 2 {
				t.Errorf("expected 2 attempts, got %d", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("delivery never succeeded after retry")
}
