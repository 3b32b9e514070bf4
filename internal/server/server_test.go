package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopmarket/dealdesk/internal/config"
	"github.com/loopmarket/dealdesk/internal/negotiation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "text",
		SLASweepInterval: 30 * time.Second,
		QueuePageSize:    20,
	}
}

// newTestServer creates a server with in-memory stores and a seeded negotiation
func newTestServer(t *testing.T) *Server {
	t.Helper()

	negotiations := negotiation.NewMemoryStore()
	err := negotiations.Create(context.Background(), &negotiation.Negotiation{
		ID:              "neg_srv",
		BuyerID:         "usr_buyer",
		SellerID:        "usr_seller",
		EscrowAccountID: "acct_srv",
		Status:          negotiation.StatusFulfilling,
	})
	if err != nil {
		t.Fatalf("Failed to seed negotiation: %v", err)
	}

	s, err := New(testConfig(), WithNegotiations(negotiations))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestDisputeRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	disputeRoutes := map[string]bool{
		"POST:/v1/disputes":                    false,
		"GET:/v1/disputes/queue":               false,
		"GET:/v1/disputes/:id":                 false,
		"GET:/v1/disputes/:id/events":          false,
		"POST:/v1/disputes/:id/status":         false,
		"POST:/v1/disputes/:id/assign":         false,
		"POST:/v1/disputes/:id/evidence":       false,
		"POST:/v1/disputes/:id/escrow/hold":    false,
		"POST:/v1/disputes/:id/escrow/counter": false,
		"POST:/v1/disputes/:id/escrow/payout":  false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := disputeRoutes[key]; ok {
			disputeRoutes[key] = true
		}
	}

	for route, found := range disputeRoutes {
		if !found {
			t.Errorf("Dispute route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/webhooks",
		"GET:/v1/webhooks",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispute raise flow over HTTP
// ---------------------------------------------------------------------------

func TestRaiseDisputeOverHTTP(t *testing.T) {
	s := newTestServer(t)

	body := `{"negotiationId":"neg_srv","raisedByUserId":"usr_buyer","summary":"Bales arrived contaminated","severity":"high","category":"quality"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/disputes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	d, ok := resp["dispute"].(map[string]interface{})
	if !ok {
		t.Fatal("Expected dispute object in response")
	}
	if d["status"] != "open" {
		t.Errorf("Expected status 'open', got %v", d["status"])
	}
	if d["slaDueAt"] == nil {
		t.Error("Expected slaDueAt to be set")
	}
}

func TestActorHeaderAttribution(t *testing.T) {
	s := newTestServer(t)

	// Raise with an actor header; the header should win over the body field
	body := `{"negotiationId":"neg_srv","raisedByUserId":"usr_buyer","summary":"Short weight on delivery","severity":"medium","category":"delivery"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/disputes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "usr_gateway")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	d := resp["dispute"].(map[string]interface{})
	if d["raisedByUserId"] != "usr_gateway" {
		t.Errorf("Expected raisedByUserId 'usr_gateway', got %v", d["raisedByUserId"])
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
