package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketledger/internal/config"
	"github.com/mbd888/marketledger/internal/disputes"
	"github.com/mbd888/marketledger/internal/store"
	"github.com/shopspring/decimal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	clientID = int64(1)
	techID   = int64(2)
	adminID  = int64(99)
)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		LogFormat:      "json",
		DBMaxOpenConns: 5,
		LockTimeout:    time.Second,
		JWTSecret:      "0123456789abcdef0123456789abcdef",
		Currency:       "EGP",
	}
}

// newTestServer creates a server backed by an in-memory store
func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	s, err := New(testConfig(),
		WithBackend(mem),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithDrainDelay(0),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, mem
}

func token(t *testing.T, s *Server, userID int64, admin bool) string {
	t.Helper()
	tok, err := s.Auth().Issue(userID, admin)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func do(t *testing.T, s *Server, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := decode(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	checks, _ := resp["checks"].(map[string]any)
	if checks["reconciliation"] != "healthy" {
		t.Errorf("Expected reconciliation check, got %v", resp["checks"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/health/ready", "", nil)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("marketledger_")) {
		t.Error("Expected marketledger metrics in output")
	}
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("Expected echoed request id, got %q", got)
	}

	w = do(t, s, "GET", "/health/live", "", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected generated request id")
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/health/live", "", nil)
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("Expected nosniff header, got %q", w.Header().Get("X-Content-Type-Options"))
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestProtectedRoutesRequireAuth(t *testing.T) {
	s, _ := newTestServer(t)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/v1/wallet/balance"},
		{"GET", "/v1/wallet/transactions"},
		{"POST", "/v1/wallet/deposit"},
		{"POST", "/v1/wallet/withdraw"},
		{"POST", "/v1/wallet/transfer-pending"},
		{"POST", "/v1/wallet/payment-methods"},
		{"POST", "/v1/orders/1/accept"},
		{"POST", "/v1/orders/1/complete"},
		{"POST", "/v1/orders/1/release"},
		{"POST", "/v1/orders/1/disputes"},
		{"GET", "/v1/disputes"},
		{"GET", "/v1/disputes/1"},
		{"POST", "/v1/disputes/1/responses"},
		{"POST", "/v1/disputes/1/arguments"},
		{"POST", "/v1/admin/disputes/1/resolve"},
		{"GET", "/v1/admin/reconciliation"},
		{"GET", "/ws"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := do(t, s, rt.method, rt.path, "", nil)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", w.Code)
			}
		})
	}
}

func TestAdminRoutesRejectUsers(t *testing.T) {
	s, _ := newTestServer(t)
	tok := token(t, s, clientID, false)

	for _, path := range []string{"/v1/admin/reconciliation", "/v1/admin/reconciliation/last"} {
		w := do(t, s, "GET", path, tok, nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403, got %d", path, w.Code)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow
// ---------------------------------------------------------------------------

func TestDisputeFlowOverHTTP(t *testing.T) {
	s, mem := newTestServer(t)
	clientTok := token(t, s, clientID, false)
	techTok := token(t, s, techID, false)
	adminTok := token(t, s, adminID, true)

	w := do(t, s, "POST", "/v1/wallet/deposit", clientTok, map[string]string{"amount": "250", "paymentRef": "card-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	tech := techID
	order := &disputes.Order{ClientUserID: clientID, TechnicianUserID: &tech, FinalPrice: decimal.RequireFromString("200")}
	if err := mem.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	w = do(t, s, "POST", fmt.Sprintf("/v1/orders/%d/accept", order.ID), clientTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "POST", fmt.Sprintf("/v1/orders/%d/disputes", order.ID), clientTok, map[string]string{"argument": "never showed up"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open dispute: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	d, _ := decode(t, w)["dispute"].(map[string]any)
	disputeID := int64(d["id"].(float64))

	w = do(t, s, "POST", fmt.Sprintf("/v1/disputes/%d/responses", disputeID), techTok, map[string]string{"message": "traffic"})
	if w.Code != http.StatusCreated {
		t.Fatalf("respond: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// A non-admin cannot resolve.
	resolve := map[string]string{"resolution": "REFUND_CLIENT", "adminNotes": "no show confirmed"}
	w = do(t, s, "POST", fmt.Sprintf("/v1/admin/disputes/%d/resolve", disputeID), clientTok, resolve)
	if w.Code != http.StatusForbidden {
		t.Fatalf("resolve as client: expected 403, got %d", w.Code)
	}

	w = do(t, s, "POST", fmt.Sprintf("/v1/admin/disputes/%d/resolve", disputeID), adminTok, resolve)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "POST", fmt.Sprintf("/v1/admin/disputes/%d/resolve", disputeID), adminTok, resolve)
	if w.Code != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "GET", "/v1/wallet/balance", clientTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", w.Code)
	}
	bal, _ := decode(t, w)["balance"].(map[string]any)
	if bal["available"] != "250.00" || bal["inEscrow"] != "0.00" {
		t.Errorf("unexpected client balance: %v", bal)
	}

	w = do(t, s, "GET", "/v1/admin/reconciliation", adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconciliation: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health after reconciliation: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReleaseFlowOverHTTP(t *testing.T) {
	s, mem := newTestServer(t)
	clientTok := token(t, s, clientID, false)
	techTok := token(t, s, techID, false)
	adminTok := token(t, s, adminID, true)

	w := do(t, s, "POST", "/v1/wallet/deposit", clientTok, map[string]string{"amount": "90", "paymentRef": "card-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	tech := techID
	order := &disputes.Order{ClientUserID: clientID, TechnicianUserID: &tech, FinalPrice: decimal.RequireFromString("90")}
	if err := mem.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	steps := []struct {
		path string
		tok  string
	}{
		{fmt.Sprintf("/v1/orders/%d/accept", order.ID), clientTok},
		{fmt.Sprintf("/v1/orders/%d/complete", order.ID), techTok},
		{fmt.Sprintf("/v1/orders/%d/release", order.ID), clientTok},
	}
	for _, st := range steps {
		w = do(t, s, "POST", st.path, st.tok, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", st.path, w.Code, w.Body.String())
		}
	}

	w = do(t, s, "GET", "/v1/wallet/balance", techTok, nil)
	bal, _ := decode(t, w)["balance"].(map[string]any)
	if bal["pending"] != "90.00" {
		t.Errorf("unexpected technician balance: %v", bal)
	}

	w = do(t, s, "GET", "/v1/admin/reconciliation", adminTok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconciliation: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health after release: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.ready.Load() {
		t.Error("Expected not ready after shutdown")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://app:s3cret@db:5432/ledger?sslmode=disable")
	if bytes.Contains([]byte(got), []byte("s3cret")) {
		t.Errorf("password leaked: %s", got)
	}
}
