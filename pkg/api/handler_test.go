package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
	"github.com/mykidapp/lifecycle/storage/memory"
)

const (
	testUserID  = "user123"
	testUserID2 = "test-user"
)

func seedSubscription(t *testing.T, store *memory.Storage, userID string, plan lifecycle.Plan, status lifecycle.Status) {
	t.Helper()
	err := store.UpsertSubscription(context.Background(), &lifecycle.Subscription{
		UserID:         userID,
		CustomerID:     "cus_" + userID,
		SubscriptionID: "sub_" + userID,
		Status:         status,
		Plan:           plan,
		StorageLimitGB: plan.StorageLimitGB(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func newTestHandler(t *testing.T, store *memory.Storage, mutate func(*Config)) *Handler {
	t.Helper()
	config := Config{
		Checker:   lifecycle.NewEntitlementChecker(store, nil, 0),
		GetUserID: FromHeader("X-User-ID"),
		Tokens:    store,
	}
	if mutate != nil {
		mutate(&config)
	}
	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return handler
}

func request(method, target, userID string) *http.Request {
	req := httptest.NewRequest(method, target, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	return req
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("expected error without checker")
	}
	checker := lifecycle.NewEntitlementChecker(memory.New(), nil, 0)
	if _, err := NewHandler(Config{Checker: checker}); err == nil {
		t.Error("expected error without GetUserID")
	}
}

func TestHandler_GetEntitlement_Premium(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, testUserID, lifecycle.PlanPremium, lifecycle.StatusTrialing)
	handler := newTestHandler(t, store, nil)

	w := httptest.NewRecorder()
	handler.GetEntitlement(w, request(http.MethodGet, "/v1/entitlement", testUserID))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response EntitlementResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.UserID != testUserID {
		t.Errorf("Expected userID %s, got %s", testUserID, response.UserID)
	}
	if response.PlanID != "premium" || response.Status != "trialing" {
		t.Errorf("unexpected plan/status %s/%s", response.PlanID, response.Status)
	}
	if response.StorageLimitGB != 20 {
		t.Errorf("Expected storage 20, got %d", response.StorageLimitGB)
	}
	if !response.Entitled || !response.Premium {
		t.Errorf("Expected entitled premium, got %+v", response)
	}
}

func TestHandler_GetEntitlement_States(t *testing.T) {
	tests := []struct {
		name         string
		plan         lifecycle.Plan
		status       lifecycle.Status
		wantEntitled bool
		wantPremium  bool
	}{
		{"basic active", lifecycle.PlanBasic, lifecycle.StatusActive, true, false},
		{"premium past due", lifecycle.PlanPremium, lifecycle.StatusPastDue, false, false},
		{"premium expired", lifecycle.PlanPremium, lifecycle.StatusExpired, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			seedSubscription(t, store, testUserID2, tt.plan, tt.status)
			handler := newTestHandler(t, store, nil)

			w := httptest.NewRecorder()
			handler.GetEntitlement(w, request(http.MethodGet, "/v1/entitlement", testUserID2))

			var response EntitlementResponse
			if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
				t.Fatalf("Failed to unmarshal response: %v", err)
			}
			if response.Entitled != tt.wantEntitled || response.Premium != tt.wantPremium {
				t.Errorf("got entitled=%v premium=%v", response.Entitled, response.Premium)
			}
		})
	}
}

func TestHandler_GetEntitlement_NoSubscription(t *testing.T) {
	handler := newTestHandler(t, memory.New(), nil)

	w := httptest.NewRecorder()
	handler.GetEntitlement(w, request(http.MethodGet, "/v1/entitlement", "nobody"))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var response EntitlementResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Entitled || response.PlanID != "" {
		t.Errorf("Expected empty entitlement, got %+v", response)
	}
}

func TestHandler_GetEntitlement_Unauthorized(t *testing.T) {
	handler := newTestHandler(t, memory.New(), nil)

	w := httptest.NewRecorder()
	handler.GetEntitlement(w, request(http.MethodGet, "/v1/entitlement", ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.GetEntitlement(w, request(http.MethodGet, "/v1/entitlement", strings.Repeat("x", 300)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for oversized id, got %d", w.Code)
	}
}

func TestHandler_RotateGatewayToken(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, testUserID, lifecycle.PlanPremium, lifecycle.StatusActive)
	handler := newTestHandler(t, store, func(c *Config) { c.RequirePremium = true })

	var tokens []string
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.RotateGatewayToken(w, request(http.MethodPost, "/v1/gateway-token", testUserID))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var response GatewayTokenResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if len(response.Token) != 64 {
			t.Errorf("Expected 64 hex chars, got %q", response.Token)
		}
		tokens = append(tokens, response.Token)
	}

	if tokens[0] == tokens[1] {
		t.Error("Expected rotation to issue a new token")
	}
	if store.GatewayTokenCount(testUserID) != 1 {
		t.Errorf("Expected one stored token, got %d", store.GatewayTokenCount(testUserID))
	}
	hash, _ := store.GatewayTokenHash(testUserID, lifecycle.DefaultTokenName)
	if hash != lifecycle.HashToken(tokens[1]) {
		t.Error("Stored hash does not match latest token")
	}
	plain, _ := store.GetPlainGatewayToken(context.Background(), testUserID)
	if plain != tokens[1] {
		t.Error("Plain side channel does not hold latest token")
	}
}

func TestHandler_RotateGatewayToken_RequiresPremium(t *testing.T) {
	store := memory.New()
	seedSubscription(t, store, testUserID, lifecycle.PlanBasic, lifecycle.StatusActive)
	handler := newTestHandler(t, store, func(c *Config) { c.RequirePremium = true })

	w := httptest.NewRecorder()
	handler.RotateGatewayToken(w, request(http.MethodPost, "/v1/gateway-token", testUserID))
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", w.Code)
	}
	if store.GatewayTokenCount(testUserID) != 0 {
		t.Error("Expected no token for basic user")
	}
}

func TestHandler_RotateGatewayToken_Errors(t *testing.T) {
	store := memory.New()

	w := httptest.NewRecorder()
	newTestHandler(t, store, nil).RotateGatewayToken(w, request(http.MethodGet, "/v1/gateway-token", testUserID))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	newTestHandler(t, store, func(c *Config) { c.Tokens = nil }).
		RotateGatewayToken(w, request(http.MethodPost, "/v1/gateway-token", testUserID))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status 501, got %d", w.Code)
	}
}

type stubSyncer struct {
	status string
	err    error
	calls  int
}

func (s *stubSyncer) SyncUser(_ context.Context, _ string) (string, error) {
	s.calls++
	return s.status, s.err
}

func TestHandler_SyncSubscription(t *testing.T) {
	tests := []struct {
		name       string
		syncer     *stubSyncer
		wantStatus int
	}{
		{"success", &stubSyncer{status: "active"}, http.StatusOK},
		{"no customer", &stubSyncer{err: billing.ErrCustomerNotFound}, http.StatusNotFound},
		{"processor down", &stubSyncer{err: errors.New("timeout")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, memory.New(), func(c *Config) { c.Syncer = tt.syncer })

			w := httptest.NewRecorder()
			handler.SyncSubscription(w, request(http.MethodPost, "/v1/subscription/sync", testUserID))
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.syncer.calls != 1 {
				t.Errorf("Expected one sync call, got %d", tt.syncer.calls)
			}
		})
	}
}

func TestHandler_CustomOnError(t *testing.T) {
	var captured error
	handler := newTestHandler(t, memory.New(), func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	w := httptest.NewRecorder()
	handler.GetEntitlement(w, request(http.MethodGet, "/v1/entitlement", ""))
	if w.Code != http.StatusTeapot || captured == nil {
		t.Errorf("Expected custom error handler, got %d %v", w.Code, captured)
	}
}

type stubVerifier struct{}

func (stubVerifier) VerifyToken(_ context.Context, token string) (*lifecycle.Identity, error) {
	if token != "good" {
		return nil, errors.New("invalid")
	}
	return &lifecycle.Identity{UserID: testUserID}, nil
}

func TestFromBearer(t *testing.T) {
	getUserID := FromBearer(stubVerifier{})

	tests := []struct {
		header string
		want   string
	}{
		{"Bearer good", testUserID},
		{"bearer good", testUserID},
		{"Bearer bad", ""},
		{"Basic good", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := getUserID(req); got != tt.want {
			t.Errorf("header %q: got %q, want %q", tt.header, got, tt.want)
		}
	}
}

type ctxKey struct{}

func TestFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testUserID))
	if got := FromContext(ctxKey{})(req); got != testUserID {
		t.Errorf("got %q", got)
	}
}
