package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

const (
	testServiceKey = "service-role-key"
	testUserToken  = "user-access-token"
)

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	users := map[string]map[string]any{
		"u1": {"id": "u1", "email": "parent@example.com", "user_metadata": map[string]any{"full_name": "Pat Parent"}},
		"u2": {"id": "u2", "email": "noname@example.com", "user_metadata": map[string]any{}},
		"u3": {"id": "u3", "email": ""},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != testServiceKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		switch {
		case strings.HasPrefix(r.URL.Path, "/auth/v1/admin/users/"):
			if auth != testServiceKey {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			u, ok := users[strings.TrimPrefix(r.URL.Path, "/auth/v1/admin/users/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(u)
		case r.URL.Path == "/auth/v1/user":
			if auth != testUserToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(users["u1"])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: newAuthServer(t).URL + "/", ServiceKey: testServiceKey})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(Config{ServiceKey: testServiceKey}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://auth.local"}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestLookupUser_DisplayNameFallback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		userID string
		email  string
		name   string
	}{
		{"u1", "parent@example.com", "Pat Parent"},
		{"u2", "noname@example.com", "noname@example.com"},
		{"u3", "", "User"},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			id, err := c.LookupUser(ctx, tt.userID)
			if err != nil {
				t.Fatalf("LookupUser failed: %v", err)
			}
			if id.UserID != tt.userID || id.Email != tt.email || id.DisplayName != tt.name {
				t.Errorf("unexpected identity %+v", id)
			}
		})
	}
}

func TestLookupUser_Errors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.LookupUser(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := c.LookupUser(ctx, ""); !errors.Is(err, lifecycle.ErrMissingUserID) {
		t.Errorf("expected ErrMissingUserID, got %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	id, err := c.VerifyToken(ctx, testUserToken)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("expected u1, got %s", id.UserID)
	}

	if _, err := c.VerifyToken(ctx, "forged"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := c.VerifyToken(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for empty token, got %v", err)
	}
}
