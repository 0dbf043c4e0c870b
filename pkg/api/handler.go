package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mykidapp/lifecycle/pkg/billing"
	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

const (
	maxUserIDLen        = 255
	tokenRotatedMessage = "Store this token now; it will not be shown again."
)

// Handler provides HTTP endpoints for entitlement inspection and gateway tokens
type Handler struct {
	config Config
}

// GetEntitlement returns the caller's entitlement. Users without a
// subscription get entitled=false.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	ent, err := h.config.Checker.Check(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EntitlementResponse{
		UserID:           userID,
		PlanID:           string(ent.Plan),
		Status:           string(ent.Status),
		StorageLimitGB:   ent.StorageLimitGB,
		Entitled:         ent.Entitled,
		Premium:          ent.Premium,
		TrialEndsAt:      ent.TrialEndsAt,
		CurrentPeriodEnd: ent.CurrentPeriodEnd,
	})
}

// RotateGatewayToken replaces the caller's default gateway token and returns
// the new plaintext.
func (h *Handler) RotateGatewayToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.Tokens == nil {
		h.handleError(w, r, fmt.Errorf("token rotation not configured"), http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if h.config.RequirePremium {
		ent, err := h.config.Checker.Check(r.Context(), userID)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
			return
		}
		if !ent.Premium {
			h.handleError(w, r, fmt.Errorf("premium subscription required"), http.StatusForbidden)
			return
		}
	}

	plain, err := lifecycle.RotateGatewayToken(r.Context(), h.config.Tokens, userID)
	if err != nil {
		h.config.Logger.Error("gateway token rotation failed",
			lifecycle.Field{Key: "user_id", Value: userID}, lifecycle.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, fmt.Errorf("failed to rotate token"), http.StatusInternalServerError)
		return
	}
	h.config.Logger.Info("gateway token rotated", lifecycle.Field{Key: "user_id", Value: userID})

	writeJSON(w, http.StatusOK, GatewayTokenResponse{Token: plain, Message: tokenRotatedMessage})
}

// SyncSubscription pulls the caller's subscription from the payment
// processor and reconciles it.
func (h *Handler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.Syncer == nil {
		h.handleError(w, r, fmt.Errorf("sync not configured"), http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status, err := h.config.Syncer.SyncUser(r.Context(), userID)
	switch {
	case errors.Is(err, billing.ErrCustomerNotFound):
		h.handleError(w, r, fmt.Errorf("no subscription found"), http.StatusNotFound)
		return
	case err != nil:
		h.config.Logger.Error("subscription sync failed",
			lifecycle.Field{Key: "user_id", Value: userID}, lifecycle.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, fmt.Errorf("failed to sync subscription"), http.StatusBadGateway)
		return
	}
	h.config.Checker.Invalidate(userID)

	writeJSON(w, http.StatusOK, SyncResponse{UserID: userID, Status: status})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	// Encoding errors are ignored; the header is already sent
	_ = json.NewEncoder(w).Encode(v)
}
