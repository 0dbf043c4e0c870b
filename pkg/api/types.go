package api

import "time"

// EntitlementResponse is the caller's current subscription standing
type EntitlementResponse struct {
	UserID           string     `json:"user_id"`
	PlanID           string     `json:"plan_id,omitempty"`
	Status           string     `json:"status,omitempty"` // "trialing", "active", "past_due", "canceled", "expired"
	StorageLimitGB   int        `json:"storage_limit_gb"`
	Entitled         bool       `json:"entitled"`
	Premium          bool       `json:"premium"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// GatewayTokenResponse carries a freshly rotated gateway token.
// The plaintext is returned exactly once.
type GatewayTokenResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// SyncResponse reports the status after a processor sync
type SyncResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}
