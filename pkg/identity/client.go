// Package identity talks to the auth backend's admin and user endpoints.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultDisplayName = "User"
	serviceName        = "identity"
	maxResponseBody    = 1 << 20
)

var (
	// ErrUserNotFound is returned when the admin endpoint has no such user.
	ErrUserNotFound = errors.New("identity: user not found")

	// ErrInvalidToken is returned when a bearer token is rejected.
	ErrInvalidToken = errors.New("identity: invalid token")

	// ErrNotConfigured is returned when the base URL or service key is missing.
	ErrNotConfigured = errors.New("identity: not configured")
)

// Config holds configuration for the identity client.
type Config struct {
	// BaseURL of the auth backend project, e.g. https://xyz.supabase.co
	BaseURL string

	// ServiceKey is the service-role key used for admin lookups and as apikey header.
	ServiceKey string

	// HTTPClient is optional; defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	Metrics lifecycle.Metrics
}

// Client implements lifecycle.Directory.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	metrics    lifecycle.Metrics
}

var _ lifecycle.Directory = (*Client)(nil)

// New creates an identity client.
func New(config Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/")
	if base == "" || config.ServiceKey == "" {
		return nil, ErrNotConfigured
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &lifecycle.NoopMetrics{}
	}
	return &Client{
		baseURL:    base,
		serviceKey: config.ServiceKey,
		httpClient: httpClient,
		metrics:    metrics,
	}, nil
}

type user struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u *user) identity() *lifecycle.Identity {
	name := ""
	if v, ok := u.UserMetadata["full_name"].(string); ok {
		name = strings.TrimSpace(v)
	}
	if name == "" {
		name = u.Email
	}
	if name == "" {
		name = defaultDisplayName
	}
	return &lifecycle.Identity{UserID: u.ID, Email: u.Email, DisplayName: name}
}

// LookupUser fetches a user profile with the service key.
func (c *Client) LookupUser(ctx context.Context, userID string) (*lifecycle.Identity, error) {
	if userID == "" {
		return nil, lifecycle.ErrMissingUserID
	}
	var u user
	status, err := c.get(ctx, "lookup_user", "/auth/v1/admin/users/"+url.PathEscape(userID), c.serviceKey, &u)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		u.ID = userID
	}
	return u.identity(), nil
}

// VerifyToken resolves the caller of a user access token.
func (c *Client) VerifyToken(ctx context.Context, accessToken string) (*lifecycle.Identity, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken
	}
	var u user
	status, err := c.get(ctx, "verify_token", "/auth/v1/user", accessToken, &u)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, ErrInvalidToken
	}
	return u.identity(), nil
}

func (c *Client) get(ctx context.Context, operation, path, bearer string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordExternalCall(serviceName, operation, "error", time.Since(start))
		return 0, fmt.Errorf("identity %s: %w", operation, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordExternalCall(serviceName, operation, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return resp.StatusCode, fmt.Errorf("identity %s: unexpected status %d", operation, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("identity %s: decode response: %w", operation, err)
	}
	return resp.StatusCode, nil
}
