// Package mediaserver provisions managed accounts on a self-hosted media
// server through its admin API.
package mediaserver

import (
	"bytes"
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
	defaultKeyName     = "MyKid managed"
	maxResponseBody    = 1 << 20
	serviceName        = "media"
)

// Config holds configuration for the media server client.
type Config struct {
	// BaseURL of the media server; a trailing slash is ignored.
	BaseURL string

	// AdminAPIKey authorizes admin endpoints via the x-api-key header.
	AdminAPIKey string

	// KeyName labels API keys issued for provisioned accounts.
	KeyName string

	// HTTPClient is optional; defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Breaker is optional; nil disables circuit breaking.
	Breaker *Breaker

	Logger  lifecycle.Logger
	Metrics lifecycle.Metrics
}

// Client implements lifecycle.Provisioner.
type Client struct {
	baseURL    string
	adminKey   string
	keyName    string
	httpClient *http.Client
	breaker    *Breaker
	logger     lifecycle.Logger
	metrics    lifecycle.Metrics
}

var _ lifecycle.Provisioner = (*Client)(nil)

// New creates a media server client.
func New(config Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/")
	if base == "" || config.AdminAPIKey == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: invalid base url: %v", ErrNotConfigured, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	keyName := config.KeyName
	if keyName == "" {
		keyName = defaultKeyName
	}
	logger := config.Logger
	if logger == nil {
		logger = &lifecycle.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &lifecycle.NoopMetrics{}
	}

	return &Client{
		baseURL:    base,
		adminKey:   config.AdminAPIKey,
		keyName:    keyName,
		httpClient: httpClient,
		breaker:    config.Breaker,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// ServerURL returns the normalized base URL stored in household bindings.
func (c *Client) ServerURL() string {
	return c.baseURL
}

type createUserRequest struct {
	Email            string `json:"email"`
	Name             string `json:"name"`
	Password         string `json:"password"`
	QuotaSizeInBytes int64  `json:"quotaSizeInBytes"`
}

type createUserResponse struct {
	ID string `json:"id"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
}

type createAPIKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type createAPIKeyResponse struct {
	Secret string `json:"secret"`
}

// Provision creates an account with the given quota, signs in as it and
// issues an API key. If a later step fails the account is deleted again.
func (c *Client) Provision(ctx context.Context, account lifecycle.Account) (*lifecycle.Resource, error) {
	name := account.Name
	if name == "" {
		name = account.Email
	}

	var created createUserResponse
	err := c.call(ctx, StepCreateUser, http.MethodPost, "/api/admin/users", c.adminHeader(), createUserRequest{
		Email:            account.Email,
		Name:             name,
		Password:         account.Password,
		QuotaSizeInBytes: account.QuotaBytes,
	}, &created)
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, &ProvisionError{Step: StepCreateUser, Err: errors.New("response missing id")}
	}

	apiKey, err := c.issueKey(ctx, account.Email, account.Password)
	if err != nil {
		c.compensate(ctx, created.ID, err)
		return nil, err
	}

	return &lifecycle.Resource{UserID: created.ID, APIKey: apiKey}, nil
}

func (c *Client) issueKey(ctx context.Context, email, password string) (string, error) {
	var login loginResponse
	if err := c.call(ctx, StepLogin, http.MethodPost, "/api/auth/login", nil,
		loginRequest{Email: email, Password: password}, &login); err != nil {
		return "", err
	}
	if login.AccessToken == "" {
		return "", &ProvisionError{Step: StepLogin, Err: errors.New("response missing access token")}
	}

	var key createAPIKeyResponse
	headers := map[string]string{"Authorization": "Bearer " + login.AccessToken}
	if err := c.call(ctx, StepCreateAPIKey, http.MethodPost, "/api/api-keys", headers,
		createAPIKeyRequest{Name: c.keyName, Permissions: []string{"all"}}, &key); err != nil {
		return "", err
	}
	if key.Secret == "" {
		return "", &ProvisionError{Step: StepCreateAPIKey, Err: errors.New("response missing secret")}
	}
	return key.Secret, nil
}

// compensate removes an account whose credential could not be issued.
func (c *Client) compensate(ctx context.Context, id string, cause error) {
	if err := c.Deprovision(context.WithoutCancel(ctx), id); err != nil {
		c.logger.Error("media account left orphaned after failed provisioning",
			lifecycle.Field{Key: "resource_user_id", Value: id},
			lifecycle.Field{Key: "cause", Value: cause.Error()},
			lifecycle.Field{Key: "error", Value: err.Error()})
		return
	}
	c.logger.Warn("media account removed after failed provisioning",
		lifecycle.Field{Key: "resource_user_id", Value: id},
		lifecycle.Field{Key: "cause", Value: cause.Error()})
}

// Deprovision deletes the account. Any non-2xx response is an error.
func (c *Client) Deprovision(ctx context.Context, resourceUserID string) error {
	if resourceUserID == "" {
		return &ProvisionError{Step: StepDeleteUser, Err: errors.New("empty resource user id")}
	}
	path := "/api/admin/users/" + url.PathEscape(resourceUserID)
	return c.call(ctx, StepDeleteUser, http.MethodDelete, path, c.adminHeader(), nil, nil)
}

func (c *Client) adminHeader() map[string]string {
	return map[string]string{"x-api-key": c.adminKey}
}

func (c *Client) call(ctx context.Context, step, method, path string, headers map[string]string, in, out any) error {
	if c.breaker == nil {
		return c.do(ctx, step, method, path, headers, in, out)
	}
	err := c.breaker.Execute(ctx, func() error {
		return c.do(ctx, step, method, path, headers, in, out)
	})
	if errors.Is(err, ErrCircuitOpen) {
		c.metrics.RecordExternalCall(serviceName, step, "circuit_open", 0)
		return &ProvisionError{Step: step, Err: err}
	}
	return err
}

func (c *Client) do(ctx context.Context, step, method, path string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &ProvisionError{Step: step, Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &ProvisionError{Step: step, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordExternalCall(serviceName, step, "error", time.Since(start))
		return &ProvisionError{Step: step, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordExternalCall(serviceName, step, strconv.Itoa(resp.StatusCode), time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &ProvisionError{Step: step, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("media server request failed",
			lifecycle.Field{Key: "step", Value: step},
			lifecycle.Field{Key: "status", Value: resp.StatusCode},
			lifecycle.Field{Key: "body", Value: truncate(string(raw), 512)})
		return &ProvisionError{
			Step:       step,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode)),
		}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProvisionError{Step: step, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
