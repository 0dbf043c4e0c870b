// Package postgres provides a PostgreSQL implementation of lifecycle.Storage.
// Provisioning claims are single conditional UPDATEs so concurrent deliveries
// serialize on the subscription row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mykidapp/lifecycle/pkg/lifecycle"
)

// Storage implements lifecycle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var (
	_ lifecycle.Storage      = (*Storage)(nil)
	_ lifecycle.UserResolver = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	ClaimTTL        time.Duration // Provisioning claims older than this are cleared

	Logger lifecycle.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 15 * time.Minute,
		ClaimTTL:        time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", lifecycle.ErrStorageUnavailable, err)
	}

	return NewFromPool(pool, config), nil
}

// NewFromPool wraps an existing pool. The storage takes ownership of the pool.
func NewFromPool(pool *pgxpool.Pool, config Config) *Storage {
	if config.Logger == nil {
		config.Logger = &lifecycle.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = DefaultConfig().ClaimTTL
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}
	return s
}

// Pool exposes the connection pool for migrations and health checks
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSubscription implements lifecycle.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*lifecycle.Subscription, error) {
	var (
		sub                                  lifecycle.Subscription
		customerID, subscriptionID, resource *string
		status, plan                         string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, stripe_customer_id, stripe_subscription_id, status, plan_id,
			trial_ends_at, current_period_end, storage_limit_gb, immich_user_id, updated_at
			FROM subscriptions WHERE user_id = $1`,
		userID).Scan(
		&sub.UserID, &customerID, &subscriptionID, &status, &plan,
		&sub.TrialEndsAt, &sub.CurrentPeriodEnd, &sub.StorageLimitGB, &resource, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.CustomerID = deref(customerID)
	sub.SubscriptionID = deref(subscriptionID)
	sub.ResourceUserID = deref(resource)
	sub.Status = lifecycle.Status(status)
	sub.Plan = lifecycle.Plan(plan)
	return &sub, nil
}

// UpsertSubscription implements lifecycle.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, sub *lifecycle.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, status, plan_id,
			trial_ends_at, current_period_end, storage_limit_gb, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id) DO UPDATE SET
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				stripe_subscription_id = EXCLUDED.stripe_subscription_id,
				status = EXCLUDED.status,
				plan_id = EXCLUDED.plan_id,
				trial_ends_at = EXCLUDED.trial_ends_at,
				current_period_end = EXCLUDED.current_period_end,
				storage_limit_gb = EXCLUDED.storage_limit_gb,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, nullable(sub.CustomerID), nullable(sub.SubscriptionID), string(sub.Status), string(sub.Plan),
		sub.TrialEndsAt, sub.CurrentPeriodEnd, sub.StorageLimitGB, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ClaimProvisioning implements lifecycle.SubscriptionStore
func (s *Storage) ClaimProvisioning(ctx context.Context, userID string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET provisioning_claimed_at = now()
			WHERE user_id = $1
				AND immich_user_id IS NULL
				AND (provisioning_claimed_at IS NULL
					OR provisioning_claimed_at < now() - make_interval(secs => $2))`,
		userID, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to claim provisioning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteProvisioning implements lifecycle.SubscriptionStore
func (s *Storage) CompleteProvisioning(ctx context.Context, userID, resourceUserID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions
			SET immich_user_id = $2, provisioning_claimed_at = NULL, updated_at = now()
			WHERE user_id = $1 AND immich_user_id IS NULL`,
		userID, resourceUserID)
	if err != nil {
		return false, fmt.Errorf("failed to complete provisioning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseProvisioning implements lifecycle.SubscriptionStore
func (s *Storage) ReleaseProvisioning(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET provisioning_claimed_at = NULL WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to release provisioning: %w", err)
	}
	return nil
}

// ExpireSubscription implements lifecycle.SubscriptionStore
func (s *Storage) ExpireSubscription(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = now() WHERE user_id = $1`,
		userID, string(lifecycle.StatusExpired))
	if err != nil {
		return fmt.Errorf("failed to expire subscription: %w", err)
	}
	return nil
}

// ClearResource implements lifecycle.SubscriptionStore
func (s *Storage) ClearResource(ctx context.Context, userID, resourceUserID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET immich_user_id = NULL, updated_at = now()
			WHERE user_id = $1 AND immich_user_id = $2`,
		userID, resourceUserID)
	if err != nil {
		return fmt.Errorf("failed to clear resource: %w", err)
	}
	return nil
}

// ResolveUserID implements lifecycle.UserResolver from stored customer ids
func (s *Storage) ResolveUserID(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM subscriptions WHERE stripe_customer_id = $1
			ORDER BY updated_at DESC LIMIT 1`,
		customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// InsertGatewayToken implements lifecycle.TokenStore
func (s *Storage) InsertGatewayToken(ctx context.Context, userID, name, tokenHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ai_gateway_tokens (user_id, name, token_hash) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, name) DO NOTHING`,
		userID, name, tokenHash)
	if err != nil {
		return false, fmt.Errorf("failed to insert gateway token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceGatewayToken implements lifecycle.TokenStore
func (s *Storage) ReplaceGatewayToken(ctx context.Context, userID, name, tokenHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_gateway_tokens (user_id, name, token_hash) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, name) DO UPDATE
				SET token_hash = EXCLUDED.token_hash, created_at = now()`,
		userID, name, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to replace gateway token: %w", err)
	}
	return nil
}

// SetPlainGatewayToken implements lifecycle.TokenStore
func (s *Storage) SetPlainGatewayToken(ctx context.Context, userID, plainToken string) error {
	_, err := s.pool.Exec(ctx, `SELECT set_ai_gateway_plain_token_for_user($1, $2)`, userID, plainToken)
	if err != nil {
		return fmt.Errorf("failed to store plain gateway token: %w", err)
	}
	return nil
}

// GetPlainGatewayToken implements lifecycle.TokenStore
func (s *Storage) GetPlainGatewayToken(ctx context.Context, userID string) (string, error) {
	var plain *string
	err := s.pool.QueryRow(ctx, `SELECT get_ai_gateway_plain_token_for_user($1)`, userID).Scan(&plain)
	if err != nil {
		return "", fmt.Errorf("failed to read plain gateway token: %w", err)
	}
	return deref(plain), nil
}

// FindHouseholdForUser implements lifecycle.HouseholdStore
func (s *Storage) FindHouseholdForUser(ctx context.Context, userID string) (string, error) {
	var householdID string
	err := s.pool.QueryRow(ctx,
		`SELECT household_id::text FROM household_members WHERE user_id = $1
			ORDER BY created_at LIMIT 1`,
		userID).Scan(&householdID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", lifecycle.ErrHouseholdNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find household: %w", err)
	}
	return householdID, nil
}

// CreateHousehold implements lifecycle.HouseholdStore.
// The household and its owner membership are written in one transaction.
func (s *Storage) CreateHousehold(ctx context.Context, ownerID, name string) (string, error) {
	var householdID string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO households (owner_id, name) VALUES ($1, $2) RETURNING id::text`,
			ownerID, name).Scan(&householdID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO household_members (household_id, user_id, role) VALUES ($1::text::uuid, $2, 'owner')`,
			householdID, ownerID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create household: %w", err)
	}
	return householdID, nil
}

// BindMediaServer implements lifecycle.HouseholdStore
func (s *Storage) BindMediaServer(ctx context.Context, householdID, serverURL, apiKey string) error {
	_, err := s.pool.Exec(ctx,
		`SELECT set_household_immich_config_for_managed($1::text::uuid, $2, $3)`,
		householdID, serverURL, apiKey)
	if err != nil {
		return fmt.Errorf("failed to bind media server: %w", err)
	}
	return nil
}

// OwnedHouseholds implements lifecycle.ContentStore
func (s *Storage) OwnedHouseholds(ctx context.Context, userID string) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id::text FROM households WHERE owner_id = $1`, userID)
}

// ChildrenOfHouseholds implements lifecycle.ContentStore
func (s *Storage) ChildrenOfHouseholds(ctx context.Context, householdIDs []string) ([]string, error) {
	if len(householdIDs) == 0 {
		return nil, nil
	}
	return s.queryIDs(ctx, `SELECT id::text FROM children WHERE household_id = ANY($1::text[]::uuid[])`, householdIDs)
}

// DeleteJournalEntriesByUser implements lifecycle.ContentStore
func (s *Storage) DeleteJournalEntriesByUser(ctx context.Context, userID string) (int64, error) {
	return s.execRows(ctx, `DELETE FROM journal_entries WHERE user_id = $1`, userID)
}

// DeleteJournalEntriesByChildren implements lifecycle.ContentStore
func (s *Storage) DeleteJournalEntriesByChildren(ctx context.Context, childIDs []string) (int64, error) {
	if len(childIDs) == 0 {
		return 0, nil
	}
	return s.execRows(ctx, `DELETE FROM journal_entries WHERE child_id = ANY($1::text[]::uuid[])`, childIDs)
}

// DeleteChildrenByUser implements lifecycle.ContentStore
func (s *Storage) DeleteChildrenByUser(ctx context.Context, userID string) (int64, error) {
	return s.execRows(ctx, `DELETE FROM children WHERE user_id = $1`, userID)
}

// DeleteChildrenByHouseholds implements lifecycle.ContentStore
func (s *Storage) DeleteChildrenByHouseholds(ctx context.Context, householdIDs []string) (int64, error) {
	if len(householdIDs) == 0 {
		return 0, nil
	}
	return s.execRows(ctx, `DELETE FROM children WHERE household_id = ANY($1::text[]::uuid[])`, householdIDs)
}

// householdDeletes maps each household-scoped table to its delete statement.
// Table names never come from callers.
var householdDeletes = map[lifecycle.HouseholdTable]string{
	lifecycle.TableHouseholdInvites:  `DELETE FROM household_invites WHERE household_id = ANY($1::text[]::uuid[])`,
	lifecycle.TableHouseholdSettings: `DELETE FROM household_settings WHERE household_id = ANY($1::text[]::uuid[])`,
	lifecycle.TableHouseholdMembers:  `DELETE FROM household_members WHERE household_id = ANY($1::text[]::uuid[])`,
	lifecycle.TableHouseholds:        `DELETE FROM households WHERE id = ANY($1::text[]::uuid[])`,
}

// DeleteHouseholdRows implements lifecycle.ContentStore
func (s *Storage) DeleteHouseholdRows(
	ctx context.Context, table lifecycle.HouseholdTable, householdIDs []string,
) (int64, error) {
	query, ok := householdDeletes[table]
	if !ok {
		return 0, fmt.Errorf("unknown household table %q", table)
	}
	if len(householdIDs) == 0 {
		return 0, nil
	}
	if table == lifecycle.TableHouseholds {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM household_immich_configs WHERE household_id = ANY($1::text[]::uuid[])`, householdIDs); err != nil {
			return 0, fmt.Errorf("failed to delete media server bindings: %w", err)
		}
	}
	return s.execRows(ctx, query, householdIDs)
}

func (s *Storage) queryIDs(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	return ids, nil
}

func (s *Storage) execRows(ctx context.Context, query string, arg any) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, arg)
	if err != nil {
		return 0, fmt.Errorf("delete failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// startCleanup runs a background worker that clears abandoned provisioning claims
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("provisioning claim cleanup failed", lifecycle.Field{Key: "error", Value: err.Error()})
			} else if n > 0 {
				s.config.Logger.Info("cleared stale provisioning claims", lifecycle.Field{Key: "rows", Value: n})
			}
		}
	}
}

// Cleanup clears provisioning claims older than ClaimTTL and reports how many were cleared
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	return s.execRows(ctx,
		`UPDATE subscriptions SET provisioning_claimed_at = NULL
			WHERE provisioning_claimed_at < now() - make_interval(secs => $1)`,
		s.config.ClaimTTL.Seconds())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
