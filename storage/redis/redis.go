// Package redis provides a Redis implementation of billing.Deduper.
// Markers are written with Lua scripts so check-and-set stays atomic across replicas.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mykidapp/lifecycle/pkg/billing"
)

const (
	markerInFlight = "inflight"
	markerDone     = "done"
)

// Deduper implements billing.Deduper using Redis
type Deduper struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var _ billing.Deduper = (*Deduper)(nil)

// Config holds Redis deduper configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "lifecycle:webhook:")
	KeyPrefix string

	// ProcessedTTL is how long a completed event id is remembered (default: 24h)
	ProcessedTTL time.Duration

	// InFlightTTL bounds how long an unfinished delivery blocks redeliveries (default: 5m)
	InFlightTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:    "lifecycle:webhook:",
		ProcessedTTL: 24 * time.Hour,
		InFlightTTL:  5 * time.Minute,
	}
}

// New creates a new Redis deduper
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Deduper, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = defaults.ProcessedTTL
	}
	if config.InFlightTTL <= 0 {
		config.InFlightTTL = defaults.InFlightTTL
	}

	d := &Deduper{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	d.loadScripts()
	return d, nil
}

// loadScripts compiles the Lua scripts for atomic marker transitions
func (d *Deduper) loadScripts() {
	// Claim an event unless it is done or already claimed
	d.scripts["begin"] = redis.NewScript(`
		local current = redis.call('GET', KEYS[1])
		if current then
			return current
		end
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
		return 'ok'
	`)

	// Release an in-flight claim without touching a done marker
	d.scripts["abort"] = redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
}

func (d *Deduper) key(eventID string) string {
	return d.config.KeyPrefix + eventID
}

// Begin implements billing.Deduper
func (d *Deduper) Begin(ctx context.Context, eventID string) error {
	res, err := d.scripts["begin"].Run(ctx, d.client, []string{d.key(eventID)},
		markerInFlight, d.config.InFlightTTL.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("dedupe begin %s: %w", eventID, err)
	}
	switch res {
	case "ok":
		return nil
	case markerDone:
		return billing.ErrEventProcessed
	default:
		return billing.ErrEventInFlight
	}
}

// Complete implements billing.Deduper
func (d *Deduper) Complete(ctx context.Context, eventID string) error {
	if err := d.client.Set(ctx, d.key(eventID), markerDone, d.config.ProcessedTTL).Err(); err != nil {
		return fmt.Errorf("dedupe complete %s: %w", eventID, err)
	}
	return nil
}

// Abort implements billing.Deduper
func (d *Deduper) Abort(ctx context.Context, eventID string) error {
	if err := d.scripts["abort"].Run(ctx, d.client, []string{d.key(eventID)}, markerInFlight).Err(); err != nil {
		return fmt.Errorf("dedupe abort %s: %w", eventID, err)
	}
	return nil
}

// Ping reports whether Redis is reachable
func (d *Deduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
