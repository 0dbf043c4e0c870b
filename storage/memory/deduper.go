package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mykidapp/lifecycle/pkg/billing"
)

// InFlightTTL bounds how long an unfinished delivery blocks redeliveries
const InFlightTTL = 5 * time.Minute

// DefaultDedupeCapacity caps the number of remembered event ids per state
const DefaultDedupeCapacity = 100_000

// Deduper implements billing.Deduper in process memory. Entries expire after
// their TTL and the oldest are evicted once capacity is reached.
type Deduper struct {
	mu       sync.Mutex
	inflight *lru.LRU[string, struct{}]
	done     *lru.LRU[string, struct{}]
}

// NewDeduper creates a deduper that remembers events for ttl
func NewDeduper(ttl time.Duration) *Deduper {
	return NewDeduperWithCapacity(ttl, DefaultDedupeCapacity)
}

// NewDeduperWithCapacity creates a deduper holding at most capacity event ids
// in each of the in-flight and processed states
func NewDeduperWithCapacity(ttl time.Duration, capacity int) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &Deduper{
		inflight: lru.NewLRU[string, struct{}](capacity, nil, InFlightTTL),
		done:     lru.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

// Begin implements billing.Deduper
func (d *Deduper) Begin(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.done.Get(eventID); ok {
		return billing.ErrEventProcessed
	}
	if _, ok := d.inflight.Get(eventID); ok {
		return billing.ErrEventInFlight
	}
	d.inflight.Add(eventID, struct{}{})
	return nil
}

// Complete implements billing.Deduper
func (d *Deduper) Complete(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight.Remove(eventID)
	d.done.Add(eventID, struct{}{})
	return nil
}

// Abort implements billing.Deduper
func (d *Deduper) Abort(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight.Remove(eventID)
	return nil
}

// Len returns the number of remembered event ids
func (d *Deduper) Len() int {
	return d.inflight.Len() + d.done.Len()
}
