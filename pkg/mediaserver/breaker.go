package mediaserver

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState represents the current state of the circuit breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned when the breaker rejects a call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker stops calling the media server after consecutive outages.
// Client errors (4xx) never trip it.
type Breaker struct {
	mu sync.Mutex

	state               BreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	now                 func() time.Time

	onStateChange func(state BreakerState)
}

// NewBreaker creates a closed breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewBreaker(failureThreshold int, resetTimeout time.Duration, onStateChange func(state BreakerState)) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if retryable(err) {
		b.failure()
		return err
	}

	b.success()
	return err
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.changeState(StateClosed)
	}
	b.consecutiveFailures = 0
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	halfOpen := b.currentState() == StateHalfOpen
	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	if halfOpen || b.consecutiveFailures >= b.failureThreshold {
		b.changeState(StateOpen)
	}
}

func (b *Breaker) changeState(newState BreakerState) {
	if b.state != newState {
		b.state = newState
		if b.onStateChange != nil {
			b.onStateChange(newState)
		}
	}
}
