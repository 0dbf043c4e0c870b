package mediaserver

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var lastState BreakerState
	b := NewBreaker(3, time.Minute, func(s BreakerState) { lastState = s })
	b.now = func() time.Time { return now }

	ctx := context.Background()
	outage := &ProvisionError{Step: StepCreateUser, StatusCode: http.StatusBadGateway, Err: errors.New("down")}

	for i := 0; i < 2; i++ {
		assert.Error(t, b.Execute(ctx, func() error { return outage }))
		assert.Equal(t, StateClosed, b.State())
	}
	assert.Error(t, b.Execute(ctx, func() error { return outage }))
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, StateOpen, lastState)

	called := false
	err := b.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(1, time.Minute, nil)
	b.now = func() time.Time { return now }

	ctx := context.Background()
	fail := func() error { return errors.New("transport") }

	assert.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Error(t, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(1, time.Minute, nil)
	rejected := &ProvisionError{Step: StepCreateUser, StatusCode: http.StatusConflict, Err: errors.New("exists")}

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), func() error { return rejected }), ErrProvision)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CanceledContext(t *testing.T) {
	b := NewBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func() error { t.Fatal("fn must not run"); return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
