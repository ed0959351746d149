package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testBreaker() *CircuitBreaker {
	cb := New(&Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	})
	return cb
}

func fail(context.Context) error { return errBoom }

func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen, "open breaker short-circuits")
	assert.Equal(t, int64(1), cb.Stats().Rejections)
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.NoError(t, cb.Execute(ctx, succeed))

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, cb.State(), "streak restarted after the success")
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	current := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.State())

	current = current.Add(61 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State(), "one success is not enough to close")

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := testBreaker()
	ctx := context.Background()

	current := time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return current }

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, fail)
	}
	current = current.Add(61 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cb := New(&Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, []string{"closed->open"}, transitions)
}
