package backend

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studybuddy/gatekeeper/internal/testclock"
)

func TestBreakerStateMachine(t *testing.T) {
	clock := testclock.New(time.Unix(1_700_000_000, 0))
	b := NewBreaker(
		WithFailureThreshold(0.5),
		WithOpenTimeout(time.Second),
		WithMaxProbes(2),
		WithSuccessThreshold(2),
		WithBreakerClock(clock.Now),
	)

	assert.Equal(t, StateClosed, b.State())

	// 80% failure rate
	for i := 0; i < 20; i++ {
		gen, err := b.beforeRequest()
		if err != nil {
			break
		}
		if i%5 != 0 {
			b.afterRequest(gen, errors.New("dial tcp: connection refused"))
		} else {
			b.afterRequest(gen, nil)
		}
	}
	require.Equal(t, StateOpen, b.State())

	_, err := b.beforeRequest()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	gen, err := b.beforeRequest()
	require.NoError(t, err)
	b.afterRequest(gen, nil)
	gen, err = b.beforeRequest()
	require.NoError(t, err)
	b.afterRequest(gen, nil)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := testclock.New(time.Unix(1_700_000_000, 0))
	b := NewBreaker(WithMinRequests(1), WithOpenTimeout(time.Second), WithBreakerClock(clock.Now))

	gen, err := b.beforeRequest()
	require.NoError(t, err)
	b.afterRequest(gen, errors.New("timeout"))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	gen, err = b.beforeRequest()
	require.NoError(t, err)

	_, err = b.beforeRequest()
	assert.ErrorIs(t, err, ErrTooManyProbes, "only one probe runs at a time")

	b.afterRequest(gen, errors.New("still down"))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerIgnoresStaleGeneration(t *testing.T) {
	b := NewBreaker(WithMinRequests(1))

	stale, err := b.beforeRequest()
	require.NoError(t, err)

	gen, err := b.beforeRequest()
	require.NoError(t, err)
	b.afterRequest(gen, errors.New("boom"))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	b.afterRequest(stale, errors.New("late failure"))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(0), b.Counts().TotalFailures)
}

func TestBreakerCountsResetAfterInterval(t *testing.T) {
	clock := testclock.New(time.Unix(1_700_000_000, 0))
	b := NewBreaker(WithInterval(time.Minute), WithBreakerClock(clock.Now))

	for i := 0; i < 5; i++ {
		gen, err := b.beforeRequest()
		require.NoError(t, err)
		b.afterRequest(gen, errors.New("boom"))
	}
	assert.Equal(t, uint32(5), b.Counts().TotalFailures)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}
