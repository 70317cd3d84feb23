package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/evidenceloop/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBackend = errors.New("backend down")

func fail(context.Context) (int, error)    { return 0, errBackend }
func succeed(context.Context) (int, error) { return 42, nil }

func newTestBreaker(clock *fakeClock, threshold int) *Breaker {
	return New("test", Config{
		Threshold:    threshold,
		Timeout:      time.Second,
		ResetTimeout: time.Minute,
	}, zap.NewNop(), WithClock(clock.Now))
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Threshold: -1}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	custom := Config{Threshold: 2, Timeout: time.Millisecond, ResetTimeout: time.Second, HalfOpenMaxCalls: 4}
	assert.Equal(t, custom, custom.withDefaults())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := Execute(ctx, b, fail)
		require.ErrorIs(t, err, errBackend)
		assert.Equal(t, StateClosed, b.State())
	}

	_, err := Execute(ctx, b, fail)
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())

	called := false
	_, err = Execute(ctx, b, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.True(t, types.IsErrorCode(err, types.ErrCircuitOpen))
	assert.False(t, called, "open circuit must not reach the backend")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock, 2)
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	v, err := Execute(ctx, b, succeed)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	_, _ = Execute(ctx, b, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var transitions []string
	b := New("hosted", Config{Threshold: 1, Timeout: time.Second, ResetTimeout: time.Minute}, nil,
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}))
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Minute)
	v, err := Execute(ctx, b, succeed)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock, 1)
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	clock.Advance(2 * time.Minute)
	_, err := Execute(ctx, b, fail)
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, StateOpen, b.State())

	_, err = Execute(ctx, b, succeed)
	assert.True(t, types.IsErrorCode(err, types.ErrCircuitOpen))
}

func TestBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock, 1)
	_, _ = Execute(context.Background(), b, fail)
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	_, err := Execute(context.Background(), b, succeed)
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Timeouts and classification
// ---------------------------------------------------------------------------

func TestBreaker_TimeoutIsCodedAndCounted(t *testing.T) {
	b := New("slow", Config{Threshold: 1, Timeout: 20 * time.Millisecond, ResetTimeout: time.Hour}, zap.NewNop())

	_, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrUpstreamTimeout))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b := New("cancel", Config{Threshold: 1, Timeout: time.Second, ResetTimeout: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, b, func(ctx context.Context) (int, error) {
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := New("auth", Config{Threshold: 1, Timeout: time.Second, ResetTimeout: time.Hour}, zap.NewNop())
	unauthorized := types.NewError(types.ErrRerankUnauthorized, "bad key")

	_, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		return 0, unauthorized
	})
	require.ErrorIs(t, err, unauthorized)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ClientErrorWhileHalfOpenKeepsCircuitHalfOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock, 1)
	ctx := context.Background()
	unauthorized := func(context.Context) (int, error) {
		return 0, types.NewError(types.ErrRerankUnauthorized, "bad key")
	}

	_, _ = Execute(ctx, b, fail)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Minute)
	_, err := Execute(ctx, b, unauthorized)
	require.True(t, types.IsErrorCode(err, types.ErrRerankUnauthorized))
	assert.Equal(t, StateHalfOpen, b.State(), "an auth failure proves nothing about backend health")

	// 试探名额已归还，下一次调用仍可试探
	_, err = Execute(ctx, b, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ClientErrorDoesNotResetFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := newTestBreaker(clock, 2)
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	_, _ = Execute(ctx, b, func(context.Context) (int, error) {
		return 0, types.NewError(types.ErrInvalidCandidate, "empty id")
	})
	_, _ = Execute(ctx, b, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New("concurrent", Config{Threshold: 1000, Timeout: time.Second}, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = Execute(context.Background(), b, succeed)
			} else {
				_, _ = Execute(context.Background(), b, fail)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State())
}
