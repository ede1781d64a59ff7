package deadline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunRetriesUntilSuccess(t *testing.T) {
	var calls int32
	err := Run(context.Background(), "flaky", Policy{Attempts: 3}, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, calls)
}

func TestRunExhaustsAttempts(t *testing.T) {
	var calls int32
	base := errors.New("always")
	err := Run(context.Background(), "broken", Policy{Attempts: 3}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return base
	})
	require.ErrorIs(t, err, base)
	require.EqualValues(t, 3, calls)
	require.Contains(t, err.Error(), "after 3 attempts")
}

func TestRunTimesOutEachAttempt(t *testing.T) {
	var calls int32
	start := time.Now()
	err := Run(context.Background(), "slow", Policy{Timeout: 20 * time.Millisecond, Attempts: 2}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.EqualValues(t, 2, calls)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRunStopsOnPermanent(t *testing.T) {
	var calls int32
	base := errors.New("bad request")
	err := Run(context.Background(), "perm", Policy{Attempts: 5}, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(base)
	})
	require.ErrorIs(t, err, base)
	require.EqualValues(t, 1, calls)
}

func TestRunHonoursParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, "cancelled", Policy{Attempts: 3, BaseDelay: time.Hour}, func(ctx context.Context) error {
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallReturnsValue(t *testing.T) {
	v, err := Call(context.Background(), "value", Once(time.Second), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestRetryDelayCapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	require.Equal(t, time.Duration(0), Policy{}.retryDelay(3))
	d := p.retryDelay(10)
	require.GreaterOrEqual(t, d, 4*time.Second)
	require.LessOrEqual(t, d, 5*time.Second)
}
