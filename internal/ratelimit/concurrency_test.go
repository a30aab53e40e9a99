package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskpilot/internal/entitlements"
	"taskpilot/internal/memstore"
	"taskpilot/internal/ratelimit"
)

func newLimiter(runsPerDay int) (*ratelimit.Limiter, *memstore.Store) {
	plans := map[string]entitlements.Entitlements{
		"test": {RunsPerDay: runsPerDay, SendsPerDay: 3, ActionsPerDay: 10},
	}
	store := memstore.New()
	l := ratelimit.New(store, entitlements.NewStaticProvider(plans, nil, "test"), nil)
	return l, store
}

func TestConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	const limit, callers = 25, 100
	l, _ := newLimiter(limit)

	var allowed, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckAndIncrement(context.Background(), "acme", entitlements.Runs, 1)
			if err != nil {
				t.Errorf("err: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, limit, allowed.Load())
	require.EqualValues(t, callers-limit, denied.Load())
	res := l.CheckLimit(context.Background(), "acme", entitlements.Runs)
	require.Equal(t, limit, res.Current)
	require.Zero(t, res.Remaining)
}

func TestIncrementByAmount(t *testing.T) {
	l, _ := newLimiter(10)
	ctx := context.Background()

	res, err := l.CheckAndIncrement(ctx, "acme", entitlements.Actions, 7)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 3, res.Remaining)

	res, err = l.CheckAndIncrement(ctx, "acme", entitlements.Actions, 4)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 7, res.Current)

	res, err = l.CheckAndIncrement(ctx, "acme", entitlements.Actions, 11)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestCountersAreScopedByTenantAndDay(t *testing.T) {
	l, _ := newLimiter(1)
	ctx := context.Background()
	day := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	l.Now = func() time.Time { return day }

	res, _ := l.CheckAndIncrement(ctx, "a", entitlements.Runs, 1)
	require.True(t, res.Allowed)
	res, _ = l.CheckAndIncrement(ctx, "a", entitlements.Runs, 1)
	require.False(t, res.Allowed)
	res, _ = l.CheckAndIncrement(ctx, "b", entitlements.Runs, 1)
	require.True(t, res.Allowed)

	day = day.Add(2 * time.Minute)
	res, _ = l.CheckAndIncrement(ctx, "a", entitlements.Runs, 1)
	require.True(t, res.Allowed, "new UTC day resets the counter")
}
