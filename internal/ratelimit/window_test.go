package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when the window sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func newFakeWindow(t *testing.T, window time.Duration, max int) (*Window, *fakeClock) {
	t.Helper()
	w, err := NewWindow(window, max)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	w.now = clock.Now
	w.sleep = clock.Sleep
	return w, clock
}

func TestNewWindow_Validation(t *testing.T) {
	_, err := NewWindow(0, 4)
	assert.Error(t, err)

	_, err = NewWindow(time.Second, 0)
	assert.Error(t, err)

	w, err := NewWindow(time.Second, 3)
	require.NoError(t, err)
	assert.Equal(t, time.Second, w.Duration())
	assert.Equal(t, 3, w.Max())
}

func TestWindow_FifthCallWaitsForWindow(t *testing.T) {
	w, clock := newFakeWindow(t, 2000*time.Millisecond, 4)
	ctx := context.Background()
	start := clock.Now()

	var admitted []time.Time
	for i := 0; i < 5; i++ {
		_, err := w.Wait(ctx)
		require.NoError(t, err)
		admitted = append(admitted, clock.Now())
	}

	for i := 0; i < 4; i++ {
		assert.Equal(t, start, admitted[i], "call %d should be admitted immediately", i+1)
	}
	assert.GreaterOrEqual(t, admitted[4].Sub(admitted[0]), 2000*time.Millisecond)
}

func TestWindow_ReportsWaitedDuration(t *testing.T) {
	w, _ := newFakeWindow(t, time.Second, 1)
	ctx := context.Background()

	waited, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Zero(t, waited)

	waited, err = w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Second, waited)
}

func TestWindow_NeverExceedsQuotaInTrailingWindow(t *testing.T) {
	const (
		window = 500 * time.Millisecond
		max    = 3
	)
	w, clock := newFakeWindow(t, window, max)
	ctx := context.Background()

	var admitted []time.Time
	for i := 0; i < 20; i++ {
		_, err := w.Wait(ctx)
		require.NoError(t, err)
		admitted = append(admitted, clock.Now())
		// Irregular gaps between callers.
		if i%4 == 0 {
			clock.Sleep(ctx, 70*time.Millisecond)
		}
	}

	for i, at := range admitted {
		count := 0
		for _, other := range admitted {
			if other.After(at.Add(-window)) && !other.After(at) {
				count++
			}
		}
		assert.LessOrEqual(t, count, max, "window ending at call %d holds %d admissions", i, count)
	}
}

func TestWindow_PrunesStaleStamps(t *testing.T) {
	w, clock := newFakeWindow(t, time.Second, 2)
	ctx := context.Background()

	_, _ = w.Wait(ctx)
	_, _ = w.Wait(ctx)
	assert.Equal(t, 2, w.InFlight())

	clock.Sleep(ctx, time.Second)
	assert.Equal(t, 0, w.InFlight())
}

func TestWindow_ContextCancelledWhileWaiting(t *testing.T) {
	w, err := NewWindow(time.Hour, 1)
	require.NoError(t, err)

	_, err = w.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWindow_ConcurrentCallers(t *testing.T) {
	const (
		window  = 200 * time.Millisecond
		max     = 4
		callers = 10
	)
	w, err := NewWindow(window, max)
	require.NoError(t, err)

	var mu sync.Mutex
	var admitted []time.Time
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Wait(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, admitted, callers)
	for _, at := range admitted {
		count := 0
		for _, other := range admitted {
			// Small tolerance for the gap between admission and the timestamp above.
			if other.After(at.Add(-window+50*time.Millisecond)) && !other.After(at) {
				count++
			}
		}
		assert.LessOrEqual(t, count, max)
	}
}
