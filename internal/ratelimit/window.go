// Package ratelimit provides a sliding-window request admission gate shared by
// all callers of an upstream endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default quota values for public Solana RPC endpoints.
const (
	DefaultWindow      = 2 * time.Second
	DefaultMaxRequests = 4
)

// Window admits at most max requests in any trailing window duration.
// Stamps are kept in admission order, oldest first.
type Window struct {
	window time.Duration
	max    int

	mu     sync.Mutex
	stamps []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindow creates a sliding window admitting max requests per window.
func NewWindow(window time.Duration, max int) (*Window, error) {
	if window <= 0 {
		return nil, fmt.Errorf("rate window must be positive, got %v", window)
	}
	if max <= 0 {
		return nil, fmt.Errorf("rate window max requests must be positive, got %d", max)
	}
	return &Window{
		window: window,
		max:    max,
		stamps: make([]time.Time, 0, max),
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

// Duration returns the window length.
func (w *Window) Duration() time.Duration {
	return w.window
}

// Max returns the number of requests admitted per window.
func (w *Window) Max() int {
	return w.max
}

// Wait blocks until the caller may issue one request, then records it.
// The wait is re-evaluated after every sleep because other callers may have
// been admitted in the meantime. Returns the total time spent waiting.
func (w *Window) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		wait, ok := w.tryAdmit()
		if ok {
			return waited, nil
		}
		if err := w.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// InFlight returns the number of admissions inside the current window.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.stamps)
}

// tryAdmit admits and records a request if the window has room, otherwise it
// returns how long until the oldest stamp leaves the window.
func (w *Window) tryAdmit() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.stamps) < w.max {
		w.stamps = append(w.stamps, now)
		return 0, true
	}

	wait := w.window - now.Sub(w.stamps[0])
	if wait <= 0 {
		// Clock resolution edge: the oldest stamp is exactly on the boundary.
		wait = time.Millisecond
	}
	return wait, false
}

// prune drops stamps that are at least one window old. Caller holds mu.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
