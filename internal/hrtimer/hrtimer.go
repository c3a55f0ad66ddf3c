// Package hrtimer provides a high-resolution, cancellable sleep.
//
// The Go runtime timer wheel is accurate to a few hundred microseconds on a
// loaded system, which is not enough to pace iterations at rates in the
// thousands per second. Sleep parks the goroutine for the bulk of the wait
// and busy-spins the final stretch below the timer granularity.
package hrtimer

import (
	"context"
	"runtime"
	"time"
)

// spinThreshold is the residual wait below which the goroutine spins instead
// of parking. Chosen above the worst observed wakeup slop of runtime timers.
const spinThreshold = 200 * time.Microsecond

// Sleep waits for d. It returns early with ctx.Err() if the context is
// cancelled. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	return SleepUntil(ctx, time.Now().Add(d))
}

// SleepUntil waits until deadline, parking for the coarse part of the wait
// and spinning the tail. Returns ctx.Err() if cancelled first.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		if remaining <= spinThreshold {
			break
		}
		timer := time.NewTimer(remaining - spinThreshold)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		runtime.Gosched()
	}
	return nil
}
