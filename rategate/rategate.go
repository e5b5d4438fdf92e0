// Package rategate paces calls to the upstream lookup service. The gate
// enforces a strict minimum interval between successive acquisitions rather
// than a token bucket: there is no burst capacity, so two acquisitions are
// always at least 1/RPS apart in real time.
//
// The gate is process-local. A deployment running more than one process
// against the same upstream key must front it with a shared coordinator
// or run a single worker process.
package rategate

import (
	"context"
	"sync"
	"time"
)

// Gate is a process-global pacing point. Acquire blocks until at least the
// configured interval has elapsed since the previous release.
// Example:
//
//	gate := rategate.New(4) // 4 requests per second
//	if err := gate.Acquire(ctx); err != nil {
//	    return err
//	}
//	resp, err := client.Do(req)
type Gate struct {
	mu          sync.Mutex
	interval    time.Duration
	lastRelease time.Time

	// now and sleep are swapped in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Gate enforcing at most rps acquisitions per second.
// rps values below 1 are clamped to 1.
func New(rps int) *Gate {
	if rps < 1 {
		rps = 1
	}
	return &Gate{
		interval: time.Second / time.Duration(rps),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Interval returns the minimum spacing between acquisitions.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Acquire blocks until the minimum interval since the previous release has
// elapsed, then records the release time and returns. Returns the context
// error if ctx is cancelled while waiting. The wait is computed and the
// release recorded under the same lock, so concurrent callers serialize and
// each pair of successive returns is spaced by at least the interval.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastRelease.IsZero() {
		wait := g.interval - g.now().Sub(g.lastRelease)
		if wait > 0 {
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	g.lastRelease = g.now()
	return nil
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
