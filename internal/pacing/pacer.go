// Package pacing enforces the politeness delays toward the portal: the
// per-request interval and the inter-batch cooldown.
package pacing

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces consecutive portal requests using a token bucket with burst 1,
// so no two requests are ever closer together than the configured interval.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer builds a Pacer for the given minimum interval between requests.
// A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next request is allowed or ctx finishes.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	return nil
}

// TimerSleeper implements the inter-batch cooldown with a plain timer that
// honors context cancellation.
type TimerSleeper struct{}

// Sleep pauses for d, returning early if ctx finishes.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
