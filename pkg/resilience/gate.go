package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute is the embedding provider quota assumed when none
// is configured.
const DefaultRequestsPerMinute = 3500

// Gate spaces outbound requests evenly so that no more than a configured
// number start per minute. It is safe for concurrent use.
type Gate struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewGate returns a Gate admitting perMinute requests per minute with no
// burst. Non-positive values use DefaultRequestsPerMinute.
func NewGate(perMinute int) *Gate {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	interval := time.Minute / time.Duration(perMinute)
	return &Gate{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Interval is the minimum spacing between two admitted requests.
func (g *Gate) Interval() time.Duration { return g.interval }

// Wait blocks until the next request may start or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("resilience: gate: %w", err)
	}
	return nil
}
