// Package ratelimit throttles the shared upstream query capability. The
// request ceiling is imposed by the platform, not per caller, so every
// worker funnels through one gate.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"slot-watcher/internal/logging"
)

// Gate enforces a minimum wall-clock spacing between granted calls across
// all callers. Fairness among waiters is not guaranteed, only the spacing.
type Gate struct {
	limiter *rate.Limiter
	spacing time.Duration
	logger  zerolog.Logger
}

// New constructs a gate granting at most one call per minInterval.
func New(minInterval time.Duration, logger zerolog.Logger) *Gate {
	if minInterval <= 0 {
		minInterval = 10 * time.Second
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
		spacing: minInterval,
		logger:  logging.Component(logger, "rate_gate"),
	}
}

// Wait blocks until the caller may proceed or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	started := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(started); waited > 50*time.Millisecond {
		g.logger.Debug().Dur("waited", waited).Msg("held for upstream spacing")
	}
	return nil
}

// Spacing reports the configured minimum interval.
func (g *Gate) Spacing() time.Duration {
	return g.spacing
}
