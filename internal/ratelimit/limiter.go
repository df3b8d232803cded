package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/mailtriage/internal/logging"
)

// Limiter paces calls against the mail store so bulk fetches do not hammer
// it. Distinct from TokenBucket: backend quota admission needs observable
// token state and priority-aware draining, mail store pacing does not.
type Limiter struct {
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewLimiter creates a limiter allowing rps requests per second with the
// given burst.
func NewLimiter(rps, burst int, logger logging.Logger) *Limiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = rps
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Wait blocks until the limiter admits one call or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		l.logger.Warn("Rate limiter wait failed", logging.Error(err))
		return err
	}
	return nil
}

// Allow reports whether a call is admitted without waiting.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetLimit updates the sustained rate.
func (l *Limiter) SetLimit(rps int) {
	l.limiter.SetLimit(rate.Limit(rps))
	l.logger.Info("Rate limit updated", logging.Int("new_rps", rps))
}
