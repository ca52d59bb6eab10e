// Package ratelimit gates calls to quota-bound downstream services.
// All worker slots share one Limiter; mutation happens inside
// golang.org/x/time/rate under its own lock.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter allows at most budget calls per window, shared across goroutines.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a Limiter permitting budget calls per window. A budget of 0
// returns an unlimited limiter.
func New(budget int, window time.Duration) (*Limiter, error) {
	if budget < 0 {
		return nil, fmt.Errorf("rate limit budget must be non-negative, got %d", budget)
	}
	if budget > 0 && window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}

	if budget == 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 0)}, nil
	}

	perSecond := float64(budget) / window.Seconds()
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), budget)}, nil
}

// Wait blocks until issuing one more call stays within the budget, or until
// ctx is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

// Allow reports whether a call may proceed immediately without blocking.
func (l *Limiter) Allow() bool {
	return l.lim.Allow()
}
