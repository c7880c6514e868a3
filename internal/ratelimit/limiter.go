// Package ratelimit paces requests to the remote source.
//
// Two limits apply to every request: a global minimum spacing across all
// sources, and a minimum spacing per source. A caller holds no request slot
// until both admit it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces global and per-source request spacing.
type Limiter struct {
	global *rate.Limiter

	mu        sync.Mutex
	perSource map[int64]*rate.Limiter
	spacing   time.Duration
}

// New creates a Limiter with the given minimum spacing between requests to
// any one source and between any two requests overall.
func New(sourceSpacing, globalSpacing time.Duration) *Limiter {
	return &Limiter{
		global:    rate.NewLimiter(rate.Every(globalSpacing), 1),
		perSource: make(map[int64]*rate.Limiter),
		spacing:   sourceSpacing,
	}
}

// Acquire blocks until a request to the given source is admitted by both
// limits. Returns an error only when ctx is done first.
func (l *Limiter) Acquire(ctx context.Context, sourceID int64) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	return l.sourceLimiter(sourceID).Wait(ctx)
}

func (l *Limiter) sourceLimiter(sourceID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perSource[sourceID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.spacing), 1)
		l.perSource[sourceID] = lim
	}
	return lim
}
