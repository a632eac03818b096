// Package dispatch provides the Dispatcher collaborator that decides whether
// outbound callback delivery blocks the caller or runs in the background;
// the embedder picks the strategy.
package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Dispatcher runs a unit of work, either inline (blocking the caller) or on
// some background facility. fn should itself respect ctx for cancellation;
// Dispatch only controls whether the caller waits for fn to return.
type Dispatcher interface {
	Dispatch(ctx context.Context, fn func(ctx context.Context))
}

// SyncDispatcher runs fn inline. This is required for environments that
// freeze execution between requests (e.g. FaaS/serverless).
type SyncDispatcher struct{}

// Dispatch implements Dispatcher.
func (SyncDispatcher) Dispatch(ctx context.Context, fn func(ctx context.Context)) {
	fn(ctx)
}

// PoolDispatcher runs fn on a bounded goroutine pool gated by a token-bucket
// rate limiter. If the pool's semaphore cannot be acquired because the
// context is already done, PoolDispatcher falls back to running fn
// synchronously rather than dropping it.
type PoolDispatcher struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	sem     chan struct{}
}

// NewPoolDispatcher creates a PoolDispatcher with the given worker
// concurrency cap and steady-state/burst rate limit.
func NewPoolDispatcher(concurrency int, rps float64, burst int, logger *zap.Logger) *PoolDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PoolDispatcher{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		sem:     make(chan struct{}, concurrency),
	}
}

// Dispatch implements Dispatcher.
func (p *PoolDispatcher) Dispatch(ctx context.Context, fn func(ctx context.Context)) {
	if ctx.Err() != nil {
		fn(ctx)
		return
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		fn(ctx)
		return
	}

	go func() {
		defer func() { <-p.sem }()
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Warn("dispatch: rate limiter wait aborted", zap.Error(err))
			return
		}
		fn(ctx)
	}()
}
