// Package ratelimit implements the per-chain token bucket in front of every
// outbound RPC call. Refill is continuous; waiting is bounded by MaxWait.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// Config holds token bucket parameters for one chain.
type Config struct {
	Capacity        int
	RefillPerSecond float64
	MaxWait         time.Duration
}

// DefaultConfig returns limits safe for public RPC endpoints.
func DefaultConfig() Config {
	return Config{
		Capacity:        20,
		RefillPerSecond: 10,
		MaxWait:         2 * time.Second,
	}
}

// Limiter is a token bucket for a single chain.
type Limiter struct {
	chainID uint64
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewLimiter creates a limiter for a chain.
func NewLimiter(chainID uint64, cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultConfig().RefillPerSecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultConfig().MaxWait
	}
	return &Limiter{
		chainID: chainID,
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity),
		maxWait: cfg.MaxWait,
	}
}

// TryAcquire takes a token without waiting.
func (l *Limiter) TryAcquire() bool {
	return l.limiter.Allow()
}

// Acquire blocks for up to MaxWait (or the context deadline, whichever is
// sooner) for a token. Exhausted waits fail with a RateLimit error carrying
// the suggested retry delay.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	err := l.limiter.Wait(waitCtx)
	if err == nil {
		return nil
	}
	// Wait returns at once when no token can arrive before the deadline;
	// the caller still waits out the bounded window before failing.
	<-waitCtx.Done()
	if ctx.Err() != nil {
		return apperrors.Cancelled("rate limit wait")
	}
	res := l.limiter.Reserve()
	wait := res.Delay()
	res.Cancel()
	return apperrors.RateLimited(l.chainID, wait)
}

// Execute acquires a token and runs fn.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Set manages one limiter per chain.
type Set struct {
	mu       sync.Mutex
	limiters map[uint64]*Limiter
	cfg      Config
}

// NewSet creates a limiter set with a shared per-chain configuration.
func NewSet(cfg Config) *Set {
	return &Set{
		limiters: make(map[uint64]*Limiter),
		cfg:      cfg,
	}
}

// For returns the limiter for a chain, creating it on first use.
func (s *Set) For(chainID uint64) *Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[chainID]
	if !ok {
		l = NewLimiter(chainID, s.cfg)
		s.limiters[chainID] = l
	}
	return l
}
