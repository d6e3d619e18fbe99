// Package pipeline composes the resilience stack around every outbound
// call. The stage order is fixed: validate → rate-limit → coalesce → cache →
// circuit-breaker → retry → timeout → transport. Each stage may
// short-circuit; higher layers never call a transport directly.
package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/cygnus-wealth/evm-access/infrastructure/cache"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	"github.com/cygnus-wealth/evm-access/infrastructure/coalesce"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/events"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/infrastructure/metrics"
	"github.com/cygnus-wealth/evm-access/infrastructure/ratelimit"
	"github.com/cygnus-wealth/evm-access/infrastructure/resilience"
	"github.com/cygnus-wealth/evm-access/infrastructure/tracing"
)

// Options configure the stack shared across chains.
type Options struct {
	EnableCache          bool
	EnableRetry          bool
	EnableCircuitBreaker bool

	CacheCapacity    int
	DefaultCacheTTL  time.Duration
	CacheEnvironment string

	RateLimit ratelimit.Config
	Breaker   resilience.BreakerConfig
	Retry     resilience.RetryConfig
	Timeout   time.Duration
}

// DefaultOptions enables the full stack.
func DefaultOptions() Options {
	return Options{
		EnableCache:          true,
		EnableRetry:          true,
		EnableCircuitBreaker: true,
		CacheCapacity:        1000,
		DefaultCacheTTL:      30 * time.Second,
		CacheEnvironment:     "production",
		RateLimit:            ratelimit.DefaultConfig(),
		Breaker:              resilience.DefaultBreakerConfig(),
		Retry:                resilience.DefaultRetryConfig(),
		Timeout:              15 * time.Second,
	}
}

// Stack owns the shared resilience state and hands out per-chain pipelines.
type Stack struct {
	opts     Options
	cache    *cache.Cache
	coalesce *coalesce.Group
	limiters *ratelimit.Set
	breakers *resilience.BreakerSet
	metrics  *metrics.Metrics
	bus      *events.Bus
	log      *logging.Logger
	spans    *tracing.Manager
}

// NewStack builds the shared stack. spans may be nil.
func NewStack(opts Options, m *metrics.Metrics, bus *events.Bus, log *logging.Logger, spans *tracing.Manager) *Stack {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.DefaultCacheTTL <= 0 {
		opts.DefaultCacheTTL = DefaultOptions().DefaultCacheTTL
	}
	return &Stack{
		opts: opts,
		cache: cache.New(cache.Config{
			Capacity:    opts.CacheCapacity,
			DefaultTTL:  opts.DefaultCacheTTL,
			Environment: opts.CacheEnvironment,
		}),
		coalesce: &coalesce.Group{},
		limiters: ratelimit.NewSet(opts.RateLimit),
		breakers: resilience.NewBreakerSet(opts.Breaker),
		metrics:  m,
		bus:      bus,
		log:      log.Named("pipeline"),
		spans:    spans,
	}
}

// Cache exposes the shared cache for stats and invalidation.
func (s *Stack) Cache() *cache.Cache { return s.cache }

// BreakerState reports a chain's circuit state.
func (s *Stack) BreakerState(chainID uint64) resilience.State {
	return s.breakers.For(chainID).State()
}

// For returns the pipeline for one chain.
func (s *Stack) For(chainID uint64) *Pipeline {
	label := strconv.FormatUint(chainID, 10)
	breaker := s.breakers.ForWithCallback(chainID, func(from, to resilience.State) {
		if s.metrics != nil {
			s.metrics.CircuitBreakerState.WithLabelValues(label).Set(float64(to))
			if to == resilience.StateOpen {
				s.metrics.CircuitBreakerTrips.WithLabelValues(label).Inc()
			}
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:    events.CircuitStateChanged,
				ChainID: chainID,
				Data:    map[string]any{"from": from.String(), "to": to.String()},
			})
		}
		s.log.WithChain(chainID).WithFields(map[string]any{
			"from": from.String(),
			"to":   to.String(),
		}).Warn("circuit breaker state changed")
	})
	return &Pipeline{
		stack:   s,
		chainID: chainID,
		label:   label,
		limiter: s.limiters.For(chainID),
		breaker: breaker,
	}
}

// Pipeline is the per-chain resilience wrapper.
type Pipeline struct {
	stack   *Stack
	chainID uint64
	label   string
	limiter *ratelimit.Limiter
	breaker *resilience.Breaker
}

// Call describes one wrapped operation.
type Call struct {
	// Operation names the adapter method, e.g. "get_balance".
	Operation string
	// ArgsKey is the canonical encoding of all semantically-significant
	// arguments, excluding chain and operation.
	ArgsKey string
	// CacheTTL > 0 opts the call into the cache.
	CacheTTL time.Duration
	// ForceFresh bypasses cache lookup AND store, and opts out of
	// coalescing with cached-path callers.
	ForceFresh bool
	// Timeout overrides the stack default; health probes use a short one.
	Timeout time.Duration
	// NoRetry disables semantic retry for this call.
	NoRetry bool
}

// ValidateAddress rejects malformed addresses before anything else runs.
func ValidateAddress(address string) error {
	if !chains.ValidAddress(address) {
		return apperrors.InvalidInput("address", "0x-prefixed 20-byte hex address", address)
	}
	return nil
}

// Execute runs fn behind the full stack.
func (p *Pipeline) Execute(ctx context.Context, call Call, fn func(ctx context.Context) (any, error)) (v any, err error) {
	if p.stack.spans != nil {
		corr := tracing.ChildFromContext(ctx, call.Operation, map[string]any{"chain_id": p.chainID})
		ctx = tracing.WithCorrelation(ctx, corr)
		span := p.stack.spans.Start(corr)
		defer func() { p.stack.spans.End(span.SpanID, err) }()
	}

	// Rate limit.
	if err := p.limiter.Acquire(ctx); err != nil {
		if p.stack.metrics != nil && apperrors.KindOf(err) == apperrors.KindRateLimit {
			p.stack.metrics.RateLimitedTotal.WithLabelValues(p.label).Inc()
		}
		return nil, err
	}

	key := cache.Key(p.label, call.Operation, call.ArgsKey)

	if call.ForceFresh {
		// Fresh reads share nothing: no coalescing, no cache lookup, no
		// store. They still count as misses.
		if p.cacheable(call) {
			p.stack.cache.RecordMiss()
			p.countCache(call.Operation, false)
		}
		return p.protected(ctx, call, fn)
	}

	value, err, shared := p.stack.coalesce.Do(ctx, key, func(ctx context.Context) (any, error) {
		if p.cacheable(call) {
			if v, ok := p.stack.cache.Get(key); ok {
				p.countCache(call.Operation, true)
				return v, nil
			}
			p.countCache(call.Operation, false)
		}
		v, err := p.protected(ctx, call, fn)
		if err != nil {
			return nil, err
		}
		if p.cacheable(call) {
			p.stack.cache.SetTTL(key, v, call.CacheTTL)
		}
		return v, nil
	})
	if shared && p.stack.metrics != nil {
		p.stack.metrics.CoalescedTotal.WithLabelValues(p.label, call.Operation).Inc()
	}
	return value, err
}

func (p *Pipeline) cacheable(call Call) bool {
	return p.stack.opts.EnableCache && call.CacheTTL > 0
}

func (p *Pipeline) countCache(operation string, hit bool) {
	if p.stack.metrics == nil {
		return
	}
	if hit {
		p.stack.metrics.CacheHitsTotal.WithLabelValues(p.label, operation).Inc()
	} else {
		p.stack.metrics.CacheMissesTotal.WithLabelValues(p.label, operation).Inc()
	}
}

// protected applies breaker → retry → timeout around fn.
func (p *Pipeline) protected(ctx context.Context, call Call, fn func(ctx context.Context) (any, error)) (any, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = p.stack.opts.Timeout
	}

	var result any
	attempt := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		v, err := fn(callCtx)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && apperrors.KindOf(err) != apperrors.KindConnection {
				return apperrors.Timeout(call.Operation, timeout)
			}
			return err
		}
		result = v
		return nil
	}

	withRetry := attempt
	if p.stack.opts.EnableRetry && !call.NoRetry {
		withRetry = func(ctx context.Context) error {
			attempts := 0
			return resilience.Retry(ctx, p.stack.opts.Retry, func(ctx context.Context) error {
				attempts++
				if attempts > 1 && p.stack.metrics != nil {
					p.stack.metrics.RetryAttemptsTotal.WithLabelValues(p.label, call.Operation).Inc()
				}
				return attempt(ctx)
			})
		}
	}

	var err error
	if p.stack.opts.EnableCircuitBreaker {
		err = p.breaker.Execute(ctx, withRetry)
	} else {
		err = withRetry(ctx)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
