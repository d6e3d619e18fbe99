// Package resilience provides fault tolerance patterns: the per-chain
// circuit breaker and retry with exponential backoff.
package resilience

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold failures open the circuit once at least
	// VolumeThreshold calls have been seen since the last reset.
	FailureThreshold int
	VolumeThreshold  int
	// SuccessThreshold successes in half-open close the circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before permitting a probe.
	Timeout       time.Duration
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		VolumeThreshold:  10,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Snapshot is a point-in-time view of breaker state.
type Snapshot struct {
	State            State
	FailureCount     int
	SuccessCount     int
	VolumeSinceReset int
	OpenedAt         time.Time
}

// Breaker is a circuit breaker for a single chain. Failures on one chain
// never touch another chain's breaker.
type Breaker struct {
	chainID uint64
	cfg     BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	volume    int
	openedAt  time.Time
	probing   bool
}

// NewBreaker creates a breaker for a chain.
func NewBreaker(chainID uint64, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = def.VolumeThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Breaker{chainID: chainID, cfg: cfg, state: StateClosed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:            b.state,
		FailureCount:     b.failures,
		SuccessCount:     b.successes,
		VolumeSinceReset: b.volume,
		OpenedAt:         b.openedAt,
	}
}

// Execute runs fn with circuit breaker protection. Rejections carry the
// reset time so callers know when to retry.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.beforeCall()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.afterCall(probe, callErr)
	return callErr
}

// beforeCall admits or rejects the call. probe is true when this call is the
// single half-open probe.
func (b *Breaker) beforeCall() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		resetAt := b.openedAt.Add(b.cfg.Timeout)
		if time.Now().Before(resetAt) {
			return false, apperrors.CircuitOpen(b.chainID, resetAt)
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, apperrors.CircuitOpen(b.chainID, b.openedAt.Add(b.cfg.Timeout))
		}
		b.probing = true
		return true, nil
	default:
		b.volume++
		return false, nil
	}
}

func (b *Breaker) afterCall(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	switch b.state {
	case StateHalfOpen:
		if callErr != nil {
			b.openedAt = time.Now()
			b.setState(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
			b.reset()
		}
	case StateClosed:
		if callErr == nil {
			return
		}
		// Cancellation by the caller says nothing about endpoint health.
		if apperrors.KindOf(callErr) == apperrors.KindCancelled {
			return
		}
		b.failures++
		if b.volume >= b.cfg.VolumeThreshold && b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.setState(StateOpen)
		}
	}
}

// reset clears counters, caller holds the lock.
func (b *Breaker) reset() {
	b.failures = 0
	b.successes = 0
	b.volume = 0
	b.openedAt = time.Time{}
}

// setState transitions state, caller holds the lock.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next == StateHalfOpen {
		b.successes = 0
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(prev, next)
	}
}

// BreakerSet manages one breaker per chain.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[uint64]*Breaker
	cfg      BreakerConfig
}

// NewBreakerSet creates a per-chain breaker set with shared configuration.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[uint64]*Breaker),
		cfg:      cfg,
	}
}

// For returns the breaker for a chain, creating it on first use.
func (s *BreakerSet) For(chainID uint64) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[chainID]
	if !ok {
		b = NewBreaker(chainID, s.cfg)
		s.breakers[chainID] = b
	}
	return b
}

// ForWithCallback returns the chain's breaker, installing the state-change
// callback if the breaker is created by this call.
func (s *BreakerSet) ForWithCallback(chainID uint64, onChange func(from, to State)) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[chainID]
	if !ok {
		cfg := s.cfg
		cfg.OnStateChange = onChange
		b = NewBreaker(chainID, cfg)
		s.breakers[chainID] = b
	}
	return b
}
