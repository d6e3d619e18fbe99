// Package balance exposes the user-facing balance API: single-chain reads
// pass through the chain adapter; multi-chain reads fan out in parallel and
// return partial results instead of failing the batch.
package balance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
)

// Provider is the adapter surface this service consumes.
type Provider interface {
	GetBalance(ctx context.Context, address string, forceFresh bool) (*model.Balance, error)
	GetTokenBalances(ctx context.Context, address string, tokens []chains.Token, forceFresh bool) ([]model.Balance, error)
}

// Option adjusts one call.
type Option func(*callOptions)

type callOptions struct {
	forceFresh bool
	tokens     []chains.Token
}

// ForceFresh bypasses the cache for this call, lookup and store.
func ForceFresh() Option {
	return func(o *callOptions) { o.forceFresh = true }
}

// WithTokens overrides the chain's default token list.
func WithTokens(tokens []chains.Token) Option {
	return func(o *callOptions) { o.tokens = tokens }
}

// MultiChainBalance is the partial-failure result of a fan-out read.
type MultiChainBalance struct {
	Balances  map[uint64]*model.Balance `json:"balances"`
	Errors    map[uint64]error          `json:"errors"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Service validates inputs and dispatches through the resilience stack to
// the per-chain adapters.
type Service struct {
	registry  *chains.Registry
	providers func(chainID uint64) (Provider, error)
	log       *logging.Logger
}

// New creates the balance service.
func New(registry *chains.Registry, providers func(chainID uint64) (Provider, error), log *logging.Logger) *Service {
	return &Service{
		registry:  registry,
		providers: providers,
		log:       log.Named("balance"),
	}
}

func (s *Service) provider(chainID uint64) (Provider, error) {
	if !s.registry.Supported(chainID) {
		return nil, apperrors.UnsupportedChain(chainID)
	}
	return s.providers(chainID)
}

// GetBalance returns the native balance of an address on one chain.
func (s *Service) GetBalance(ctx context.Context, chainID uint64, address string, opts ...Option) (*model.Balance, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, err := s.provider(chainID)
	if err != nil {
		return nil, err
	}
	return p.GetBalance(ctx, address, o.forceFresh)
}

// GetTokenBalances returns ERC-20 balances on one chain.
func (s *Service) GetTokenBalances(ctx context.Context, chainID uint64, address string, opts ...Option) ([]model.Balance, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	p, err := s.provider(chainID)
	if err != nil {
		return nil, err
	}
	return p.GetTokenBalances(ctx, address, o.tokens, o.forceFresh)
}

// GetMultiChainBalance fans out a native-balance read across chains. A
// failing chain lands in Errors; the batch itself never fails.
func (s *Service) GetMultiChainBalance(ctx context.Context, address string, chainIDs []uint64, opts ...Option) (*MultiChainBalance, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	result := &MultiChainBalance{
		Balances:  make(map[uint64]*model.Balance),
		Errors:    make(map[uint64]error),
		Timestamp: time.Now(),
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, chainID := range chainIDs {
		chainID := chainID
		g.Go(func() error {
			p, err := s.provider(chainID)
			if err != nil {
				mu.Lock()
				result.Errors[chainID] = err
				mu.Unlock()
				return nil
			}
			bal, err := p.GetBalance(ctx, address, o.forceFresh)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[chainID] = err
				s.log.WithChain(chainID).WithError(err).Debug("multichain balance leg failed")
				return nil
			}
			result.Balances[chainID] = bal
			return nil
		})
	}
	// Legs never return errors, so Wait only blocks until every leg is done.
	_ = g.Wait()
	return result, nil
}
