// Package transaction exposes the user-facing transaction listing API with
// pagination bounds and multi-chain partial-failure semantics.
package transaction

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/internal/adapter"
)

// Provider is the adapter surface this service consumes.
type Provider interface {
	GetTransactions(ctx context.Context, address string, q adapter.TxQuery) ([]model.Transaction, error)
}

// Query bounds a listing request.
type Query struct {
	Limit     int
	FromBlock uint64
	ToBlock   uint64
}

// Config bounds pagination.
type Config struct {
	DefaultPageSize int
	MaxTransactions int
}

// DefaultConfig returns standard pagination bounds.
func DefaultConfig() Config {
	return Config{DefaultPageSize: 25, MaxTransactions: 100}
}

// MultiChainTransactions is the partial-failure result of a fan-out listing.
type MultiChainTransactions struct {
	Transactions map[uint64][]model.Transaction `json:"transactions"`
	Errors       map[uint64]error               `json:"errors"`
	Timestamp    time.Time                      `json:"timestamp"`
}

// Service validates and dispatches transaction queries.
type Service struct {
	registry  *chains.Registry
	providers func(chainID uint64) (Provider, error)
	cfg       Config
	log       *logging.Logger
}

// New creates the transaction service.
func New(registry *chains.Registry, providers func(chainID uint64) (Provider, error), cfg Config, log *logging.Logger) *Service {
	def := DefaultConfig()
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = def.MaxTransactions
	}
	return &Service{
		registry:  registry,
		providers: providers,
		cfg:       cfg,
		log:       log.Named("transaction"),
	}
}

func (s *Service) normalize(q Query) (adapter.TxQuery, error) {
	if q.Limit < 0 {
		return adapter.TxQuery{}, apperrors.OutOfRange("limit", 0, s.cfg.MaxTransactions)
	}
	if q.Limit == 0 {
		q.Limit = s.cfg.DefaultPageSize
	}
	if q.Limit > s.cfg.MaxTransactions {
		q.Limit = s.cfg.MaxTransactions
	}
	if q.ToBlock != 0 && q.FromBlock > q.ToBlock {
		return adapter.TxQuery{}, apperrors.OutOfRange("from_block", 0, q.ToBlock)
	}
	return adapter.TxQuery{Limit: q.Limit, FromBlock: q.FromBlock, ToBlock: q.ToBlock}, nil
}

// GetTransactions lists recent transactions for an address on one chain.
func (s *Service) GetTransactions(ctx context.Context, chainID uint64, address string, q Query) ([]model.Transaction, error) {
	if !s.registry.Supported(chainID) {
		return nil, apperrors.UnsupportedChain(chainID)
	}
	aq, err := s.normalize(q)
	if err != nil {
		return nil, err
	}
	p, err := s.providers(chainID)
	if err != nil {
		return nil, err
	}
	return p.GetTransactions(ctx, address, aq)
}

// GetMultiChainTransactions fans a listing out across chains with
// partial-failure collection.
func (s *Service) GetMultiChainTransactions(ctx context.Context, address string, chainIDs []uint64, q Query) (*MultiChainTransactions, error) {
	aq, err := s.normalize(q)
	if err != nil {
		return nil, err
	}

	result := &MultiChainTransactions{
		Transactions: make(map[uint64][]model.Transaction),
		Errors:       make(map[uint64]error),
		Timestamp:    time.Now(),
	}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, chainID := range chainIDs {
		chainID := chainID
		g.Go(func() error {
			if !s.registry.Supported(chainID) {
				mu.Lock()
				result.Errors[chainID] = apperrors.UnsupportedChain(chainID)
				mu.Unlock()
				return nil
			}
			p, err := s.providers(chainID)
			if err != nil {
				mu.Lock()
				result.Errors[chainID] = err
				mu.Unlock()
				return nil
			}
			txs, err := p.GetTransactions(ctx, address, aq)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[chainID] = err
				return nil
			}
			result.Transactions[chainID] = txs
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}
