// Package defi layers protocol adapters over the chain adapter's contract
// reads. Each protocol implements the same capability set; the service
// aggregates whichever protocols support the queried chain. Adapters are
// stateless translators: all state lives on chain.
package defi

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cygnus-wealth/evm-access/domain/model"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
)

// ContractReader is the chain-adapter surface protocol adapters consume.
type ContractReader interface {
	ReadContract(ctx context.Context, contract string, abiJSON string, method string, args ...any) ([]any, error)
}

// ReaderSource resolves the reader for a chain.
type ReaderSource func(chainID uint64) (ContractReader, error)

// ProtocolAdapter is the shared capability set of every protocol.
type ProtocolAdapter interface {
	Name() string
	SupportsChain(chainID uint64) bool
	GetLendingPositions(ctx context.Context, chainID uint64, address string) ([]model.LendingPosition, error)
	GetStakedPositions(ctx context.Context, chainID uint64, address string) ([]model.StakedPosition, error)
	GetLiquidityPositions(ctx context.Context, chainID uint64, address string) ([]model.LiquidityPosition, error)
}

// Positions aggregates every position kind for one address on one chain.
type Positions struct {
	Lending   []model.LendingPosition   `json:"lending"`
	Staked    []model.StakedPosition    `json:"staked"`
	Liquidity []model.LiquidityPosition `json:"liquidity"`
	Errors    map[string]error          `json:"errors,omitempty"`
}

// Service fans position queries out across protocol adapters.
type Service struct {
	adapters []ProtocolAdapter
	log      *logging.Logger
}

// New creates the DeFi service with the given protocol adapters.
func New(log *logging.Logger, adapters ...ProtocolAdapter) *Service {
	return &Service{adapters: adapters, log: log.Named("defi")}
}

// Protocols lists the registered adapter names.
func (s *Service) Protocols() []string {
	names := make([]string, len(s.adapters))
	for i, a := range s.adapters {
		names[i] = a.Name()
	}
	return names
}

// GetPositions queries every protocol supporting the chain. A protocol
// failure lands in Errors keyed by protocol name; others proceed.
func (s *Service) GetPositions(ctx context.Context, chainID uint64, address string) (*Positions, error) {
	result := &Positions{
		Lending:   []model.LendingPosition{},
		Staked:    []model.StakedPosition{},
		Liquidity: []model.LiquidityPosition{},
		Errors:    map[string]error{},
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.adapters {
		if !a.SupportsChain(chainID) {
			continue
		}
		a := a
		g.Go(func() error {
			lending, lendErr := a.GetLendingPositions(gctx, chainID, address)
			staked, stakeErr := a.GetStakedPositions(gctx, chainID, address)
			liquidity, liqErr := a.GetLiquidityPositions(gctx, chainID, address)

			mu.Lock()
			defer mu.Unlock()
			result.Lending = append(result.Lending, lending...)
			result.Staked = append(result.Staked, staked...)
			result.Liquidity = append(result.Liquidity, liquidity...)
			for _, err := range []error{lendErr, stakeErr, liqErr} {
				if err != nil && apperrors.KindOf(err) != apperrors.KindCancelled {
					result.Errors[a.Name()] = err
					s.log.WithChain(chainID).WithError(err).Debug("protocol adapter leg failed")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result, nil
}
