package defi

import (
	"context"
	"errors"
	"testing"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
)

type stubAdapter struct {
	name    string
	chains  map[uint64]bool
	lending []model.LendingPosition
	staked  []model.StakedPosition
	err     error
}

func (s *stubAdapter) Name() string                    { return s.name }
func (s *stubAdapter) SupportsChain(chainID uint64) bool { return s.chains[chainID] }

func (s *stubAdapter) GetLendingPositions(ctx context.Context, chainID uint64, address string) ([]model.LendingPosition, error) {
	return s.lending, s.err
}
func (s *stubAdapter) GetStakedPositions(ctx context.Context, chainID uint64, address string) ([]model.StakedPosition, error) {
	return s.staked, nil
}
func (s *stubAdapter) GetLiquidityPositions(ctx context.Context, chainID uint64, address string) ([]model.LiquidityPosition, error) {
	return nil, nil
}

func TestGetPositionsAggregatesSupportedProtocols(t *testing.T) {
	lend := &stubAdapter{
		name:    "aave-v3",
		chains:  map[uint64]bool{1: true},
		lending: []model.LendingPosition{{Protocol: "aave-v3", ChainID: 1}},
	}
	stake := &stubAdapter{
		name:   "curve",
		chains: map[uint64]bool{1: true},
		staked: []model.StakedPosition{{Protocol: "curve", ChainID: 1}},
	}
	polygonOnly := &stubAdapter{
		name:    "uniswap-v3",
		chains:  map[uint64]bool{137: true},
		lending: []model.LendingPosition{{Protocol: "uniswap-v3", ChainID: 137}},
	}

	s := New(logging.New("test", "error", "text"), lend, stake, polygonOnly)
	got, err := s.GetPositions(context.Background(), 1, "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Lending) != 1 || got.Lending[0].Protocol != "aave-v3" {
		t.Errorf("unexpected lending: %+v", got.Lending)
	}
	if len(got.Staked) != 1 || got.Staked[0].Protocol != "curve" {
		t.Errorf("unexpected staked: %+v", got.Staked)
	}
}

func TestProtocolFailureIsIsolated(t *testing.T) {
	bad := &stubAdapter{name: "aave-v3", chains: map[uint64]bool{1: true}, err: errors.New("rpc down")}
	good := &stubAdapter{
		name:   "curve",
		chains: map[uint64]bool{1: true},
		staked: []model.StakedPosition{{Protocol: "curve", ChainID: 1}},
	}

	s := New(logging.New("test", "error", "text"), bad, good)
	got, err := s.GetPositions(context.Background(), 1, "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Staked) != 1 {
		t.Error("healthy protocol should still report")
	}
	if _, ok := got.Errors["aave-v3"]; !ok {
		t.Error("failing protocol should land in Errors")
	}
}
