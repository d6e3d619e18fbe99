package balance

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
)

const addr = "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28"

type fakeProvider struct {
	balance *model.Balance
	err     error
	calls   atomic.Int64
	fresh   atomic.Int64
}

func (f *fakeProvider) GetBalance(ctx context.Context, address string, forceFresh bool) (*model.Balance, error) {
	f.calls.Add(1)
	if forceFresh {
		f.fresh.Add(1)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func (f *fakeProvider) GetTokenBalances(ctx context.Context, address string, tokens []chains.Token, forceFresh bool) ([]model.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.Balance{*f.balance}, nil
}

func ethBalance() *model.Balance {
	return &model.Balance{
		AssetID: "1:native",
		Asset:   model.Asset{Symbol: "ETH", Decimals: 18, Chain: model.ChainEthereum},
		Amount:  "1000000000000000000",
	}
}

func newService(t *testing.T, providers map[uint64]Provider) *Service {
	t.Helper()
	reg, err := chains.NewRegistry(chains.Ethereum(), chains.Polygon())
	if err != nil {
		t.Fatal(err)
	}
	return New(reg, func(chainID uint64) (Provider, error) {
		p, ok := providers[chainID]
		if !ok {
			return nil, apperrors.UnsupportedChain(chainID)
		}
		return p, nil
	}, logging.New("test", "error", "text"))
}

func TestGetBalancePassthrough(t *testing.T) {
	p := &fakeProvider{balance: ethBalance()}
	s := newService(t, map[uint64]Provider{1: p})

	bal, err := s.GetBalance(context.Background(), 1, addr)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Amount != "1000000000000000000" || bal.Asset.Symbol != "ETH" {
		t.Errorf("unexpected balance: %+v", bal)
	}
	if p.fresh.Load() != 0 {
		t.Error("force-fresh should default off")
	}

	if _, err := s.GetBalance(context.Background(), 1, addr, ForceFresh()); err != nil {
		t.Fatal(err)
	}
	if p.fresh.Load() != 1 {
		t.Error("ForceFresh option should reach the provider")
	}
}

func TestGetBalanceUnknownChain(t *testing.T) {
	s := newService(t, map[uint64]Provider{})
	_, err := s.GetBalance(context.Background(), 999999, addr)
	if apperrors.KindOf(err) != apperrors.KindChainUnsupported {
		t.Fatalf("expected CHAIN_UNSUPPORTED, got %v", err)
	}
}

func TestMultiChainPartialFailure(t *testing.T) {
	good := &fakeProvider{balance: ethBalance()}
	bad := &fakeProvider{err: apperrors.ConnectionFailed("https://polygon-rpc.com", context.DeadlineExceeded)}
	s := newService(t, map[uint64]Provider{1: good, 137: bad})

	res, err := s.GetMultiChainBalance(context.Background(), addr, []uint64{1, 137})
	if err != nil {
		t.Fatalf("batch must not fail: %v", err)
	}

	if len(res.Balances) != 1 || res.Balances[1] == nil {
		t.Fatalf("expected exactly chain 1 in balances: %+v", res.Balances)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly chain 137 in errors: %+v", res.Errors)
	}
	if apperrors.KindOf(res.Errors[137]) != apperrors.KindConnection {
		t.Errorf("unexpected error kind: %v", res.Errors[137])
	}
}

func TestMultiChainRunsAllLegs(t *testing.T) {
	p1 := &fakeProvider{balance: ethBalance()}
	p137 := &fakeProvider{balance: ethBalance()}
	s := newService(t, map[uint64]Provider{1: p1, 137: p137})

	res, _ := s.GetMultiChainBalance(context.Background(), addr, []uint64{1, 137})
	if len(res.Balances) != 2 || len(res.Errors) != 0 {
		t.Fatalf("both chains should succeed: %+v", res)
	}
	if p1.calls.Load() != 1 || p137.calls.Load() != 1 {
		t.Error("each chain should be called exactly once")
	}
}
