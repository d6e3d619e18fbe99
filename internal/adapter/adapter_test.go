package adapter

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/infrastructure/metrics"
	"github.com/cygnus-wealth/evm-access/infrastructure/ratelimit"
	"github.com/cygnus-wealth/evm-access/infrastructure/resilience"
	"github.com/cygnus-wealth/evm-access/internal/pipeline"
	"github.com/cygnus-wealth/evm-access/internal/transport"
)

const testAddr = "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD28"

// fakeTransport scripts RPC responses for adapter tests.
type fakeTransport struct {
	balance    *big.Int
	balanceErr error
	blockNum   uint64
	logs       []types.Log
	blocks     map[uint64]*types.Block
	callResult []byte

	balanceCalls atomic.Int64
	batchCalls   atomic.Int64
}

func (f *fakeTransport) Kind() transport.Kind { return transport.KindHTTP }
func (f *fakeTransport) URL() string          { return "http://fake" }
func (f *fakeTransport) ChainID() uint64      { return 1 }
func (f *fakeTransport) Close()               {}

func (f *fakeTransport) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return nil
}

func (f *fakeTransport) BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error {
	f.batchCalls.Add(1)
	for i := range batch {
		switch batch[i].Method {
		case "eth_getBalance":
			*(batch[i].Result.(*hexutil.Big)) = hexutil.Big(*f.balance)
		case "eth_call":
			encoded, _ := erc20ABI.Methods["balanceOf"].Outputs.Pack(f.balance)
			*(batch[i].Result.(*hexutil.Bytes)) = encoded
		}
	}
	return nil
}

func (f *fakeTransport) BlockNumber(ctx context.Context) (uint64, error) {
	return f.blockNum, nil
}

func (f *fakeTransport) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.balanceCalls.Add(1)
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeTransport) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: number, Time: 1700000000}, nil
}

func (f *fakeTransport) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if b, ok := f.blocks[number.Uint64()]; ok {
		return b, nil
	}
	header := &types.Header{Number: number, Time: 1700000000, GasLimit: 30_000_000}
	return types.NewBlockWithHeader(header), nil
}

func (f *fakeTransport) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callResult, nil
}

func (f *fakeTransport) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range f.logs {
		if len(q.Topics) >= 2 && q.Topics[1] != nil {
			if len(lg.Topics) < 2 || lg.Topics[1] != q.Topics[1][0] {
				continue
			}
		}
		if len(q.Topics) >= 3 && q.Topics[2] != nil {
			if len(lg.Topics) < 3 || lg.Topics[2] != q.Topics[2][0] {
				continue
			}
		}
		out = append(out, lg)
	}
	return out, nil
}

type fakeSource struct{ tr transport.Transport }

func (s *fakeSource) Connect(ctx context.Context, chainID uint64) (transport.Transport, error) {
	return s.tr, nil
}

func newTestAdapter(t *testing.T, tr transport.Transport, mutate func(*Config)) *Adapter {
	t.Helper()
	opts := pipeline.DefaultOptions()
	opts.CacheEnvironment = "test"
	opts.RateLimit = ratelimit.Config{Capacity: 10000, RefillPerSecond: 10000, MaxWait: time.Second}
	opts.Retry = resilience.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	stack := pipeline.NewStack(opts, metrics.New(), nil, logging.New("test", "error", "text"), nil)

	cfg := DefaultConfig()
	cfg.EnableBatching = false
	if mutate != nil {
		mutate(&cfg)
	}
	chain := chains.Ethereum()
	a := New(&chain, &fakeSource{tr: tr}, stack.For(1), cfg, logging.New("test", "error", "text"))
	t.Cleanup(a.Close)
	return a
}

func TestGetBalanceReturnsDecimalString(t *testing.T) {
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	tr := &fakeTransport{balance: oneEth}
	a := newTestAdapter(t, tr, nil)

	bal, err := a.GetBalance(context.Background(), testAddr, false)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Amount != "1000000000000000000" {
		t.Errorf("amount should be the raw decimal string, got %q", bal.Amount)
	}
	if bal.Asset.Symbol != "ETH" || bal.Asset.Chain != model.ChainEthereum {
		t.Errorf("unexpected asset: %+v", bal.Asset)
	}
	// Round-trip preserves the value exactly.
	parsed, ok := bal.AmountBig()
	if !ok || parsed.Cmp(oneEth) != 0 {
		t.Error("amount must round-trip exactly")
	}
}

func TestGetBalanceLargeAmountRoundTrips(t *testing.T) {
	// Close to 2^256 - 1.
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	tr := &fakeTransport{balance: max}
	a := newTestAdapter(t, tr, nil)

	bal, err := a.GetBalance(context.Background(), testAddr, false)
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok := bal.AmountBig()
	if !ok || parsed.Cmp(max) != 0 {
		t.Errorf("256-bit amount must survive the string round-trip")
	}
}

func TestGetBalanceValidatesAddress(t *testing.T) {
	a := newTestAdapter(t, &fakeTransport{balance: big.NewInt(1)}, nil)
	_, err := a.GetBalance(context.Background(), "bogus", false)
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestGetBalanceCachesAndForceFresh(t *testing.T) {
	tr := &fakeTransport{balance: big.NewInt(42)}
	a := newTestAdapter(t, tr, nil)

	for i := 0; i < 2; i++ {
		if _, err := a.GetBalance(context.Background(), testAddr, false); err != nil {
			t.Fatal(err)
		}
	}
	if tr.balanceCalls.Load() != 1 {
		t.Fatalf("warm fetch should hit cache, transport calls=%d", tr.balanceCalls.Load())
	}
	if _, err := a.GetBalance(context.Background(), testAddr, true); err != nil {
		t.Fatal(err)
	}
	if tr.balanceCalls.Load() != 2 {
		t.Fatalf("force_fresh must call the transport, calls=%d", tr.balanceCalls.Load())
	}
}

func TestBatchingCoalescesPointReads(t *testing.T) {
	tr := &fakeTransport{balance: big.NewInt(7)}
	a := newTestAdapter(t, tr, func(c *Config) {
		c.EnableBatching = true
		c.BatchWindow = 20 * time.Millisecond
		c.MaxBatchSize = 50
	})

	done := make(chan error, 2)
	other := "0x1111111111111111111111111111111111111111"
	go func() {
		_, err := a.GetBalance(context.Background(), testAddr, false)
		done <- err
	}()
	go func() {
		_, err := a.GetBalance(context.Background(), other, false)
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}
	if tr.batchCalls.Load() != 1 {
		t.Errorf("two point reads in one window should flush as one batch, got %d", tr.batchCalls.Load())
	}
}

func TestGetTokenBalances(t *testing.T) {
	tr := &fakeTransport{balance: big.NewInt(5_000_000)}
	a := newTestAdapter(t, tr, nil)

	balances, err := a.GetTokenBalances(context.Background(), testAddr, nil, false)
	if err != nil {
		t.Fatalf("token balances: %v", err)
	}
	if len(balances) != len(chains.Ethereum().Tokens) {
		t.Fatalf("expected one balance per default token, got %d", len(balances))
	}
	for _, b := range balances {
		if b.Amount != "5000000" {
			t.Errorf("unexpected amount %q", b.Amount)
		}
		if b.Asset.Address == "" {
			t.Error("token asset should carry its address")
		}
	}
}

func TestGetTransactionsMergesLogsAndNative(t *testing.T) {
	addr := common.HexToAddress(testAddr)
	counterparty := common.HexToAddress("0x9999999999999999999999999999999999999999")
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

	// Incoming USDC transfer at block 90.
	amount := big.NewInt(1_000_000)
	data, _ := erc20ABI.Events["Transfer"].Inputs.NonIndexed().Pack(amount)
	inLog := types.Log{
		Address:     usdc,
		Topics:      []common.Hash{TransferTopic, addressTopic(counterparty), addressTopic(addr)},
		Data:        data,
		BlockNumber: 90,
		TxHash:      common.HexToHash("0xaaa1"),
		Index:       3,
	}

	// Outgoing native transfer at block 99.
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	inner := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &addr,
		Value:    big.NewInt(123456789),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	signed, err := types.SignTx(inner, types.LatestSignerForChainID(big.NewInt(1)), key)
	if err != nil {
		t.Fatal(err)
	}
	header := &types.Header{Number: big.NewInt(99), Time: 1700000099, GasLimit: 30_000_000}
	block := types.NewBlockWithHeader(header).WithBody(types.Transactions{signed}, nil)

	tr := &fakeTransport{
		balance:  big.NewInt(0),
		blockNum: 100,
		logs:     []types.Log{inLog},
		blocks:   map[uint64]*types.Block{99: block},
	}
	a := newTestAdapter(t, tr, func(c *Config) {
		c.NativeScanDepth = 2
	})

	txs, err := a.GetTransactions(context.Background(), testAddr, TxQuery{Limit: 10})
	if err != nil {
		t.Fatalf("get transactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d: %+v", len(txs), txs)
	}

	// Sorted newest block first.
	if txs[0].BlockNumber != 99 || txs[1].BlockNumber != 90 {
		t.Errorf("expected block order 99,90: got %d,%d", txs[0].BlockNumber, txs[1].BlockNumber)
	}

	native := txs[0]
	if native.Type != model.TxTransferIn {
		t.Errorf("native transfer to the address should be TRANSFER_IN, got %s", native.Type)
	}
	if native.From != strings0x(sender) {
		t.Errorf("sender mismatch: %s vs %s", native.From, strings0x(sender))
	}
	if len(native.AssetsIn) != 1 || native.AssetsIn[0].Amount != "123456789" {
		t.Errorf("native leg wrong: %+v", native.AssetsIn)
	}

	tokenTx := txs[1]
	if tokenTx.Type != model.TxTransferIn || len(tokenTx.AssetsIn) != 1 {
		t.Fatalf("token transfer should be TRANSFER_IN: %+v", tokenTx)
	}
	if tokenTx.AssetsIn[0].Asset.Symbol != "USDC" || tokenTx.AssetsIn[0].Amount != "1000000" {
		t.Errorf("token leg wrong: %+v", tokenTx.AssetsIn[0])
	}
}

func strings0x(addr common.Address) string {
	return chains.NormalizeAddress(addr.Hex())
}

func TestGetTransactionsRejectsBadRange(t *testing.T) {
	a := newTestAdapter(t, &fakeTransport{balance: big.NewInt(0), blockNum: 100}, nil)
	_, err := a.GetTransactions(context.Background(), testAddr, TxQuery{FromBlock: 50, ToBlock: 10})
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected VALIDATION, got %v", err)
	}
}

func TestReadContractDecodesOutput(t *testing.T) {
	encoded, _ := erc20ABI.Methods["symbol"].Outputs.Pack("USDC")
	tr := &fakeTransport{balance: big.NewInt(0), callResult: encoded}
	a := newTestAdapter(t, tr, nil)

	out, err := a.ReadContract(context.Background(), "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", erc20ABIJSON, "symbol")
	if err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if len(out) != 1 || out[0].(string) != "USDC" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestBalancesAtPreservesOrder(t *testing.T) {
	tr := &fakeTransport{balance: big.NewInt(11)}
	a := newTestAdapter(t, tr, nil)

	addrs := []common.Address{
		common.HexToAddress(testAddr),
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
	out, err := a.BalancesAt(context.Background(), addrs, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	for i, b := range out {
		if b.Int64() != 11 {
			t.Errorf("balance %d = %v", i, b)
		}
	}
}

func TestHealthyProbe(t *testing.T) {
	a := newTestAdapter(t, &fakeTransport{balance: big.NewInt(0), blockNum: 5}, nil)
	if !a.Healthy(context.Background()) {
		t.Error("healthy transport should probe true")
	}
}
