// Package adapter implements the uniform per-chain capability surface:
// native and token balances, recent transactions, contract reads, and the
// block-level primitives the subscription engine drives. Every method flows
// through the chain's resilience pipeline before touching the transport.
package adapter

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/cygnus-wealth/evm-access/domain/model"
	"github.com/cygnus-wealth/evm-access/infrastructure/batch"
	"github.com/cygnus-wealth/evm-access/infrastructure/chains"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
	"github.com/cygnus-wealth/evm-access/infrastructure/logging"
	"github.com/cygnus-wealth/evm-access/internal/pipeline"
	"github.com/cygnus-wealth/evm-access/internal/transport"
)

// TransportSource hands out the live transport for a chain.
type TransportSource interface {
	Connect(ctx context.Context, chainID uint64) (transport.Transport, error)
}

// Config tunes one adapter.
type Config struct {
	BalanceTTL     time.Duration
	TransactionTTL time.Duration
	MetadataTTL    time.Duration

	EnableBatching bool
	BatchWindow    time.Duration
	MaxBatchSize   int

	DefaultPageSize int
	MaxTransactions int
	// NativeScanDepth bounds how many recent blocks are walked for native
	// transfers; log scans cover LogScanDepth blocks.
	NativeScanDepth uint64
	LogScanDepth    uint64

	HealthTimeout time.Duration
}

// DefaultConfig returns standard adapter settings.
func DefaultConfig() Config {
	return Config{
		BalanceTTL:      30 * time.Second,
		TransactionTTL:  60 * time.Second,
		MetadataTTL:     time.Hour,
		EnableBatching:  true,
		BatchWindow:     50 * time.Millisecond,
		MaxBatchSize:    25,
		DefaultPageSize: 25,
		MaxTransactions: 100,
		NativeScanDepth: 10,
		LogScanDepth:    2000,
		HealthTimeout:   3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = def.BalanceTTL
	}
	if c.TransactionTTL <= 0 {
		c.TransactionTTL = def.TransactionTTL
	}
	if c.MetadataTTL <= 0 {
		c.MetadataTTL = def.MetadataTTL
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = def.BatchWindow
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = def.DefaultPageSize
	}
	if c.MaxTransactions <= 0 {
		c.MaxTransactions = def.MaxTransactions
	}
	if c.NativeScanDepth == 0 {
		c.NativeScanDepth = def.NativeScanDepth
	}
	if c.LogScanDepth == 0 {
		c.LogScanDepth = def.LogScanDepth
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = def.HealthTimeout
	}
	return c
}

// TxQuery bounds a transaction listing.
type TxQuery struct {
	Limit     int
	FromBlock uint64
	ToBlock   uint64
}

// Adapter is the capability set for one chain.
type Adapter struct {
	chain *chains.Chain
	conns TransportSource
	pipe  *pipeline.Pipeline
	cfg   Config
	log   *logging.Logger

	balanceBatch *batch.Batcher[common.Address, *big.Int]
}

// New creates an adapter for a chain.
func New(chain *chains.Chain, conns TransportSource, pipe *pipeline.Pipeline, cfg Config, log *logging.Logger) *Adapter {
	a := &Adapter{
		chain: chain,
		conns: conns,
		pipe:  pipe,
		cfg:   cfg.withDefaults(),
		log:   log.Named("adapter"),
	}
	if a.cfg.EnableBatching {
		a.balanceBatch = batch.New(batch.Config{Window: a.cfg.BatchWindow, MaxSize: a.cfg.MaxBatchSize}, a.fetchBalanceBatch)
	}
	return a
}

// ChainInfo returns the static chain configuration.
func (a *Adapter) ChainInfo() *chains.Chain { return a.chain }

// ChainID returns the chain ID.
func (a *Adapter) ChainID() uint64 { return a.chain.ID }

// Close stops the balance batcher.
func (a *Adapter) Close() {
	if a.balanceBatch != nil {
		a.balanceBatch.Close()
	}
}

func (a *Adapter) transport(ctx context.Context) (transport.Transport, error) {
	return a.conns.Connect(ctx, a.chain.ID)
}

// NativeAsset describes the chain's native coin.
func (a *Adapter) NativeAsset() model.Asset {
	return model.Asset{
		ID:       fmt.Sprintf("%d:native", a.chain.ID),
		Symbol:   a.chain.NativeSymbol,
		Name:     a.chain.Name,
		Decimals: a.chain.NativeDecimals,
		Chain:    model.ChainRefFromID(a.chain.ID),
	}
}

// TokenAsset describes a configured token.
func (a *Adapter) TokenAsset(tok chains.Token) model.Asset {
	return model.Asset{
		ID:       fmt.Sprintf("%d:%s", a.chain.ID, chains.NormalizeAddress(tok.Address)),
		Symbol:   tok.Symbol,
		Name:     tok.Name,
		Decimals: tok.Decimals,
		Chain:    model.ChainRefFromID(a.chain.ID),
		Address:  chains.NormalizeAddress(tok.Address),
	}
}

// nativeBalance shapes an amount into the domain Balance.
func (a *Adapter) nativeBalance(amount *big.Int) *model.Balance {
	asset := a.NativeAsset()
	return &model.Balance{
		AssetID: asset.ID,
		Asset:   asset,
		Amount:  amount.String(),
	}
}

// GetBalance returns the native balance at the latest block.
func (a *Adapter) GetBalance(ctx context.Context, address string, forceFresh bool) (*model.Balance, error) {
	if err := pipeline.ValidateAddress(address); err != nil {
		return nil, err
	}
	addr := common.HexToAddress(address)

	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation:  "get_balance",
		ArgsKey:    chains.NormalizeAddress(address),
		CacheTTL:   a.cfg.BalanceTTL,
		ForceFresh: forceFresh,
	}, func(ctx context.Context) (any, error) {
		if a.balanceBatch != nil {
			return a.balanceBatch.Do(ctx, addr)
		}
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		return tr.BalanceAt(ctx, addr, nil)
	})
	if err != nil {
		return nil, err
	}
	amount, ok := v.(*big.Int)
	if !ok || amount == nil {
		return nil, apperrors.InvalidData("balance response is not an integer", nil)
	}
	return a.nativeBalance(amount), nil
}

// fetchBalanceBatch resolves a flushed window of balance reads with a single
// JSON-RPC batch. Results match the request order.
func (a *Adapter) fetchBalanceBatch(ctx context.Context, addrs []common.Address) ([]*big.Int, error) {
	tr, err := a.transport(ctx)
	if err != nil {
		return nil, err
	}
	elems := make([]rpc.BatchElem, len(addrs))
	results := make([]*hexutil.Big, len(addrs))
	for i, addr := range addrs {
		results[i] = new(hexutil.Big)
		elems[i] = rpc.BatchElem{
			Method: "eth_getBalance",
			Args:   []any{addr, "latest"},
			Result: results[i],
		}
	}
	if err := tr.BatchCallContext(ctx, elems); err != nil {
		return nil, err
	}
	out := make([]*big.Int, len(addrs))
	for i := range elems {
		if elems[i].Error != nil {
			return nil, apperrors.InvalidData("batched balance failed", elems[i].Error)
		}
		out[i] = (*big.Int)(results[i])
	}
	return out, nil
}

// GetTokenBalances returns ERC-20 balances. A nil token list uses the
// chain's configured defaults.
func (a *Adapter) GetTokenBalances(ctx context.Context, address string, tokens []chains.Token, forceFresh bool) ([]model.Balance, error) {
	if err := pipeline.ValidateAddress(address); err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = a.chain.Tokens
	}
	if len(tokens) == 0 {
		return []model.Balance{}, nil
	}
	for _, tok := range tokens {
		if !chains.ValidAddress(tok.Address) {
			return nil, apperrors.InvalidInput("token_address", "0x-prefixed 20-byte hex address", tok.Address)
		}
	}

	owner := common.HexToAddress(address)
	keyParts := make([]string, 0, len(tokens)+1)
	keyParts = append(keyParts, chains.NormalizeAddress(address))
	for _, tok := range tokens {
		keyParts = append(keyParts, chains.NormalizeAddress(tok.Address))
	}

	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation:  "get_token_balances",
		ArgsKey:    strings.Join(keyParts, ","),
		CacheTTL:   a.cfg.BalanceTTL,
		ForceFresh: forceFresh,
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		callData := packBalanceOf(owner)
		elems := make([]rpc.BatchElem, len(tokens))
		results := make([]hexutil.Bytes, len(tokens))
		for i, tok := range tokens {
			to := common.HexToAddress(tok.Address)
			elems[i] = rpc.BatchElem{
				Method: "eth_call",
				Args: []any{map[string]any{
					"to":   to.Hex(),
					"data": hexutil.Encode(callData),
				}, "latest"},
				Result: &results[i],
			}
		}
		if err := tr.BatchCallContext(ctx, elems); err != nil {
			return nil, err
		}
		balances := make([]model.Balance, len(tokens))
		for i, tok := range tokens {
			if elems[i].Error != nil {
				return nil, apperrors.InvalidData("token balance call failed", elems[i].Error).
					WithDetail("token", tok.Address)
			}
			amount, err := unpackBalanceOf(results[i])
			if err != nil {
				return nil, apperrors.InvalidData("malformed balanceOf response", err).
					WithDetail("token", tok.Address)
			}
			asset := a.TokenAsset(tok)
			balances[i] = model.Balance{AssetID: asset.ID, Asset: asset, Amount: amount.String()}
		}
		return balances, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Balance), nil
}

// GetTransactions lists recent transactions touching the address: native
// transfers from a bounded block walk plus ERC-20 Transfer logs.
func (a *Adapter) GetTransactions(ctx context.Context, address string, q TxQuery) ([]model.Transaction, error) {
	if err := pipeline.ValidateAddress(address); err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, apperrors.OutOfRange("limit", 0, a.cfg.MaxTransactions)
	}
	if q.Limit == 0 {
		q.Limit = a.cfg.DefaultPageSize
	}
	if q.Limit > a.cfg.MaxTransactions {
		q.Limit = a.cfg.MaxTransactions
	}
	if q.ToBlock != 0 && q.FromBlock > q.ToBlock {
		return nil, apperrors.OutOfRange("from_block", 0, q.ToBlock)
	}

	argsKey := cacheArgs(chains.NormalizeAddress(address),
		strconv.FormatUint(q.FromBlock, 10), strconv.FormatUint(q.ToBlock, 10), strconv.Itoa(q.Limit))

	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "get_transactions",
		ArgsKey:   argsKey,
		CacheTTL:  a.cfg.TransactionTTL,
	}, func(ctx context.Context) (any, error) {
		return a.scanTransactions(ctx, address, q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Transaction), nil
}

func (a *Adapter) scanTransactions(ctx context.Context, address string, q TxQuery) ([]model.Transaction, error) {
	tr, err := a.transport(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := tr.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	to := q.ToBlock
	if to == 0 || to > latest {
		to = latest
	}
	from := q.FromBlock
	if from == 0 {
		if to > a.cfg.LogScanDepth {
			from = to - a.cfg.LogScanDepth
		} else {
			from = 0
		}
	}

	addr := common.HexToAddress(address)
	var txs []model.Transaction

	transfers, err := a.transferLogsFor(ctx, tr, addr, from, to)
	if err != nil {
		return nil, err
	}
	headerTimes := make(map[uint64]time.Time)
	for _, lg := range transfers {
		ts, err := a.blockTime(ctx, tr, lg.BlockNumber, headerTimes)
		if err != nil {
			return nil, err
		}
		tx, err := a.transferToTx(lg, addr, ts)
		if err != nil {
			continue // skip undecodable logs, keep the rest
		}
		txs = append(txs, tx)
	}

	nativeFrom := to
	if a.cfg.NativeScanDepth < to {
		nativeFrom = to - a.cfg.NativeScanDepth + 1
	} else {
		nativeFrom = 0
	}
	if nativeFrom < from {
		nativeFrom = from
	}
	for n := nativeFrom; n <= to; n++ {
		block, err := tr.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, err
		}
		blockTime := time.Unix(int64(block.Time()), 0)
		for _, btx := range block.Transactions() {
			sender, err := types.Sender(types.LatestSignerForChainID(btx.ChainId()), btx)
			if err != nil {
				continue
			}
			txTo := btx.To()
			isOut := sender == addr
			isIn := txTo != nil && *txTo == addr
			if !isOut && !isIn {
				continue
			}
			txs = append(txs, a.nativeToTx(btx, sender, txTo, isOut, n, blockTime))
		}
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].BlockNumber > txs[j].BlockNumber
	})
	if len(txs) > q.Limit {
		txs = txs[:q.Limit]
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}

// transferLogsFor fetches Transfer logs with the address as sender and as
// recipient in two topic-filtered queries.
func (a *Adapter) transferLogsFor(ctx context.Context, tr transport.Transport, addr common.Address, from, to uint64) ([]types.Log, error) {
	topic := addressTopic(addr)
	queries := []ethereum.FilterQuery{
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Topics:    [][]common.Hash{{TransferTopic}, {topic}},
		},
		{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Topics:    [][]common.Hash{{TransferTopic}, nil, {topic}},
		},
	}
	var logs []types.Log
	seen := make(map[string]struct{})
	for _, q := range queries {
		batchLogs, err := tr.FilterLogs(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, lg := range batchLogs {
			key := lg.TxHash.Hex() + ":" + strconv.FormatUint(uint64(lg.Index), 10)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			logs = append(logs, lg)
		}
	}
	return logs, nil
}

func (a *Adapter) blockTime(ctx context.Context, tr transport.Transport, number uint64, memo map[uint64]time.Time) (time.Time, error) {
	if ts, ok := memo[number]; ok {
		return ts, nil
	}
	header, err := tr.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, err
	}
	ts := time.Unix(int64(header.Time), 0)
	memo[number] = ts
	return ts, nil
}

// transferToTx normalizes one ERC-20 Transfer log.
func (a *Adapter) transferToTx(lg types.Log, addr common.Address, ts time.Time) (model.Transaction, error) {
	if len(lg.Topics) < 3 {
		return model.Transaction{}, fmt.Errorf("short transfer log")
	}
	fromAddr := common.BytesToAddress(lg.Topics[1].Bytes())
	toAddr := common.BytesToAddress(lg.Topics[2].Bytes())
	amount := new(big.Int)
	if len(lg.Data) >= 32 {
		amount.SetBytes(lg.Data[:32])
	}

	asset := a.logAsset(lg.Address)
	leg := model.AssetAmount{Asset: asset, Amount: amount.String()}

	tx := model.Transaction{
		ID:          fmt.Sprintf("%d:%s:%d", a.chain.ID, lg.TxHash.Hex(), lg.Index),
		Status:      model.TxCompleted,
		Hash:        lg.TxHash.Hex(),
		Chain:       model.ChainRefFromID(a.chain.ID),
		From:        strings.ToLower(fromAddr.Hex()),
		To:          strings.ToLower(toAddr.Hex()),
		Timestamp:   ts,
		BlockNumber: lg.BlockNumber,
	}
	if fromAddr == addr {
		tx.Type = model.TxTransferOut
		tx.AssetsOut = []model.AssetAmount{leg}
	} else {
		tx.Type = model.TxTransferIn
		tx.AssetsIn = []model.AssetAmount{leg}
	}
	return tx, nil
}

// AssetFor resolves a token asset for a log emitter, falling back to a bare
// address identity for unknown tokens.
func (a *Adapter) AssetFor(tokenAddr common.Address) model.Asset {
	return a.logAsset(tokenAddr)
}

func (a *Adapter) logAsset(tokenAddr common.Address) model.Asset {
	if tok, ok := a.chain.TokenByAddress(tokenAddr.Hex()); ok {
		return a.TokenAsset(tok)
	}
	return model.Asset{
		ID:      fmt.Sprintf("%d:%s", a.chain.ID, strings.ToLower(tokenAddr.Hex())),
		Symbol:  "",
		Chain:   model.ChainRefFromID(a.chain.ID),
		Address: strings.ToLower(tokenAddr.Hex()),
	}
}

func (a *Adapter) nativeToTx(btx *types.Transaction, sender common.Address, to *common.Address, isOut bool, blockNumber uint64, ts time.Time) model.Transaction {
	asset := a.NativeAsset()
	leg := model.AssetAmount{Asset: asset, Amount: btx.Value().String()}

	tx := model.Transaction{
		ID:          fmt.Sprintf("%d:%s", a.chain.ID, btx.Hash().Hex()),
		Status:      model.TxCompleted,
		Hash:        btx.Hash().Hex(),
		Chain:       model.ChainRefFromID(a.chain.ID),
		From:        strings.ToLower(sender.Hex()),
		Timestamp:   ts,
		BlockNumber: blockNumber,
	}
	if to != nil {
		tx.To = strings.ToLower(to.Hex())
	}
	switch {
	case btx.Value().Sign() == 0:
		tx.Type = model.TxContractInteraction
	case isOut:
		tx.Type = model.TxTransferOut
		tx.AssetsOut = []model.AssetAmount{leg}
	default:
		tx.Type = model.TxTransferIn
		tx.AssetsIn = []model.AssetAmount{leg}
	}
	return tx
}

// ReadContract performs a protocol-agnostic constant call and returns the
// decoded outputs.
func (a *Adapter) ReadContract(ctx context.Context, contract string, abiJSON string, method string, args ...any) ([]any, error) {
	if !chains.ValidAddress(contract) {
		return nil, apperrors.InvalidInput("contract", "0x-prefixed 20-byte hex address", contract)
	}
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, apperrors.InvalidInput("abi", "valid ABI JSON", err.Error())
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, apperrors.InvalidInput("args", "arguments matching the ABI", err.Error())
	}

	to := common.HexToAddress(contract)
	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "read_contract",
		ArgsKey:   cacheArgs(chains.NormalizeAddress(contract), method, hexutil.Encode(data)),
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		return tr.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, v.([]byte))
	if err != nil {
		return nil, apperrors.InvalidData("malformed contract response", err).
			WithDetail("contract", contract).
			WithDetail("method", method)
	}
	return out, nil
}

// TokenMetadata reads symbol, name and decimals for a token, preferring the
// configured token list and caching RPC-derived results for a long TTL.
func (a *Adapter) TokenMetadata(ctx context.Context, tokenAddress string) (chains.Token, error) {
	if !chains.ValidAddress(tokenAddress) {
		return chains.Token{}, apperrors.InvalidInput("token_address", "0x-prefixed 20-byte hex address", tokenAddress)
	}
	if tok, ok := a.chain.TokenByAddress(tokenAddress); ok {
		return tok, nil
	}

	to := common.HexToAddress(tokenAddress)
	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "token_metadata",
		ArgsKey:   chains.NormalizeAddress(tokenAddress),
		CacheTTL:  a.cfg.MetadataTTL,
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		symbolRaw, err := tr.CallContract(ctx, ethereum.CallMsg{To: &to, Data: packNoArg("symbol")}, nil)
		if err != nil {
			return nil, err
		}
		nameRaw, err := tr.CallContract(ctx, ethereum.CallMsg{To: &to, Data: packNoArg("name")}, nil)
		if err != nil {
			return nil, err
		}
		decimalsRaw, err := tr.CallContract(ctx, ethereum.CallMsg{To: &to, Data: packNoArg("decimals")}, nil)
		if err != nil {
			return nil, err
		}
		symbol, err := unpackString("symbol", symbolRaw)
		if err != nil {
			return nil, apperrors.InvalidData("malformed symbol response", err)
		}
		name, err := unpackString("name", nameRaw)
		if err != nil {
			return nil, apperrors.InvalidData("malformed name response", err)
		}
		decimals, err := unpackDecimals(decimalsRaw)
		if err != nil {
			return nil, apperrors.InvalidData("malformed decimals response", err)
		}
		return chains.Token{
			Address:  chains.NormalizeAddress(tokenAddress),
			Symbol:   symbol,
			Name:     name,
			Decimals: decimals,
		}, nil
	})
	if err != nil {
		return chains.Token{}, err
	}
	return v.(chains.Token), nil
}

// LatestBlock returns the current head number.
func (a *Adapter) LatestBlock(ctx context.Context) (uint64, error) {
	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "get_block_number",
		ArgsKey:   "latest",
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		return tr.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// BlockInfo fetches block metadata for live emission.
func (a *Adapter) BlockInfo(ctx context.Context, number uint64) (*model.BlockInfo, error) {
	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "get_block",
		ArgsKey:   strconv.FormatUint(number, 10),
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		block, err := tr.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, err
		}
		info := &model.BlockInfo{
			Number:     block.NumberU64(),
			Hash:       block.Hash().Hex(),
			ParentHash: block.ParentHash().Hex(),
			Timestamp:  time.Unix(int64(block.Time()), 0),
			GasUsed:    block.GasUsed(),
			GasLimit:   block.GasLimit(),
			TxCount:    len(block.Transactions()),
		}
		if block.BaseFee() != nil {
			info.BaseFee = block.BaseFee().String()
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.BlockInfo), nil
}

// BalancesAt batch-reads native balances for many addresses at one block.
// Results preserve the input order.
func (a *Adapter) BalancesAt(ctx context.Context, addrs []common.Address, blockNumber uint64) ([]*big.Int, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	blockTag := hexutil.EncodeUint64(blockNumber)
	keyParts := make([]string, 0, len(addrs)+1)
	keyParts = append(keyParts, blockTag)
	for _, addr := range addrs {
		keyParts = append(keyParts, strings.ToLower(addr.Hex()))
	}

	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "get_balances_at",
		ArgsKey:   strings.Join(keyParts, ","),
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		elems := make([]rpc.BatchElem, len(addrs))
		results := make([]*hexutil.Big, len(addrs))
		for i, addr := range addrs {
			results[i] = new(hexutil.Big)
			elems[i] = rpc.BatchElem{
				Method: "eth_getBalance",
				Args:   []any{addr, blockTag},
				Result: results[i],
			}
		}
		if err := tr.BatchCallContext(ctx, elems); err != nil {
			return nil, err
		}
		out := make([]*big.Int, len(addrs))
		for i := range elems {
			if elems[i].Error != nil {
				return nil, apperrors.InvalidData("batched balance failed", elems[i].Error)
			}
			out[i] = (*big.Int)(results[i])
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*big.Int), nil
}

// TransferLogs fetches all ERC-20 Transfer logs in a block range.
func (a *Adapter) TransferLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	v, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "get_transfer_logs",
		ArgsKey:   cacheArgs(strconv.FormatUint(fromBlock, 10), strconv.FormatUint(toBlock, 10)),
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		return tr.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Topics:    [][]common.Hash{{TransferTopic}},
		})
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Log), nil
}

// Healthy probes the chain with a short-timeout block number read. The probe
// still flows through the stack; it just opts out of retry and cache.
func (a *Adapter) Healthy(ctx context.Context) bool {
	_, err := a.pipe.Execute(ctx, pipeline.Call{
		Operation: "health_probe",
		ArgsKey:   "latest",
		Timeout:   a.cfg.HealthTimeout,
		NoRetry:   true,
	}, func(ctx context.Context) (any, error) {
		tr, err := a.transport(ctx)
		if err != nil {
			return nil, err
		}
		return tr.BlockNumber(ctx)
	})
	return err == nil
}

// cacheArgs joins argument parts for a cache key.
func cacheArgs(parts ...string) string {
	return strings.Join(parts, ":")
}
