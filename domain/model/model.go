// Package model defines the normalized domain schema returned to consumers.
// Raw RPC shapes never cross the service boundary; everything is mapped into
// these types first.
package model

import (
	"math/big"
	"time"
)

// ChainRef identifies a supported chain in the domain schema. Chains the
// schema does not enumerate map to ChainOther.
type ChainRef string

const (
	ChainEthereum ChainRef = "ETHEREUM"
	ChainPolygon  ChainRef = "POLYGON"
	ChainArbitrum ChainRef = "ARBITRUM"
	ChainOptimism ChainRef = "OPTIMISM"
	ChainBase     ChainRef = "BASE"
	ChainOther    ChainRef = "OTHER"
)

// ChainRefFromID maps a numeric chain ID to its schema enum value.
func ChainRefFromID(chainID uint64) ChainRef {
	switch chainID {
	case 1:
		return ChainEthereum
	case 137:
		return ChainPolygon
	case 42161:
		return ChainArbitrum
	case 10:
		return ChainOptimism
	case 8453:
		return ChainBase
	default:
		return ChainOther
	}
}

// Asset describes a native coin or token.
type Asset struct {
	ID       string   `json:"id"`
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	Decimals int      `json:"decimals"`
	Chain    ChainRef `json:"chain"`
	// Address is empty for native assets.
	Address string `json:"address,omitempty"`
}

// Value is an optional fiat valuation passthrough.
type Value struct {
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Timestamp time.Time `json:"timestamp"`
}

// Balance is an asset amount held by an address. Amount is always a base-10
// decimal string in the asset's base units so precision survives any
// serialization boundary.
type Balance struct {
	AssetID string `json:"asset_id"`
	Asset   Asset  `json:"asset"`
	Amount  string `json:"amount"`
	Value   *Value `json:"value,omitempty"`
}

// AmountBig parses the balance amount back into an integer. Returns false if
// the stored string is not a valid base-10 integer.
func (b Balance) AmountBig() (*big.Int, bool) {
	return new(big.Int).SetString(b.Amount, 10)
}

// TransactionType classifies a transaction relative to the queried address.
type TransactionType string

const (
	TxTransferIn          TransactionType = "TRANSFER_IN"
	TxTransferOut         TransactionType = "TRANSFER_OUT"
	TxSwap                TransactionType = "SWAP"
	TxContractInteraction TransactionType = "CONTRACT_INTERACTION"
	TxApproval            TransactionType = "APPROVAL"
)

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// AssetAmount pairs an asset with an amount for transaction legs.
type AssetAmount struct {
	Asset  Asset  `json:"asset"`
	Amount string `json:"amount"`
}

// Transaction is a normalized on-chain transaction.
type Transaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id,omitempty"`
	Type        TransactionType   `json:"type"`
	Status      TransactionStatus `json:"status"`
	Hash        string            `json:"hash"`
	Chain       ChainRef          `json:"chain"`
	From        string            `json:"from"`
	To          string            `json:"to,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	BlockNumber uint64            `json:"block_number,omitempty"`
	AssetsIn    []AssetAmount     `json:"assets_in,omitempty"`
	AssetsOut   []AssetAmount     `json:"assets_out,omitempty"`
	Fees        []AssetAmount     `json:"fees,omitempty"`
}

// BlockInfo is the metadata emitted for each observed block.
type BlockInfo struct {
	Number     uint64    `json:"number"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash"`
	Timestamp  time.Time `json:"timestamp"`
	GasUsed    uint64    `json:"gas_used"`
	GasLimit   uint64    `json:"gas_limit"`
	BaseFee    string    `json:"base_fee,omitempty"`
	TxCount    int       `json:"tx_count"`
}

// BalanceUpdate is a live balance emission for a tracked address.
type BalanceUpdate struct {
	Address     string    `json:"address"`
	ChainID     uint64    `json:"chain_id"`
	Balance     Balance   `json:"balance"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransferEvent is a live ERC-20 transfer emission for a tracked address.
type TransferEvent struct {
	Address     string    `json:"address"`
	ChainID     uint64    `json:"chain_id"`
	Token       Asset     `json:"token"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint      `json:"log_index"`
	Timestamp   time.Time `json:"timestamp"`
}

// LendingPosition is a DeFi lending protocol position.
type LendingPosition struct {
	Protocol     string        `json:"protocol"`
	ChainID      uint64        `json:"chain_id"`
	Supplied     []AssetAmount `json:"supplied,omitempty"`
	Borrowed     []AssetAmount `json:"borrowed,omitempty"`
	HealthFactor string        `json:"health_factor,omitempty"`
}

// StakedPosition is a DeFi staking position.
type StakedPosition struct {
	Protocol string      `json:"protocol"`
	ChainID  uint64      `json:"chain_id"`
	Staked   AssetAmount `json:"staked"`
	Rewards  AssetAmount `json:"rewards"`
}

// LiquidityPosition is a DeFi liquidity-pool position.
type LiquidityPosition struct {
	Protocol string      `json:"protocol"`
	ChainID  uint64      `json:"chain_id"`
	Pool     string      `json:"pool"`
	Token0   AssetAmount `json:"token0"`
	Token1   AssetAmount `json:"token1"`
	InRange  bool        `json:"in_range"`
}
