package defi

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cygnus-wealth/evm-access/domain/model"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// aavePoolABI is the V3 Pool account summary read.
const aavePoolABI = `[
	{"constant":true,"inputs":[{"name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}],"type":"function"}
]`

var defaultAavePools = map[uint64]string{
	1:     "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
	137:   "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
	42161: "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
	10:    "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
	8453:  "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5",
}

// AaveV3 reads lending positions from the Aave V3 Pool.
type AaveV3 struct {
	readers ReaderSource
	pools   map[uint64]string
}

// NewAaveV3 creates the adapter with the canonical pool deployments.
func NewAaveV3(readers ReaderSource) *AaveV3 {
	return &AaveV3{readers: readers, pools: defaultAavePools}
}

func (a *AaveV3) Name() string { return "aave-v3" }

func (a *AaveV3) SupportsChain(chainID uint64) bool {
	_, ok := a.pools[chainID]
	return ok
}

// GetLendingPositions returns the account-level summary: collateral, debt
// and health factor in the pool's base currency.
func (a *AaveV3) GetLendingPositions(ctx context.Context, chainID uint64, address string) ([]model.LendingPosition, error) {
	pool, ok := a.pools[chainID]
	if !ok {
		return nil, apperrors.UnsupportedChain(chainID)
	}
	reader, err := a.readers(chainID)
	if err != nil {
		return nil, err
	}

	out, err := reader.ReadContract(ctx, pool, aavePoolABI, "getUserAccountData", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	if len(out) < 6 {
		return nil, apperrors.InvalidData("short getUserAccountData response", nil)
	}
	collateral := out[0].(*big.Int)
	debt := out[1].(*big.Int)
	healthFactor := out[5].(*big.Int)

	if collateral.Sign() == 0 && debt.Sign() == 0 {
		return nil, nil
	}

	baseAsset := model.Asset{
		ID:       "aave:base",
		Symbol:   "BASE",
		Name:     "Aave base currency",
		Decimals: 8,
		Chain:    model.ChainRefFromID(chainID),
	}
	pos := model.LendingPosition{
		Protocol:     a.Name(),
		ChainID:      chainID,
		HealthFactor: healthFactor.String(),
	}
	if collateral.Sign() > 0 {
		pos.Supplied = []model.AssetAmount{{Asset: baseAsset, Amount: collateral.String()}}
	}
	if debt.Sign() > 0 {
		pos.Borrowed = []model.AssetAmount{{Asset: baseAsset, Amount: debt.String()}}
	}
	return []model.LendingPosition{pos}, nil
}

// GetStakedPositions: not part of the Aave adapter surface.
func (a *AaveV3) GetStakedPositions(ctx context.Context, chainID uint64, address string) ([]model.StakedPosition, error) {
	return nil, nil
}

// GetLiquidityPositions: Aave has no liquidity pools.
func (a *AaveV3) GetLiquidityPositions(ctx context.Context, chainID uint64, address string) ([]model.LiquidityPosition, error) {
	return nil, nil
}
