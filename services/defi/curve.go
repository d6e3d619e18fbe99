package defi

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cygnus-wealth/evm-access/domain/model"
)

// curveGaugeABI covers the liquidity-gauge staking reads.
const curveGaugeABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"addr","type":"address"}],"name":"claimable_tokens","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// curveGauge describes one staking gauge worth scanning.
type curveGauge struct {
	Address  string
	PoolName string
	LPSymbol string
}

// A short curated gauge list; integrators extend it per deployment.
var defaultCurveGauges = map[uint64][]curveGauge{
	1: {
		{Address: "0xbFcF63294aD7105dEa65aA58F8AE5BE2D9d0952A", PoolName: "3pool", LPSymbol: "3CRV"},
		{Address: "0xDeFd8FdD20e0f34115C7018CCfb655796F6B2168", PoolName: "steth", LPSymbol: "steCRV"},
	},
	137: {
		{Address: "0x20759F567BB3EcDB55c817c9a1d13076aB215EdC", PoolName: "aave", LPSymbol: "am3CRV"},
	},
}

// Curve reads staked LP positions from liquidity gauges.
type Curve struct {
	readers ReaderSource
	gauges  map[uint64][]curveGauge
}

// NewCurve creates the adapter with the curated gauge list.
func NewCurve(readers ReaderSource) *Curve {
	return &Curve{readers: readers, gauges: defaultCurveGauges}
}

func (c *Curve) Name() string { return "curve" }

func (c *Curve) SupportsChain(chainID uint64) bool {
	return len(c.gauges[chainID]) > 0
}

// GetLendingPositions: Curve has no lending.
func (c *Curve) GetLendingPositions(ctx context.Context, chainID uint64, address string) ([]model.LendingPosition, error) {
	return nil, nil
}

// GetStakedPositions scans the gauges for staked LP tokens and claimable CRV.
func (c *Curve) GetStakedPositions(ctx context.Context, chainID uint64, address string) ([]model.StakedPosition, error) {
	reader, err := c.readers(chainID)
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(address)

	var positions []model.StakedPosition
	for _, gauge := range c.gauges[chainID] {
		out, err := reader.ReadContract(ctx, gauge.Address, curveGaugeABI, "balanceOf", owner)
		if err != nil {
			return nil, err
		}
		staked, ok := out[0].(*big.Int)
		if !ok || staked.Sign() == 0 {
			continue
		}

		rewards := big.NewInt(0)
		if out, err := reader.ReadContract(ctx, gauge.Address, curveGaugeABI, "claimable_tokens", owner); err == nil {
			if v, ok := out[0].(*big.Int); ok {
				rewards = v
			}
		}

		chainRef := model.ChainRefFromID(chainID)
		positions = append(positions, model.StakedPosition{
			Protocol: c.Name(),
			ChainID:  chainID,
			Staked: model.AssetAmount{
				Asset:  model.Asset{ID: "curve:" + gauge.PoolName, Symbol: gauge.LPSymbol, Name: "Curve " + gauge.PoolName, Decimals: 18, Chain: chainRef},
				Amount: staked.String(),
			},
			Rewards: model.AssetAmount{
				Asset:  model.Asset{ID: "curve:crv", Symbol: "CRV", Name: "Curve DAO Token", Decimals: 18, Chain: chainRef},
				Amount: rewards.String(),
			},
		})
	}
	return positions, nil
}

// GetLiquidityPositions: gauge stakes already cover the LP exposure this
// adapter reports.
func (c *Curve) GetLiquidityPositions(ctx context.Context, chainID uint64, address string) ([]model.LiquidityPosition, error) {
	return nil, nil
}
