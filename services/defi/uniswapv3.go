package defi

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cygnus-wealth/evm-access/domain/model"
	apperrors "github.com/cygnus-wealth/evm-access/infrastructure/errors"
)

// Uniswap V3 deployment constants. The init code hash feeds CREATE2 pool
// address derivation; the factory and position manager are the canonical
// mainnet-style deployments shared by most chains Uniswap supports.
const (
	uniswapV3InitCodeHash = "0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54"

	uniswapV3PositionManagerABI = `[
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"positions","outputs":[{"name":"nonce","type":"uint96"},{"name":"operator","type":"address"},{"name":"token0","type":"address"},{"name":"token1","type":"address"},{"name":"fee","type":"uint24"},{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"liquidity","type":"uint128"},{"name":"feeGrowthInside0LastX128","type":"uint256"},{"name":"feeGrowthInside1LastX128","type":"uint256"},{"name":"tokensOwed0","type":"uint128"},{"name":"tokensOwed1","type":"uint128"}],"type":"function"}
	]`

	uniswapV3PoolABI = `[
		{"constant":true,"inputs":[],"name":"slot0","outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}],"type":"function"}
	]`
)

// uniswapV3Deployment holds the per-chain contract addresses.
type uniswapV3Deployment struct {
	Factory         string
	PositionManager string
}

var defaultUniswapV3Deployments = map[uint64]uniswapV3Deployment{
	1:     {Factory: "0x1F98431c8aD98523631AE4a59f267346ea31F984", PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"},
	137:   {Factory: "0x1F98431c8aD98523631AE4a59f267346ea31F984", PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"},
	42161: {Factory: "0x1F98431c8aD98523631AE4a59f267346ea31F984", PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"},
	10:    {Factory: "0x1F98431c8aD98523631AE4a59f267346ea31F984", PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"},
	8453:  {Factory: "0x33128a8fC17869897dcE68Ed026d694621f6FDfD", PositionManager: "0x03a520b32C04BF3bEEf7BEb72E919cf822Ed34f1"},
}

// maxPositionsPerOwner caps NFT enumeration per query.
const maxPositionsPerOwner = 50

// UniswapV3 is the Uniswap V3 protocol adapter.
type UniswapV3 struct {
	readers     ReaderSource
	deployments map[uint64]uniswapV3Deployment
}

// NewUniswapV3 creates the adapter with the canonical deployments.
func NewUniswapV3(readers ReaderSource) *UniswapV3 {
	return &UniswapV3{readers: readers, deployments: defaultUniswapV3Deployments}
}

func (u *UniswapV3) Name() string { return "uniswap-v3" }

func (u *UniswapV3) SupportsChain(chainID uint64) bool {
	_, ok := u.deployments[chainID]
	return ok
}

// GetLendingPositions: Uniswap V3 has no lending.
func (u *UniswapV3) GetLendingPositions(ctx context.Context, chainID uint64, address string) ([]model.LendingPosition, error) {
	return nil, nil
}

// GetStakedPositions: staking is out of this adapter's surface.
func (u *UniswapV3) GetStakedPositions(ctx context.Context, chainID uint64, address string) ([]model.StakedPosition, error) {
	return nil, nil
}

// GetLiquidityPositions enumerates the owner's position NFTs and computes
// token amounts from live pool state.
func (u *UniswapV3) GetLiquidityPositions(ctx context.Context, chainID uint64, address string) ([]model.LiquidityPosition, error) {
	dep, ok := u.deployments[chainID]
	if !ok {
		return nil, apperrors.UnsupportedChain(chainID)
	}
	reader, err := u.readers(chainID)
	if err != nil {
		return nil, err
	}

	owner := common.HexToAddress(address)
	out, err := reader.ReadContract(ctx, dep.PositionManager, uniswapV3PositionManagerABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return nil, apperrors.InvalidData("malformed balanceOf response", nil)
	}

	n := int(count.Int64())
	if n > maxPositionsPerOwner {
		n = maxPositionsPerOwner
	}

	positions := make([]model.LiquidityPosition, 0, n)
	for i := 0; i < n; i++ {
		idOut, err := reader.ReadContract(ctx, dep.PositionManager, uniswapV3PositionManagerABI, "tokenOfOwnerByIndex", owner, big.NewInt(int64(i)))
		if err != nil {
			return nil, err
		}
		tokenID := idOut[0].(*big.Int)

		posOut, err := reader.ReadContract(ctx, dep.PositionManager, uniswapV3PositionManagerABI, "positions", tokenID)
		if err != nil {
			return nil, err
		}
		if len(posOut) < 12 {
			return nil, apperrors.InvalidData("short positions response", nil)
		}
		token0 := posOut[2].(common.Address)
		token1 := posOut[3].(common.Address)
		fee := posOut[4].(*big.Int)
		tickLower := int(posOut[5].(*big.Int).Int64())
		tickUpper := int(posOut[6].(*big.Int).Int64())
		liquidity := posOut[7].(*big.Int)
		if liquidity.Sign() == 0 {
			continue
		}

		pool := UniswapV3PoolAddress(dep.Factory, token0, token1, fee)
		slotOut, err := reader.ReadContract(ctx, pool.Hex(), uniswapV3PoolABI, "slot0")
		if err != nil {
			return nil, err
		}
		currentTick := int(slotOut[1].(*big.Int).Int64())

		amount0, amount1 := PositionAmounts(liquidity, currentTick, tickLower, tickUpper)
		positions = append(positions, model.LiquidityPosition{
			Protocol: u.Name(),
			ChainID:  chainID,
			Pool:     strings.ToLower(pool.Hex()),
			Token0: model.AssetAmount{
				Asset:  model.Asset{Address: strings.ToLower(token0.Hex()), Chain: model.ChainRefFromID(chainID)},
				Amount: amount0.String(),
			},
			Token1: model.AssetAmount{
				Asset:  model.Asset{Address: strings.ToLower(token1.Hex()), Chain: model.ChainRefFromID(chainID)},
				Amount: amount1.String(),
			},
			InRange: currentTick >= tickLower && currentTick < tickUpper,
		})
	}
	return positions, nil
}

// UniswapV3PoolAddress derives a pool address via CREATE2: keccak256(0xff ++
// factory ++ keccak256(abi.encode(token0, token1, fee)) ++ initCodeHash).
func UniswapV3PoolAddress(factory string, tokenA, tokenB common.Address, fee *big.Int) common.Address {
	token0, token1 := tokenA, tokenB
	if strings.ToLower(token1.Hex()) < strings.ToLower(token0.Hex()) {
		token0, token1 = token1, token0
	}

	salt := crypto.Keccak256(
		common.LeftPadBytes(token0.Bytes(), 32),
		common.LeftPadBytes(token1.Bytes(), 32),
		common.LeftPadBytes(fee.Bytes(), 32),
	)

	data := make([]byte, 0, 85)
	data = append(data, 0xff)
	data = append(data, common.HexToAddress(factory).Bytes()...)
	data = append(data, salt...)
	data = append(data, common.HexToHash(uniswapV3InitCodeHash).Bytes()...)

	return common.BytesToAddress(crypto.Keccak256(data)[12:])
}

// --- concentrated liquidity math ---

var (
	q32  = new(big.Int).Lsh(big.NewInt(1), 32)
	q96  = new(big.Int).Lsh(big.NewInt(1), 96)
	one  = big.NewInt(1)
	max256 = new(big.Int).Sub(new(big.Int).Lsh(one, 256), one)
)

// tickMulConstants is the TickMath multiplication table: entry i applies
// when bit i+1 of |tick| is set.
var tickMulConstants = []string{
	"0xfff97272373d413259a46990580e213a",
	"0xfff2e50f5f656932ef12357cf3c7fdcc",
	"0xffe5caca7e10e4e61c3624eaa0941cd0",
	"0xffcb9843d60f6159c9db58835c926644",
	"0xff973b41fa98c081472e6896dfb254c0",
	"0xff2ea16466c96a3843ec78b326b52861",
	"0xfe5dee046a99a2a811c461f1969c3053",
	"0xfcbe86c7900a88aedcffc83b479aa3a4",
	"0xf987a7253ac413176f2b074cf7815e54",
	"0xf3392b0822b70005940c7a398e4b70f3",
	"0xe7159475a2c29b7443b29c7fa6e889d9",
	"0xd097f3bdfd2022b8845ad8f792aa5825",
	"0xa9f746462d870fdf8a65dc1f90e061e5",
	"0x70d869a156d2a1b890bb3df62baf32f7",
	"0x31be135f97d08fd981231505542fcfa6",
	"0x9aa508b5b7a84e1c677de54f3e99bc9",
	"0x5d6af8dedb81196699c329225ee604",
	"0x2216e584f5fa1ea926041bedfe98",
	"0x48a170391f7dc42444e8fa2",
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) in Q96, following the fixed
// point algorithm of the reference TickMath library.
func SqrtRatioAtTick(tick int) *big.Int {
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(big.Int)
	if absTick&1 != 0 {
		ratio.SetString("fffcb933bd6fad37aa2d162d1a594001", 16)
	} else {
		ratio.SetString("100000000000000000000000000000000", 16)
	}
	for i, hexConst := range tickMulConstants {
		if absTick&(1<<(i+1)) != 0 {
			c := new(big.Int)
			c.SetString(strings.TrimPrefix(hexConst, "0x"), 16)
			ratio.Mul(ratio, c)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Div(max256, ratio)
	}

	// Q128 -> Q96, rounding up.
	rem := new(big.Int).Mod(ratio, q32)
	ratio.Rsh(ratio, 32)
	if rem.Sign() != 0 {
		ratio.Add(ratio, one)
	}
	return ratio
}

// amount0Delta = liquidity * Q96 * (sqrtB - sqrtA) / (sqrtB * sqrtA)
func amount0Delta(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	num := new(big.Int).Mul(liquidity, q96)
	num.Mul(num, new(big.Int).Sub(sqrtB, sqrtA))
	den := new(big.Int).Mul(sqrtB, sqrtA)
	return num.Div(num, den)
}

// amount1Delta = liquidity * (sqrtB - sqrtA) / Q96
func amount1Delta(sqrtA, sqrtB, liquidity *big.Int) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	out := new(big.Int).Mul(liquidity, new(big.Int).Sub(sqrtB, sqrtA))
	return out.Div(out, q96)
}

// PositionAmounts splits a position's liquidity into token0 and token1
// amounts given the current tick. Below the range the position is all
// token0; at or above the upper tick it is all token1; inside, both.
func PositionAmounts(liquidity *big.Int, currentTick, tickLower, tickUpper int) (amount0, amount1 *big.Int) {
	sqrtLower := SqrtRatioAtTick(tickLower)
	sqrtUpper := SqrtRatioAtTick(tickUpper)

	switch {
	case currentTick < tickLower:
		return amount0Delta(sqrtLower, sqrtUpper, liquidity), big.NewInt(0)
	case currentTick >= tickUpper:
		return big.NewInt(0), amount1Delta(sqrtLower, sqrtUpper, liquidity)
	default:
		sqrtCurrent := SqrtRatioAtTick(currentTick)
		return amount0Delta(sqrtCurrent, sqrtUpper, liquidity),
			amount1Delta(sqrtLower, sqrtCurrent, liquidity)
	}
}
