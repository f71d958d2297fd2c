package util

import (
	"fmt"
	"math/big"
)

// CalculateTickBounds returns a symmetric tick range of rangeWidth spacings
// on either side of currentTick, rounded to the nearest multiple of
// tickSpacing. Used when a strategy needs a concentrated-liquidity price
// band around the current price (e.g. bounding acceptable execution price
// for a V3 quote).
func CalculateTickBounds(currentTick int32, rangeWidth int, tickSpacing int) (int32, int32, error) {
	if tickSpacing <= 0 {
		return 0, 0, fmt.Errorf("util: tickSpacing must be positive")
	}
	if rangeWidth < 0 {
		return 0, 0, fmt.Errorf("util: rangeWidth must be non-negative")
	}

	rounded := roundToSpacing(currentTick, int32(tickSpacing))
	half := int32(rangeWidth) * int32(tickSpacing)
	return rounded - half, rounded + half, nil
}

func roundToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	r := tick % spacing
	if r == 0 {
		return tick
	}
	// round to nearest, ties away from zero, matching the nearest-usable-tick
	// convention pools enforce on mint.
	if r*2 >= spacing || r*2 <= -spacing {
		if tick > 0 {
			q++
		} else {
			q--
		}
	}
	return q * spacing
}

// CalculateRebalanceAmounts compares two token balances against the pool's
// current price and returns which side holds the excess value and how much
// of it to swap to bring the two balances to price parity. tokenToSwap is 0
// when token0 holds the excess, 1 when token1 does.
func CalculateRebalanceAmounts(balance0, balance1, sqrtPriceX96 *big.Int) (int, *big.Int, error) {
	if balance0 == nil || balance1 == nil || sqrtPriceX96 == nil {
		return 0, nil, fmt.Errorf("util: balances and sqrtPriceX96 must be non-nil")
	}

	price := SqrtPriceToPrice(sqrtPriceX96)

	value0 := new(big.Float).SetPrec(precisionBits).SetInt(balance0)
	value0.Mul(value0, price)
	value1 := new(big.Float).SetPrec(precisionBits).SetInt(balance1)

	diff := new(big.Float).SetPrec(precisionBits).Sub(value0, value1)
	half := new(big.Float).SetPrec(precisionBits).Quo(diff, big.NewFloat(2))

	if half.Sign() >= 0 {
		// token0's value-equivalent holding exceeds token1's; swap the excess
		// token0 amount (half / price) into token1.
		amount0 := new(big.Float).SetPrec(precisionBits).Quo(half, price)
		out, _ := amount0.Int(nil)
		return 0, out, nil
	}

	neg := new(big.Float).SetPrec(precisionBits).Neg(half)
	out, _ := neg.Int(nil)
	return 1, out, nil
}
