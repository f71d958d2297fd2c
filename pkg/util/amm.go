// Package util holds the concentrated-liquidity (Uniswap V3 style) tick and
// price math that turns raw pool slot0/liquidity reads into token amounts
// and back. No other package in this module imports it.
package util

import (
	"fmt"
	"math/big"
)

// precisionBits is the big.Float precision used throughout this package.
// Tick math only needs ~160 bits to stay exact through a Q96 fixed point
// round-trip; this leaves comfortable headroom.
const precisionBits = 256

var (
	q96 = new(big.Float).SetPrec(precisionBits).SetMantExp(big.NewFloat(1), 96)

	// tickBase is 1.0001, the per-tick price step defined by Uniswap V3.
	tickBase, _ = new(big.Float).SetPrec(precisionBits).SetString("1.0001")
)

// TickToSqrtPriceX96 converts a tick index to its Q96 fixed-point sqrt price,
// sqrtPriceX96 = sqrt(1.0001^tick) * 2^96, rounded up to the next integer.
func TickToSqrtPriceX96(tick int) *big.Int {
	price := powFloat(tickBase, tick)
	sqrtPrice := new(big.Float).SetPrec(precisionBits).Sqrt(price)
	sqrtPrice.Mul(sqrtPrice, q96)

	out, acc := sqrtPrice.Int(nil)
	if acc == big.Below {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// SqrtPriceToPrice converts a Q96 sqrt price back to the plain price ratio
// (token1 per token0) as a big.Float.
func SqrtPriceToPrice(sqrtPriceX96 *big.Int) *big.Float {
	sqrtPrice := new(big.Float).SetPrec(precisionBits).SetInt(sqrtPriceX96)
	sqrtPrice.Quo(sqrtPrice, q96)
	return new(big.Float).SetPrec(precisionBits).Mul(sqrtPrice, sqrtPrice)
}

// powFloat computes base^exp for an arbitrary (possibly negative) integer
// exponent via fast exponentiation, returning a big.Float at package
// precision.
func powFloat(base *big.Float, exp int) *big.Float {
	neg := exp < 0
	if neg {
		exp = -exp
	}

	result := new(big.Float).SetPrec(precisionBits).SetInt64(1)
	b := new(big.Float).SetPrec(precisionBits).Copy(base)
	for exp > 0 {
		if exp&1 == 1 {
			result.Mul(result, b)
		}
		b.Mul(b, b)
		exp >>= 1
	}
	if neg {
		result.Quo(new(big.Float).SetPrec(precisionBits).SetInt64(1), result)
	}
	return result
}

func sqrtPriceAtTick(tick int) *big.Float {
	price := powFloat(tickBase, tick)
	sqrtPrice := new(big.Float).SetPrec(precisionBits).Sqrt(price)
	return new(big.Float).SetPrec(precisionBits).Mul(sqrtPrice, q96)
}

// ComputeAmounts derives the token0/token1 amounts and resulting liquidity
// obtainable from amount0Max/amount1Max at the given current tick and
// position bounds, following the standard Uniswap V3 liquidity formulas:
//
//	tick < tickLower:  liquidity bound by token0 only
//	tick >= tickUpper: liquidity bound by token1 only
//	otherwise:         liquidity is the minimum of both single-sided bounds
func ComputeAmounts(sqrtPriceX96 *big.Int, tick, tickLower, tickUpper int, amount0Max, amount1Max *big.Int) (*big.Int, *big.Int, *big.Int) {
	sqrtPrice := new(big.Float).SetPrec(precisionBits).SetInt(sqrtPriceX96)
	sqrtLower := sqrtPriceAtTick(tickLower)
	sqrtUpper := sqrtPriceAtTick(tickUpper)

	amount0Budget := new(big.Float).SetPrec(precisionBits).SetInt(amount0Max)
	amount1Budget := new(big.Float).SetPrec(precisionBits).SetInt(amount1Max)

	var liquidity *big.Float

	switch {
	case tick < tickLower:
		liquidity = liquidityFromAmount0(sqrtLower, sqrtUpper, amount0Budget)
	case tick >= tickUpper:
		liquidity = liquidityFromAmount1(sqrtLower, sqrtUpper, amount1Budget)
	default:
		l0 := liquidityFromAmount0(sqrtPrice, sqrtUpper, amount0Budget)
		l1 := liquidityFromAmount1(sqrtLower, sqrtPrice, amount1Budget)
		if l0.Cmp(l1) < 0 {
			liquidity = l0
		} else {
			liquidity = l1
		}
	}

	amount0 := amount0FromLiquidity(liquidity, maxFloat(sqrtPrice, sqrtLower), sqrtUpper)
	amount1 := amount1FromLiquidity(liquidity, sqrtLower, minFloat(sqrtPrice, sqrtUpper))

	a0, _ := amount0.Int(nil)
	a1, _ := amount1.Int(nil)
	l, _ := liquidity.Int(nil)
	return a0, a1, l
}

// CalculateTokenAmountsFromLiquidity is the inverse of ComputeAmounts: given
// a known liquidity and tick bounds, recover the token0/token1 amounts it
// represents at the current price.
func CalculateTokenAmountsFromLiquidity(liquidity *big.Int, sqrtPriceX96 *big.Int, tickLower, tickUpper int32) (*big.Int, *big.Int, error) {
	if liquidity == nil || liquidity.Sign() < 0 {
		return nil, nil, fmt.Errorf("util: liquidity must be non-negative")
	}
	if tickLower >= tickUpper {
		return nil, nil, fmt.Errorf("util: tickLower (%d) must be less than tickUpper (%d)", tickLower, tickUpper)
	}

	sqrtPrice := new(big.Float).SetPrec(precisionBits).SetInt(sqrtPriceX96)
	sqrtLower := sqrtPriceAtTick(int(tickLower))
	sqrtUpper := sqrtPriceAtTick(int(tickUpper))
	l := new(big.Float).SetPrec(precisionBits).SetInt(liquidity)

	amount0 := amount0FromLiquidity(l, maxFloat(sqrtPrice, sqrtLower), sqrtUpper)
	amount1 := amount1FromLiquidity(l, sqrtLower, minFloat(sqrtPrice, sqrtUpper))

	a0, _ := amount0.Int(nil)
	a1, _ := amount1.Int(nil)
	return a0, a1, nil
}

func liquidityFromAmount0(sqrtA, sqrtB *big.Float, amount0 *big.Float) *big.Float {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	diff := new(big.Float).SetPrec(precisionBits).Sub(hi, lo)
	if diff.Sign() == 0 {
		return new(big.Float).SetPrec(precisionBits)
	}
	num := new(big.Float).SetPrec(precisionBits).Mul(amount0, lo)
	num.Mul(num, hi)
	return num.Quo(num, diff)
}

func liquidityFromAmount1(sqrtA, sqrtB *big.Float, amount1 *big.Float) *big.Float {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	diff := new(big.Float).SetPrec(precisionBits).Sub(hi, lo)
	if diff.Sign() == 0 {
		return new(big.Float).SetPrec(precisionBits)
	}
	return new(big.Float).SetPrec(precisionBits).Quo(amount1, diff)
}

func amount0FromLiquidity(liquidity, sqrtLo, sqrtHi *big.Float) *big.Float {
	lo, hi := sqrtLo, sqrtHi
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	diff := new(big.Float).SetPrec(precisionBits).Sub(hi, lo)
	num := new(big.Float).SetPrec(precisionBits).Mul(liquidity, diff)
	denom := new(big.Float).SetPrec(precisionBits).Mul(lo, hi)
	if denom.Sign() == 0 {
		return new(big.Float).SetPrec(precisionBits)
	}
	return num.Quo(num, denom)
}

func amount1FromLiquidity(liquidity, sqrtLo, sqrtHi *big.Float) *big.Float {
	lo, hi := sqrtLo, sqrtHi
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	diff := new(big.Float).SetPrec(precisionBits).Sub(hi, lo)
	return new(big.Float).SetPrec(precisionBits).Mul(liquidity, diff)
}

func maxFloat(a, b *big.Float) *big.Float {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func minFloat(a, b *big.Float) *big.Float {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
