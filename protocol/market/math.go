package market

import "math/big"

// wad is the fixed-point scale for indexes, prices, and fractions.
var wad = big.NewInt(1_000_000_000_000_000_000)

// Wad returns a copy of the 1e18 fixed-point unit.
func Wad() *big.Int { return new(big.Int).Set(wad) }

// mulDivFloor computes a*b/den rounded toward zero. A zero denominator
// yields zero rather than panicking; callers guard the cases where that
// matters.
func mulDivFloor(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// mulDivCeil computes a*b/den rounded away from zero.
func mulDivCeil(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	out, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}
