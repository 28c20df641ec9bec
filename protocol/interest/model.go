package interest

import (
	"errors"
	"math/big"
	"strconv"
)

var errInvalidParameters = errors.New("interest model: invalid parameters")

var one = big.NewRat(1, 1)

// Model encapsulates the kinked borrow-rate curve. All rates are annual
// fractions; callers scale them to the elapsed accrual window.
type Model struct {
	base   *big.Rat
	slope1 *big.Rat
	slope2 *big.Rat
	kink   *big.Rat
}

// NewModel constructs a model from decimal inputs, e.g. a 2% base rate is
// expressed as 0.02 and an 80% kink utilization as 0.8. Construction fails
// when any rate is negative or the kink exceeds 1.
func NewModel(base, slope1, slope2, kink float64) (*Model, error) {
	m := &Model{
		base:   decimalRat(base),
		slope1: decimalRat(slope1),
		slope2: decimalRat(slope2),
		kink:   decimalRat(kink),
	}
	if m.base == nil || m.slope1 == nil || m.slope2 == nil || m.kink == nil {
		return nil, errInvalidParameters
	}
	if m.base.Sign() < 0 || m.slope1.Sign() < 0 || m.slope2.Sign() < 0 || m.kink.Sign() < 0 {
		return nil, errInvalidParameters
	}
	if m.kink.Cmp(one) > 0 {
		return nil, errInvalidParameters
	}
	return m, nil
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	return &Model{
		base:   new(big.Rat).Set(m.base),
		slope1: new(big.Rat).Set(m.slope1),
		slope2: new(big.Rat).Set(m.slope2),
		kink:   new(big.Rat).Set(m.kink),
	}
}

// Utilization computes U = totalBorrowed / totalSupplied, defined as zero
// when no liquidity exists and capped at 1.
func (m *Model) Utilization(totalSupplied, totalBorrowed *big.Int) *big.Rat {
	if totalBorrowed == nil || totalBorrowed.Sign() <= 0 {
		return new(big.Rat)
	}
	if totalSupplied == nil || totalSupplied.Sign() <= 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(totalBorrowed, totalSupplied)
	if u.Cmp(one) > 0 {
		return new(big.Rat).Set(one)
	}
	return u
}

// BorrowRate derives the annual borrow rate at the current utilization.
// Below the kink the rate climbs along slope1; beyond it slope2 applies to
// the excess.
func (m *Model) BorrowRate(totalSupplied, totalBorrowed *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := new(big.Rat).Set(m.base)
	u := m.Utilization(totalSupplied, totalBorrowed)
	if u.Sign() == 0 {
		return rate
	}
	if u.Cmp(m.kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(m.slope1, u))
	}
	rate.Add(rate, new(big.Rat).Mul(m.slope1, m.kink))
	excess := new(big.Rat).Sub(u, m.kink)
	return rate.Add(rate, new(big.Rat).Mul(m.slope2, excess))
}

// SupplyRate derives the annual supply rate: borrow rate weighted by
// utilization, net of the reserve factor (a fraction in [0, 1]).
func (m *Model) SupplyRate(totalSupplied, totalBorrowed *big.Int, reserveFactor *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	borrowRate := m.BorrowRate(totalSupplied, totalBorrowed)
	if borrowRate.Sign() == 0 {
		return new(big.Rat)
	}
	u := m.Utilization(totalSupplied, totalBorrowed)
	if u.Sign() == 0 {
		return new(big.Rat)
	}
	retained := new(big.Rat).Set(one)
	if reserveFactor != nil {
		retained.Sub(retained, reserveFactor)
		if retained.Sign() < 0 {
			retained.SetInt64(0)
		}
	}
	rate := new(big.Rat).Mul(borrowRate, u)
	return rate.Mul(rate, retained)
}

// decimalRat converts through the shortest decimal representation so that a
// configured 0.04 means exactly 1/25 rather than the nearest binary float.
func decimalRat(v float64) *big.Rat {
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return nil
	}
	return rat
}

// DefaultModel is a reasonable starting curve: 0% base, gentle slope to an
// 80% kink, then a steep jump to defend liquidity.
func DefaultModel() *Model {
	m, err := NewModel(0, 0.04, 0.6, 0.8)
	if err != nil {
		panic(err)
	}
	return m
}
