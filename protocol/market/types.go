package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Params are the immutable risk parameters fixed at market creation. All
// fractions are WAD-scaled (1e18 == 100%).
type Params struct {
	CollateralToken      common.Address `json:"collateralToken"`
	BorrowToken          common.Address `json:"borrowToken"`
	CollateralDecimals   uint8          `json:"collateralDecimals"`
	BorrowDecimals       uint8          `json:"borrowDecimals"`
	LTV                  *big.Int       `json:"ltv"`
	LiquidationThreshold *big.Int       `json:"liquidationThreshold"`
	LiquidationPenalty   *big.Int       `json:"liquidationPenalty"`
	ReserveFactor        *big.Int       `json:"reserveFactor"`
}

// maxLTV and maxThreshold bound the risk parameters: 95% and 99%.
var (
	maxLTV       = big.NewInt(950_000_000_000_000_000)
	maxThreshold = big.NewInt(990_000_000_000_000_000)
)

// Validate rejects parameter sets that could never describe a solvent market.
func (p Params) Validate() error {
	if p.CollateralToken == (common.Address{}) || p.BorrowToken == (common.Address{}) {
		return ErrZeroAddress
	}
	if p.CollateralToken == p.BorrowToken {
		return ErrSameToken
	}
	if p.LTV == nil || p.LTV.Sign() <= 0 || p.LTV.Cmp(maxLTV) > 0 {
		return ErrInvalidParameters
	}
	if p.LiquidationThreshold == nil || p.LiquidationThreshold.Cmp(p.LTV) <= 0 || p.LiquidationThreshold.Cmp(maxThreshold) > 0 {
		return ErrInvalidParameters
	}
	if p.LiquidationPenalty == nil || p.LiquidationPenalty.Sign() < 0 {
		return ErrInvalidParameters
	}
	if p.ReserveFactor == nil || p.ReserveFactor.Sign() < 0 || p.ReserveFactor.Cmp(wad) > 0 {
		return ErrInvalidParameters
	}
	return nil
}

// Clone returns a deep copy of the parameter set.
func (p Params) Clone() Params {
	out := p
	out.LTV = copyBig(p.LTV)
	out.LiquidationThreshold = copyBig(p.LiquidationThreshold)
	out.LiquidationPenalty = copyBig(p.LiquidationPenalty)
	out.ReserveFactor = copyBig(p.ReserveFactor)
	return out
}

// State is the aggregate accounting state of one market.
type State struct {
	TotalSupplyAssets *big.Int `json:"totalSupplyAssets"`
	TotalSupplyShares *big.Int `json:"totalSupplyShares"`
	TotalBorrowAssets *big.Int `json:"totalBorrowAssets"`
	TotalBorrowShares *big.Int `json:"totalBorrowShares"`
	BorrowIndex       *big.Int `json:"borrowIndex"`
	TotalCollateral   *big.Int `json:"totalCollateral"`
	LockedCollateral  *big.Int `json:"lockedCollateral"`
	TotalReserves     *big.Int `json:"totalReserves"`
	LastAccrualTime   int64    `json:"lastAccrualTime"`
}

// NewState returns an empty market state with the borrow index at 1.0.
func NewState() *State {
	return &State{
		TotalSupplyAssets: big.NewInt(0),
		TotalSupplyShares: big.NewInt(0),
		TotalBorrowAssets: big.NewInt(0),
		TotalBorrowShares: big.NewInt(0),
		BorrowIndex:       new(big.Int).Set(wad),
		TotalCollateral:   big.NewInt(0),
		LockedCollateral:  big.NewInt(0),
		TotalReserves:     big.NewInt(0),
	}
}

// Normalize fills nil fields, as happens after JSON decoding of older
// snapshots, so arithmetic never sees a nil big.Int.
func (s *State) Normalize() {
	if s == nil {
		return
	}
	s.TotalSupplyAssets = orZero(s.TotalSupplyAssets)
	s.TotalSupplyShares = orZero(s.TotalSupplyShares)
	s.TotalBorrowAssets = orZero(s.TotalBorrowAssets)
	s.TotalBorrowShares = orZero(s.TotalBorrowShares)
	if s.BorrowIndex == nil || s.BorrowIndex.Sign() == 0 {
		s.BorrowIndex = new(big.Int).Set(wad)
	}
	s.TotalCollateral = orZero(s.TotalCollateral)
	s.LockedCollateral = orZero(s.LockedCollateral)
	s.TotalReserves = orZero(s.TotalReserves)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		TotalSupplyAssets: copyBig(s.TotalSupplyAssets),
		TotalSupplyShares: copyBig(s.TotalSupplyShares),
		TotalBorrowAssets: copyBig(s.TotalBorrowAssets),
		TotalBorrowShares: copyBig(s.TotalBorrowShares),
		BorrowIndex:       copyBig(s.BorrowIndex),
		TotalCollateral:   copyBig(s.TotalCollateral),
		LockedCollateral:  copyBig(s.LockedCollateral),
		TotalReserves:     copyBig(s.TotalReserves),
		LastAccrualTime:   s.LastAccrualTime,
	}
}

// AvailableLiquidity is the withdrawable balance:
// totalSupplyAssets − totalBorrowAssets − totalReserves, floored at zero.
func (s *State) AvailableLiquidity() *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Sub(orZero(s.TotalSupplyAssets), orZero(s.TotalBorrowAssets))
	out.Sub(out, orZero(s.TotalReserves))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// Position is one user's footprint in a market. A position springs into
// existence on first use and returns to the zero state when both collateral
// and borrow shares are gone; it is never explicitly deleted.
type Position struct {
	Collateral       *big.Int `json:"collateral"`
	BorrowShares     *big.Int `json:"borrowShares"`
	LockedCollateral *big.Int `json:"lockedCollateral"`
}

// NewPosition returns an empty position.
func NewPosition() *Position {
	return &Position{
		Collateral:       big.NewInt(0),
		BorrowShares:     big.NewInt(0),
		LockedCollateral: big.NewInt(0),
	}
}

// Normalize fills nil fields after decoding.
func (p *Position) Normalize() {
	if p == nil {
		return
	}
	p.Collateral = orZero(p.Collateral)
	p.BorrowShares = orZero(p.BorrowShares)
	p.LockedCollateral = orZero(p.LockedCollateral)
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		Collateral:       copyBig(p.Collateral),
		BorrowShares:     copyBig(p.BorrowShares),
		LockedCollateral: copyBig(p.LockedCollateral),
	}
}

// IsZero reports whether the position carries no balances.
func (p *Position) IsZero() bool {
	if p == nil {
		return true
	}
	return orZero(p.Collateral).Sign() == 0 &&
		orZero(p.BorrowShares).Sign() == 0 &&
		orZero(p.LockedCollateral).Sign() == 0
}

// FreeCollateral is the portion not reserved for an active auction.
func (p *Position) FreeCollateral() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Sub(orZero(p.Collateral), orZero(p.LockedCollateral))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
