package risk

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/protocol/market"
	"isolend/protocol/oracle"
)

var (
	errNotInitialised = errors.New("health engine: not initialised")

	one = big.NewRat(1, 1)
	wad = big.NewInt(1_000_000_000_000_000_000)
)

// PriceSource resolves a token's current WAD price. Queried fresh on every
// call; results are never cached here.
type PriceSource interface {
	GetPrice(token common.Address) (oracle.Price, error)
}

// HealthFactor is the risk-adjusted collateral-to-debt ratio. Infinite marks
// a position with no debt, which can never be liquidated.
type HealthFactor struct {
	Value    *big.Rat
	Infinite bool
}

// Wad renders the factor at the WAD scale; infinite factors return nil.
func (h HealthFactor) Wad() *big.Int {
	if h.Infinite || h.Value == nil {
		return nil
	}
	out := new(big.Rat).Mul(h.Value, new(big.Rat).SetInt(wad))
	return new(big.Int).Quo(out.Num(), out.Denom())
}

// Liquidatable reports whether the factor is strictly below 1.0.
func (h HealthFactor) Liquidatable() bool {
	if h.Infinite || h.Value == nil {
		return false
	}
	return h.Value.Cmp(one) < 0
}

// Engine derives position health from one market's state and fresh oracle
// prices. It also answers the market's collateralization checks.
type Engine struct {
	market *market.Engine
	prices PriceSource
	params market.Params
}

// NewEngine constructs a health engine bound to the given market.
func NewEngine(m *market.Engine, prices PriceSource) (*Engine, error) {
	if m == nil || prices == nil {
		return nil, errNotInitialised
	}
	return &Engine{market: m, prices: prices, params: m.Params()}, nil
}

// HealthFactor computes (collateralValue × liquidationThreshold) / debtValue
// for the user, fetching both prices fresh.
func (e *Engine) HealthFactor(user common.Address) (HealthFactor, error) {
	if e == nil {
		return HealthFactor{}, errNotInitialised
	}
	pos, err := e.market.GetPosition(user)
	if err != nil {
		return HealthFactor{}, err
	}
	debt, err := e.market.DebtOf(user)
	if err != nil {
		return HealthFactor{}, err
	}
	return e.healthFactor(pos.Collateral, debt)
}

func (e *Engine) healthFactor(collateral, debt *big.Int) (HealthFactor, error) {
	if debt == nil || debt.Sign() == 0 {
		return HealthFactor{Infinite: true}, nil
	}
	collateralValue, err := e.collateralValue(collateral)
	if err != nil {
		return HealthFactor{}, err
	}
	debtValue, err := e.debtValue(debt)
	if err != nil {
		return HealthFactor{}, err
	}
	if debtValue.Sign() == 0 {
		return HealthFactor{Infinite: true}, nil
	}
	adjusted := new(big.Rat).Mul(collateralValue, new(big.Rat).SetFrac(e.params.LiquidationThreshold, wad))
	return HealthFactor{Value: adjusted.Quo(adjusted, debtValue)}, nil
}

// IsLiquidatable reports whether the user's health factor is strictly below
// 1.0.
func (e *Engine) IsLiquidatable(user common.Address) (bool, error) {
	hf, err := e.HealthFactor(user)
	if err != nil {
		return false, err
	}
	return hf.Liquidatable(), nil
}

// MaxBorrow returns the additional borrow-token amount the user could draw
// right now: max(0, collateralValue × ltv − debtValue) at the current borrow
// price.
func (e *Engine) MaxBorrow(user common.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	pos, err := e.market.GetPosition(user)
	if err != nil {
		return nil, err
	}
	debt, err := e.market.DebtOf(user)
	if err != nil {
		return nil, err
	}
	collateralValue, err := e.collateralValue(pos.Collateral)
	if err != nil {
		return nil, err
	}
	debtValue := new(big.Rat)
	if debt.Sign() > 0 {
		debtValue, err = e.debtValue(debt)
		if err != nil {
			return nil, err
		}
	}
	headroom := new(big.Rat).Mul(collateralValue, new(big.Rat).SetFrac(e.params.LTV, wad))
	headroom.Sub(headroom, debtValue)
	if headroom.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	price, err := e.prices.GetPrice(e.params.BorrowToken)
	if err != nil {
		return nil, err
	}
	// units = headroom / price × 10^borrowDecimals, floored.
	units := new(big.Rat).Mul(headroom, new(big.Rat).SetInt(wad))
	units.Quo(units, new(big.Rat).SetInt(price.Value))
	units.Mul(units, new(big.Rat).SetInt(pow10(e.params.BorrowDecimals)))
	units.Quo(units, new(big.Rat).SetInt(wad))
	return new(big.Int).Quo(units.Num(), units.Denom()), nil
}

// CanBorrow implements the market.RiskChecker interface: the post-borrow debt
// value must stay within collateralValue × ltv.
func (e *Engine) CanBorrow(collateral, debtAfter *big.Int) error {
	if e == nil {
		return errNotInitialised
	}
	if debtAfter == nil || debtAfter.Sign() == 0 {
		return nil
	}
	collateralValue, err := e.collateralValue(collateral)
	if err != nil {
		return fmt.Errorf("health engine: collateral price: %w", err)
	}
	debtValue, err := e.debtValue(debtAfter)
	if err != nil {
		return fmt.Errorf("health engine: borrow price: %w", err)
	}
	limit := new(big.Rat).Mul(collateralValue, new(big.Rat).SetFrac(e.params.LTV, wad))
	if debtValue.Cmp(limit) > 0 {
		return market.ErrUndercollateralized
	}
	return nil
}

// CanWithdrawCollateral implements the market.RiskChecker interface: the
// position's health factor must stay at or above 1.0 after the reduction.
func (e *Engine) CanWithdrawCollateral(collateralAfter, debt *big.Int) error {
	if e == nil {
		return errNotInitialised
	}
	hf, err := e.healthFactor(collateralAfter, debt)
	if err != nil {
		return fmt.Errorf("health engine: price: %w", err)
	}
	if !hf.Infinite && hf.Value.Cmp(one) < 0 {
		return market.ErrUndercollateralized
	}
	return nil
}

// collateralValue converts raw collateral units to a WAD USD value.
func (e *Engine) collateralValue(collateral *big.Int) (*big.Rat, error) {
	if collateral == nil || collateral.Sign() == 0 {
		return new(big.Rat), nil
	}
	price, err := e.prices.GetPrice(e.params.CollateralToken)
	if err != nil {
		return nil, err
	}
	return tokenValue(collateral, price.Value, e.params.CollateralDecimals), nil
}

// debtValue converts raw borrow units to a WAD USD value.
func (e *Engine) debtValue(debt *big.Int) (*big.Rat, error) {
	price, err := e.prices.GetPrice(e.params.BorrowToken)
	if err != nil {
		return nil, err
	}
	return tokenValue(debt, price.Value, e.params.BorrowDecimals), nil
}

// tokenValue = amount × price / 10^decimals, exact as a rational.
func tokenValue(amount, price *big.Int, decimals uint8) *big.Rat {
	value := new(big.Rat).SetInt(new(big.Int).Mul(amount, price))
	return value.Quo(value, new(big.Rat).SetInt(pow10(decimals)))
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
