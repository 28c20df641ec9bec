package market

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"isolend/protocol/bank"
	"isolend/protocol/events"
	"isolend/protocol/guard"
	"isolend/protocol/interest"
)

var (
	// ErrZeroAmount rejects zero or negative amounts before any state change.
	ErrZeroAmount = errors.New("market engine: amount must be positive")
	// ErrZeroAddress rejects the zero address where an account is required.
	ErrZeroAddress = errors.New("market engine: address must not be zero")
	// ErrSameToken rejects a market whose collateral and borrow token match.
	ErrSameToken = errors.New("market engine: collateral and borrow token must differ")
	// ErrInvalidParameters rejects risk parameters outside their bounds.
	ErrInvalidParameters = errors.New("market engine: invalid parameters")
	// ErrInsufficientLiquidity is returned when a withdraw or borrow exceeds
	// the pool's free balance.
	ErrInsufficientLiquidity = errors.New("market engine: insufficient liquidity")
	// ErrInsufficientCollateral is returned when an operation exceeds the
	// position's free collateral.
	ErrInsufficientCollateral = errors.New("market engine: insufficient collateral")
	// ErrUndercollateralized is returned when an operation would leave the
	// position below its required collateralization.
	ErrUndercollateralized = errors.New("market engine: position would be undercollateralized")
	// ErrOnlyLiquidator gates the liquidation entry points to the configured
	// liquidator identity.
	ErrOnlyLiquidator = errors.New("market engine: caller is not the liquidator")
	// ErrNotAuthorized gates administrative operations.
	ErrNotAuthorized = errors.New("market engine: caller is not authorized")
	// ErrReentrantCall is returned when a mutating entry point is re-entered
	// before the outer call finished.
	ErrReentrantCall = errors.New("market engine: reentrant call")

	errNotInitialised = errors.New("market engine: not initialised")
)

const (
	moduleName = "lending"

	secondsPerYear = 31_536_000
)

// Store persists the market's aggregate state and per-user positions. A nil
// position result means the user has no footprint yet.
type Store interface {
	State() (*State, error)
	PutState(*State) error
	Position(addr common.Address) (*Position, error)
	PutPosition(addr common.Address, pos *Position) error
}

// RiskChecker answers collateralization questions for this market. Amounts
// are raw token units; implementations fetch prices fresh on every call.
type RiskChecker interface {
	// CanBorrow reports whether the position may take on additional debt,
	// returning ErrUndercollateralized (possibly wrapped) when it may not.
	CanBorrow(collateral, debtAfter *big.Int) error
	// CanWithdrawCollateral reports whether the position stays healthy after
	// the collateral reduction, given its outstanding debt.
	CanWithdrawCollateral(collateralAfter, debt *big.Int) error
}

// Engine is the accounting core of one isolated market. All mutating entry
// points accrue interest first, apply every check against a working copy of
// the state, move tokens, and persist last: a failed transfer leaves the
// stored state untouched, and a failed store write reverses the transfer.
type Engine struct {
	mu sync.Mutex

	symbol     string
	params     Params
	model      *interest.Model
	store      Store
	borrowTok  bank.Token
	collatTok  bank.Token
	shares     bank.ShareToken
	pool       common.Address
	liquidator common.Address
	admin      common.Address
	risk       RiskChecker
	pauses     guard.PauseView
	emitter    events.Emitter
	now        func() time.Time
}

// NewEngine constructs a market over the given collaborators. The pool
// address is the account holding the market's token balances.
func NewEngine(symbol string, params Params, model *interest.Model, store Store, borrowTok, collatTok bank.Token, shares bank.ShareToken, pool common.Address) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if model == nil || store == nil || borrowTok == nil || collatTok == nil || shares == nil {
		return nil, errNotInitialised
	}
	if pool == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	return &Engine{
		symbol:    symbol,
		params:    params.Clone(),
		model:     model.Clone(),
		store:     store,
		borrowTok: borrowTok,
		collatTok: collatTok,
		shares:    shares,
		pool:      pool,
		emitter:   events.NoopEmitter{},
		now:       time.Now,
	}, nil
}

// SetLiquidator wires the identity allowed to call the liquidation entry
// points.
func (e *Engine) SetLiquidator(addr common.Address) { e.liquidator = addr }

// SetAdmin wires the identity allowed to withdraw protocol reserves.
func (e *Engine) SetAdmin(addr common.Address) { e.admin = addr }

// SetRiskChecker wires the health-factor collaborator. Without one, borrows
// and collateral withdrawals are rejected outright when debt is involved.
func (e *Engine) SetRiskChecker(r RiskChecker) { e.risk = r }

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p guard.PauseView) { e.pauses = p }

// SetEmitter wires the event sink.
func (e *Engine) SetEmitter(em events.Emitter) {
	if em == nil {
		em = events.NoopEmitter{}
	}
	e.emitter = em
}

// SetClock overrides the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.now = now
}

// Symbol returns the market's configured symbol.
func (e *Engine) Symbol() string { return e.symbol }

// Params returns a copy of the immutable risk parameters.
func (e *Engine) Params() Params { return e.params.Clone() }

// PoolAccount returns the address holding the market's token balances.
func (e *Engine) PoolAccount() common.Address { return e.pool }

// BorrowAsset returns the borrow-side token collaborator.
func (e *Engine) BorrowAsset() bank.Token { return e.borrowTok }

// CollateralAsset returns the collateral-side token collaborator.
func (e *Engine) CollateralAsset() bank.Token { return e.collatTok }

func (e *Engine) enter() error {
	if e == nil {
		return errNotInitialised
	}
	if !e.mu.TryLock() {
		return ErrReentrantCall
	}
	return nil
}

// AccrueInterest advances the borrow index to the current time. Safe to call
// by anyone, any number of times.
func (e *Engine) AccrueInterest() error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	return e.store.PutState(state)
}

// accrue applies simple interest for the elapsed window to the working copy.
// Idempotent within a single timestamp.
func (e *Engine) accrue(state *State) {
	now := e.now().Unix()
	if state.LastAccrualTime == 0 {
		state.LastAccrualTime = now
		return
	}
	elapsed := now - state.LastAccrualTime
	if elapsed <= 0 {
		return
	}
	state.LastAccrualTime = now
	if state.TotalBorrowAssets.Sign() == 0 {
		return
	}
	rate := e.model.BorrowRate(state.TotalSupplyAssets, state.TotalBorrowAssets)
	if rate.Sign() <= 0 {
		return
	}
	// growth = rate * elapsed / secondsPerYear, applied as simple interest.
	num := new(big.Int).Mul(rate.Num(), big.NewInt(elapsed))
	den := new(big.Int).Mul(rate.Denom(), big.NewInt(secondsPerYear))

	interestAccrued := mulDivFloor(state.TotalBorrowAssets, num, den)
	indexGrowth := mulDivFloor(state.BorrowIndex, num, den)
	if interestAccrued.Sign() == 0 && indexGrowth.Sign() == 0 {
		return
	}
	state.BorrowIndex = new(big.Int).Add(state.BorrowIndex, indexGrowth)
	state.TotalBorrowAssets = new(big.Int).Add(state.TotalBorrowAssets, interestAccrued)

	reservePart := mulDivFloor(interestAccrued, e.params.ReserveFactor, wad)
	supplyPart := new(big.Int).Sub(interestAccrued, reservePart)
	state.TotalReserves = new(big.Int).Add(state.TotalReserves, reservePart)
	state.TotalSupplyAssets = new(big.Int).Add(state.TotalSupplyAssets, supplyPart)

	e.emitter.Emit(events.InterestAccrued{
		Market:      e.symbol,
		Elapsed:     elapsed,
		Interest:    new(big.Int).Set(interestAccrued),
		Reserves:    new(big.Int).Set(reservePart),
		BorrowIndex: new(big.Int).Set(state.BorrowIndex),
	})
}

// Deposit supplies borrow-token liquidity and mints supply shares. Returns
// the shares minted.
func (e *Engine) Deposit(from common.Address, assets *big.Int) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if from == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	e.accrue(state)

	var minted *big.Int
	if state.TotalSupplyShares.Sign() == 0 {
		minted = new(big.Int).Set(assets)
	} else {
		minted = mulDivFloor(assets, state.TotalSupplyShares, state.TotalSupplyAssets)
	}
	if minted.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	state.TotalSupplyAssets = new(big.Int).Add(state.TotalSupplyAssets, assets)
	state.TotalSupplyShares = new(big.Int).Add(state.TotalSupplyShares, minted)
	if err := e.borrowTok.TransferFrom(from, e.pool, assets); err != nil {
		return nil, err
	}
	if err := e.shares.Mint(from, minted); err != nil {
		_ = e.borrowTok.TransferFrom(e.pool, from, assets)
		return nil, err
	}
	if err := e.store.PutState(state); err != nil {
		_ = e.shares.Burn(from, minted)
		_ = e.borrowTok.TransferFrom(e.pool, from, assets)
		return nil, err
	}
	e.emitter.Emit(events.Deposited{
		Market:   e.symbol,
		Supplier: from,
		Assets:   new(big.Int).Set(assets),
		Shares:   new(big.Int).Set(minted),
	})
	return minted, nil
}

// Withdraw redeems supply shares for the requested asset amount. Returns the
// shares burned.
func (e *Engine) Withdraw(to common.Address, assets *big.Int) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	e.accrue(state)

	if assets.Cmp(state.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	if state.TotalSupplyShares.Sign() == 0 || state.TotalSupplyAssets.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}
	burned := mulDivCeil(assets, state.TotalSupplyShares, state.TotalSupplyAssets)
	if burned.Cmp(state.TotalSupplyShares) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	state.TotalSupplyAssets = new(big.Int).Sub(state.TotalSupplyAssets, assets)
	state.TotalSupplyShares = new(big.Int).Sub(state.TotalSupplyShares, burned)
	if err := e.shares.Burn(to, burned); err != nil {
		return nil, err
	}
	if err := e.borrowTok.TransferFrom(e.pool, to, assets); err != nil {
		_ = e.shares.Mint(to, burned)
		return nil, err
	}
	if err := e.store.PutState(state); err != nil {
		_ = e.borrowTok.TransferFrom(to, e.pool, assets)
		_ = e.shares.Mint(to, burned)
		return nil, err
	}
	e.emitter.Emit(events.Withdrawn{
		Market:   e.symbol,
		Supplier: to,
		Assets:   new(big.Int).Set(assets),
		Shares:   new(big.Int).Set(burned),
	})
	return burned, nil
}

// DepositCollateral pledges collateral to the caller's position.
func (e *Engine) DepositCollateral(from common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	if from == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	pos, err := e.loadPosition(from)
	if err != nil {
		return err
	}
	pos.Collateral = new(big.Int).Add(pos.Collateral, amount)
	state.TotalCollateral = new(big.Int).Add(state.TotalCollateral, amount)
	if err := e.collatTok.TransferFrom(from, e.pool, amount); err != nil {
		return err
	}
	if err := e.persist(state, from, pos); err != nil {
		_ = e.collatTok.TransferFrom(e.pool, from, amount)
		return err
	}
	e.emitter.Emit(events.CollateralDeposited{
		Market: e.symbol,
		User:   from,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// WithdrawCollateral releases free collateral back to the caller, provided
// the position stays healthy.
func (e *Engine) WithdrawCollateral(to common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	pos, err := e.loadPosition(to)
	if err != nil {
		return err
	}
	if amount.Cmp(pos.FreeCollateral()) > 0 {
		return ErrInsufficientCollateral
	}
	remaining := new(big.Int).Sub(pos.Collateral, amount)
	if pos.BorrowShares.Sign() > 0 {
		if e.risk == nil {
			return ErrUndercollateralized
		}
		debt := debtFromShares(pos.BorrowShares, state.BorrowIndex)
		if err := e.risk.CanWithdrawCollateral(remaining, debt); err != nil {
			return err
		}
	}
	pos.Collateral = remaining
	state.TotalCollateral = new(big.Int).Sub(state.TotalCollateral, amount)
	if err := e.collatTok.TransferFrom(e.pool, to, amount); err != nil {
		return err
	}
	if err := e.persist(state, to, pos); err != nil {
		_ = e.collatTok.TransferFrom(to, e.pool, amount)
		return err
	}
	e.emitter.Emit(events.CollateralWithdrawn{
		Market: e.symbol,
		User:   to,
		Amount: new(big.Int).Set(amount),
	})
	return nil
}

// Borrow draws borrow tokens against the caller's collateral.
func (e *Engine) Borrow(borrower common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return err
	}
	if borrower == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	if amount.Cmp(state.AvailableLiquidity()) > 0 {
		return ErrInsufficientLiquidity
	}
	pos, err := e.loadPosition(borrower)
	if err != nil {
		return err
	}

	var minted *big.Int
	if state.TotalBorrowShares.Sign() == 0 {
		minted = mulDivCeil(amount, wad, state.BorrowIndex)
	} else {
		minted = mulDivCeil(amount, state.TotalBorrowShares, state.TotalBorrowAssets)
	}
	if minted.Sign() <= 0 {
		return ErrZeroAmount
	}
	if e.risk == nil {
		return ErrUndercollateralized
	}
	sharesAfter := new(big.Int).Add(pos.BorrowShares, minted)
	indexAfter := state.BorrowIndex
	debtAfter := debtFromShares(sharesAfter, indexAfter)
	if err := e.risk.CanBorrow(pos.FreeCollateral(), debtAfter); err != nil {
		return err
	}

	pos.BorrowShares = sharesAfter
	state.TotalBorrowShares = new(big.Int).Add(state.TotalBorrowShares, minted)
	state.TotalBorrowAssets = new(big.Int).Add(state.TotalBorrowAssets, amount)
	if err := e.borrowTok.TransferFrom(e.pool, borrower, amount); err != nil {
		return err
	}
	if err := e.persist(state, borrower, pos); err != nil {
		_ = e.borrowTok.TransferFrom(borrower, e.pool, amount)
		return err
	}
	e.emitter.Emit(events.Borrowed{
		Market: e.symbol,
		User:   borrower,
		Amount: new(big.Int).Set(amount),
		Shares: new(big.Int).Set(minted),
	})
	return nil
}

// Repay settles the caller's own debt. Over-payment is silently capped at the
// outstanding debt and only the capped amount is pulled from the payer.
// Returns the amount actually repaid.
func (e *Engine) Repay(payer common.Address, amount *big.Int) (*big.Int, error) {
	return e.RepayOnBehalf(payer, payer, amount)
}

// RepayOnBehalf settles the beneficiary's debt using the payer's funds.
func (e *Engine) RepayOnBehalf(payer, beneficiary common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if payer == (common.Address{}) || beneficiary == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	e.accrue(state)
	pos, err := e.loadPosition(beneficiary)
	if err != nil {
		return nil, err
	}
	if pos.BorrowShares.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	debt := debtFromShares(pos.BorrowShares, state.BorrowIndex)
	repaid := new(big.Int).Set(amount)
	if repaid.Cmp(debt) > 0 {
		repaid.Set(debt)
	}

	var burned *big.Int
	if repaid.Cmp(debt) == 0 {
		burned = new(big.Int).Set(pos.BorrowShares)
	} else {
		burned = mulDivFloor(repaid, wad, state.BorrowIndex)
	}
	if burned.Cmp(pos.BorrowShares) > 0 {
		burned = new(big.Int).Set(pos.BorrowShares)
	}
	pos.BorrowShares = new(big.Int).Sub(pos.BorrowShares, burned)
	state.TotalBorrowShares = clampSub(state.TotalBorrowShares, burned)
	state.TotalBorrowAssets = clampSub(state.TotalBorrowAssets, repaid)
	if err := e.borrowTok.TransferFrom(payer, e.pool, repaid); err != nil {
		return nil, err
	}
	if err := e.persist(state, beneficiary, pos); err != nil {
		_ = e.borrowTok.TransferFrom(e.pool, payer, repaid)
		return nil, err
	}
	e.emitter.Emit(events.Repaid{
		Market:      e.symbol,
		Payer:       payer,
		Beneficiary: beneficiary,
		Amount:      new(big.Int).Set(repaid),
		Shares:      new(big.Int).Set(burned),
	})
	return repaid, nil
}

// WithdrawReserves pays accumulated protocol reserves to the recipient. Only
// the configured admin may call it.
func (e *Engine) WithdrawReserves(caller, recipient common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.admin == (common.Address{}) || caller != e.admin {
		return ErrNotAuthorized
	}
	if recipient == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	if amount.Cmp(state.TotalReserves) > 0 {
		return ErrInsufficientLiquidity
	}
	state.TotalReserves = new(big.Int).Sub(state.TotalReserves, amount)
	state.TotalSupplyAssets = new(big.Int).Sub(state.TotalSupplyAssets, amount)
	if err := e.borrowTok.TransferFrom(e.pool, recipient, amount); err != nil {
		return err
	}
	if err := e.store.PutState(state); err != nil {
		_ = e.borrowTok.TransferFrom(recipient, e.pool, amount)
		return err
	}
	e.emitter.Emit(events.ReservesWithdrawn{
		Market:    e.symbol,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
	})
	return nil
}

// LockCollateral reserves part of a user's collateral for an active auction.
// Only the configured liquidator may call it.
func (e *Engine) LockCollateral(caller, user common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.requireLiquidator(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	pos, err := e.loadPosition(user)
	if err != nil {
		return err
	}
	if amount.Cmp(pos.FreeCollateral()) > 0 {
		return ErrInsufficientCollateral
	}
	pos.LockedCollateral = new(big.Int).Add(pos.LockedCollateral, amount)
	state.LockedCollateral = new(big.Int).Add(state.LockedCollateral, amount)
	return e.persist(state, user, pos)
}

// UnlockCollateral releases previously locked collateral back to the
// position's free balance.
func (e *Engine) UnlockCollateral(caller, user common.Address, amount *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.requireLiquidator(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	pos, err := e.loadPosition(user)
	if err != nil {
		return err
	}
	if amount.Cmp(pos.LockedCollateral) > 0 {
		return ErrInsufficientCollateral
	}
	pos.LockedCollateral = new(big.Int).Sub(pos.LockedCollateral, amount)
	state.LockedCollateral = clampSub(state.LockedCollateral, amount)
	return e.persist(state, user, pos)
}

// ExecuteLiquidation burns debt and seizes locked collateral for a settled
// auction fill. Token movement stays with the caller; this updates accounting
// only. The seized collateral leaves both the position and the market totals.
func (e *Engine) ExecuteLiquidation(caller, user common.Address, debtRepaid, collateralSeized *big.Int) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if err := e.requireLiquidator(caller); err != nil {
		return err
	}
	if debtRepaid == nil || debtRepaid.Sign() <= 0 || collateralSeized == nil || collateralSeized.Sign() < 0 {
		return ErrZeroAmount
	}
	state, err := e.loadState()
	if err != nil {
		return err
	}
	e.accrue(state)
	pos, err := e.loadPosition(user)
	if err != nil {
		return err
	}
	if collateralSeized.Cmp(pos.LockedCollateral) > 0 {
		return ErrInsufficientCollateral
	}
	debt := debtFromShares(pos.BorrowShares, state.BorrowIndex)
	repaid := new(big.Int).Set(debtRepaid)
	if repaid.Cmp(debt) > 0 {
		repaid.Set(debt)
	}
	var burned *big.Int
	if repaid.Cmp(debt) == 0 {
		burned = new(big.Int).Set(pos.BorrowShares)
	} else {
		burned = mulDivFloor(repaid, wad, state.BorrowIndex)
	}
	if burned.Cmp(pos.BorrowShares) > 0 {
		burned = new(big.Int).Set(pos.BorrowShares)
	}
	pos.BorrowShares = new(big.Int).Sub(pos.BorrowShares, burned)
	pos.LockedCollateral = new(big.Int).Sub(pos.LockedCollateral, collateralSeized)
	pos.Collateral = clampSub(pos.Collateral, collateralSeized)
	state.TotalBorrowShares = clampSub(state.TotalBorrowShares, burned)
	state.TotalBorrowAssets = clampSub(state.TotalBorrowAssets, repaid)
	state.LockedCollateral = clampSub(state.LockedCollateral, collateralSeized)
	state.TotalCollateral = clampSub(state.TotalCollateral, collateralSeized)
	return e.persist(state, user, pos)
}

// Snapshot returns a copy of the aggregate state without accruing.
func (e *Engine) Snapshot() (*State, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadState()
}

// GetPosition returns a copy of the user's position.
func (e *Engine) GetPosition(addr common.Address) (*Position, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadPosition(addr)
}

// DebtOf returns the user's outstanding debt at the current borrow index,
// including interest accrued since the last on-state accrual.
func (e *Engine) DebtOf(addr common.Address) (*big.Int, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, err := e.loadState()
	if err != nil {
		return nil, err
	}
	e.accrue(state)
	pos, err := e.loadPosition(addr)
	if err != nil {
		return nil, err
	}
	return debtFromShares(pos.BorrowShares, state.BorrowIndex), nil
}

// AvailableLiquidity returns the balance withdrawable right now.
func (e *Engine) AvailableLiquidity() (*big.Int, error) {
	state, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	return state.AvailableLiquidity(), nil
}

func (e *Engine) requireLiquidator(caller common.Address) error {
	if e.liquidator == (common.Address{}) || caller != e.liquidator {
		return ErrOnlyLiquidator
	}
	return nil
}

func (e *Engine) loadState() (*State, error) {
	state, err := e.store.State()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = NewState()
	} else {
		state = state.Clone()
		state.Normalize()
	}
	return state, nil
}

func (e *Engine) loadPosition(addr common.Address) (*Position, error) {
	pos, err := e.store.Position(addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = NewPosition()
	} else {
		pos = pos.Clone()
		pos.Normalize()
	}
	return pos, nil
}

func (e *Engine) persist(state *State, addr common.Address, pos *Position) error {
	if err := e.store.PutState(state); err != nil {
		return err
	}
	return e.store.PutPosition(addr, pos)
}

// debtFromShares converts borrow shares to owed assets, rounding the debt up.
func debtFromShares(shares, index *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDivCeil(shares, index, wad)
}

func clampSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(a), orZero(b))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
