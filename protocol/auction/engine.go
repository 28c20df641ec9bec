package auction

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"isolend/protocol/bank"
	"isolend/protocol/events"
	"isolend/protocol/guard"
	"isolend/protocol/market"
	"isolend/protocol/oracle"
)

var (
	// ErrPoolNotAuthorized is returned for markets outside the allow-list.
	ErrPoolNotAuthorized = errors.New("auction engine: market not authorized")
	// ErrPositionNotLiquidatable rejects auctions on healthy positions.
	ErrPositionNotLiquidatable = errors.New("auction engine: position not liquidatable")
	// ErrAuctionAlreadyExists rejects a second auction for the same pair.
	ErrAuctionAlreadyExists = errors.New("auction engine: auction already active")
	// ErrAuctionNotActive is returned for settled, cancelled, or unknown
	// auctions.
	ErrAuctionNotActive = errors.New("auction engine: auction not active")
	// ErrAuctionExpired rejects fills after the decay window closed.
	ErrAuctionExpired = errors.New("auction engine: auction expired")
	// ErrAuctionNotExpired rejects cancellation before the decay window closed.
	ErrAuctionNotExpired = errors.New("auction engine: auction not expired")
	// ErrInsufficientRepayment rejects fills below the minimum fill size.
	ErrInsufficientRepayment = errors.New("auction engine: repayment below minimum fill")
	// ErrReentrantCall is returned when a mutating entry point is re-entered.
	ErrReentrantCall = errors.New("auction engine: reentrant call")
	// ErrInvalidConfig rejects auction parameters outside their bounds.
	ErrInvalidConfig = errors.New("auction engine: invalid configuration")

	errZeroAmount     = errors.New("auction engine: amount must be positive")
	errNotInitialised = errors.New("auction engine: not initialised")
)

const moduleName = "liquidation"

var wad = big.NewInt(1_000_000_000_000_000_000)

// Auction is the state of one liquidation sale. The DebtToRepay and
// CollateralForSale snapshot is immutable after start; partial fills draw
// down the Remaining fields until the auction settles.
type Auction struct {
	ID                  string         `json:"id"`
	Market              string         `json:"market"`
	User                common.Address `json:"user"`
	DebtToRepay         *big.Int       `json:"debtToRepay"`
	CollateralForSale   *big.Int       `json:"collateralForSale"`
	RemainingDebt       *big.Int       `json:"remainingDebt"`
	RemainingCollateral *big.Int       `json:"remainingCollateral"`
	StartTime           int64          `json:"startTime"`
	EndTime             int64          `json:"endTime"`
	StartPrice          *big.Int       `json:"startPrice"`
	EndPrice            *big.Int       `json:"endPrice"`
	Active              bool           `json:"active"`
}

// Clone returns a deep copy of the auction.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	out := *a
	out.DebtToRepay = copyBig(a.DebtToRepay)
	out.CollateralForSale = copyBig(a.CollateralForSale)
	out.RemainingDebt = copyBig(a.RemainingDebt)
	out.RemainingCollateral = copyBig(a.RemainingCollateral)
	out.StartPrice = copyBig(a.StartPrice)
	out.EndPrice = copyBig(a.EndPrice)
	return &out
}

// Store persists auctions and the active-auction index per (market, user).
type Store interface {
	Auction(id string) (*Auction, error)
	PutAuction(*Auction) error
	ActiveAuctionID(marketSymbol string, user common.Address) (string, error)
	SetActiveAuctionID(marketSymbol string, user common.Address, id string) error
}

// MarketGateway is the slice of the market engine the liquidator drives.
// *market.Engine satisfies it.
type MarketGateway interface {
	Symbol() string
	Params() market.Params
	PoolAccount() common.Address
	BorrowAsset() bank.Token
	CollateralAsset() bank.Token
	DebtOf(addr common.Address) (*big.Int, error)
	GetPosition(addr common.Address) (*market.Position, error)
	LockCollateral(caller, user common.Address, amount *big.Int) error
	UnlockCollateral(caller, user common.Address, amount *big.Int) error
	ExecuteLiquidation(caller, user common.Address, debtRepaid, collateralSeized *big.Int) error
}

// HealthSource answers liquidation eligibility for one market's positions.
type HealthSource interface {
	IsLiquidatable(user common.Address) (bool, error)
}

// PriceSource resolves token prices at the WAD scale.
type PriceSource interface {
	GetPrice(token common.Address) (oracle.Price, error)
}

// Config are the auction curve parameters, all WAD fractions except the
// duration. StartPremium must exceed 1.0 and EndDiscount must sit below it.
type Config struct {
	CloseFactor  *big.Int
	StartPremium *big.Int
	EndDiscount  *big.Int
	Duration     time.Duration
	// MinFill is the smallest partial fill, as a fraction of the remaining
	// debt. Zero disables the floor.
	MinFill *big.Int
}

// Validate rejects curve parameters that cannot describe a descending sale.
func (c Config) Validate() error {
	if c.CloseFactor == nil || c.CloseFactor.Sign() <= 0 || c.CloseFactor.Cmp(wad) > 0 {
		return ErrInvalidConfig
	}
	if c.StartPremium == nil || c.StartPremium.Cmp(wad) <= 0 {
		return ErrInvalidConfig
	}
	if c.EndDiscount == nil || c.EndDiscount.Sign() <= 0 || c.EndDiscount.Cmp(wad) >= 0 {
		return ErrInvalidConfig
	}
	if c.Duration <= 0 {
		return ErrInvalidConfig
	}
	if c.MinFill != nil && (c.MinFill.Sign() < 0 || c.MinFill.Cmp(wad) > 0) {
		return ErrInvalidConfig
	}
	return nil
}

type marketRef struct {
	gateway MarketGateway
	health  HealthSource
}

// Engine runs the Dutch-auction liquidation lifecycle across the allow-listed
// markets. Prices decay linearly from a premium over the oracle price to a
// discount below it; partial fills keep the auction active until the debt
// snapshot is cleared.
type Engine struct {
	mu sync.Mutex

	identity common.Address
	store    Store
	prices   PriceSource
	cfg      Config
	markets  map[string]marketRef
	pauses   guard.PauseView
	emitter  events.Emitter
	now      func() time.Time
}

// NewEngine constructs an auction engine. The identity address is what the
// engine presents to market liquidation entry points; markets must configure
// it as their liquidator.
func NewEngine(identity common.Address, store Store, prices PriceSource, cfg Config) (*Engine, error) {
	if store == nil || prices == nil {
		return nil, errNotInitialised
	}
	if identity == (common.Address{}) {
		return nil, errNotInitialised
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		identity: identity,
		store:    store,
		prices:   prices,
		cfg:      cfg,
		markets:  make(map[string]marketRef),
		emitter:  events.NoopEmitter{},
		now:      time.Now,
	}, nil
}

// AuthorizeMarket adds a market to the allow-list.
func (e *Engine) AuthorizeMarket(gateway MarketGateway, health HealthSource) error {
	if e == nil {
		return errNotInitialised
	}
	if gateway == nil || health == nil {
		return errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markets[gateway.Symbol()] = marketRef{gateway: gateway, health: health}
	return nil
}

// Identity returns the address the engine uses against markets.
func (e *Engine) Identity() common.Address { return e.identity }

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

func (e *Engine) enter() error {
	if e == nil {
		return errNotInitialised
	}
	if !e.mu.TryLock() {
		return ErrReentrantCall
	}
	return nil
}

// StartAuction opens a liquidation sale for an unhealthy position. The debt
// target is capped by the close factor; enough collateral to cover it plus
// the liquidation penalty is locked in the market for the sale.
func (e *Engine) StartAuction(marketSymbol string, user common.Address) (*Auction, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return nil, err
	}
	ref, ok := e.markets[marketSymbol]
	if !ok {
		return nil, ErrPoolNotAuthorized
	}
	existing, err := e.store.ActiveAuctionID(marketSymbol, user)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, ErrAuctionAlreadyExists
	}
	liquidatable, err := ref.health.IsLiquidatable(user)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, ErrPositionNotLiquidatable
	}

	debt, err := ref.gateway.DebtOf(user)
	if err != nil {
		return nil, err
	}
	if debt.Sign() <= 0 {
		return nil, ErrPositionNotLiquidatable
	}
	debtToRepay := mulDivFloor(debt, e.cfg.CloseFactor, wad)
	if debtToRepay.Sign() == 0 || debtToRepay.Cmp(debt) > 0 {
		debtToRepay = new(big.Int).Set(debt)
	}

	params := ref.gateway.Params()
	collateralPrice, err := e.prices.GetPrice(params.CollateralToken)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.prices.GetPrice(params.BorrowToken)
	if err != nil {
		return nil, err
	}

	// Enough collateral to cover the debt target plus the penalty, capped at
	// the position's free collateral.
	targetValue := new(big.Int).Mul(debtToRepay, borrowPrice.Value)
	targetValue = mulDivCeil(targetValue, new(big.Int).Add(wad, params.LiquidationPenalty), wad)
	collateralForSale := new(big.Int).Mul(targetValue, pow10(params.CollateralDecimals))
	collateralForSale = divCeil(collateralForSale, new(big.Int).Mul(collateralPrice.Value, pow10(params.BorrowDecimals)))

	pos, err := ref.gateway.GetPosition(user)
	if err != nil {
		return nil, err
	}
	if free := pos.FreeCollateral(); collateralForSale.Cmp(free) > 0 {
		collateralForSale = free
	}
	if collateralForSale.Sign() <= 0 {
		return nil, ErrPositionNotLiquidatable
	}

	now := e.now()
	sale := &Auction{
		ID:                  uuid.NewString(),
		Market:              marketSymbol,
		User:                user,
		DebtToRepay:         debtToRepay,
		CollateralForSale:   new(big.Int).Set(collateralForSale),
		RemainingDebt:       new(big.Int).Set(debtToRepay),
		RemainingCollateral: new(big.Int).Set(collateralForSale),
		StartTime:           now.Unix(),
		EndTime:             now.Add(e.cfg.Duration).Unix(),
		StartPrice:          mulDivCeil(collateralPrice.Value, e.cfg.StartPremium, wad),
		EndPrice:            mulDivFloor(collateralPrice.Value, e.cfg.EndDiscount, wad),
		Active:              true,
	}
	if err := ref.gateway.LockCollateral(e.identity, user, collateralForSale); err != nil {
		return nil, err
	}
	if err := e.store.PutAuction(sale); err != nil {
		_ = ref.gateway.UnlockCollateral(e.identity, user, collateralForSale)
		return nil, err
	}
	if err := e.store.SetActiveAuctionID(marketSymbol, user, sale.ID); err != nil {
		sale.Active = false
		_ = e.store.PutAuction(sale)
		_ = ref.gateway.UnlockCollateral(e.identity, user, collateralForSale)
		return nil, err
	}
	e.emitter.Emit(events.AuctionStarted{
		ID:                sale.ID,
		Market:            marketSymbol,
		User:              user,
		DebtToRepay:       new(big.Int).Set(sale.DebtToRepay),
		CollateralForSale: new(big.Int).Set(sale.CollateralForSale),
		StartPrice:        new(big.Int).Set(sale.StartPrice),
		EndPrice:          new(big.Int).Set(sale.EndPrice),
	})
	return sale.Clone(), nil
}

// GetCurrentPrice returns the auction's decayed collateral price: a linear
// slide from StartPrice to EndPrice over the duration, clamped at EndPrice
// after expiry.
func (e *Engine) GetCurrentPrice(id string) (*big.Int, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sale, err := e.activeAuction(id)
	if err != nil {
		return nil, err
	}
	return e.priceAt(sale, e.now().Unix()), nil
}

func (e *Engine) priceAt(sale *Auction, now int64) *big.Int {
	if now <= sale.StartTime {
		return new(big.Int).Set(sale.StartPrice)
	}
	if now >= sale.EndTime {
		return new(big.Int).Set(sale.EndPrice)
	}
	elapsed := big.NewInt(now - sale.StartTime)
	window := big.NewInt(sale.EndTime - sale.StartTime)
	drop := new(big.Int).Sub(sale.StartPrice, sale.EndPrice)
	drop = mulDivFloor(drop, elapsed, window)
	return new(big.Int).Sub(sale.StartPrice, drop)
}

// Liquidate fills an active auction: the caller repays up to maxDebtToRepay
// of borrow tokens and receives collateral at the current decayed price. The
// auction stays active for further partial fills until the debt snapshot is
// cleared or the collateral runs out.
func (e *Engine) Liquidate(id string, caller common.Address, maxDebtToRepay *big.Int) (*Auction, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if err := guard.Check(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if caller == (common.Address{}) {
		return nil, errZeroAmount
	}
	if maxDebtToRepay == nil || maxDebtToRepay.Sign() <= 0 {
		return nil, errZeroAmount
	}
	sale, err := e.activeAuction(id)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if now.Unix() >= sale.EndTime {
		return nil, ErrAuctionExpired
	}
	ref, ok := e.markets[sale.Market]
	if !ok {
		return nil, ErrPoolNotAuthorized
	}

	fill := new(big.Int).Set(maxDebtToRepay)
	if fill.Cmp(sale.RemainingDebt) > 0 {
		fill.Set(sale.RemainingDebt)
	}
	if e.cfg.MinFill != nil && e.cfg.MinFill.Sign() > 0 && fill.Cmp(sale.RemainingDebt) < 0 {
		floor := mulDivCeil(sale.RemainingDebt, e.cfg.MinFill, wad)
		if fill.Cmp(floor) < 0 {
			return nil, ErrInsufficientRepayment
		}
	}

	params := ref.gateway.Params()
	price := e.priceAt(sale, now.Unix())
	borrowPrice, err := e.prices.GetPrice(params.BorrowToken)
	if err != nil {
		return nil, err
	}
	// collateral = fillValue / price, in raw collateral units.
	seized := new(big.Int).Mul(fill, borrowPrice.Value)
	seized.Mul(seized, pow10(params.CollateralDecimals))
	seized = divFloor(seized, new(big.Int).Mul(price, pow10(params.BorrowDecimals)))
	if seized.Cmp(sale.RemainingCollateral) > 0 {
		seized.Set(sale.RemainingCollateral)
	}
	if seized.Sign() <= 0 {
		return nil, ErrInsufficientRepayment
	}

	prior := sale.Clone()
	sale.RemainingDebt = new(big.Int).Sub(sale.RemainingDebt, fill)
	sale.RemainingCollateral = new(big.Int).Sub(sale.RemainingCollateral, seized)
	settled := sale.RemainingDebt.Sign() == 0 || sale.RemainingCollateral.Sign() == 0
	leftover := new(big.Int).Set(sale.RemainingCollateral)
	if settled {
		sale.Active = false
	}

	// The keeper's payment moves first: a failed pull leaves the auction and
	// the market untouched, and later failures unwind everything done so far.
	pool := ref.gateway.PoolAccount()
	if err := ref.gateway.BorrowAsset().TransferFrom(caller, pool, fill); err != nil {
		return nil, err
	}
	if err := ref.gateway.CollateralAsset().TransferFrom(pool, caller, seized); err != nil {
		_ = ref.gateway.BorrowAsset().TransferFrom(pool, caller, fill)
		return nil, err
	}
	unwindTransfers := func() {
		_ = ref.gateway.CollateralAsset().TransferFrom(caller, pool, seized)
		_ = ref.gateway.BorrowAsset().TransferFrom(pool, caller, fill)
	}
	if err := e.store.PutAuction(sale); err != nil {
		unwindTransfers()
		return nil, err
	}
	if settled {
		if err := e.store.SetActiveAuctionID(sale.Market, sale.User, ""); err != nil {
			_ = e.store.PutAuction(prior)
			unwindTransfers()
			return nil, err
		}
	}
	if err := ref.gateway.ExecuteLiquidation(e.identity, sale.User, fill, seized); err != nil {
		if settled {
			_ = e.store.SetActiveAuctionID(sale.Market, sale.User, sale.ID)
		}
		_ = e.store.PutAuction(prior)
		unwindTransfers()
		return nil, err
	}
	if settled && leftover.Sign() > 0 {
		if err := ref.gateway.UnlockCollateral(e.identity, sale.User, leftover); err != nil {
			return nil, err
		}
	}
	e.emitter.Emit(events.AuctionFilled{
		ID:               sale.ID,
		Market:           sale.Market,
		User:             sale.User,
		Liquidator:       caller,
		DebtRepaid:       new(big.Int).Set(fill),
		CollateralSeized: new(big.Int).Set(seized),
		FillPrice:        price,
		Settled:          settled,
	})
	return sale.Clone(), nil
}

// CancelExpiredAuction unwinds an auction whose decay window closed without
// clearing the snapshot, returning the locked collateral to the borrower.
func (e *Engine) CancelExpiredAuction(id string) error {
	if err := e.enter(); err != nil {
		return err
	}
	defer e.mu.Unlock()
	sale, err := e.activeAuction(id)
	if err != nil {
		return err
	}
	if e.now().Unix() < sale.EndTime {
		return ErrAuctionNotExpired
	}
	ref, ok := e.markets[sale.Market]
	if !ok {
		return ErrPoolNotAuthorized
	}
	leftover := new(big.Int).Set(sale.RemainingCollateral)
	sale.Active = false
	sale.RemainingCollateral = big.NewInt(0)
	if err := e.store.PutAuction(sale); err != nil {
		return err
	}
	if err := e.store.SetActiveAuctionID(sale.Market, sale.User, ""); err != nil {
		return err
	}
	if leftover.Sign() > 0 {
		if err := ref.gateway.UnlockCollateral(e.identity, sale.User, leftover); err != nil {
			return err
		}
	}
	e.emitter.Emit(events.AuctionCancelled{
		ID:                 sale.ID,
		Market:             sale.Market,
		User:               sale.User,
		CollateralReturned: leftover,
	})
	return nil
}

// CalculateProfit estimates a fill's margin for liquidator decision support:
// the oracle value of the collateral received minus the debt repaid, as a
// WAD value. Negative means the fill is currently unprofitable.
func (e *Engine) CalculateProfit(id string, debtToRepay *big.Int) (*big.Int, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if debtToRepay == nil || debtToRepay.Sign() <= 0 {
		return nil, errZeroAmount
	}
	sale, err := e.activeAuction(id)
	if err != nil {
		return nil, err
	}
	ref, ok := e.markets[sale.Market]
	if !ok {
		return nil, ErrPoolNotAuthorized
	}
	params := ref.gateway.Params()
	price := e.priceAt(sale, e.now().Unix())
	collateralPrice, err := e.prices.GetPrice(params.CollateralToken)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := e.prices.GetPrice(params.BorrowToken)
	if err != nil {
		return nil, err
	}
	fill := new(big.Int).Set(debtToRepay)
	if fill.Cmp(sale.RemainingDebt) > 0 {
		fill.Set(sale.RemainingDebt)
	}
	seized := new(big.Int).Mul(fill, borrowPrice.Value)
	seized.Mul(seized, pow10(params.CollateralDecimals))
	seized = divFloor(seized, new(big.Int).Mul(price, pow10(params.BorrowDecimals)))
	if seized.Cmp(sale.RemainingCollateral) > 0 {
		seized.Set(sale.RemainingCollateral)
	}
	collateralValue := new(big.Int).Mul(seized, collateralPrice.Value)
	collateralValue = divFloor(collateralValue, pow10(params.CollateralDecimals))
	debtValue := new(big.Int).Mul(fill, borrowPrice.Value)
	debtValue = divCeil(debtValue, pow10(params.BorrowDecimals))
	return collateralValue.Sub(collateralValue, debtValue), nil
}

// GetAuction returns a copy of the auction, active or not.
func (e *Engine) GetAuction(id string) (*Auction, error) {
	if e == nil {
		return nil, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sale, err := e.store.Auction(id)
	if err != nil {
		return nil, err
	}
	if sale == nil {
		return nil, ErrAuctionNotActive
	}
	return sale.Clone(), nil
}

// HasActiveAuction reports whether an auction is open for the pair.
func (e *Engine) HasActiveAuction(marketSymbol string, user common.Address) (bool, error) {
	if e == nil {
		return false, errNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, err := e.store.ActiveAuctionID(marketSymbol, user)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

func (e *Engine) activeAuction(id string) (*Auction, error) {
	sale, err := e.store.Auction(id)
	if err != nil {
		return nil, err
	}
	if sale == nil || !sale.Active {
		return nil, ErrAuctionNotActive
	}
	return sale.Clone(), nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func mulDivFloor(a, b, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

func mulDivCeil(a, b, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(a, b)
	out, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

func divFloor(num, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(num, den)
}

func divCeil(num, den *big.Int) *big.Int {
	if den.Sign() == 0 {
		return big.NewInt(0)
	}
	out, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}
