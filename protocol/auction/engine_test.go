package auction

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"isolend/protocol/bank"
	"isolend/protocol/interest"
	"isolend/protocol/market"
	"isolend/protocol/oracle"
	"isolend/protocol/risk"
)

var (
	collateralToken = common.HexToAddress("0x00000000000000000000000000000000000000C0")
	borrowToken     = common.HexToAddress("0x00000000000000000000000000000000000000B0")
	liquidatorID    = common.HexToAddress("0x00000000000000000000000000000000000000F0")
	poolAccount     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	supplier        = common.HexToAddress("0x0000000000000000000000000000000000000010")
	borrower        = common.HexToAddress("0x0000000000000000000000000000000000000011")
	keeper          = common.HexToAddress("0x0000000000000000000000000000000000000012")
)

type staticPrices struct {
	mu     sync.Mutex
	prices map[common.Address]*big.Int
}

func newStaticPrices() *staticPrices {
	return &staticPrices{prices: make(map[common.Address]*big.Int)}
}

func (s *staticPrices) set(token common.Address, price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = new(big.Int).Set(price)
}

func (s *staticPrices) GetPrice(token common.Address) (oracle.Price, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.prices[token]
	if !ok {
		return oracle.Price{}, oracle.ErrOracleNotConfigured
	}
	return oracle.Price{Value: new(big.Int).Set(price), Timestamp: time.Now()}, nil
}

type memAuctionStore struct {
	auctions map[string]*Auction
	active   map[string]string
}

func newMemAuctionStore() *memAuctionStore {
	return &memAuctionStore{
		auctions: make(map[string]*Auction),
		active:   make(map[string]string),
	}
}

func (m *memAuctionStore) key(marketSymbol string, user common.Address) string {
	return marketSymbol + "/" + user.Hex()
}

func (m *memAuctionStore) Auction(id string) (*Auction, error) {
	return m.auctions[id], nil
}

func (m *memAuctionStore) PutAuction(sale *Auction) error {
	m.auctions[sale.ID] = sale.Clone()
	return nil
}

func (m *memAuctionStore) ActiveAuctionID(marketSymbol string, user common.Address) (string, error) {
	return m.active[m.key(marketSymbol, user)], nil
}

func (m *memAuctionStore) SetActiveAuctionID(marketSymbol string, user common.Address, id string) error {
	if id == "" {
		delete(m.active, m.key(marketSymbol, user))
		return nil
	}
	m.active[m.key(marketSymbol, user)] = id
	return nil
}

type memMarketStore struct {
	state     *market.State
	positions map[common.Address]*market.Position
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{positions: make(map[common.Address]*market.Position)}
}

func (m *memMarketStore) State() (*market.State, error) { return m.state, nil }

func (m *memMarketStore) PutState(state *market.State) error {
	m.state = state
	return nil
}

func (m *memMarketStore) Position(addr common.Address) (*market.Position, error) {
	return m.positions[addr], nil
}

func (m *memMarketStore) PutPosition(addr common.Address, pos *market.Position) error {
	m.positions[addr] = pos
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	auctions *Engine
	mkt      *market.Engine
	prices   *staticPrices
	borrow   *bank.Ledger
	collat   *bank.Ledger
	clock    *testClock
}

func wadUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func micro(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

// newTestEnv opens a position worth 10 collateral units against 15000 of
// borrow-token debt, with auction parameters premium 1.05, discount 0.95,
// close factor 0.5, a 1200 second window, and a 10% minimum fill.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	params := market.Params{
		CollateralToken:      collateralToken,
		BorrowToken:          borrowToken,
		CollateralDecimals:   18,
		BorrowDecimals:       6,
		LTV:                  big.NewInt(750_000_000_000_000_000),
		LiquidationThreshold: big.NewInt(800_000_000_000_000_000),
		LiquidationPenalty:   big.NewInt(50_000_000_000_000_000),
		ReserveFactor:        big.NewInt(100_000_000_000_000_000),
	}
	model, err := interest.NewModel(0, 0.04, 0.6, 0.8)
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	borrow := bank.NewLedger("USDX", 6)
	collat := bank.NewLedger("WETH", 18)
	shares := bank.NewLedger("sUSDX", 6)
	mkt, err := market.NewEngine("WETH-USDX", params, model, newMemMarketStore(), borrow, collat, shares, poolAccount)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	marketTime := time.Unix(1_700_000_000, 0)
	mkt.SetClock(func() time.Time { return marketTime })
	mkt.SetLiquidator(liquidatorID)

	prices := newStaticPrices()
	prices.set(collateralToken, wadUnits(2000))
	prices.set(borrowToken, wadUnits(1))

	health, err := risk.NewEngine(mkt, prices)
	if err != nil {
		t.Fatalf("new health engine: %v", err)
	}
	mkt.SetRiskChecker(health)

	cfg := Config{
		CloseFactor:  big.NewInt(500_000_000_000_000_000),
		StartPremium: big.NewInt(1_050_000_000_000_000_000),
		EndDiscount:  big.NewInt(950_000_000_000_000_000),
		Duration:     1200 * time.Second,
		MinFill:      big.NewInt(100_000_000_000_000_000),
	}
	auctions, err := NewEngine(liquidatorID, newMemAuctionStore(), prices, cfg)
	if err != nil {
		t.Fatalf("new auction engine: %v", err)
	}
	clock := &testClock{now: marketTime}
	auctions.SetClock(clock.Now)
	if err := auctions.AuthorizeMarket(mkt, health); err != nil {
		t.Fatalf("authorize market: %v", err)
	}

	if err := borrow.Mint(supplier, micro(100_000)); err != nil {
		t.Fatalf("fund supplier: %v", err)
	}
	if _, err := mkt.Deposit(supplier, micro(100_000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if err := collat.Mint(borrower, wadUnits(10)); err != nil {
		t.Fatalf("fund collateral: %v", err)
	}
	if err := mkt.DepositCollateral(borrower, wadUnits(10)); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := mkt.Borrow(borrower, micro(15_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := borrow.Mint(keeper, micro(20_000)); err != nil {
		t.Fatalf("fund keeper: %v", err)
	}
	return &testEnv{auctions: auctions, mkt: mkt, prices: prices, borrow: borrow, collat: collat, clock: clock}
}

func (env *testEnv) makeLiquidatable() {
	env.prices.set(collateralToken, wadUnits(1800))
}

func TestStartAuctionRequiresEligibility(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.auctions.StartAuction("UNKNOWN", borrower); !errors.Is(err, ErrPoolNotAuthorized) {
		t.Fatalf("expected ErrPoolNotAuthorized, got %v", err)
	}
	if _, err := env.auctions.StartAuction("WETH-USDX", borrower); !errors.Is(err, ErrPositionNotLiquidatable) {
		t.Fatalf("expected ErrPositionNotLiquidatable while healthy, got %v", err)
	}

	env.makeLiquidatable()
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	if !sale.Active {
		t.Fatalf("expected active auction")
	}
	// Close factor halves the 15000 debt.
	if sale.DebtToRepay.Cmp(micro(7_500)) != 0 {
		t.Fatalf("expected debt target 7500e6, got %s", sale.DebtToRepay)
	}
	if sale.StartPrice.Cmp(wadUnits(1890)) != 0 {
		t.Fatalf("expected start price 1890, got %s", sale.StartPrice)
	}
	if sale.EndPrice.Cmp(wadUnits(1710)) != 0 {
		t.Fatalf("expected end price 1710, got %s", sale.EndPrice)
	}

	if _, err := env.auctions.StartAuction("WETH-USDX", borrower); !errors.Is(err, ErrAuctionAlreadyExists) {
		t.Fatalf("expected ErrAuctionAlreadyExists, got %v", err)
	}
	active, err := env.auctions.HasActiveAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if !active {
		t.Fatalf("expected active auction recorded")
	}

	pos, err := env.mkt.GetPosition(borrower)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.LockedCollateral.Cmp(sale.CollateralForSale) != 0 {
		t.Fatalf("expected %s collateral locked, got %s", sale.CollateralForSale, pos.LockedCollateral)
	}
}

func TestPriceDecaysLinearly(t *testing.T) {
	env := newTestEnv(t)
	// Push the debt value up instead of the collateral down, so the auction
	// prices off a 2000 collateral price: 2100 down to 1900.
	env.prices.set(borrowToken, big.NewInt(1_100_000_000_000_000_000))
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	if sale.StartPrice.Cmp(wadUnits(2100)) != 0 {
		t.Fatalf("expected start price 2100, got %s", sale.StartPrice)
	}
	if sale.EndPrice.Cmp(wadUnits(1900)) != 0 {
		t.Fatalf("expected end price 1900, got %s", sale.EndPrice)
	}

	price, err := env.auctions.GetCurrentPrice(sale.ID)
	if err != nil {
		t.Fatalf("price at start: %v", err)
	}
	if price.Cmp(sale.StartPrice) != 0 {
		t.Fatalf("expected start price at t0, got %s", price)
	}

	env.clock.Advance(600 * time.Second)
	price, err = env.auctions.GetCurrentPrice(sale.ID)
	if err != nil {
		t.Fatalf("price at midpoint: %v", err)
	}
	if price.Cmp(wadUnits(2000)) != 0 {
		t.Fatalf("expected 2000 at the midpoint, got %s", price)
	}

	env.clock.Advance(300 * time.Second)
	later, err := env.auctions.GetCurrentPrice(sale.ID)
	if err != nil {
		t.Fatalf("price at 900s: %v", err)
	}
	if later.Cmp(price) > 0 {
		t.Fatalf("price increased over time: %s -> %s", price, later)
	}
	if later.Cmp(sale.EndPrice) < 0 || later.Cmp(sale.StartPrice) > 0 {
		t.Fatalf("price %s escaped [%s, %s]", later, sale.EndPrice, sale.StartPrice)
	}

	env.clock.Advance(600 * time.Second)
	price, err = env.auctions.GetCurrentPrice(sale.ID)
	if err != nil {
		t.Fatalf("price after expiry: %v", err)
	}
	if price.Cmp(sale.EndPrice) != 0 {
		t.Fatalf("expected end price after expiry, got %s", price)
	}
}

func TestPartialFillsSettleAuction(t *testing.T) {
	env := newTestEnv(t)
	env.makeLiquidatable()
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	debtBefore, err := env.mkt.DebtOf(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}

	first, err := env.auctions.Liquidate(sale.ID, keeper, micro(4_000))
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if !first.Active {
		t.Fatalf("expected auction to stay active after a partial fill")
	}
	if first.RemainingDebt.Cmp(micro(3_500)) != 0 {
		t.Fatalf("expected 3500e6 remaining, got %s", first.RemainingDebt)
	}

	env.clock.Advance(600 * time.Second)
	second, err := env.auctions.Liquidate(sale.ID, keeper, micro(5_000))
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if second.Active {
		t.Fatalf("expected auction settled once the snapshot cleared")
	}
	if second.RemainingDebt.Sign() != 0 {
		t.Fatalf("expected no remaining debt, got %s", second.RemainingDebt)
	}

	active, err := env.auctions.HasActiveAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatalf("expected active index cleared")
	}

	debtAfter, err := env.mkt.DebtOf(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	wantDebt := new(big.Int).Sub(debtBefore, micro(7_500))
	if debtAfter.Cmp(wantDebt) != 0 {
		t.Fatalf("expected debt %s after fills, got %s", wantDebt, debtAfter)
	}

	pos, err := env.mkt.GetPosition(borrower)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.LockedCollateral.Sign() != 0 {
		t.Fatalf("expected all collateral unlocked, got %s", pos.LockedCollateral)
	}
	if got := env.collat.BalanceOf(keeper); got.Sign() <= 0 {
		t.Fatalf("expected keeper to receive collateral, got %s", got)
	}
	// Keeper paid exactly the snapshot target.
	if got := env.borrow.BalanceOf(keeper); got.Cmp(micro(12_500)) != 0 {
		t.Fatalf("expected keeper balance 12500e6, got %s", got)
	}

	if _, err := env.auctions.Liquidate(sale.ID, keeper, micro(100)); !errors.Is(err, ErrAuctionNotActive) {
		t.Fatalf("expected ErrAuctionNotActive after settlement, got %v", err)
	}
}

func TestFailedFillLeavesAuctionIntact(t *testing.T) {
	env := newTestEnv(t)
	env.makeLiquidatable()
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	debtBefore, err := env.mkt.DebtOf(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}

	pauper := common.HexToAddress("0x0000000000000000000000000000000000000013")
	if _, err := env.auctions.Liquidate(sale.ID, pauper, micro(4_000)); !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	after, err := env.auctions.GetAuction(sale.ID)
	if err != nil {
		t.Fatalf("get auction: %v", err)
	}
	if !after.Active {
		t.Fatalf("expected auction still active after a failed fill")
	}
	if after.RemainingDebt.Cmp(sale.RemainingDebt) != 0 {
		t.Fatalf("remaining debt moved without tokens: %s -> %s", sale.RemainingDebt, after.RemainingDebt)
	}
	if after.RemainingCollateral.Cmp(sale.RemainingCollateral) != 0 {
		t.Fatalf("remaining collateral moved without tokens: %s -> %s", sale.RemainingCollateral, after.RemainingCollateral)
	}
	debtAfter, err := env.mkt.DebtOf(borrower)
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debtAfter.Cmp(debtBefore) != 0 {
		t.Fatalf("debt moved without tokens: %s -> %s", debtBefore, debtAfter)
	}
	if got := env.collat.BalanceOf(pauper); got.Sign() != 0 {
		t.Fatalf("failed fill paid out collateral: %s", got)
	}

	if _, err := env.auctions.Liquidate(sale.ID, keeper, micro(4_000)); err != nil {
		t.Fatalf("funded fill after failed fill: %v", err)
	}
}

func TestMinimumFillEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.makeLiquidatable()
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	// 10% of the 7500 target is 750; anything below is rejected.
	if _, err := env.auctions.Liquidate(sale.ID, keeper, micro(500)); !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}
	if _, err := env.auctions.Liquidate(sale.ID, keeper, micro(750)); err != nil {
		t.Fatalf("minimum fill should pass: %v", err)
	}
}

func TestExpiryBlocksFillsAndAllowsCancel(t *testing.T) {
	env := newTestEnv(t)
	env.makeLiquidatable()
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	if err := env.auctions.CancelExpiredAuction(sale.ID); !errors.Is(err, ErrAuctionNotExpired) {
		t.Fatalf("expected ErrAuctionNotExpired before the window closes, got %v", err)
	}

	env.clock.Advance(1300 * time.Second)
	if _, err := env.auctions.Liquidate(sale.ID, keeper, micro(1_000)); !errors.Is(err, ErrAuctionExpired) {
		t.Fatalf("expected ErrAuctionExpired, got %v", err)
	}
	if err := env.auctions.CancelExpiredAuction(sale.ID); err != nil {
		t.Fatalf("cancel expired: %v", err)
	}

	pos, err := env.mkt.GetPosition(borrower)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.LockedCollateral.Sign() != 0 {
		t.Fatalf("expected collateral unlocked after cancel, got %s", pos.LockedCollateral)
	}
	active, err := env.auctions.HasActiveAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if active {
		t.Fatalf("expected no active auction after cancel")
	}
	if err := env.auctions.CancelExpiredAuction(sale.ID); !errors.Is(err, ErrAuctionNotActive) {
		t.Fatalf("expected ErrAuctionNotActive on second cancel, got %v", err)
	}
}

func TestCalculateProfitTracksDecay(t *testing.T) {
	env := newTestEnv(t)
	env.makeLiquidatable()
	sale, err := env.auctions.StartAuction("WETH-USDX", borrower)
	if err != nil {
		t.Fatalf("start auction: %v", err)
	}
	// At the premium price the fill costs more than the collateral is worth.
	profit, err := env.auctions.CalculateProfit(sale.ID, micro(1_000))
	if err != nil {
		t.Fatalf("profit at start: %v", err)
	}
	if profit.Sign() >= 0 {
		t.Fatalf("expected negative profit at the start premium, got %s", profit)
	}
	// Once the price decays below the oracle price the fill turns profitable.
	env.clock.Advance(900 * time.Second)
	profit, err = env.auctions.CalculateProfit(sale.ID, micro(1_000))
	if err != nil {
		t.Fatalf("profit at 900s: %v", err)
	}
	if profit.Sign() <= 0 {
		t.Fatalf("expected positive profit below the oracle price, got %s", profit)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		CloseFactor:  big.NewInt(500_000_000_000_000_000),
		StartPremium: big.NewInt(1_050_000_000_000_000_000),
		EndDiscount:  big.NewInt(950_000_000_000_000_000),
		Duration:     time.Minute,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	lowPremium := valid
	lowPremium.StartPremium = big.NewInt(900_000_000_000_000_000)
	if err := lowPremium.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for premium below 1, got %v", err)
	}
	highDiscount := valid
	highDiscount.EndDiscount = new(big.Int).Set(wad)
	if err := highDiscount.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for discount at 1, got %v", err)
	}
	zeroDuration := valid
	zeroDuration.Duration = 0
	if err := zeroDuration.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for zero duration, got %v", err)
	}
}
