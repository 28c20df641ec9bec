package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"isolend/protocol/auction"
	"isolend/protocol/bank"
	"isolend/protocol/interest"
	"isolend/protocol/market"
	"isolend/protocol/oracle"
	"isolend/protocol/risk"
	"isolend/storage"
)

const (
	testSymbol = "WETH-USDX"
	testHeader = "X-Isolend-Secret"
	testSecret = "s3cret"
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

type testEnv struct {
	server     *Server
	collatFeed *oracle.StaticFeed
	borrow     *bank.Ledger
	collat     *bank.Ledger
	mkt        *market.Engine
}

func wadUnits(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000_000_000_000_000))
}

func micro(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func staticReading(price *big.Int) oracle.Reading {
	return oracle.Reading{RoundID: 1, Answer: price, UpdatedAt: time.Now(), Complete: true}
}

// newTestEnv stands up the full stack against an in-memory database: one
// market, its health engine, the auction engine, and the HTTP server with
// shared-secret auth.
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

	resolver := oracle.NewResolver()
	collatFeed := oracle.NewStaticFeed()
	collatFeed.Set(staticReading(wadUnits(2000)))
	resolver.SetFeed(collateralToken, oracle.FeedConfig{Primary: collatFeed, PrimaryDecimals: 18, MaxStaleness: time.Hour})
	borrowFeed := oracle.NewStaticFeed()
	borrowFeed.Set(staticReading(wadUnits(1)))
	resolver.SetFeed(borrowToken, oracle.FeedConfig{Primary: borrowFeed, PrimaryDecimals: 18, MaxStaleness: time.Hour})

	db := storage.NewMemDB()
	borrow := bank.NewLedger("USDX", 6)
	collat := bank.NewLedger("WETH", 18)
	shares := bank.NewLedger("sUSDX", 6)
	mkt, err := market.NewEngine(testSymbol, params, model, storage.NewMarketStore(db, testSymbol), borrow, collat, shares, poolAccount)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	mkt.SetLiquidator(liquidatorID)

	health, err := risk.NewEngine(mkt, resolver)
	if err != nil {
		t.Fatalf("new health engine: %v", err)
	}
	mkt.SetRiskChecker(health)

	auctionCfg := auction.Config{
		CloseFactor:  big.NewInt(500_000_000_000_000_000),
		StartPremium: big.NewInt(1_050_000_000_000_000_000),
		EndDiscount:  big.NewInt(950_000_000_000_000_000),
		Duration:     1200 * time.Second,
	}
	auctions, err := auction.NewEngine(liquidatorID, storage.NewAuctionStore(db), resolver, auctionCfg)
	if err != nil {
		t.Fatalf("new auction engine: %v", err)
	}
	if err := auctions.AuthorizeMarket(mkt, health); err != nil {
		t.Fatalf("authorize market: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Options{
		Logger:   logger,
		Markets:  map[string]*MarketHandle{testSymbol: {Engine: mkt, Health: health}},
		Auctions: auctions,
		Prices:   resolver,
		Auth:     NewAuthenticator(testHeader, testSecret, "", logger),
	})

	if err := borrow.Mint(supplier, micro(101_000)); err != nil {
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
	return &testEnv{server: srv, collatFeed: collatFeed, borrow: borrow, collat: collat, mkt: mkt}
}

func (env *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) post(t *testing.T, path string, payload interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set(testHeader, testSecret)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := make(map[string]string)
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetMarketSnapshot(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/v1/markets/"+testSymbol)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap marketSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TotalSupplyAssets != micro(100_000).String() {
		t.Fatalf("expected supply 100000e6, got %s", snap.TotalSupplyAssets)
	}
	if snap.TotalBorrowAssets != micro(15_000).String() {
		t.Fatalf("expected borrows 15000e6, got %s", snap.TotalBorrowAssets)
	}
	if snap.AvailableLiquidity != micro(85_000).String() {
		t.Fatalf("expected liquidity 85000e6, got %s", snap.AvailableLiquidity)
	}

	if rec := env.get(t, "/v1/markets/NOPE"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown market, got %d", rec.Code)
	}
}

func TestMutationsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	payload := amountRequest{Account: supplier.Hex(), Amount: micro(1_000).String()}
	path := "/v1/markets/" + testSymbol + "/supply"

	if rec := env.post(t, path, payload, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
	rec := env.post(t, path, payload, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d: %s", rec.Code, rec.Body.String())
	}
	if out := decodeMap(t, rec); out["shares"] == "" {
		t.Fatalf("expected minted shares in response, got %v", out)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	path := "/v1/markets/" + testSymbol + "/borrow"

	bad := amountRequest{Account: "not-an-address", Amount: "100"}
	if rec := env.post(t, path, bad, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad address, got %d", rec.Code)
	}
	bad = amountRequest{Account: borrower.Hex(), Amount: "-5"}
	if rec := env.post(t, path, bad, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative amount, got %d", rec.Code)
	}
	// The borrower is at the LTV cap already.
	over := amountRequest{Account: borrower.Hex(), Amount: micro(1_000).String()}
	if rec := env.post(t, path, over, true); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for undercollateralized borrow, got %d", rec.Code)
	}
}

func TestPositionAndHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/v1/markets/"+testSymbol+"/positions/"+borrower.Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	pos := decodeMap(t, rec)
	if pos["collateral"] != wadUnits(10).String() {
		t.Fatalf("expected collateral 10e18, got %s", pos["collateral"])
	}
	if pos["debt"] != micro(15_000).String() {
		t.Fatalf("expected debt 15000e6, got %s", pos["debt"])
	}

	rec = env.get(t, "/v1/markets/"+testSymbol+"/health/"+borrower.Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var health struct {
		Liquidatable bool   `json:"liquidatable"`
		HealthFactor string `json:"healthFactor"`
		MaxBorrow    string `json:"maxBorrow"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Liquidatable {
		t.Fatalf("expected healthy position")
	}
	if health.HealthFactor == "" || health.HealthFactor == "inf" {
		t.Fatalf("expected finite health factor, got %q", health.HealthFactor)
	}
}

func TestAuctionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	start := startAuctionRequest{Market: testSymbol, User: borrower.Hex()}
	if rec := env.post(t, "/v1/auctions/start", start, true); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while healthy, got %d: %s", rec.Code, rec.Body.String())
	}

	env.collatFeed.Set(staticReading(wadUnits(1800)))
	rec := env.post(t, "/v1/auctions/start", start, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sale auction.Auction
	if err := json.Unmarshal(rec.Body.Bytes(), &sale); err != nil {
		t.Fatalf("decode auction: %v", err)
	}
	if sale.ID == "" || !sale.Active {
		t.Fatalf("expected an active auction, got %+v", sale)
	}

	if rec := env.post(t, "/v1/auctions/start", start, true); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate auction, got %d", rec.Code)
	}

	rec = env.get(t, "/v1/auctions/"+sale.ID+"/price")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	price, ok := new(big.Int).SetString(decodeMap(t, rec)["price"], 10)
	if !ok {
		t.Fatalf("price is not an integer")
	}
	if price.Cmp(sale.EndPrice) < 0 || price.Cmp(sale.StartPrice) > 0 {
		t.Fatalf("price %s outside [%s, %s]", price, sale.EndPrice, sale.StartPrice)
	}

	fill := fillAuctionRequest{Caller: keeper.Hex(), MaxDebt: micro(2_000).String()}
	rec = env.post(t, "/v1/auctions/"+sale.ID+"/fill", fill, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var after auction.Auction
	if err := json.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatalf("decode auction: %v", err)
	}
	want := new(big.Int).Sub(sale.RemainingDebt, micro(2_000))
	if after.RemainingDebt.Cmp(want) != 0 {
		t.Fatalf("expected remaining debt %s, got %s", want, after.RemainingDebt)
	}
	if got := env.collat.BalanceOf(keeper); got.Sign() <= 0 {
		t.Fatalf("expected keeper to receive collateral, got %s", got)
	}

	// The decay window is still open.
	if rec := env.post(t, "/v1/auctions/"+sale.ID+"/cancel", struct{}{}, true); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 cancelling an unexpired auction, got %d", rec.Code)
	}
}
