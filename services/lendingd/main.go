package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	protocolcfg "isolend/config"
	"isolend/observability"
	"isolend/observability/logging"
	"isolend/protocol/auction"
	"isolend/protocol/bank"
	"isolend/protocol/events"
	"isolend/protocol/market"
	"isolend/protocol/oracle"
	"isolend/protocol/risk"
	"isolend/services/lendingd/config"
	"isolend/services/lendingd/server"
	"isolend/storage"
)

func main() {
	configPath := flag.String("config", "lendingd.yaml", "path to the daemon configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("lendingd", "").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("lendingd", cfg.Environment)
	logger.Info("starting", "config", cfg.Sanitized())

	protocol, err := protocolcfg.Load(cfg.ProtocolPath)
	if err != nil {
		logger.Error("load protocol config", "error", err)
		os.Exit(1)
	}

	var db storage.Database
	if cfg.DataDir != "" {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("open database", "path", cfg.DataDir, "error", err)
			os.Exit(1)
		}
		db = ldb
	} else {
		logger.Warn("no data_dir configured, state is in-memory only")
		db = storage.NewMemDB()
	}
	defer db.Close()

	recorder := observability.NewRecorder(nil)
	emitter := events.MultiEmitter{recorder}

	resolver := oracle.NewResolver()
	resolver.SetMaxDeviationBps(protocol.Oracle.MaxDeviationBps)
	if protocol.Oracle.SequencerEndpoint != "" {
		resolver.SetUptimeFeed(oracle.NewHTTPUptimeFeed(nil, protocol.Oracle.SequencerEndpoint), protocol.Oracle.SequencerGrace())
	}

	auctionCfg, err := protocol.Auction.EngineConfig()
	if err != nil {
		logger.Error("auction config", "error", err)
		os.Exit(1)
	}
	liquidatorID := common.BytesToAddress([]byte("isolend/liquidator"))
	auctions, err := auction.NewEngine(liquidatorID, storage.NewAuctionStore(db), resolver, auctionCfg)
	if err != nil {
		logger.Error("auction engine", "error", err)
		os.Exit(1)
	}
	auctions.SetEmitter(emitter)

	var admin common.Address
	if cfg.Admin != "" {
		if !common.IsHexAddress(cfg.Admin) {
			logger.Error("admin must be a hex address", "admin", cfg.Admin)
			os.Exit(1)
		}
		admin = common.HexToAddress(cfg.Admin)
	}

	ledgers := make(map[common.Address]*bank.Ledger)
	ledgerFor := func(addr common.Address, symbol string, decimals uint8) *bank.Ledger {
		if l, ok := ledgers[addr]; ok {
			return l
		}
		l := bank.NewLedger(symbol, decimals)
		ledgers[addr] = l
		return l
	}

	markets := make(map[string]*server.MarketHandle, len(protocol.Markets))
	for i := range protocol.Markets {
		mc := &protocol.Markets[i]
		params, err := mc.Params()
		if err != nil {
			logger.Error("market params", "market", mc.Symbol, "error", err)
			os.Exit(1)
		}
		model, err := mc.Model()
		if err != nil {
			logger.Error("rate model", "market", mc.Symbol, "error", err)
			os.Exit(1)
		}
		collateralFeed := oracle.FeedConfig{
			Primary:          oracle.NewHTTPFeed(nil, mc.Feeds.CollateralEndpoint, mc.Feeds.CollateralSymbol, mc.Feeds.CollateralDecimals),
			PrimaryDecimals:  mc.Feeds.CollateralDecimals,
			MaxStaleness:     mc.Feeds.MaxStaleness(),
			FallbackDecimals: mc.Feeds.FallbackDecimals,
			FallbackWindow:   mc.Feeds.FallbackWindow(),
			Inverted:         mc.Feeds.Inverted,
		}
		if mc.Feeds.FallbackEndpoint != "" {
			collateralFeed.Fallback = oracle.NewHTTPFallbackPool(nil, mc.Feeds.FallbackEndpoint, mc.Feeds.FallbackSymbol)
		}
		resolver.SetFeed(params.CollateralToken, collateralFeed)
		resolver.SetFeed(params.BorrowToken, oracle.FeedConfig{
			Primary:         oracle.NewHTTPFeed(nil, mc.Feeds.BorrowEndpoint, mc.Feeds.BorrowSymbol, mc.Feeds.BorrowDecimals),
			PrimaryDecimals: mc.Feeds.BorrowDecimals,
			MaxStaleness:    mc.Feeds.MaxStaleness(),
		})

		borrowLedger := ledgerFor(params.BorrowToken, mc.Symbol+"-borrow", params.BorrowDecimals)
		collateralLedger := ledgerFor(params.CollateralToken, mc.Symbol+"-collateral", params.CollateralDecimals)
		shares := bank.NewLedger(mc.Symbol+"-shares", params.BorrowDecimals)
		pool := common.BytesToAddress([]byte("isolend/pool/" + mc.Symbol))

		engine, err := market.NewEngine(mc.Symbol, params, model, storage.NewMarketStore(db, mc.Symbol), borrowLedger, collateralLedger, shares, pool)
		if err != nil {
			logger.Error("market engine", "market", mc.Symbol, "error", err)
			os.Exit(1)
		}
		engine.SetEmitter(emitter)
		engine.SetLiquidator(liquidatorID)
		if admin != (common.Address{}) {
			engine.SetAdmin(admin)
		}

		health, err := risk.NewEngine(engine, resolver)
		if err != nil {
			logger.Error("health engine", "market", mc.Symbol, "error", err)
			os.Exit(1)
		}
		engine.SetRiskChecker(health)
		if err := auctions.AuthorizeMarket(engine, health); err != nil {
			logger.Error("authorize market", "market", mc.Symbol, "error", err)
			os.Exit(1)
		}
		markets[mc.Symbol] = &server.MarketHandle{Engine: engine, Health: health}
		logger.Info("market ready", "market", mc.Symbol)
	}

	srv := server.New(server.Options{
		Logger:    logger,
		Markets:   markets,
		Auctions:  auctions,
		Prices:    resolver,
		Auth:      server.NewAuthenticator(cfg.Auth.SharedSecretHeader, cfg.Auth.SharedSecret, cfg.Auth.JWTSecret, logger),
		RateLimit: server.NewRateLimiter(cfg.RatePerMinute),
		Obs:       server.NewObservability("lendingd", nil),
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
