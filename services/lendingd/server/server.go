package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"isolend/protocol/auction"
	"isolend/protocol/guard"
	"isolend/protocol/market"
	"isolend/protocol/oracle"
	"isolend/protocol/risk"
)

// MarketHandle bundles one market's engine with its health engine.
type MarketHandle struct {
	Engine *market.Engine
	Health *risk.Engine
}

// Options wires the server's collaborators.
type Options struct {
	Logger    *slog.Logger
	Markets   map[string]*MarketHandle
	Auctions  *auction.Engine
	Prices    *oracle.Resolver
	Auth      *Authenticator
	RateLimit *RateLimiter
	Obs       *Observability
}

// Server exposes the protocol over HTTP/JSON.
type Server struct {
	logger   *slog.Logger
	markets  map[string]*MarketHandle
	auctions *auction.Engine
	prices   *oracle.Resolver
	router   chi.Router
}

// New assembles the router with the configured middleware stack.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		markets:  opts.Markets,
		auctions: opts.Auctions,
		prices:   opts.Prices,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if opts.Obs != nil {
		r.Use(opts.Obs.Middleware)
	}
	if opts.RateLimit != nil {
		r.Use(opts.RateLimit.Middleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/{symbol}", s.handleGetMarket)
		r.Get("/markets/{symbol}/positions/{addr}", s.handleGetPosition)
		r.Get("/markets/{symbol}/health/{addr}", s.handleGetHealth)
		r.Get("/oracle/health", s.handleOracleHealth)
		r.Get("/auctions/{id}", s.handleGetAuction)
		r.Get("/auctions/{id}/price", s.handleAuctionPrice)

		mutating := r
		if opts.Auth != nil {
			mutating = r.With(opts.Auth.Middleware)
		}
		mutating.Post("/markets/{symbol}/supply", s.handleSupply)
		mutating.Post("/markets/{symbol}/withdraw", s.handleWithdraw)
		mutating.Post("/markets/{symbol}/collateral/deposit", s.handleDepositCollateral)
		mutating.Post("/markets/{symbol}/collateral/withdraw", s.handleWithdrawCollateral)
		mutating.Post("/markets/{symbol}/borrow", s.handleBorrow)
		mutating.Post("/markets/{symbol}/repay", s.handleRepay)
		mutating.Post("/markets/{symbol}/accrue", s.handleAccrue)
		mutating.Post("/markets/{symbol}/reserves/withdraw", s.handleWithdrawReserves)
		mutating.Post("/auctions/start", s.handleStartAuction)
		mutating.Post("/auctions/{id}/fill", s.handleFillAuction)
		mutating.Post("/auctions/{id}/cancel", s.handleCancelAuction)
	})
	s.router = r
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) market(symbol string) (*MarketHandle, bool) {
	handle, ok := s.markets[symbol]
	return handle, ok
}

// statusFor maps protocol errors onto HTTP statuses so callers can branch on
// the condition without parsing messages.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrZeroAmount),
		errors.Is(err, market.ErrZeroAddress),
		errors.Is(err, market.ErrSameToken),
		errors.Is(err, market.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrOnlyLiquidator),
		errors.Is(err, market.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrInsufficientLiquidity),
		errors.Is(err, market.ErrInsufficientCollateral),
		errors.Is(err, market.ErrUndercollateralized):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrPoolNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrAuctionNotActive):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrAuctionAlreadyExists),
		errors.Is(err, auction.ErrAuctionExpired),
		errors.Is(err, auction.ErrAuctionNotExpired),
		errors.Is(err, auction.ErrPositionNotLiquidatable),
		errors.Is(err, auction.ErrInsufficientRepayment):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrOracleNotConfigured),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrSequencerDown),
		errors.Is(err, oracle.ErrPriceDeviation),
		errors.Is(err, oracle.ErrBothOraclesFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, guard.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, market.ErrReentrantCall),
		errors.Is(err, auction.ErrReentrantCall):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
