package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"isolend/protocol/market"
)

var (
	errUnknownMarket = errors.New("unknown market")
	errBadAddress    = errors.New("invalid address")
	errBadAmount     = errors.New("invalid amount")
)

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type repayRequest struct {
	Payer       string `json:"payer"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Amount      string `json:"amount"`
}

type reservesRequest struct {
	Caller    string `json:"caller"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type startAuctionRequest struct {
	Market string `json:"market"`
	User   string `json:"user"`
}

type fillAuctionRequest struct {
	Caller  string `json:"caller"`
	MaxDebt string `json:"maxDebt"`
}

type marketSnapshot struct {
	Symbol             string `json:"symbol"`
	TotalSupplyAssets  string `json:"totalSupplyAssets"`
	TotalSupplyShares  string `json:"totalSupplyShares"`
	TotalBorrowAssets  string `json:"totalBorrowAssets"`
	TotalBorrowShares  string `json:"totalBorrowShares"`
	BorrowIndex        string `json:"borrowIndex"`
	TotalCollateral    string `json:"totalCollateral"`
	LockedCollateral   string `json:"lockedCollateral"`
	TotalReserves      string `json:"totalReserves"`
	AvailableLiquidity string `json:"availableLiquidity"`
	LastAccrualTime    int64  `json:"lastAccrualTime"`
}

func snapshotView(symbol string, state *market.State) marketSnapshot {
	return marketSnapshot{
		Symbol:             symbol,
		TotalSupplyAssets:  state.TotalSupplyAssets.String(),
		TotalSupplyShares:  state.TotalSupplyShares.String(),
		TotalBorrowAssets:  state.TotalBorrowAssets.String(),
		TotalBorrowShares:  state.TotalBorrowShares.String(),
		BorrowIndex:        state.BorrowIndex.String(),
		TotalCollateral:    state.TotalCollateral.String(),
		LockedCollateral:   state.LockedCollateral.String(),
		TotalReserves:      state.TotalReserves.String(),
		AvailableLiquidity: state.AvailableLiquidity().String(),
		LastAccrualTime:    state.LastAccrualTime,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	out := make([]marketSnapshot, 0, len(s.markets))
	for symbol, handle := range s.markets {
		state, err := handle.Engine.Snapshot()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, snapshotView(symbol, state))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	state, err := handle.Engine.Snapshot()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotView(handle.Engine.Symbol(), state))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	addr, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	pos, err := handle.Engine.GetPosition(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	debt, err := handle.Engine.DebtOf(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"collateral":       pos.Collateral.String(),
		"lockedCollateral": pos.LockedCollateral.String(),
		"borrowShares":     pos.BorrowShares.String(),
		"debt":             debt.String(),
	})
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	addr, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	hf, err := handle.Health.HealthFactor(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	maxBorrow, err := handle.Health.MaxBorrow(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := map[string]interface{}{
		"liquidatable": hf.Liquidatable(),
		"maxBorrow":    maxBorrow.String(),
	}
	if hf.Infinite {
		view["healthFactor"] = "inf"
	} else {
		view["healthFactor"] = hf.Wad().String()
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOracleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.prices.Health())
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(handle *MarketHandle, account common.Address, amount *big.Int) (interface{}, error) {
		shares, err := handle.Engine.Deposit(account, amount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"shares": shares.String()}, nil
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(handle *MarketHandle, account common.Address, amount *big.Int) (interface{}, error) {
		shares, err := handle.Engine.Withdraw(account, amount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"sharesBurned": shares.String()}, nil
	})
}

func (s *Server) handleDepositCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(handle *MarketHandle, account common.Address, amount *big.Int) (interface{}, error) {
		if err := handle.Engine.DepositCollateral(account, amount); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(handle *MarketHandle, account common.Address, amount *big.Int) (interface{}, error) {
		if err := handle.Engine.WithdrawCollateral(account, amount); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, func(handle *MarketHandle, account common.Address, amount *big.Int) (interface{}, error) {
		if err := handle.Engine.Borrow(account, amount); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	var req repayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	payer, err := parseAddress(req.Payer)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	beneficiary := payer
	if req.Beneficiary != "" {
		if beneficiary, err = parseAddress(req.Beneficiary); err != nil {
			s.writeStatus(w, http.StatusBadRequest, err)
			return
		}
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	repaid, err := handle.Engine.RepayOnBehalf(payer, beneficiary, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"repaid": repaid.String()})
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	if err := handle.Engine.AccrueInterest(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdrawReserves(w http.ResponseWriter, r *http.Request) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	var req reservesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	if err := handle.Engine.WithdrawReserves(caller, recipient, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartAuction(w http.ResponseWriter, r *http.Request) {
	var req startAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	sale, err := s.auctions.StartAuction(req.Market, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sale)
}

func (s *Server) handleFillAuction(w http.ResponseWriter, r *http.Request) {
	var req fillAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	maxDebt, err := parseAmount(req.MaxDebt)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	sale, err := s.auctions.Liquidate(chi.URLParam(r, "id"), caller, maxDebt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sale)
}

func (s *Server) handleCancelAuction(w http.ResponseWriter, r *http.Request) {
	if err := s.auctions.CancelExpiredAuction(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetAuction(w http.ResponseWriter, r *http.Request) {
	sale, err := s.auctions.GetAuction(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sale)
}

func (s *Server) handleAuctionPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.auctions.GetCurrentPrice(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"price": price.String()})
}

func (s *Server) amountOp(w http.ResponseWriter, r *http.Request, op func(*MarketHandle, common.Address, *big.Int) (interface{}, error)) {
	handle, ok := s.market(chi.URLParam(r, "symbol"))
	if !ok {
		s.writeStatus(w, http.StatusNotFound, errUnknownMarket)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(req.Account)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	out, err := op(handle, account, amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errBadAddress
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, errBadAmount
	}
	return amount, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
	}
	s.writeStatus(w, status, err)
}
