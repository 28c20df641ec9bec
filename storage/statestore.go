package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"isolend/protocol/auction"
	"isolend/protocol/market"
)

// MarketStore persists one market's aggregate state and positions as JSON
// under a per-symbol key prefix. It satisfies the market engine's store
// interface.
type MarketStore struct {
	db     Database
	symbol string
}

// NewMarketStore binds a store to the database for the given market symbol.
func NewMarketStore(db Database, symbol string) *MarketStore {
	return &MarketStore{db: db, symbol: symbol}
}

func (s *MarketStore) stateKey() []byte {
	return []byte(fmt.Sprintf("market/%s/state", s.symbol))
}

func (s *MarketStore) positionKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("market/%s/position/%s", s.symbol, addr.Hex()))
}

// State loads the aggregate state; a missing record means a fresh market and
// returns nil without error.
func (s *MarketStore) State() (*market.State, error) {
	raw, err := s.db.Get(s.stateKey())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state := new(market.State)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("storage: decode market state: %w", err)
	}
	state.Normalize()
	return state, nil
}

// PutState persists the aggregate state.
func (s *MarketStore) PutState(state *market.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("storage: encode market state: %w", err)
	}
	return s.db.Put(s.stateKey(), raw)
}

// Position loads a user's position; missing records return nil.
func (s *MarketStore) Position(addr common.Address) (*market.Position, error) {
	raw, err := s.db.Get(s.positionKey(addr))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := new(market.Position)
	if err := json.Unmarshal(raw, pos); err != nil {
		return nil, fmt.Errorf("storage: decode position: %w", err)
	}
	pos.Normalize()
	return pos, nil
}

// PutPosition persists a user's position. Zero positions are deleted rather
// than stored.
func (s *MarketStore) PutPosition(addr common.Address, pos *market.Position) error {
	if pos == nil || pos.IsZero() {
		return s.db.Delete(s.positionKey(addr))
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("storage: encode position: %w", err)
	}
	return s.db.Put(s.positionKey(addr), raw)
}

// AuctionStore persists auctions and the active-auction index. It satisfies
// the auction engine's store interface.
type AuctionStore struct {
	db Database
}

// NewAuctionStore binds an auction store to the database.
func NewAuctionStore(db Database) *AuctionStore {
	return &AuctionStore{db: db}
}

func auctionKey(id string) []byte {
	return []byte("auction/" + id)
}

func activeKey(marketSymbol string, user common.Address) []byte {
	return []byte(fmt.Sprintf("auction-active/%s/%s", marketSymbol, user.Hex()))
}

// Auction loads an auction by id; missing records return nil.
func (s *AuctionStore) Auction(id string) (*auction.Auction, error) {
	raw, err := s.db.Get(auctionKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sale := new(auction.Auction)
	if err := json.Unmarshal(raw, sale); err != nil {
		return nil, fmt.Errorf("storage: decode auction: %w", err)
	}
	return sale, nil
}

// PutAuction persists an auction record.
func (s *AuctionStore) PutAuction(sale *auction.Auction) error {
	raw, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("storage: encode auction: %w", err)
	}
	return s.db.Put(auctionKey(sale.ID), raw)
}

// ActiveAuctionID returns the open auction id for the pair, empty when none.
func (s *AuctionStore) ActiveAuctionID(marketSymbol string, user common.Address) (string, error) {
	raw, err := s.db.Get(activeKey(marketSymbol, user))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SetActiveAuctionID records or clears the open auction id for the pair.
func (s *AuctionStore) SetActiveAuctionID(marketSymbol string, user common.Address, id string) error {
	if id == "" {
		return s.db.Delete(activeKey(marketSymbol, user))
	}
	return s.db.Put(activeKey(marketSymbol, user), []byte(id))
}
