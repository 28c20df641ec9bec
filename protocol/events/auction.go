package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeAuctionStarted marks a liquidation auction opened for a position.
	TypeAuctionStarted = "auction.started"
	// TypeAuctionFilled marks a full or partial fill against an auction.
	TypeAuctionFilled = "auction.filled"
	// TypeAuctionCancelled marks an expired auction being unwound.
	TypeAuctionCancelled = "auction.cancelled"
)

// AuctionStarted records the opening snapshot of a liquidation auction.
type AuctionStarted struct {
	ID                string
	Market            string
	User              common.Address
	DebtToRepay       *big.Int
	CollateralForSale *big.Int
	StartPrice        *big.Int
	EndPrice          *big.Int
}

// EventType satisfies the events.Event interface.
func (AuctionStarted) EventType() string { return TypeAuctionStarted }

// Attributes satisfies the events.Event interface.
func (e AuctionStarted) Attributes() map[string]string {
	return map[string]string{
		"id":                e.ID,
		"market":            e.Market,
		"user":              e.User.Hex(),
		"debtToRepay":       bigString(e.DebtToRepay),
		"collateralForSale": bigString(e.CollateralForSale),
		"startPrice":        bigString(e.StartPrice),
		"endPrice":          bigString(e.EndPrice),
	}
}

// AuctionFilled records a fill executed against an active auction.
type AuctionFilled struct {
	ID               string
	Market           string
	User             common.Address
	Liquidator       common.Address
	DebtRepaid       *big.Int
	CollateralSeized *big.Int
	FillPrice        *big.Int
	Settled          bool
}

func (AuctionFilled) EventType() string { return TypeAuctionFilled }

func (e AuctionFilled) Attributes() map[string]string {
	settled := "false"
	if e.Settled {
		settled = "true"
	}
	return map[string]string{
		"id":               e.ID,
		"market":           e.Market,
		"user":             e.User.Hex(),
		"liquidator":       e.Liquidator.Hex(),
		"debtRepaid":       bigString(e.DebtRepaid),
		"collateralSeized": bigString(e.CollateralSeized),
		"fillPrice":        bigString(e.FillPrice),
		"settled":          settled,
	}
}

// AuctionCancelled records an expired auction returned to the borrower.
type AuctionCancelled struct {
	ID                 string
	Market             string
	User               common.Address
	CollateralReturned *big.Int
}

func (AuctionCancelled) EventType() string { return TypeAuctionCancelled }

func (e AuctionCancelled) Attributes() map[string]string {
	return map[string]string{
		"id":                 e.ID,
		"market":             e.Market,
		"user":               e.User.Hex(),
		"collateralReturned": bigString(e.CollateralReturned),
	}
}
