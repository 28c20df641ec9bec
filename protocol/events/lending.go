package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// TypeDeposited marks liquidity supplied into a market.
	TypeDeposited = "lending.deposited"
	// TypeWithdrawn marks liquidity redeemed from a market.
	TypeWithdrawn = "lending.withdrawn"
	// TypeCollateralDeposited marks collateral locked by a borrower.
	TypeCollateralDeposited = "lending.collateral_deposited"
	// TypeCollateralWithdrawn marks collateral released to a borrower.
	TypeCollateralWithdrawn = "lending.collateral_withdrawn"
	// TypeBorrowed marks a draw against collateral.
	TypeBorrowed = "lending.borrowed"
	// TypeRepaid marks debt settled by or on behalf of a borrower.
	TypeRepaid = "lending.repaid"
	// TypeInterestAccrued marks an accrual pass that moved the borrow index.
	TypeInterestAccrued = "lending.interest_accrued"
	// TypeReservesWithdrawn marks protocol reserves paid out.
	TypeReservesWithdrawn = "lending.reserves_withdrawn"
)

// Deposited records a supply-side deposit.
type Deposited struct {
	Market   string
	Supplier common.Address
	Assets   *big.Int
	Shares   *big.Int
}

// EventType satisfies the events.Event interface.
func (Deposited) EventType() string { return TypeDeposited }

// Attributes satisfies the events.Event interface.
func (e Deposited) Attributes() map[string]string {
	return map[string]string{
		"market":   e.Market,
		"supplier": e.Supplier.Hex(),
		"assets":   bigString(e.Assets),
		"shares":   bigString(e.Shares),
	}
}

// Withdrawn records a supply-side redemption.
type Withdrawn struct {
	Market   string
	Supplier common.Address
	Assets   *big.Int
	Shares   *big.Int
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Attributes() map[string]string {
	return map[string]string{
		"market":   e.Market,
		"supplier": e.Supplier.Hex(),
		"assets":   bigString(e.Assets),
		"shares":   bigString(e.Shares),
	}
}

// CollateralDeposited records collateral pledged by a borrower.
type CollateralDeposited struct {
	Market string
	User   common.Address
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Attributes() map[string]string {
	return map[string]string{
		"market": e.Market,
		"user":   e.User.Hex(),
		"amount": bigString(e.Amount),
	}
}

// CollateralWithdrawn records collateral released back to a borrower.
type CollateralWithdrawn struct {
	Market string
	User   common.Address
	Amount *big.Int
}

func (CollateralWithdrawn) EventType() string { return TypeCollateralWithdrawn }

func (e CollateralWithdrawn) Attributes() map[string]string {
	return map[string]string{
		"market": e.Market,
		"user":   e.User.Hex(),
		"amount": bigString(e.Amount),
	}
}

// Borrowed records a draw from the pool.
type Borrowed struct {
	Market string
	User   common.Address
	Amount *big.Int
	Shares *big.Int
}

func (Borrowed) EventType() string { return TypeBorrowed }

func (e Borrowed) Attributes() map[string]string {
	return map[string]string{
		"market": e.Market,
		"user":   e.User.Hex(),
		"amount": bigString(e.Amount),
		"shares": bigString(e.Shares),
	}
}

// Repaid records debt settlement. Payer and Beneficiary differ when the debt
// is repaid on behalf of another account.
type Repaid struct {
	Market      string
	Payer       common.Address
	Beneficiary common.Address
	Amount      *big.Int
	Shares      *big.Int
}

func (Repaid) EventType() string { return TypeRepaid }

func (e Repaid) Attributes() map[string]string {
	return map[string]string{
		"market":      e.Market,
		"payer":       e.Payer.Hex(),
		"beneficiary": e.Beneficiary.Hex(),
		"amount":      bigString(e.Amount),
		"shares":      bigString(e.Shares),
	}
}

// InterestAccrued records an accrual pass that advanced the borrow index.
type InterestAccrued struct {
	Market      string
	Elapsed     int64
	Interest    *big.Int
	Reserves    *big.Int
	BorrowIndex *big.Int
}

func (InterestAccrued) EventType() string { return TypeInterestAccrued }

func (e InterestAccrued) Attributes() map[string]string {
	return map[string]string{
		"market":      e.Market,
		"elapsed":     strconv.FormatInt(e.Elapsed, 10),
		"interest":    bigString(e.Interest),
		"reserves":    bigString(e.Reserves),
		"borrowIndex": bigString(e.BorrowIndex),
	}
}

// ReservesWithdrawn records protocol reserves paid to a recipient.
type ReservesWithdrawn struct {
	Market    string
	Recipient common.Address
	Amount    *big.Int
}

func (ReservesWithdrawn) EventType() string { return TypeReservesWithdrawn }

func (e ReservesWithdrawn) Attributes() map[string]string {
	return map[string]string{
		"market":    e.Market,
		"recipient": e.Recipient.Hex(),
		"amount":    bigString(e.Amount),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
