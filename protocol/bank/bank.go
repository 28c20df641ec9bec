package bank

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errInvalidAmount = errors.New("bank: amount must be positive")

	// ErrInsufficientBalance is returned when a debit exceeds the holder's
	// balance. Market operations surface it unchanged.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
)

// Token is the fungible-token collaborator consumed by the protocol core.
// Implementations move real value; any returned error aborts the calling
// operation with no partial effect.
type Token interface {
	TransferFrom(from, to common.Address, amount *big.Int) error
	BalanceOf(addr common.Address) *big.Int
}

// ShareToken tracks proportional pool ownership. Mint and Burn must only be
// reachable from the market that owns the token; the protocol enforces this
// by construction since the market holds the sole reference.
type ShareToken interface {
	Mint(to common.Address, amount *big.Int) error
	Burn(from common.Address, amount *big.Int) error
	BalanceOf(addr common.Address) *big.Int
	TotalSupply() *big.Int
}

// Ledger is an in-memory token implementation backing tests and the daemon's
// local bookkeeping. It satisfies both Token and ShareToken.
type Ledger struct {
	mu       sync.RWMutex
	symbol   string
	decimals uint8
	balances map[common.Address]*big.Int
	total    *big.Int
}

// NewLedger constructs an empty ledger for the given symbol and decimals.
func NewLedger(symbol string, decimals uint8) *Ledger {
	return &Ledger{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
		total:    big.NewInt(0),
	}
}

// Symbol returns the ledger's token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// Decimals returns the ledger's native precision.
func (l *Ledger) Decimals() uint8 { return l.decimals }

// BalanceOf returns a copy of the holder's balance.
func (l *Ledger) BalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// TotalSupply returns a copy of the outstanding supply.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.total)
}

// Mint credits freshly issued units to the recipient.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.total = new(big.Int).Add(l.total, amount)
	return nil
}

// Burn destroys units held by the holder.
func (l *Ledger) Burn(from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.total = new(big.Int).Sub(l.total, amount)
	return nil
}

// TransferFrom moves units from one holder to another.
func (l *Ledger) TransferFrom(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.credit(to, amount)
	return nil
}

func (l *Ledger) credit(addr common.Address, amount *big.Int) {
	if bal, ok := l.balances[addr]; ok {
		l.balances[addr] = new(big.Int).Add(bal, amount)
		return
	}
	l.balances[addr] = new(big.Int).Set(amount)
}

func (l *Ledger) debit(addr common.Address, amount *big.Int) error {
	bal, ok := l.balances[addr]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	l.balances[addr] = new(big.Int).Sub(bal, amount)
	return nil
}
