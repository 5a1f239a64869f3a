// Package token declares the external token capabilities the engine moves
// value through, plus an in-memory Bank used in development mode and tests.
//
// The engine never holds a private ledger of any token's total supply — it
// only calls these capabilities and trusts their answers.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
)

// ErrInsufficientBalance is returned by Bank transfers and burns that would
// overdraw an account.
var ErrInsufficientBalance = errors.New("token: insufficient balance")

// Collateral is the transfer capability of one collateral asset. Transfer
// moves tokens out of the capability holder's own balance.
type Collateral interface {
	TransferFrom(ctx context.Context, from, to string, amount *big.Int) error
	Transfer(ctx context.Context, to string, amount *big.Int) error
}

// Stable is the capability surface of the pegged liability token. Burn is
// scoped to the holder's own balance and privileged to the engine.
type Stable interface {
	Mint(ctx context.Context, to string, amount *big.Int) error
	Burn(ctx context.Context, amount *big.Int) error
	TransferFrom(ctx context.Context, from, to string, amount *big.Int) error
}

// Bank is an in-memory balance map implementing both capability surfaces.
// The holder account is the one Transfer and Burn draw from.
type Bank struct {
	symbol string
	holder string

	mu       sync.Mutex
	balances map[string]*big.Int
	supply   *big.Int
}

// NewBank creates a bank for one token symbol with the given holder account.
func NewBank(symbol, holder string) *Bank {
	return &Bank{
		symbol:   symbol,
		holder:   holder,
		balances: make(map[string]*big.Int),
		supply:   new(big.Int),
	}
}

// Credit adds amount to an account out of thin air. Test and dev seeding.
func (b *Bank) Credit(account string, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(account, amount)
	b.supply.Add(b.supply, amount)
}

// BalanceOf returns a copy of the account's balance.
func (b *Bank) BalanceOf(account string) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the outstanding supply.
func (b *Bank) TotalSupply() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.supply)
}

func (b *Bank) TransferFrom(_ context.Context, from, to string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(from, to, amount)
}

func (b *Bank) Transfer(ctx context.Context, to string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(b.holder, to, amount)
}

func (b *Bank) Mint(_ context.Context, to string, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(to, amount)
	b.supply.Add(b.supply, amount)
	return nil
}

func (b *Bank) Burn(_ context.Context, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.balances[b.holder]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: burn %s of %s from %s", ErrInsufficientBalance, amount, b.symbol, b.holder)
	}
	bal.Sub(bal, amount)
	b.supply.Sub(b.supply, amount)
	return nil
}

// move and add assume b.mu is held.

func (b *Bank) move(from, to string, amount *big.Int) error {
	bal := b.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: move %s of %s from %s", ErrInsufficientBalance, amount, b.symbol, from)
	}
	bal.Sub(bal, amount)
	b.add(to, amount)
	return nil
}

func (b *Bank) add(account string, amount *big.Int) {
	cur, ok := b.balances[account]
	if !ok {
		cur = new(big.Int)
		b.balances[account] = cur
	}
	cur.Add(cur, amount)
}
