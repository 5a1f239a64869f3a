// Package oracle wraps external price feeds and normalizes their quotes to
// the canonical 18-decimal fixed-point scale.
//
// One feed backs exactly one collateral asset. Staleness policy is the
// concern of the concrete feed implementation, not of the adapter.
package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/thomasender/dsc-engine/internal/fixedpoint"
)

var (
	// ErrInvalidPrice is returned when a feed reports a zero or negative
	// price. A quote like that must never reach value conversion.
	ErrInvalidPrice = errors.New("oracle: feed reported non-positive price")

	// ErrFeedDecimalsTooLarge is returned when a feed claims more than 18
	// decimals, which cannot be rescaled to the canonical base.
	ErrFeedDecimalsTooLarge = errors.New("oracle: feed precision exceeds 18 decimals")
)

// PriceFeed is the read capability the engine needs from an external feed.
// Price is a signed integer scaled by 10^Decimals.
type PriceFeed interface {
	LatestRoundData(ctx context.Context) (price *big.Int, updatedAt time.Time, err error)
	Decimals() uint8
}

// Adapter normalizes one feed's quotes to 1e18 fixed point.
type Adapter struct {
	feed PriceFeed
}

// NewAdapter wraps a price feed.
func NewAdapter(feed PriceFeed) *Adapter {
	return &Adapter{feed: feed}
}

// Price returns the latest feed price rescaled to 1e18 fixed point:
// price * 10^(18 - feedDecimals). Non-positive quotes are rejected.
func (a *Adapter) Price(ctx context.Context) (*big.Int, error) {
	raw, _, err := a.feed.LatestRoundData(ctx)
	if err != nil {
		return nil, err
	}
	if raw.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	decimals := a.feed.Decimals()
	if decimals > 18 {
		return nil, ErrFeedDecimalsTooLarge
	}
	scale := fixedpoint.Pow10(uint(18 - decimals))
	return new(big.Int).Mul(raw, scale), nil
}

// StaticFeed is an in-process feed with a settable price. Used in
// development mode and tests; price moves are explicit SetPrice calls.
type StaticFeed struct {
	mu        sync.RWMutex
	price     *big.Int
	decimals  uint8
	updatedAt time.Time
}

// NewStaticFeed creates a feed reporting price at the given precision.
func NewStaticFeed(price *big.Int, decimals uint8) *StaticFeed {
	return &StaticFeed{
		price:     new(big.Int).Set(price),
		decimals:  decimals,
		updatedAt: time.Now().UTC(),
	}
}

// SetPrice replaces the reported price.
func (f *StaticFeed) SetPrice(price *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = new(big.Int).Set(price)
	f.updatedAt = time.Now().UTC()
}

func (f *StaticFeed) LatestRoundData(_ context.Context) (*big.Int, time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), f.updatedAt, nil
}

func (f *StaticFeed) Decimals() uint8 {
	return f.decimals
}
