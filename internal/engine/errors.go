package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrInvalidAmount is returned when an operation receives a zero or
	// negative quantity.
	ErrInvalidAmount = errors.New("engine: amount must be positive")

	// ErrAssetNotAllowed is returned when an operation references an asset
	// that was not registered at construction.
	ErrAssetNotAllowed = errors.New("engine: asset not registered as collateral")

	// ErrConfigMismatch is returned at construction when the asset, feed,
	// and token lists do not have equal length.
	ErrConfigMismatch = errors.New("engine: asset, feed, and token lists must have equal length")

	// ErrTransferFailed is returned when an external token transfer
	// capability reports failure.
	ErrTransferFailed = errors.New("engine: token transfer failed")

	// ErrMintFailed is returned when the stablecoin mint capability reports
	// failure.
	ErrMintFailed = errors.New("engine: stablecoin mint failed")

	// ErrBurnFailed is returned when the stablecoin burn capability reports
	// failure after the engine has pulled the tokens to destroy.
	ErrBurnFailed = errors.New("engine: stablecoin burn failed")

	// ErrHealthFactorBroken is the sentinel matched by errors.Is for a
	// failed solvency check. The returned error is always a
	// *HealthFactorBrokenError carrying the computed ratio.
	ErrHealthFactorBroken = errors.New("engine: health factor below minimum")

	// ErrHealthFactorIntact is returned when liquidation targets a position
	// whose health factor is not below the minimum.
	ErrHealthFactorIntact = errors.New("engine: health factor intact, position not liquidatable")

	// ErrHealthFactorNotImproved is returned when a liquidation would not
	// strictly raise the target's health factor.
	ErrHealthFactorNotImproved = errors.New("engine: liquidation did not improve health factor")

	// ErrInsufficientCollateral is returned when a redemption or seizure
	// would decrement a collateral position below zero.
	ErrInsufficientCollateral = errors.New("engine: collateral balance underflow")

	// ErrInsufficientDebt is returned when a burn would decrement a debt
	// position below zero.
	ErrInsufficientDebt = errors.New("engine: debt balance underflow")

	// ErrReentrancy is returned when a guarded entry point is invoked while
	// an operation is already executing.
	ErrReentrancy = errors.New("engine: reentrant call")
)

// HealthFactorBrokenError reports a failed solvency check together with the
// ratio that failed it.
type HealthFactorBrokenError struct {
	User         string
	HealthFactor *big.Int
}

func (e *HealthFactorBrokenError) Error() string {
	return fmt.Sprintf("engine: health factor below minimum for %s: %s", e.User, e.HealthFactor)
}

// Unwrap lets errors.Is match ErrHealthFactorBroken.
func (e *HealthFactorBrokenError) Unwrap() error {
	return ErrHealthFactorBroken
}
