// Package model defines the core domain types shared across the DSC engine.
// All on-ledger quantities are 18-decimal fixed-point integers carried as
// *big.Int — never float64 for money.
package model

import (
	"math/big"
	"time"
)

// Event types recorded on the immutable engine event log.
const (
	EventCollateralDeposited = "collateral_deposited"
	EventCollateralRedeemed  = "collateral_redeemed"
	EventDscMinted           = "dsc_minted"
	EventDscBurned           = "dsc_burned"
	EventLiquidation         = "liquidation"
)

// Event is an immutable record of a state-changing engine operation.
// Once created, these are never modified or deleted.
// Amounts are 18-decimal base units rendered as decimal strings.
type Event struct {
	ID        string    `json:"id" db:"id"`
	Type      string    `json:"type" db:"type"`
	Actor     string    `json:"actor" db:"actor"`                         // account that invoked the operation
	OnBehalf  string    `json:"on_behalf,omitempty" db:"on_behalf"`       // target account when acting for another
	Asset     string    `json:"asset,omitempty" db:"asset"`               // collateral asset, empty for pure debt ops
	Amount    string    `json:"amount" db:"amount"`                       // native units for collateral, DSC units for debt
	DebtCover string    `json:"debt_covered,omitempty" db:"debt_covered"` // liquidation only
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// CollateralBalance is a per-asset collateral holding in an account view.
type CollateralBalance struct {
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

// Account is a point-in-time view of one user's ledger state.
// HealthFactor is nil when the account has no debt (unconditionally healthy).
type Account struct {
	User               string              `json:"user"`
	Collateral         []CollateralBalance `json:"collateral"`
	TotalCollateralUsd *big.Int            `json:"total_collateral_usd"`
	DebtMinted         *big.Int            `json:"debt_minted"`
	HealthFactor       *big.Int            `json:"health_factor,omitempty"`
}
