// Package engine implements the over-collateralized stablecoin accounting
// core: the collateral and debt ledgers, value conversion through price
// feeds, health-factor gating, and the liquidation protocol.
//
// Every state-changing entry point follows checks → effects → interactions:
// preconditions are validated, ledger effects are applied to a cloned scratch
// state, external token calls run last, and the scratch state is committed
// only when everything succeeded. A failed operation leaves the ledgers
// exactly as they were.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/thomasender/dsc-engine/internal/fixedpoint"
	"github.com/thomasender/dsc-engine/internal/model"
	"github.com/thomasender/dsc-engine/internal/oracle"
	"github.com/thomasender/dsc-engine/internal/token"
)

// Solvency parameters. A position counts only 50% of its collateral value,
// so the system enforces 2x over-collateralization. Liquidators earn a 10%
// collateral bonus on the debt they cover.
var (
	precision            = fixedpoint.One
	minHealthFactor      = fixedpoint.One
	liquidationThreshold = big.NewInt(50)
	liquidationBonus     = big.NewInt(10)
	liquidationPrecision = big.NewInt(100)
)

// MinHealthFactor returns the solvency minimum (1.0 in 1e18 fixed point).
func MinHealthFactor() *big.Int {
	return new(big.Int).Set(minHealthFactor)
}

// asset is one registered collateral token with its price adapter and
// transfer capability. The registry is immutable after construction.
type asset struct {
	id      string
	adapter *oracle.Adapter
	token   token.Collateral
}

// Engine owns the ledgers and exposes the gated operations. It is the only
// component allowed to mutate ledger state.
//
// Mutating operations serialize on mu: each runs to completion before the
// next begins. Committed snapshots are never mutated after the atomic swap,
// so reads load the current snapshot without blocking behind operations.
type Engine struct {
	account string // token account the engine holds pulled collateral and DSC under
	assets  map[string]*asset
	order   []string // registration order, for deterministic valuation
	stable  token.Stable

	mu    sync.Mutex // serializes mutating operations
	state atomic.Pointer[state]
}

// New constructs an engine from parallel lists of asset identifiers, their
// price feeds, and their transfer capabilities, plus the stablecoin
// capability. List length mismatch is a fatal configuration error.
func New(account string, assetIDs []string, feeds []oracle.PriceFeed, tokens []token.Collateral, stable token.Stable) (*Engine, error) {
	if len(assetIDs) != len(feeds) || len(assetIDs) != len(tokens) {
		return nil, ErrConfigMismatch
	}
	e := &Engine{
		account: account,
		assets:  make(map[string]*asset, len(assetIDs)),
		order:   make([]string, 0, len(assetIDs)),
		stable:  stable,
	}
	e.state.Store(newState())
	for i, id := range assetIDs {
		if id == "" || feeds[i] == nil || tokens[i] == nil {
			return nil, fmt.Errorf("%w: asset %d incomplete", ErrConfigMismatch, i)
		}
		if _, exists := e.assets[id]; exists {
			return nil, fmt.Errorf("%w: duplicate asset %s", ErrConfigMismatch, id)
		}
		e.assets[id] = &asset{id: id, adapter: oracle.NewAdapter(feeds[i]), token: tokens[i]}
		e.order = append(e.order, id)
	}
	return e, nil
}

// inFlightKey marks a context as belonging to an operation already inside
// the critical section.
type inFlightKey struct{}

// enter acquires the critical section and returns a derived context that
// every call the operation makes must carry. Independent callers block until
// the running operation completes. An external token calling back into the
// engine with the operation's own context fails fatally with ErrReentrancy
// instead of deadlocking or interleaving with ledger mutation.
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(inFlightKey{}) != nil {
		return nil, ErrReentrancy
	}
	e.mu.Lock()
	return context.WithValue(ctx, inFlightKey{}, struct{}{}), nil
}

func (e *Engine) exit() {
	e.mu.Unlock()
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (e *Engine) lookup(assetID string) (*asset, error) {
	a, ok := e.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAllowed, assetID)
	}
	return a, nil
}

// --- Mutating operations ---

// DepositCollateral pulls amount of the asset from user into the engine and
// credits the user's collateral position. Depositing only improves health,
// so no solvency check runs.
func (e *Engine) DepositCollateral(ctx context.Context, user, assetID string, amount *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}

	next := e.state.Load().clone()
	next.addCollateral(user, assetID, amount)

	if err := a.token.TransferFrom(ctx, user, e.account, amount); err != nil {
		return nil, fmt.Errorf("%w: pull %s %s from %s: %v", ErrTransferFailed, amount, assetID, user, err)
	}

	e.state.Store(next)
	ev := newEvent(model.EventCollateralDeposited, user, "", assetID, amount, nil)
	slog.Info("collateral deposited", "user", user, "asset", assetID, "amount", amount.String())
	return []model.Event{ev}, nil
}

// MintDsc credits debt to the caller and mints the stablecoin to them. The
// caller's health factor is asserted on the incremented ledger before the
// external mint runs; a failed check discards the increment.
func (e *Engine) MintDsc(ctx context.Context, user string, amount *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(amount); err != nil {
		return nil, err
	}

	next := e.state.Load().clone()
	next.addDebt(user, amount)
	if err := e.requireHealthy(ctx, next, user); err != nil {
		return nil, err
	}

	if err := e.stable.Mint(ctx, user, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMintFailed, err)
	}

	e.state.Store(next)
	ev := newEvent(model.EventDscMinted, user, "", "", amount, nil)
	slog.Info("dsc minted", "user", user, "amount", amount.String())
	return []model.Event{ev}, nil
}

// DepositCollateralAndMintDsc runs deposit and mint as one atomic unit. If
// the mint leg fails after collateral was pulled, the collateral is returned
// and no ledger mutation commits.
func (e *Engine) DepositCollateralAndMintDsc(ctx context.Context, user, assetID string, collateralAmount, mintAmount *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(collateralAmount); err != nil {
		return nil, err
	}
	if err := validAmount(mintAmount); err != nil {
		return nil, err
	}
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}

	next := e.state.Load().clone()
	next.addCollateral(user, assetID, collateralAmount)
	next.addDebt(user, mintAmount)
	if err := e.requireHealthy(ctx, next, user); err != nil {
		return nil, err
	}

	if err := a.token.TransferFrom(ctx, user, e.account, collateralAmount); err != nil {
		return nil, fmt.Errorf("%w: pull %s %s from %s: %v", ErrTransferFailed, collateralAmount, assetID, user, err)
	}
	if err := e.stable.Mint(ctx, user, mintAmount); err != nil {
		// Unwind the pulled collateral so the failed call has no effect.
		if rerr := a.token.Transfer(ctx, user, collateralAmount); rerr != nil {
			slog.Error("collateral return failed after mint failure",
				"user", user, "asset", assetID, "amount", collateralAmount.String(), "err", rerr)
		}
		return nil, fmt.Errorf("%w: %v", ErrMintFailed, err)
	}

	e.state.Store(next)
	events := []model.Event{
		newEvent(model.EventCollateralDeposited, user, "", assetID, collateralAmount, nil),
		newEvent(model.EventDscMinted, user, "", "", mintAmount, nil),
	}
	slog.Info("collateral deposited and dsc minted",
		"user", user, "asset", assetID,
		"collateral", collateralAmount.String(), "minted", mintAmount.String())
	return events, nil
}

// RedeemCollateral debits the caller's collateral position and sends the
// tokens back. The caller's health factor is asserted on the decremented
// ledger; a broken factor fails the whole redemption before any transfer.
func (e *Engine) RedeemCollateral(ctx context.Context, user, assetID string, amount *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(amount); err != nil {
		return nil, err
	}
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}

	next := e.state.Load().clone()
	if err := next.subCollateral(user, assetID, amount); err != nil {
		return nil, err
	}
	if err := e.requireHealthy(ctx, next, user); err != nil {
		return nil, err
	}

	if err := a.token.Transfer(ctx, user, amount); err != nil {
		return nil, fmt.Errorf("%w: send %s %s to %s: %v", ErrTransferFailed, amount, assetID, user, err)
	}

	e.state.Store(next)
	ev := newEvent(model.EventCollateralRedeemed, user, "", assetID, amount, nil)
	slog.Info("collateral redeemed", "user", user, "asset", assetID, "amount", amount.String())
	return []model.Event{ev}, nil
}

// BurnDsc pulls amount of the stablecoin from the caller, destroys it, and
// debits their debt position. Burning can only improve health; the check
// still runs for defense in depth, on the decremented ledger before any
// tokens move, so a rejected burn destroys nothing.
func (e *Engine) BurnDsc(ctx context.Context, user string, amount *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(amount); err != nil {
		return nil, err
	}

	next := e.state.Load().clone()
	if err := next.subDebt(user, amount); err != nil {
		return nil, err
	}
	if err := e.requireHealthy(ctx, next, user); err != nil {
		return nil, err
	}

	if err := e.stable.TransferFrom(ctx, user, e.account, amount); err != nil {
		return nil, fmt.Errorf("%w: pull %s dsc from %s: %v", ErrTransferFailed, amount, user, err)
	}
	if err := e.stable.Burn(ctx, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}

	e.state.Store(next)
	ev := newEvent(model.EventDscBurned, user, "", "", amount, nil)
	slog.Info("dsc burned", "user", user, "amount", amount.String())
	return []model.Event{ev}, nil
}

// RedeemCollateralForDsc burns DSC and redeems collateral in one atomic
// unit. The debt reduction is reflected before the redemption's solvency
// check, so a fully-repaying user can always withdraw.
func (e *Engine) RedeemCollateralForDsc(ctx context.Context, user, assetID string, collateralAmount, burnAmount *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(collateralAmount); err != nil {
		return nil, err
	}
	if err := validAmount(burnAmount); err != nil {
		return nil, err
	}
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}

	next := e.state.Load().clone()
	if err := next.subDebt(user, burnAmount); err != nil {
		return nil, err
	}
	if err := next.subCollateral(user, assetID, collateralAmount); err != nil {
		return nil, err
	}
	if err := e.requireHealthy(ctx, next, user); err != nil {
		return nil, err
	}

	if err := e.stable.TransferFrom(ctx, user, e.account, burnAmount); err != nil {
		return nil, fmt.Errorf("%w: pull %s dsc from %s: %v", ErrTransferFailed, burnAmount, user, err)
	}
	if err := e.stable.Burn(ctx, burnAmount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}
	if err := a.token.Transfer(ctx, user, collateralAmount); err != nil {
		return nil, fmt.Errorf("%w: send %s %s to %s: %v", ErrTransferFailed, collateralAmount, assetID, user, err)
	}

	e.state.Store(next)
	events := []model.Event{
		newEvent(model.EventDscBurned, user, "", "", burnAmount, nil),
		newEvent(model.EventCollateralRedeemed, user, "", assetID, collateralAmount, nil),
	}
	slog.Info("dsc burned and collateral redeemed",
		"user", user, "asset", assetID,
		"burned", burnAmount.String(), "collateral", collateralAmount.String())
	return events, nil
}

// Liquidate lets a third party repay debtToCover of user's debt in exchange
// for the equivalent collateral plus a 10% bonus. Only positions below the
// minimum health factor are liquidatable, the target's factor must strictly
// improve, and the liquidator must remain solvent themselves.
//
// If collateral has fallen so far that the seizure exceeds the position, the
// operation fails on the underflow: the engine never seizes more than the
// ledger holds, even if that leaves debt unbacked.
func (e *Engine) Liquidate(ctx context.Context, liquidator, user, assetID string, debtToCover *big.Int) ([]model.Event, error) {
	ctx, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.exit()

	if err := validAmount(debtToCover); err != nil {
		return nil, err
	}
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}

	startingHF, err := e.healthFactorOn(ctx, e.state.Load(), user)
	if err != nil {
		return nil, err
	}
	if startingHF == nil || startingHF.Cmp(minHealthFactor) >= 0 {
		return nil, ErrHealthFactorIntact
	}

	seizedBase, err := e.tokenAmountFromUsd(ctx, a, debtToCover)
	if err != nil {
		return nil, err
	}
	bonus := fixedpoint.MulDiv(seizedBase, liquidationBonus, liquidationPrecision)
	totalSeized := new(big.Int).Add(seizedBase, bonus)

	next := e.state.Load().clone()
	if err := next.subCollateral(user, assetID, totalSeized); err != nil {
		return nil, err
	}
	if err := next.subDebt(user, debtToCover); err != nil {
		return nil, err
	}

	endingHF, err := e.healthFactorOn(ctx, next, user)
	if err != nil {
		return nil, err
	}
	// nil means the debt was fully cleared, which always improves.
	if endingHF != nil && endingHF.Cmp(startingHF) <= 0 {
		return nil, ErrHealthFactorNotImproved
	}
	if err := e.requireHealthy(ctx, next, liquidator); err != nil {
		return nil, err
	}

	if err := e.stable.TransferFrom(ctx, liquidator, e.account, debtToCover); err != nil {
		return nil, fmt.Errorf("%w: pull %s dsc from %s: %v", ErrTransferFailed, debtToCover, liquidator, err)
	}
	if err := e.stable.Burn(ctx, debtToCover); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBurnFailed, err)
	}
	if err := a.token.Transfer(ctx, liquidator, totalSeized); err != nil {
		return nil, fmt.Errorf("%w: send %s %s to %s: %v", ErrTransferFailed, totalSeized, assetID, liquidator, err)
	}

	e.state.Store(next)
	ev := newEvent(model.EventLiquidation, liquidator, user, assetID, totalSeized, debtToCover)
	slog.Info("position liquidated",
		"liquidator", liquidator, "user", user, "asset", assetID,
		"debt_covered", debtToCover.String(), "collateral_seized", totalSeized.String(),
		"starting_hf", startingHF.String())
	return []model.Event{ev}, nil
}

// --- Valuation and health ---

// UsdValue converts a native asset amount to its 1e18 USD value at the
// latest feed price. Division truncates toward zero.
func (e *Engine) UsdValue(ctx context.Context, assetID string, amount *big.Int) (*big.Int, error) {
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}
	price, err := a.adapter.Price(ctx)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(price, amount, precision), nil
}

// TokenAmountFromUsd is the inverse conversion: how many native units of the
// asset are worth the given 1e18 USD amount.
func (e *Engine) TokenAmountFromUsd(ctx context.Context, assetID string, usdAmount *big.Int) (*big.Int, error) {
	a, err := e.lookup(assetID)
	if err != nil {
		return nil, err
	}
	return e.tokenAmountFromUsd(ctx, a, usdAmount)
}

func (e *Engine) tokenAmountFromUsd(ctx context.Context, a *asset, usdAmount *big.Int) (*big.Int, error) {
	price, err := a.adapter.Price(ctx)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDiv(usdAmount, precision, price), nil
}

// AccountCollateralValueUsd sums the USD value of a user's collateral across
// every registered asset.
func (e *Engine) AccountCollateralValueUsd(ctx context.Context, user string) (*big.Int, error) {
	return e.collateralValueOn(ctx, e.state.Load(), user)
}

func (e *Engine) collateralValueOn(ctx context.Context, st *state, user string) (*big.Int, error) {
	total := new(big.Int)
	for _, id := range e.order {
		amount := st.collateralOf(user, id)
		if amount.Sign() == 0 {
			continue
		}
		price, err := e.assets[id].adapter.Price(ctx)
		if err != nil {
			return nil, err
		}
		total.Add(total, fixedpoint.MulDiv(price, amount, precision))
	}
	return total, nil
}

// HealthFactor returns the user's solvency ratio in 1e18 fixed point, or nil
// when the user has no debt and is unconditionally healthy.
func (e *Engine) HealthFactor(ctx context.Context, user string) (*big.Int, error) {
	return e.healthFactorOn(ctx, e.state.Load(), user)
}

// healthFactorOn computes adjustedCollateral * 1e18 / debt on the given
// ledger snapshot. The division never runs for zero debt.
func (e *Engine) healthFactorOn(ctx context.Context, st *state, user string) (*big.Int, error) {
	debt := st.debtOf(user)
	if debt.Sign() == 0 {
		return nil, nil
	}
	collateralUsd, err := e.collateralValueOn(ctx, st, user)
	if err != nil {
		return nil, err
	}
	adjusted := fixedpoint.MulDiv(collateralUsd, liquidationThreshold, liquidationPrecision)
	return fixedpoint.MulDiv(adjusted, precision, debt), nil
}

// requireHealthy asserts the user's health factor on the snapshot is at
// least the minimum.
func (e *Engine) requireHealthy(ctx context.Context, st *state, user string) error {
	hf, err := e.healthFactorOn(ctx, st, user)
	if err != nil {
		return err
	}
	if hf == nil {
		return nil
	}
	if hf.Cmp(minHealthFactor) < 0 {
		return &HealthFactorBrokenError{User: user, HealthFactor: hf}
	}
	return nil
}

// --- Read surface ---

// CollateralBalanceOf returns the committed (user, asset) position.
func (e *Engine) CollateralBalanceOf(user, assetID string) *big.Int {
	return e.state.Load().collateralOf(user, assetID)
}

// DebtOf returns the user's committed minted debt.
func (e *Engine) DebtOf(user string) *big.Int {
	return e.state.Load().debtOf(user)
}

// CollateralAssets returns the registered asset identifiers in registration
// order.
func (e *Engine) CollateralAssets() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// AccountInformation assembles the full ledger view for one user from a
// single committed snapshot.
func (e *Engine) AccountInformation(ctx context.Context, user string) (*model.Account, error) {
	st := e.state.Load()
	balances := make([]model.CollateralBalance, 0, len(e.order))
	for _, id := range e.order {
		balances = append(balances, model.CollateralBalance{
			Asset:  id,
			Amount: st.collateralOf(user, id),
		})
	}
	totalUsd, err := e.collateralValueOn(ctx, st, user)
	if err != nil {
		return nil, err
	}
	hf, err := e.healthFactorOn(ctx, st, user)
	if err != nil {
		return nil, err
	}
	return &model.Account{
		User:               user,
		Collateral:         balances,
		TotalCollateralUsd: totalUsd,
		DebtMinted:         st.debtOf(user),
		HealthFactor:       hf,
	}, nil
}

// newEvent stamps an event record. debtCover is liquidation-only.
func newEvent(eventType, actor, onBehalf, assetID string, amount, debtCover *big.Int) model.Event {
	ev := model.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Actor:     actor,
		OnBehalf:  onBehalf,
		Asset:     assetID,
		Amount:    amount.String(),
		Timestamp: time.Now().UTC(),
	}
	if debtCover != nil {
		ev.DebtCover = debtCover.String()
	}
	return ev
}
