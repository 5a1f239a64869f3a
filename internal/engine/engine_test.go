package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/thomasender/dsc-engine/internal/engine"
	"github.com/thomasender/dsc-engine/internal/fixedpoint"
	"github.com/thomasender/dsc-engine/internal/oracle"
	"github.com/thomasender/dsc-engine/internal/token"
)

const reserve = "dsc-engine-reserve"

// wei converts whole units to 18-decimal base units.
func wei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.One)
}

// price8 scales a whole-dollar price to an 8-decimal feed quote.
func price8(usd int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(usd), fixedpoint.Pow10(8))
}

type env struct {
	eng      *engine.Engine
	weth     *token.Bank
	dsc      *token.Bank
	wethFeed *oracle.StaticFeed
}

// newEnv creates an engine with one WETH collateral asset at the given
// dollar price, backed by in-memory banks.
func newEnv(t *testing.T, usdPrice int64) *env {
	t.Helper()
	feed := oracle.NewStaticFeed(price8(usdPrice), 8)
	weth := token.NewBank("WETH", reserve)
	dsc := token.NewBank("DSC", reserve)

	eng, err := engine.New(reserve,
		[]string{"WETH"},
		[]oracle.PriceFeed{feed},
		[]token.Collateral{weth},
		dsc,
	)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return &env{eng: eng, weth: weth, dsc: dsc, wethFeed: feed}
}

// deposit funds the user's wallet and deposits amount of WETH.
func (e *env) deposit(t *testing.T, user string, amount *big.Int) {
	t.Helper()
	e.weth.Credit(user, amount)
	if _, err := e.eng.DepositCollateral(context.Background(), user, "WETH", amount); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

// --- Construction ---

func TestNew_ListLengthMismatch(t *testing.T) {
	feed := oracle.NewStaticFeed(price8(2000), 8)
	weth := token.NewBank("WETH", reserve)
	dsc := token.NewBank("DSC", reserve)

	_, err := engine.New(reserve,
		[]string{"WETH", "WBTC"},
		[]oracle.PriceFeed{feed},
		[]token.Collateral{weth},
		dsc,
	)
	if !errors.Is(err, engine.ErrConfigMismatch) {
		t.Errorf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestNew_DuplicateAsset(t *testing.T) {
	feed := oracle.NewStaticFeed(price8(2000), 8)
	weth := token.NewBank("WETH", reserve)
	dsc := token.NewBank("DSC", reserve)

	_, err := engine.New(reserve,
		[]string{"WETH", "WETH"},
		[]oracle.PriceFeed{feed, feed},
		[]token.Collateral{weth, weth},
		dsc,
	)
	if !errors.Is(err, engine.ErrConfigMismatch) {
		t.Errorf("expected ErrConfigMismatch for duplicate asset, got %v", err)
	}
}

// --- Value conversion ---

func TestUsdValue_EightDecimalFeed(t *testing.T) {
	e := newEnv(t, 2000) // $2000.00000000 on an 8-decimal feed

	usd, err := e.eng.UsdValue(context.Background(), "WETH", wei(15))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if usd.Cmp(wei(30000)) != 0 {
		t.Errorf("expected 30000e18, got %s", usd)
	}
}

func TestTokenAmountFromUsd(t *testing.T) {
	e := newEnv(t, 2000)

	amount, err := e.eng.TokenAmountFromUsd(context.Background(), "WETH", wei(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 USD at $2000/WETH = 0.05 WETH.
	want := new(big.Int).Quo(fixedpoint.One, big.NewInt(20))
	if amount.Cmp(want) != 0 {
		t.Errorf("expected 0.05e18, got %s", amount)
	}
}

func TestConversions_ApproximateInverses(t *testing.T) {
	e := newEnv(t, 1777) // awkward price to force truncation
	ctx := context.Background()

	x := big.NewInt(123456789123456789)
	usd, err := e.eng.UsdValue(ctx, "WETH", x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := e.eng.TokenAmountFromUsd(ctx, "WETH", usd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	diff := new(big.Int).Sub(x, back)
	if diff.Sign() < 0 {
		t.Errorf("round trip must not exceed input: x=%s back=%s", x, back)
	}
	if diff.Cmp(big.NewInt(2)) > 0 {
		t.Errorf("round trip off by more than truncation: x=%s back=%s", x, back)
	}
}

func TestUsdValue_UnknownAsset(t *testing.T) {
	e := newEnv(t, 2000)

	_, err := e.eng.UsdValue(context.Background(), "DOGE", wei(1))
	if !errors.Is(err, engine.ErrAssetNotAllowed) {
		t.Errorf("expected ErrAssetNotAllowed, got %v", err)
	}
}

// --- Deposit ---

func TestDepositCollateral_UpdatesLedgerAndPullsTokens(t *testing.T) {
	e := newEnv(t, 2000)
	e.weth.Credit("alice", wei(10))

	events, err := e.eng.DepositCollateral(context.Background(), "alice", "WETH", wei(10))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if got := e.eng.CollateralBalanceOf("alice", "WETH"); got.Cmp(wei(10)) != 0 {
		t.Errorf("expected ledger balance 10e18, got %s", got)
	}
	if got := e.weth.BalanceOf(reserve); got.Cmp(wei(10)) != 0 {
		t.Errorf("expected reserve to hold 10e18, got %s", got)
	}
	if got := e.weth.BalanceOf("alice"); got.Sign() != 0 {
		t.Errorf("expected alice wallet empty, got %s", got)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != "collateral_deposited" || ev.Actor != "alice" || ev.Asset != "WETH" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Amount != wei(10).String() {
		t.Errorf("expected amount %s, got %s", wei(10), ev.Amount)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("expected stamped event id and timestamp")
	}
}

func TestDepositCollateral_ZeroAmount(t *testing.T) {
	e := newEnv(t, 2000)

	_, err := e.eng.DepositCollateral(context.Background(), "alice", "WETH", big.NewInt(0))
	if !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestDepositCollateral_UnknownAsset(t *testing.T) {
	e := newEnv(t, 2000)

	_, err := e.eng.DepositCollateral(context.Background(), "alice", "DOGE", wei(1))
	if !errors.Is(err, engine.ErrAssetNotAllowed) {
		t.Errorf("expected ErrAssetNotAllowed, got %v", err)
	}
}

func TestDepositCollateral_TransferFailureRollsBack(t *testing.T) {
	e := newEnv(t, 2000)
	// alice has no WETH, so the pull fails.

	_, err := e.eng.DepositCollateral(context.Background(), "alice", "WETH", wei(10))
	if !errors.Is(err, engine.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if got := e.eng.CollateralBalanceOf("alice", "WETH"); got.Sign() != 0 {
		t.Errorf("ledger must be untouched after failed pull, got %s", got)
	}
}

// --- Mint ---

func TestMintDsc_WithinLimit(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10)) // 20000 USD of collateral

	// 50% threshold allows up to 10000 DSC; 9999 is just inside.
	if _, err := e.eng.MintDsc(context.Background(), "alice", wei(9999)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	if got := e.eng.DebtOf("alice"); got.Cmp(wei(9999)) != 0 {
		t.Errorf("expected debt 9999e18, got %s", got)
	}
	if got := e.dsc.BalanceOf("alice"); got.Cmp(wei(9999)) != 0 {
		t.Errorf("expected alice to hold 9999 DSC, got %s", got)
	}

	hf, err := e.eng.HealthFactor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	if hf.Cmp(engine.MinHealthFactor()) < 0 {
		t.Errorf("expected healthy position, got %s", hf)
	}
}

func TestMintDsc_BeyondLimitRollsBack(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10)) // 20000 USD of collateral

	_, err := e.eng.MintDsc(context.Background(), "alice", wei(10001))
	if !errors.Is(err, engine.ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}

	var broken *engine.HealthFactorBrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("expected HealthFactorBrokenError, got %T", err)
	}
	if broken.HealthFactor == nil || broken.HealthFactor.Cmp(engine.MinHealthFactor()) >= 0 {
		t.Errorf("expected diagnostic ratio below minimum, got %v", broken.HealthFactor)
	}

	if got := e.eng.DebtOf("alice"); got.Sign() != 0 {
		t.Errorf("debt must be rolled back, got %s", got)
	}
	if got := e.dsc.BalanceOf("alice"); got.Sign() != 0 {
		t.Errorf("no DSC may be minted, got %s", got)
	}
}

func TestMintDsc_NoCollateral(t *testing.T) {
	e := newEnv(t, 2000)

	_, err := e.eng.MintDsc(context.Background(), "alice", wei(1))
	if !errors.Is(err, engine.ErrHealthFactorBroken) {
		t.Errorf("expected ErrHealthFactorBroken, got %v", err)
	}
}

func TestMintDsc_ExternalMintFailureRollsBack(t *testing.T) {
	feed := oracle.NewStaticFeed(price8(2000), 8)
	weth := token.NewBank("WETH", reserve)
	stable := &flakyStable{Bank: token.NewBank("DSC", reserve), failMint: true}

	eng, err := engine.New(reserve,
		[]string{"WETH"}, []oracle.PriceFeed{feed}, []token.Collateral{weth}, stable)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}

	weth.Credit("alice", wei(10))
	if _, err := eng.DepositCollateral(context.Background(), "alice", "WETH", wei(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err = eng.MintDsc(context.Background(), "alice", wei(100))
	if !errors.Is(err, engine.ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if got := eng.DebtOf("alice"); got.Sign() != 0 {
		t.Errorf("debt must be rolled back after mint failure, got %s", got)
	}
}

// --- Composite deposit and mint ---

func TestDepositCollateralAndMintDsc(t *testing.T) {
	e := newEnv(t, 2000)
	e.weth.Credit("alice", wei(10))

	events, err := e.eng.DepositCollateralAndMintDsc(context.Background(), "alice", "WETH", wei(10), wei(5000))
	if err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected deposit and mint events, got %d", len(events))
	}
	if got := e.eng.CollateralBalanceOf("alice", "WETH"); got.Cmp(wei(10)) != 0 {
		t.Errorf("expected collateral 10e18, got %s", got)
	}
	if got := e.eng.DebtOf("alice"); got.Cmp(wei(5000)) != 0 {
		t.Errorf("expected debt 5000e18, got %s", got)
	}
}

func TestDepositCollateralAndMintDsc_BrokenHealthIsAllOrNothing(t *testing.T) {
	e := newEnv(t, 2000)
	e.weth.Credit("alice", wei(10))

	_, err := e.eng.DepositCollateralAndMintDsc(context.Background(), "alice", "WETH", wei(10), wei(10001))
	if !errors.Is(err, engine.ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	if got := e.eng.CollateralBalanceOf("alice", "WETH"); got.Sign() != 0 {
		t.Errorf("deposit leg must not commit, got %s", got)
	}
	if got := e.weth.BalanceOf("alice"); got.Cmp(wei(10)) != 0 {
		t.Errorf("alice wallet must be untouched, got %s", got)
	}
}

func TestDepositCollateralAndMintDsc_MintFailureReturnsCollateral(t *testing.T) {
	feed := oracle.NewStaticFeed(price8(2000), 8)
	weth := token.NewBank("WETH", reserve)
	stable := &flakyStable{Bank: token.NewBank("DSC", reserve), failMint: true}

	eng, err := engine.New(reserve,
		[]string{"WETH"}, []oracle.PriceFeed{feed}, []token.Collateral{weth}, stable)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	weth.Credit("alice", wei(10))

	_, err = eng.DepositCollateralAndMintDsc(context.Background(), "alice", "WETH", wei(10), wei(100))
	if !errors.Is(err, engine.ErrMintFailed) {
		t.Fatalf("expected ErrMintFailed, got %v", err)
	}
	if got := weth.BalanceOf("alice"); got.Cmp(wei(10)) != 0 {
		t.Errorf("collateral must be returned after mint failure, got %s", got)
	}
	if got := eng.CollateralBalanceOf("alice", "WETH"); got.Sign() != 0 {
		t.Errorf("ledger must be untouched, got %s", got)
	}
}

// --- Redeem ---

func TestRedeemCollateral_NoDebt(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10))

	if _, err := e.eng.RedeemCollateral(context.Background(), "alice", "WETH", wei(10)); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if got := e.weth.BalanceOf("alice"); got.Cmp(wei(10)) != 0 {
		t.Errorf("expected tokens back in wallet, got %s", got)
	}
	if got := e.eng.CollateralBalanceOf("alice", "WETH"); got.Sign() != 0 {
		t.Errorf("expected empty position, got %s", got)
	}
}

func TestRedeemCollateral_BreakingHealthFailsAtomically(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(context.Background(), "alice", wei(9000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	// Redeeming 2 WETH drops collateral to 16000 USD; adjusted 8000 < 9000.
	_, err := e.eng.RedeemCollateral(context.Background(), "alice", "WETH", wei(2))
	if !errors.Is(err, engine.ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}

	if got := e.eng.CollateralBalanceOf("alice", "WETH"); got.Cmp(wei(10)) != 0 {
		t.Errorf("position must be untouched, got %s", got)
	}
	if got := e.weth.BalanceOf("alice"); got.Sign() != 0 {
		t.Errorf("no tokens may leave the reserve, got %s", got)
	}
}

func TestRedeemCollateral_Underflow(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(1))

	_, err := e.eng.RedeemCollateral(context.Background(), "alice", "WETH", wei(2))
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Errorf("expected ErrInsufficientCollateral, got %v", err)
	}
}

// --- Burn ---

func TestBurnDsc_ReducesDebtAndSupply(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(context.Background(), "alice", wei(5000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	if _, err := e.eng.BurnDsc(context.Background(), "alice", wei(2000)); err != nil {
		t.Fatalf("burn failed: %v", err)
	}
	if got := e.eng.DebtOf("alice"); got.Cmp(wei(3000)) != 0 {
		t.Errorf("expected debt 3000e18, got %s", got)
	}
	if got := e.dsc.BalanceOf("alice"); got.Cmp(wei(3000)) != 0 {
		t.Errorf("expected wallet 3000 DSC, got %s", got)
	}
	if got := e.dsc.TotalSupply(); got.Cmp(wei(3000)) != 0 {
		t.Errorf("expected supply 3000 DSC after burn, got %s", got)
	}
}

func TestBurnDsc_Underflow(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(context.Background(), "alice", wei(100)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	_, err := e.eng.BurnDsc(context.Background(), "alice", wei(101))
	if !errors.Is(err, engine.ErrInsufficientDebt) {
		t.Errorf("expected ErrInsufficientDebt, got %v", err)
	}
}

func TestBurnDsc_BrokenHealthDestroysNothing(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(ctx, "alice", wei(9000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	// Crash to $1000: 10000 USD backing 9000 DSC, health factor 0.555.
	// A partial burn leaves the factor below minimum and must be rejected
	// before any DSC is pulled or destroyed.
	e.wethFeed.SetPrice(price8(1000))

	_, err := e.eng.BurnDsc(ctx, "alice", wei(1000))
	if !errors.Is(err, engine.ErrHealthFactorBroken) {
		t.Fatalf("expected ErrHealthFactorBroken, got %v", err)
	}
	if got := e.dsc.BalanceOf("alice"); got.Cmp(wei(9000)) != 0 {
		t.Errorf("alice must keep her DSC after a rejected burn, got %s", got)
	}
	if got := e.dsc.TotalSupply(); got.Cmp(wei(9000)) != 0 {
		t.Errorf("supply must be unchanged, got %s", got)
	}
	if got := e.eng.DebtOf("alice"); got.Cmp(wei(9000)) != 0 {
		t.Errorf("debt must be unchanged, got %s", got)
	}
}

func TestBurnDsc_NeverDecreasesHealthFactor(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(ctx, "alice", wei(5000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	before, err := e.eng.HealthFactor(ctx, "alice")
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	if _, err := e.eng.BurnDsc(ctx, "alice", wei(1000)); err != nil {
		t.Fatalf("burn failed: %v", err)
	}
	after, err := e.eng.HealthFactor(ctx, "alice")
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	if after.Cmp(before) < 0 {
		t.Errorf("burning must not lower health: before=%s after=%s", before, after)
	}
}

// --- Redeem for DSC ---

func TestRedeemCollateralForDsc_FullExit(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(ctx, "alice", wei(5000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	// Burning the full debt first makes the full redemption solvent.
	events, err := e.eng.RedeemCollateralForDsc(ctx, "alice", "WETH", wei(10), wei(5000))
	if err != nil {
		t.Fatalf("composite failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected burn and redeem events, got %d", len(events))
	}
	if got := e.eng.DebtOf("alice"); got.Sign() != 0 {
		t.Errorf("expected zero debt, got %s", got)
	}
	if got := e.weth.BalanceOf("alice"); got.Cmp(wei(10)) != 0 {
		t.Errorf("expected full collateral back, got %s", got)
	}
}

// --- Health factor ---

func TestHealthFactor_NilForZeroDebt(t *testing.T) {
	e := newEnv(t, 2000)
	e.deposit(t, "alice", wei(10))

	hf, err := e.eng.HealthFactor(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hf != nil {
		t.Errorf("expected nil health factor for zero debt, got %s", hf)
	}
}

func TestHealthFactor_ExactRatio(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()
	e.deposit(t, "alice", wei(10)) // 20000 USD
	if _, err := e.eng.MintDsc(ctx, "alice", wei(10000)); err != nil {
		t.Fatalf("mint at exact limit should pass: %v", err)
	}

	hf, err := e.eng.HealthFactor(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 20000 * 50% / 10000 = exactly 1.0.
	if hf.Cmp(engine.MinHealthFactor()) != 0 {
		t.Errorf("expected health factor exactly 1e18, got %s", hf)
	}
}

func TestDeposit_NeverDecreasesHealthFactor(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(ctx, "alice", wei(5000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	before, err := e.eng.HealthFactor(ctx, "alice")
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	e.deposit(t, "alice", wei(5))
	after, err := e.eng.HealthFactor(ctx, "alice")
	if err != nil {
		t.Fatalf("health factor failed: %v", err)
	}
	if after.Cmp(before) < 0 {
		t.Errorf("depositing must not lower health: before=%s after=%s", before, after)
	}
}

// --- Account view ---

func TestAccountInformation(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()
	e.deposit(t, "alice", wei(10))
	if _, err := e.eng.MintDsc(ctx, "alice", wei(5000)); err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	account, err := e.eng.AccountInformation(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.User != "alice" {
		t.Errorf("expected user alice, got %s", account.User)
	}
	if account.TotalCollateralUsd.Cmp(wei(20000)) != 0 {
		t.Errorf("expected 20000e18 collateral value, got %s", account.TotalCollateralUsd)
	}
	if account.DebtMinted.Cmp(wei(5000)) != 0 {
		t.Errorf("expected 5000e18 debt, got %s", account.DebtMinted)
	}
	if account.HealthFactor == nil {
		t.Fatal("expected health factor for indebted account")
	}
	// 10000 * 1e18 / 5000 = 2e18.
	if account.HealthFactor.Cmp(wei(2)) != 0 {
		t.Errorf("expected health factor 2e18, got %s", account.HealthFactor)
	}
}

// --- Reentrancy ---

// reentrantToken wraps a bank and re-enters the engine during the first
// TransferFrom, recording the error the inner call returns.
type reentrantToken struct {
	*token.Bank
	attack    func(ctx context.Context) error
	attacked  bool
	attackErr error
}

func (r *reentrantToken) TransferFrom(ctx context.Context, from, to string, amount *big.Int) error {
	if !r.attacked {
		r.attacked = true
		r.attackErr = r.attack(ctx)
	}
	return r.Bank.TransferFrom(ctx, from, to, amount)
}

func TestReentrantCallFails(t *testing.T) {
	feed := oracle.NewStaticFeed(price8(2000), 8)
	bank := token.NewBank("WETH", reserve)
	dsc := token.NewBank("DSC", reserve)
	hostile := &reentrantToken{Bank: bank}

	eng, err := engine.New(reserve,
		[]string{"WETH"}, []oracle.PriceFeed{feed}, []token.Collateral{hostile}, dsc)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	hostile.attack = func(ctx context.Context) error {
		_, err := eng.MintDsc(ctx, "attacker", wei(1))
		return err
	}

	bank.Credit("attacker", wei(1))
	if _, err := eng.DepositCollateral(context.Background(), "attacker", "WETH", wei(1)); err != nil {
		t.Fatalf("outer deposit should still succeed: %v", err)
	}

	if !hostile.attacked {
		t.Fatal("attack did not run")
	}
	if !errors.Is(hostile.attackErr, engine.ErrReentrancy) {
		t.Errorf("expected ErrReentrancy from inner call, got %v", hostile.attackErr)
	}
}

// --- Concurrency ---

// gatedToken parks the first TransferFrom until released, so a test can hold
// an operation open mid-interaction.
type gatedToken struct {
	*token.Bank
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedToken) TransferFrom(ctx context.Context, from, to string, amount *big.Int) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Bank.TransferFrom(ctx, from, to, amount)
}

func TestConcurrentOperationsSerialize(t *testing.T) {
	feed := oracle.NewStaticFeed(price8(2000), 8)
	bank := token.NewBank("WETH", reserve)
	dsc := token.NewBank("DSC", reserve)
	gated := &gatedToken{
		Bank:    bank,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	eng, err := engine.New(reserve,
		[]string{"WETH"}, []oracle.PriceFeed{feed}, []token.Collateral{gated}, dsc)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	bank.Credit("alice", wei(1))
	bank.Credit("bob", wei(1))

	aliceErr := make(chan error, 1)
	go func() {
		_, err := eng.DepositCollateral(context.Background(), "alice", "WETH", wei(1))
		aliceErr <- err
	}()
	<-gated.entered // alice is parked inside her token pull

	bobErr := make(chan error, 1)
	go func() {
		_, err := eng.DepositCollateral(context.Background(), "bob", "WETH", wei(1))
		bobErr <- err
	}()

	// Bob's independent call must wait for alice, not fail.
	select {
	case err := <-bobErr:
		t.Fatalf("concurrent deposit finished while another was mid-flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	if err := <-aliceErr; err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	if err := <-bobErr; err != nil {
		t.Fatalf("queued deposit failed: %v", err)
	}
	if got := eng.CollateralBalanceOf("bob", "WETH"); got.Cmp(wei(1)) != 0 {
		t.Errorf("expected bob's deposit to commit, got %s", got)
	}
}

func TestConcurrentDepositsAllCommit(t *testing.T) {
	e := newEnv(t, 2000)
	ctx := context.Background()

	const users = 8
	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%d", i)
		e.weth.Credit(user, wei(1))
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = e.eng.DepositCollateral(ctx, user, "WETH", wei(1))
			// Interleave reads with the commits.
			e.eng.CollateralBalanceOf(user, "WETH")
			e.eng.DebtOf(user)
		}(i, user)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("deposit %d failed: %v", i, err)
		}
	}
	if got := e.weth.BalanceOf(reserve); got.Cmp(wei(users)) != 0 {
		t.Errorf("expected reserve to hold %d WETH, got %s", users, got)
	}
}

// --- Test doubles ---

// flakyStable embeds a bank and fails Mint on demand.
type flakyStable struct {
	*token.Bank
	failMint bool
}

func (f *flakyStable) Mint(ctx context.Context, to string, amount *big.Int) error {
	if f.failMint {
		return errors.New("mint disabled")
	}
	return f.Bank.Mint(ctx, to, amount)
}
