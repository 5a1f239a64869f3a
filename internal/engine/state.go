package engine

import "math/big"

// state holds the two ledgers the engine exclusively owns: per-user per-asset
// collateral and per-user minted debt. Operations never mutate the committed
// state directly; they clone it, apply effects to the clone, and the engine
// swaps the clone in only after every check and interaction has succeeded.
type state struct {
	collateral map[string]map[string]*big.Int // user → asset → native amount
	debt       map[string]*big.Int            // user → minted DSC
}

func newState() *state {
	return &state{
		collateral: make(map[string]map[string]*big.Int),
		debt:       make(map[string]*big.Int),
	}
}

// clone deep-copies both ledgers. Ledger cardinality is per-user entries, so
// this stays cheap at the scale the engine serializes anyway.
func (s *state) clone() *state {
	next := newState()
	for user, positions := range s.collateral {
		cp := make(map[string]*big.Int, len(positions))
		for asset, amount := range positions {
			cp[asset] = new(big.Int).Set(amount)
		}
		next.collateral[user] = cp
	}
	for user, amount := range s.debt {
		next.debt[user] = new(big.Int).Set(amount)
	}
	return next
}

// collateralOf returns a copy of the (user, asset) position, zero if absent.
func (s *state) collateralOf(user, asset string) *big.Int {
	if positions, ok := s.collateral[user]; ok {
		if amount, ok := positions[asset]; ok {
			return new(big.Int).Set(amount)
		}
	}
	return new(big.Int)
}

// debtOf returns a copy of the user's minted debt, zero if absent.
func (s *state) debtOf(user string) *big.Int {
	if amount, ok := s.debt[user]; ok {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}

func (s *state) addCollateral(user, asset string, amount *big.Int) {
	positions, ok := s.collateral[user]
	if !ok {
		positions = make(map[string]*big.Int)
		s.collateral[user] = positions
	}
	cur, ok := positions[asset]
	if !ok {
		cur = new(big.Int)
	}
	positions[asset] = new(big.Int).Add(cur, amount)
}

// subCollateral decrements the (user, asset) position. A decrement below
// zero fails the operation instead of wrapping.
func (s *state) subCollateral(user, asset string, amount *big.Int) error {
	cur := s.collateralOf(user, asset)
	if cur.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	s.collateral[user][asset] = cur.Sub(cur, amount)
	return nil
}

func (s *state) addDebt(user string, amount *big.Int) {
	cur, ok := s.debt[user]
	if !ok {
		cur = new(big.Int)
	}
	s.debt[user] = new(big.Int).Add(cur, amount)
}

// subDebt decrements the user's debt, failing on underflow.
func (s *state) subDebt(user string, amount *big.Int) error {
	cur := s.debtOf(user)
	if cur.Cmp(amount) < 0 {
		return ErrInsufficientDebt
	}
	s.debt[user] = cur.Sub(cur, amount)
	return nil
}
