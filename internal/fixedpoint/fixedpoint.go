// Package fixedpoint provides the canonical 18-decimal fixed-point integer
// arithmetic used for every USD-denominated and token quantity in the engine.
//
// All operations use *big.Int — never float64 for money. Division truncates
// toward zero; callers that need a different rounding mode do not exist in
// this codebase.
package fixedpoint

import "math/big"

// One is the canonical fixed-point scale, 1e18.
var One = MustBig("1000000000000000000")

// MustBig parses a base-10 integer literal or panics. For package-level
// constants only.
func MustBig(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("fixedpoint: invalid big integer constant " + value)
	}
	return v
}

// MulDiv computes (a * b) / den with truncating division. The intermediate
// product is exact, so the only precision loss is the final truncation.
func MulDiv(a, b, den *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, den)
}

// Pow10 returns 10^exp as a new big.Int. exp must be non-negative.
func Pow10(exp uint) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
