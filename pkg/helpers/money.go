package helpers

import "math/big"

// ZeroMoney returns a fresh zero-valued amount.
func ZeroMoney() *big.Int {
	return new(big.Int)
}

// MoneyLess reports whether a < b. Nil is treated as zero.
func MoneyLess(a, b *big.Int) bool {
	return orZero(a).Cmp(orZero(b)) < 0
}

// MoneyLessOrEqual reports whether a <= b. Nil is treated as zero.
func MoneyLessOrEqual(a, b *big.Int) bool {
	return orZero(a).Cmp(orZero(b)) <= 0
}

// MoneyAdd returns a + b as a new value.
func MoneyAdd(a, b *big.Int) *big.Int {
	return new(big.Int).Add(orZero(a), orZero(b))
}

// MoneySub returns a - b as a new value. Callers must ensure a >= b; the
// marketplace never represents a negative amount.
func MoneySub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(orZero(a), orZero(b))
}

// BasisPointsOf returns floor(amount * bps / 10_000).
func BasisPointsOf(amount *big.Int, bps uint16) *big.Int {
	product := new(big.Int).Mul(orZero(amount), big.NewInt(int64(bps)))
	return product.Div(product, big.NewInt(10_000))
}

// FivePercentStep returns floor(amount / 100) * 5, the minimum bid raise.
// This is floor-then-multiply, not BasisPointsOf's multiply-then-floor —
// the two diverge whenever amount is not a multiple of 100 (e.g. amount=199
// gives 5 here, not 9), and the marketplace's minimum-raise rule is defined
// in terms of the former.
func FivePercentStep(amount *big.Int) *big.Int {
	quotient := new(big.Int).Div(orZero(amount), big.NewInt(100))
	return quotient.Mul(quotient, big.NewInt(5))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
