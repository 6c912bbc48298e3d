// Package domain holds the core value types shared by every staking and
// reward component: amounts, opaque identifiers, staking positions, pending
// operations, and the sentinel errors handlers return.
package domain

import (
	"fmt"
	"math/big"
)

// Amount is a non-negative arbitrary-precision integer. It is carried as a
// decimal string on the wire and as a *big.Int in memory; no float64 ever
// enters persisted state.
type Amount struct {
	v *big.Int
}

// ZeroAmount is the additive identity.
func ZeroAmount() Amount { return Amount{v: big.NewInt(0)} }

// NewAmount wraps n as an Amount. A nil n is treated as zero.
func NewAmount(n *big.Int) Amount {
	if n == nil {
		return ZeroAmount()
	}
	return Amount{v: new(big.Int).Set(n)}
}

// AmountFromUint64 builds an Amount from a uint64.
func AmountFromUint64(n uint64) Amount {
	return Amount{v: new(big.Int).SetUint64(n)}
}

// ParseAmount parses a base-10 string into an Amount. Negative strings are
// rejected: amounts are always non-negative per the data model.
func ParseAmount(s string) (Amount, error) {
	if s == "" {
		return ZeroAmount(), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("invalid amount %q", s)
	}
	if n.Sign() < 0 {
		return Amount{}, fmt.Errorf("negative amount %q", s)
	}
	return Amount{v: n}, nil
}

func (a Amount) big() *big.Int {
	if a.v == nil {
		return big.NewInt(0)
	}
	return a.v
}

// Int returns the underlying *big.Int. The caller must not mutate it.
func (a Amount) Int() *big.Int { return a.big() }

// String renders the amount as a base-10 decimal string.
func (a Amount) String() string { return a.big().String() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.big().Sign() == 0 }

// Sign returns -1, 0, or 1 per big.Int.Sign. Amounts should never be
// negative in persisted state, but arithmetic intermediates may transiently
// go negative before a guard rejects them.
func (a Amount) Sign() int { return a.big().Sign() }

// Cmp compares two amounts the way big.Int.Cmp does.
func (a Amount) Cmp(b Amount) int { return a.big().Cmp(b.big()) }

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{v: new(big.Int).Add(a.big(), b.big())} }

// Sub returns a - b. Callers that must not go negative should check Cmp
// first; Sub itself does not clamp.
func (a Amount) Sub(b Amount) Amount { return Amount{v: new(big.Int).Sub(a.big(), b.big())} }

// Mul returns a * b.
func (a Amount) Mul(b Amount) Amount { return Amount{v: new(big.Int).Mul(a.big(), b.big())} }

// MulUint64 returns a * n.
func (a Amount) MulUint64(n uint64) Amount {
	return Amount{v: new(big.Int).Mul(a.big(), new(big.Int).SetUint64(n))}
}

// DivUint64 returns floor(a / n). Division by zero panics, matching big.Int.
func (a Amount) DivUint64(n uint64) Amount {
	return Amount{v: new(big.Int).Div(a.big(), new(big.Int).SetUint64(n))}
}

// Div returns floor(a / b). Division by zero panics, matching big.Int.
func (a Amount) Div(b Amount) Amount { return Amount{v: new(big.Int).Div(a.big(), b.big())} }

// MulDiv returns floor(a * num / den), computing the intermediate product at
// full width before dividing once, the pattern the spec requires for every
// fee/weight split (§3, §4.5).
func MulDiv(a Amount, num, den uint64) Amount {
	prod := new(big.Int).Mul(a.big(), new(big.Int).SetUint64(num))
	return Amount{v: prod.Div(prod, new(big.Int).SetUint64(den))}
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string into the amount.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
