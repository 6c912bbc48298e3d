package domain

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestParseAmountRejectsNegative(t *testing.T) {
	if _, err := ParseAmount("-5"); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestParseAmountRejectsGarbage(t *testing.T) {
	if _, err := ParseAmount("not-a-number"); err == nil {
		t.Fatal("expected error for malformed amount")
	}
}

func TestAmountRoundTripsThroughJSON(t *testing.T) {
	a := AmountFromUint64(123456789)
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"123456789"` {
		t.Fatalf("unexpected encoding: %s", b)
	}
	var out Amount
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Cmp(a) != 0 {
		t.Fatalf("round-trip mismatch: got %s want %s", out.String(), a.String())
	}
}

func TestMulDivFloorsLikeSpecFeeExample(t *testing.T) {
	// Spec §8 scenario 3: profit=10, PROTOCOL_FEE_PERCENTAGE=1, FEE_DIVISOR=100
	// => protocolFee truncates to zero.
	profit := AmountFromUint64(10)
	fee := MulDiv(profit, 1, 100)
	if !fee.IsZero() {
		t.Fatalf("expected fee to floor to zero, got %s", fee.String())
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	huge := NewAmount(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil))
	got := MulDiv(huge, 3, 7)
	want := new(big.Int).Mul(huge.Int(), big.NewInt(3))
	want.Div(want, big.NewInt(7))
	if got.Int().Cmp(want) != 0 {
		t.Fatalf("MulDiv mismatch: got %s want %s", got.String(), want.String())
	}
}

func TestMinReturnsSmaller(t *testing.T) {
	a := AmountFromUint64(5)
	b := AmountFromUint64(9)
	if Min(a, b).Cmp(a) != 0 {
		t.Fatal("Min(5,9) should be 5")
	}
	if Min(b, a).Cmp(a) != 0 {
		t.Fatal("Min(9,5) should be 5")
	}
}
