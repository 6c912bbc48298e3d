package ilpolicy

import (
	"testing"

	"github.com/zoka-agari/high-stable/internal/domain"
)

func TestCompensateZeroWhenNoPriceMove(t *testing.T) {
	p := NewConstantProductPolicy()
	got := p.Compensate(Input{
		InitialUserTokenAmount: domain.AmountFromUint64(100),
		InitialMintTokenAmount: domain.AmountFromUint64(200),
		WithdrawnUserToken:     domain.AmountFromUint64(100),
		WithdrawnMintToken:     domain.AmountFromUint64(200),
	})
	if !got.IsZero() {
		t.Fatalf("expected zero IL compensation for unchanged split, got %s", got.String())
	}
}

func TestCompensateNonNegativeOnPriceMove(t *testing.T) {
	p := NewConstantProductPolicy()
	got := p.Compensate(Input{
		InitialUserTokenAmount: domain.AmountFromUint64(1_000_000),
		InitialMintTokenAmount: domain.AmountFromUint64(2_000_000),
		WithdrawnUserToken:     domain.AmountFromUint64(900_000),
		WithdrawnMintToken:     domain.AmountFromUint64(2_400_000),
	})
	if got.Sign() < 0 {
		t.Fatalf("IL compensation must never be negative, got %s", got.String())
	}
}

func TestCompensateZeroOnZeroCostBasis(t *testing.T) {
	p := NewConstantProductPolicy()
	got := p.Compensate(Input{
		InitialUserTokenAmount: domain.ZeroAmount(),
		InitialMintTokenAmount: domain.AmountFromUint64(100),
		WithdrawnUserToken:     domain.AmountFromUint64(10),
		WithdrawnMintToken:     domain.AmountFromUint64(20),
	})
	if !got.IsZero() {
		t.Fatalf("expected zero when initial user amount is zero, got %s", got.String())
	}
}
