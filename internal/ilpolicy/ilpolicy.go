// Package ilpolicy supplies the impermanent-loss compensation subroutine
// referenced, but not specified, by the unstake settlement (spec §4.4.1):
// "This spec leaves its exact formula to the IL policy; its contract is:
// deterministic in its inputs, always returns a valid Amount, and draws
// from a protocol-controlled reserve." The concrete policy here implements
// the standard constant-product-pool IL curve — LP value relative to
// holding is 2*sqrt(r)/(1+r), where r is the ratio by which the pooled
// pair's relative price moved since deposit — evaluated entirely in
// *big.Int fixed-point (no float64 ever touches settlement state), using
// math/big's Newton's-method Sqrt the way the teacher's constant-product
// pools (core/liquidity_pools.go, core/amm.go) compute pool math, just
// translated from their float64 prototypes into integer fixed-point.
package ilpolicy

import (
	"math/big"

	"github.com/zoka-agari/high-stable/internal/domain"
)

// precision is the fixed-point scale used for the ratio and sqrt
// intermediates; it is the same 10^8 scale the emission engine uses for
// periodRate (the emission engine's allocation PRECISION is 10^16).
var precision = big.NewInt(100_000_000) // 10^8

// Input bundles the cost basis and withdrawal amounts a policy needs to
// compute compensation. It never depends on wall-clock time: the caller
// (the unstake orchestrator) is solely responsible for any time-based
// adjustments such as MINT rebase (spec §4.4(c)), which is orthogonal to IL.
type Input struct {
	InitialUserTokenAmount domain.Amount
	InitialMintTokenAmount domain.Amount
	WithdrawnUserToken     domain.Amount
	WithdrawnMintToken     domain.Amount
}

// Policy computes a non-negative IL compensation amount, in the user token,
// for one unstake settlement.
type Policy interface {
	Compensate(in Input) domain.Amount
}

// ConstantProductPolicy implements the 2*sqrt(r)/(1+r) IL curve for a
// 50/50 constant-product pool position.
type ConstantProductPolicy struct{}

// NewConstantProductPolicy constructs the default IL policy.
func NewConstantProductPolicy() *ConstantProductPolicy { return &ConstantProductPolicy{} }

// Compensate implements Policy.
func (ConstantProductPolicy) Compensate(in Input) domain.Amount {
	if in.InitialUserTokenAmount.IsZero() || in.InitialMintTokenAmount.IsZero() {
		return domain.ZeroAmount()
	}
	if in.WithdrawnUserToken.IsZero() || in.WithdrawnMintToken.IsZero() {
		return domain.ZeroAmount()
	}

	// r (scaled by precision) approximates the relative price move of the
	// pooled pair since deposit, inferred from how the withdrawal split
	// diverged from the deposit split.
	num := new(big.Int).Mul(in.WithdrawnMintToken.Int(), in.InitialUserTokenAmount.Int())
	den := new(big.Int).Mul(in.InitialMintTokenAmount.Int(), in.WithdrawnUserToken.Int())
	if den.Sign() == 0 {
		return domain.ZeroAmount()
	}
	rScaled := new(big.Int).Mul(num, precision)
	rScaled.Div(rScaled, den)

	if rScaled.Cmp(precision) == 0 {
		// No price move: LP value equals holding value exactly, no IL.
		return domain.ZeroAmount()
	}

	// sqrtRScaled represents sqrt(r) * precision.
	sqrtRScaled := new(big.Int).Mul(rScaled, precision)
	sqrtRScaled.Sqrt(sqrtRScaled)

	// lpRatioScaled represents (2*sqrt(r)/(1+r)) * precision.
	lpRatioScaled := new(big.Int).Mul(sqrtRScaled, big.NewInt(2))
	lpRatioScaled.Mul(lpRatioScaled, precision)
	denom := new(big.Int).Add(precision, rScaled)
	lpRatioScaled.Div(lpRatioScaled, denom)

	if lpRatioScaled.Cmp(precision) >= 0 {
		// Rounding can push the ratio to/above 1.0; no loss to compensate.
		return domain.ZeroAmount()
	}
	ilFractionScaled := new(big.Int).Sub(precision, lpRatioScaled)

	comp := new(big.Int).Mul(in.InitialUserTokenAmount.Int(), ilFractionScaled)
	comp.Div(comp, precision)
	return domain.NewAmount(comp)
}
