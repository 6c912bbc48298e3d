package domain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds from spec §7. Handlers compare against these with
// errors.Is; the richer typed errors below wrap one of them so that
// structured context travels with the error without losing the sentinel.
var (
	ErrPolicyViolation    = errors.New("policy violation")
	ErrDuplicatePending   = errors.New("duplicate pending operation")
	ErrConfirmationMismatch = errors.New("confirmation mismatch")
	ErrDistributionTooSoon  = errors.New("distribution requested too soon")
	ErrNotFound             = errors.New("not found")
)

// DuplicatePendingError reports which (staker, token, kind) triple already
// has a live pending operation. Modeled on the teacher's
// core/...staking_rewards EmissionCapHitError: a typed error that still
// satisfies errors.Is(err, ErrDuplicatePending) via Unwrap, while carrying
// enough context for the caller to log or render a useful message.
type DuplicatePendingError struct {
	Key      PendingKey
	Existing OperationID
}

func (e *DuplicatePendingError) Error() string {
	return fmt.Sprintf("duplicate pending %s operation for staker=%s token=%s (existing id %s)",
		e.Key.Kind, e.Key.Staker, e.Key.Token, e.Existing)
}

func (e *DuplicatePendingError) Unwrap() error { return ErrDuplicatePending }

// PolicyViolationError reports why a handler refused to act: paused,
// unauthorized caller, disallowed token, or a non-positive amount (spec §7).
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string { return "policy violation: " + e.Reason }

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// ConfirmationMismatchError reports why a confirmation message was rejected:
// unknown id, wrong kind, wrong status, or wrong AMM.
type ConfirmationMismatchError struct {
	Reason string
	ID     OperationID
}

func (e *ConfirmationMismatchError) Error() string {
	return fmt.Sprintf("confirmation mismatch for %s: %s", e.ID, e.Reason)
}

func (e *ConfirmationMismatchError) Unwrap() error { return ErrConfirmationMismatch }

// DistributionTooSoonError reports the remaining cooldown on an emission tick.
type DistributionTooSoonError struct {
	LastTick      int64
	MinIntervalS  int64
	RequestedAt   int64
}

func (e *DistributionTooSoonError) Error() string {
	wait := e.LastTick + e.MinIntervalS - e.RequestedAt
	return fmt.Sprintf("distribution too soon: wait %ds", wait)
}

func (e *DistributionTooSoonError) Unwrap() error { return ErrDistributionTooSoon }

// Wrap adds context to err, mirroring the teacher's pkg/utils.Wrap. It
// returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
