// Package registry implements the Operation Registry (spec §4.2): creation,
// status transitions, the verifyOperation gate used by every confirmation
// handler, and the staleness reaper. It is the persistent "continuation"
// for the stake/unstake state machines (spec §9 re-architecture guidance).
package registry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zoka-agari/high-stable/internal/domain"
	"github.com/zoka-agari/high-stable/internal/ledger"
)

// Registry creates and advances PendingOperation records via the Ledger.
type Registry struct {
	ledger       *ledger.Ledger
	logger       *logrus.Logger
	nowFunc      func() int64
	operationTTL int64
	seq          atomic.Uint64
}

// New constructs a Registry bound to led. nowFunc lets tests inject a fixed
// clock; a nil value defaults to the real wall clock.
func New(led *ledger.Ledger, logger *logrus.Logger, operationTimeoutSeconds int64, nowFunc func() int64) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if nowFunc == nil {
		nowFunc = func() int64 { return time.Now().Unix() }
	}
	return &Registry{ledger: led, logger: logger, nowFunc: nowFunc, operationTTL: operationTimeoutSeconds}
}

func (r *Registry) now() int64 { return r.nowFunc() }

// CreateParams bundles the inputs to Create (spec §4.2).
type CreateParams struct {
	Kind   domain.OperationKind
	Token  domain.TokenID
	Staker domain.StakerID
	Amount domain.Amount
	Amm    domain.AmmID
	// CurrentPosition is required for unstake creates: the registry copies
	// lpTokens and mintAmount from it as the operation's cost basis.
	CurrentPosition *domain.StakingPosition
}

// Create derives a deterministic OperationID, fills the cost-basis fields,
// and persists a new pending operation. It rejects a duplicate submit if a
// pending operation already exists for the (staker, token, kind) triple.
func (r *Registry) Create(p CreateParams) (domain.PendingOperation, error) {
	key := domain.Key(p.Staker, p.Token, p.Kind)
	if existing, ok := r.ledger.FindPending(key); ok {
		return domain.PendingOperation{}, &domain.DuplicatePendingError{Key: key, Existing: existing.ID}
	}

	now := r.now()
	id := r.deriveOperationID(p.Token, p.Kind, p.Staker, now)

	op := domain.PendingOperation{
		ID:        id,
		Kind:      p.Kind,
		Token:     p.Token,
		Sender:    p.Staker,
		Amount:    p.Amount,
		Amm:       p.Amm,
		Status:    domain.StatusPending,
		Timestamp: now,
	}
	switch p.Kind {
	case domain.OperationUnstake:
		if p.CurrentPosition != nil {
			op.LPTokens = ptrAmount(p.CurrentPosition.LPTokens)
			op.MintAmount = p.CurrentPosition.MintAmount
		}
	case domain.OperationStake:
		op.MintAmount = domain.ZeroAmount()
	}

	if err := r.ledger.SetPendingOperation(op); err != nil {
		return domain.PendingOperation{}, err
	}
	r.logger.WithFields(logrus.Fields{
		"id": id, "kind": p.Kind, "staker": p.Staker.String(), "token": p.Token.String(),
	}).Info("operation created")
	return op, nil
}

func ptrAmount(a domain.Amount) *domain.Amount { return &a }

// deriveOperationID implements spec §3: token-kind-staker-timestamp, plus a
// monotonic per-process counter resolving the §9 Open Question about
// same-second collisions without changing the lookup semantics (existence
// is enforced on the logical (staker,token,kind) triple, not on the id).
func (r *Registry) deriveOperationID(token domain.TokenID, kind domain.OperationKind, staker domain.StakerID, now int64) domain.OperationID {
	nonce := r.seq.Add(1)
	return domain.OperationID(fmt.Sprintf("%s-%s-%s-%d-%d", token.String(), kind, staker.String(), now, nonce))
}

// UpdateOperation persists an in-flight edit (e.g. filling mintAmount after
// a mint confirmation) without changing status.
func (r *Registry) UpdateOperation(op domain.PendingOperation) error {
	return r.ledger.UpdatePendingOperation(op)
}

// Get returns the stored operation by id.
func (r *Registry) Get(id domain.OperationID) (domain.PendingOperation, bool) {
	return r.ledger.GetPendingOperation(id)
}

// Complete transitions id: pending -> completed. Requires the operation to
// currently be pending.
func (r *Registry) Complete(id domain.OperationID) error {
	op, ok := r.ledger.GetPendingOperation(id)
	if !ok {
		return &domain.ConfirmationMismatchError{ID: id, Reason: "unknown id"}
	}
	if op.Status != domain.StatusPending {
		return &domain.ConfirmationMismatchError{ID: id, Reason: "not pending"}
	}
	return r.ledger.Complete(id)
}

// Fail transitions id: pending -> failed. Requires the operation to
// currently be pending.
func (r *Registry) Fail(id domain.OperationID) error {
	op, ok := r.ledger.GetPendingOperation(id)
	if !ok {
		return &domain.ConfirmationMismatchError{ID: id, Reason: "unknown id"}
	}
	if op.Status != domain.StatusPending {
		return &domain.ConfirmationMismatchError{ID: id, Reason: "not pending"}
	}
	return r.ledger.Fail(id)
}

// VerifyOperation is the single gate used by confirmation handlers (spec
// §4.2). It checks existence, kind, status, and — if expectedAmm is
// non-empty — that the confirming sender matches the operation's AMM.
func (r *Registry) VerifyOperation(id domain.OperationID, kind domain.OperationKind, expectedStatus domain.OperationStatus, expectedAmm domain.AmmID) (domain.PendingOperation, error) {
	op, ok := r.ledger.GetPendingOperation(id)
	if !ok {
		return domain.PendingOperation{}, &domain.ConfirmationMismatchError{ID: id, Reason: "unknown id"}
	}
	if op.Kind != kind {
		return domain.PendingOperation{}, &domain.ConfirmationMismatchError{ID: id, Reason: "wrong kind"}
	}
	if op.Status != expectedStatus {
		return domain.PendingOperation{}, &domain.ConfirmationMismatchError{ID: id, Reason: "wrong status"}
	}
	if len(expectedAmm) > 0 && !ammEqual(op.Amm, expectedAmm) {
		return domain.PendingOperation{}, &domain.ConfirmationMismatchError{ID: id, Reason: "wrong amm"}
	}
	return op, nil
}

func ammEqual(a, b domain.AmmID) bool { return a.String() == b.String() }

// CleanStaleOperations removes every pending record older than the
// configured OPERATION_TIMEOUT and returns the number removed (spec §4.2).
// It does not refund any custodied funds; that remains the operator's
// responsibility per spec §4.2/§9.
func (r *Registry) CleanStaleOperations() int {
	now := r.now()
	all := r.ledger.GetPendingOperations()
	removed := 0
	for id, op := range all {
		if op.Status != domain.StatusPending {
			continue
		}
		if op.IsStale(now, r.operationTTL) {
			if err := r.ledger.RemovePendingOperation(id); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		r.logger.WithField("removed", removed).Info("cleaned stale operations")
	}
	return removed
}

// CountPending returns the number of operations currently pending.
func (r *Registry) CountPending() int { return r.ledger.CountPendingOperations() }
